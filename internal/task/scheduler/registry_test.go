package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greetbot/internal/eventbus"
	"greetbot/internal/task/engine"
	logx "greetbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// runAll executes every queued task in order.
func (f *fakeEnqueuer) runAll(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	tasks := f.tasks
	f.tasks = nil
	f.mu.Unlock()
	for _, task := range tasks {
		require.NoError(t, task.Run(context.Background()))
	}
}

type recorder struct {
	mu    sync.Mutex
	fired []Firing
}

func (r *recorder) callback(_ context.Context, f Firing) error {
	r.mu.Lock()
	r.fired = append(r.fired, f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) drain() []Firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.fired
	r.fired = nil
	return out
}

func newTestRegistry(t *testing.T, start time.Time) (*Registry, *fakeClock, *fakeEnqueuer) {
	t.Helper()
	clk := &fakeClock{t: start}
	enq := &fakeEnqueuer{}
	return NewRegistry(enq, WithClock(clk.Now)), clk, enq
}

func TestRegisterImmediateIndefiniteFiresEveryInterval(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, clk, enq := newTestRegistry(t, t0)
	rec := &recorder{}

	id, err := r.Register(JobSpec{
		Message:         "Happy Birthday!",
		IntervalSeconds: 86400,
		Start:           Immediate(),
		End:             Indefinite(),
		CreatorName:     "alice",
		ChatID:          42,
	}, rec.callback)
	require.NoError(t, err)

	enq.runAll(t)
	fired := rec.drain()
	require.Len(t, fired, 1, "immediate start fires on registration")
	assert.True(t, fired[0].At.Equal(t0))
	assert.Equal(t, "Happy Birthday!", fired[0].Spec.Message)

	for day := 1; day <= 3; day++ {
		clk.Advance(24 * time.Hour)
		r.fire(id)
		enq.runAll(t)
		fired = rec.drain()
		require.Len(t, fired, 1)
		assert.True(t, fired[0].At.Equal(t0.Add(time.Duration(day)*24*time.Hour)), "day %d", day)
		assert.Equal(t, day+1, fired[0].Seq)
	}

	// A second wake-up for the same occurrence is ignored.
	r.fire(id)
	assert.Equal(t, 0, enq.count())

	job, ok := r.Get(id)
	require.True(t, ok, "indefinite job never retires")
	assert.Equal(t, 4, job.Fires)
	assert.True(t, job.NextFire.Equal(t0.Add(4*24*time.Hour)))
}

func TestRegisterBoundedWindowRetiresAfterLastPoint(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, clk, enq := newTestRegistry(t, t0)
	bus := eventbus.New()
	r.bus = bus
	events, unsub := bus.Subscribe(32)
	defer unsub()
	rec := &recorder{}

	first := t0.Add(10 * time.Second)
	id, err := r.Register(JobSpec{
		Message:         "gm",
		IntervalSeconds: 10,
		Start:           StartAt(first),
		End:             EndAt(first.Add(25 * time.Second)),
		ChatID:          7,
	}, rec.callback)
	require.NoError(t, err)
	assert.Equal(t, 0, enq.count(), "future start does not fire on registration")

	// Early wake-up is a no-op.
	r.fire(id)
	assert.Equal(t, 0, enq.count())

	var at []time.Time
	clk.Set(first)
	for i := 0; i < 5; i++ {
		r.fire(id)
		enq.runAll(t)
		for _, f := range rec.drain() {
			at = append(at, f.At)
		}
		clk.Advance(10 * time.Second)
	}
	require.Equal(t, []time.Time{first, first.Add(10 * time.Second), first.Add(20 * time.Second)}, at)

	_, ok := r.Get(id)
	assert.False(t, ok, "job retired after last point within end")
	assert.Empty(t, r.List(7))

	var retired bool
	for len(events) > 0 {
		if e := <-events; e.Type == "schedule.retired" {
			retired = true
		}
	}
	assert.True(t, retired)
}

func TestRegisterStartPassedDuringConversation(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	r, _, enq := newTestRegistry(t, t0)
	rec := &recorder{}

	_, err := r.Register(JobSpec{
		Message:         "late",
		IntervalSeconds: 20,
		Start:           StartAt(t0.Add(-30 * time.Second)),
		End:             Indefinite(),
		ChatID:          1,
		CreatedAt:       t0.Add(-time.Minute),
	}, rec.callback)
	require.NoError(t, err)

	enq.runAll(t)
	fired := rec.drain()
	require.Len(t, fired, 1)
	assert.True(t, fired[0].At.Equal(t0.Add(-10*time.Second)), "serves the latest grid point")
}

func TestCancelIsIdempotentAndStopsFirings(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, clk, enq := newTestRegistry(t, t0)
	rec := &recorder{}

	id, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60, ChatID: 5}, rec.callback)
	require.NoError(t, err)
	enq.runAll(t)

	assert.True(t, r.Cancel(id))
	assert.False(t, r.Cancel(id))
	assert.False(t, r.Cancel("nope"))

	clk.Advance(time.Hour)
	r.fire(id)
	assert.Equal(t, 0, enq.count())
	assert.Empty(t, r.List(5))
}

func TestListIsScopedToChat(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, _, _ := newTestRegistry(t, t0)
	rec := &recorder{}
	spec := JobSpec{Message: "x", IntervalSeconds: 60, Start: StartAt(t0.Add(time.Hour)), CreatedAt: t0}

	a := spec
	a.ChatID = 100
	id1, err := r.Register(a, rec.callback)
	require.NoError(t, err)
	id2, err := r.Register(a, rec.callback)
	require.NoError(t, err)
	b := spec
	b.ChatID = 200
	_, err = r.Register(b, rec.callback)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2, "same chat and millisecond still yields distinct ids")
	assert.Equal(t, "100_"+strconv.FormatInt(t0.UnixMilli(), 10), id1)
	assert.Equal(t, "100_"+strconv.FormatInt(t0.UnixMilli()+1, 10), id2)

	listA := r.List(100)
	require.Len(t, listA, 2)
	for _, j := range listA {
		assert.Equal(t, int64(100), j.Spec.ChatID)
	}
	assert.Len(t, r.List(200), 1)

	none := r.List(300)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestRegisterRejectsInvalidSpecs(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, _, enq := newTestRegistry(t, t0)
	rec := &recorder{}

	_, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60}, nil)
	assert.ErrorIs(t, err, ErrNilCallback)

	_, err = r.Register(JobSpec{Message: "x", IntervalSeconds: 0}, rec.callback)
	assert.True(t, IsValidation(err))

	_, err = r.Register(JobSpec{
		Message:         "x",
		IntervalSeconds: 60,
		End:             EndAt(t0.Add(-30 * time.Minute)),
		CreatedAt:       t0.Add(-time.Hour),
	}, rec.callback)
	assert.ErrorIs(t, err, ErrWindowClosed)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, enq.count())
}

func TestEnqueueFailureSkipsOccurrenceButKeepsJob(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, _, enq := newTestRegistry(t, t0)
	rec := &recorder{}
	enq.err = engine.ErrQueueFull
	bus := eventbus.New()
	r.bus = bus
	events, unsub := bus.Subscribe(16)
	defer unsub()

	id, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60, ChatID: 9}, rec.callback)
	require.NoError(t, err)

	var skipped bool
	for len(events) > 0 {
		e := <-events
		if e.Type == "schedule.skipped" {
			skipped = true
			assert.Equal(t, id, e.Data.(Event).JobID)
		}
	}
	assert.True(t, skipped)
	_, ok := r.Get(id)
	assert.True(t, ok)
}

func TestCallbackErrorDoesNotRetireJob(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, clk, enq := newTestRegistry(t, t0)

	boom := errors.New("render failed")
	id, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60, ChatID: 3}, func(ctx context.Context, f Firing) error {
		return engine.NoRetry(boom)
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		enq.mu.Lock()
		tasks := enq.tasks
		enq.tasks = nil
		enq.mu.Unlock()
		require.Len(t, tasks, 1)
		assert.ErrorIs(t, tasks[0].Run(context.Background()), boom)
		clk.Advance(time.Minute)
		r.fire(id)
	}
	_, ok := r.Get(id)
	assert.True(t, ok)
}

func TestCronLoopFiresOnRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("uses wall clock")
	}
	enq := &fakeEnqueuer{}
	rec := &recorder{}
	r := NewRegistry(enq)
	r.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	}()

	id, err := r.Register(JobSpec{Message: "tick", IntervalSeconds: 1, ChatID: 1}, rec.callback)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return enq.count() >= 3 }, 5*time.Second, 20*time.Millisecond)
	require.True(t, r.Cancel(id))
	time.Sleep(100 * time.Millisecond)

	n := enq.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, enq.count(), "no firings after cancel")
}

func TestDispatchRunsEachOccurrenceAtMostOnce(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r, clk, enq := newTestRegistry(t, t0)
	rec := &recorder{}

	id, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60, ChatID: 4}, rec.callback)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	r.fire(id)

	enq.mu.Lock()
	tasks := enq.tasks
	enq.mu.Unlock()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, -1, task.Opt.RetryMax, "engine retries are off")
		assert.Equal(t, engine.OverlapSkipIfRunning, task.Opt.Overlap)
		require.NotNil(t, task.State)
	}
	assert.Same(t, tasks[0].State, tasks[1].State, "one run state per job")
	assert.Equal(t, id+"#1", tasks[0].ID)
	assert.Equal(t, id+"#2", tasks[1].ID)
}

func TestOccurrenceSkippedWhilePreviousStillRunning(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: t0}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	eng := engine.New(engine.Config{Enabled: true, Workers: 2, RetryMax: 3}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	r := NewRegistry(eng, WithClock(clk.Now), WithBus(bus))

	release := make(chan struct{})
	var mu sync.Mutex
	var seqs []int
	id, err := r.Register(JobSpec{Message: "x", IntervalSeconds: 60, ChatID: 6}, func(ctx context.Context, f Firing) error {
		mu.Lock()
		seqs = append(seqs, f.Seq)
		mu.Unlock()
		if f.Seq == 1 {
			<-release
		}
		return nil
	})
	require.NoError(t, err)

	waitFor := func(typ string) eventbus.Event {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case e := <-events:
				if e.Type == typ {
					return e
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %s", typ)
				return eventbus.Event{}
			}
		}
	}
	waitFor("task.started")

	clk.Advance(time.Minute)
	r.fire(id)
	skipped := waitFor("schedule.skipped").Data.(Event)
	assert.Equal(t, 2, skipped.Seq)
	assert.Equal(t, engine.ErrOverlapSkip.Error(), skipped.Reason)

	close(release)
	waitFor("task.finished")
	require.Eventually(t, func() bool { return eng.Snapshot().InFlight == 0 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Minute)
	r.fire(id)
	waitFor("task.finished")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 3}, seqs)
}
