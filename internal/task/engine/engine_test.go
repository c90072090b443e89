package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"greetbot/internal/eventbus"
	logx "greetbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, *eventbus.MemBus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRetriesUntilSuccess(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ev := waitEvent(t, events, "task.finished").Data.(TaskEvent)
	if ev.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ev.Attempts)
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	permanent := errors.New("exhausted")
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "final", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(permanent)
	}})

	ev := waitEvent(t, events, "task.failed").Data.(TaskEvent)
	if calls.Load() != 1 || ev.Attempts != 1 {
		t.Fatalf("calls=%d attempts=%d, want 1/1", calls.Load(), ev.Attempts)
	}
	if ev.Error != permanent.Error() {
		t.Fatalf("error = %q, want unwrapped %q", ev.Error, permanent.Error())
	}
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	_ = s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("bad") }})
	waitEvent(t, events, "task.failed")

	// The worker survives and keeps serving.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name:  "exclusive",
		State: st,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestEnqueueStoppedAndDisabled(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
	if err := s.Enqueue(Task{Name: " "}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry, rng)
		if d < 0 || d > opt.RetryMaxDelay {
			t.Fatalf("retry %d: delay %s out of bounds", retry, d)
		}
	}
	opt.RetryJitter = 0
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), rng); d != opt.RetryMaxDelay {
		t.Fatalf("hint not capped: %s", d)
	}
}

func TestApplyRestartDropsQueuedTasksAndReleasesState(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 4})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("enqueue busy: %v", err)
	}
	<-started

	st := &RunState{}
	var ran atomic.Int32
	queued := Task{
		Name:  "queued",
		State: st,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:   func(ctx context.Context) error { ran.Add(1); return nil },
	}
	if err := s.Enqueue(queued); err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "plain", Run: func(ctx context.Context) error { ran.Add(1); return nil }}); err != nil {
		t.Fatalf("enqueue plain: %v", err)
	}
	if n := s.Snapshot().QueueLen; n != 2 {
		t.Fatalf("queue len = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Enabled: true, Workers: 2, QueueSize: 4})

	snap := s.Snapshot()
	if snap.DroppedStopped != 2 || snap.Dropped != 2 {
		t.Fatalf("dropped_stopped=%d dropped=%d, want 2/2", snap.DroppedStopped, snap.Dropped)
	}
	if snap.Workers != 2 || snap.QueueLen != 0 {
		t.Fatalf("workers=%d queue_len=%d after restart", snap.Workers, snap.QueueLen)
	}
	ev := waitEvent(t, events, "task.dropped").Data.(TaskEvent)
	if ev.Error != "engine_stopped" {
		t.Fatalf("drop reason = %q", ev.Error)
	}
	if ran.Load() != 0 {
		t.Fatalf("dropped tasks ran %d times", ran.Load())
	}

	// The dropped task's run state is free again.
	if err := s.Enqueue(queued); err != nil {
		t.Fatalf("re-enqueue after restart: %v", err)
	}
	waitEvent(t, events, "task.finished")
}

func TestSnapshotKeepsBoundedHistory(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, HistorySize: 2})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	for _, name := range []string{"a", "b", "c"} {
		if err := s.Enqueue(Task{Name: name, Run: func(ctx context.Context) error { return nil }}); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		waitEvent(t, events, "task.finished")
	}
	// History is recorded just after the finished event.
	var h []HistoryItem
	deadline := time.Now().Add(time.Second)
	for {
		h = s.Snapshot().History
		if (len(h) > 0 && h[len(h)-1].Name == "c") || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(h) != 2 || h[0].Name != "b" || h[1].Name != "c" {
		t.Fatalf("history = %+v, want last two", h)
	}
}
