package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"greetbot/internal/eventbus"
	"greetbot/internal/task/engine"
	logx "greetbot/pkg/logx"
)

var (
	ErrNilCallback  = errors.New("scheduler: callback is nil")
	ErrWindowClosed = errors.New("scheduler: job window already ended")
)

// Firing is handed to the callback for one due occurrence.
type Firing struct {
	JobID string
	Spec  JobSpec
	At    time.Time // grid point being served
	Seq   int       // 1-based occurrence counter
}

// Callback performs one occurrence. It runs on a task engine worker.
type Callback func(ctx context.Context, f Firing) error

// Enqueuer is the part of engine.Service the registry needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job is a read-only snapshot of a registered job.
type Job struct {
	ID       string
	Spec     JobSpec
	NextFire time.Time
	LastFire time.Time
	Fires    int
}

// Event payload for schedule.* bus events.
type Event struct {
	JobID  string    `json:"job_id"`
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Next   time.Time `json:"next"`
	Seq    int       `json:"seq,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type scheduledJob struct {
	id    string
	spec  JobSpec
	sched windowSchedule
	cb    Callback
	entry cron.EntryID
	next  time.Time
	last  time.Time
	fires int
	// state keeps one occurrence of this job queued or running at a time.
	state *engine.RunState
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithTaskTimeout bounds a single callback attempt on the engine.
func WithTaskTimeout(d time.Duration) Option { return func(r *Registry) { r.taskTimeout = d } }

// Registry is the single owner of active jobs. All mutations go through mu;
// dispatch to the engine happens after mu is released.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	lastMS map[int64]int64 // chat -> last id millis handed out

	c           *cron.Cron
	running     bool
	engine      Enqueuer
	log         logx.Logger
	bus         eventbus.Bus
	now         func() time.Time
	loc         *time.Location
	taskTimeout time.Duration

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func NewRegistry(eng Enqueuer, opts ...Option) *Registry {
	r := &Registry{
		jobs:        map[string]*scheduledJob{},
		lastMS:      map[int64]int64{},
		engine:      eng,
		log:         logx.Nop(),
		now:         time.Now,
		loc:         time.UTC,
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(r)
	}
	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return r
}

// Start runs the trigger loop. Jobs registered before Start are kept.
func (r *Registry) Start(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.c.Start()
	r.log.Info("scheduler started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
}

// Stop halts triggering. In-flight callbacks on the engine are not waited for.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("scheduler stopped")
}

// Register stores the job and arms its first fire (explicit start or now).
// A first fire time that is already due, including an explicit start that
// passed while the conversation finished, is dispatched before Register returns.
func (r *Registry) Register(spec JobSpec, cb Callback) (string, error) {
	if cb == nil {
		return "", ErrNilCallback
	}
	now := r.now()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	if err := spec.validateShape(); err != nil {
		return "", err
	}
	if !spec.End.Indefinite() && !spec.End.At().After(now) {
		return "", ErrWindowClosed
	}

	ws := windowSchedule{
		first: spec.Start.effective(spec.CreatedAt),
		every: spec.Every(),
		end:   spec.End.At(),
	}

	r.mu.Lock()
	id := r.newIDLocked(spec.ChatID, spec.CreatedAt)
	j := &scheduledJob{id: id, spec: spec, sched: ws, cb: cb, state: &engine.RunState{}}
	if ws.first.After(now) {
		j.next = ws.first
	} else {
		j.next = ws.dueAt(now)
	}
	r.jobs[id] = j
	j.entry = r.c.Schedule(ws, cron.FuncJob(func() { r.fire(id) }))
	next := j.next
	r.mu.Unlock()

	r.log.Info("job registered",
		logx.String("job", id),
		logx.Int64("chat", spec.ChatID),
		logx.Int64("interval_s", spec.IntervalSeconds),
		logx.Time("first", ws.first),
		logx.Bool("indefinite", spec.End.Indefinite()),
	)
	r.publish("schedule.registered", Event{JobID: id, ChatID: spec.ChatID, Next: next})

	if !ws.first.After(now) {
		r.fire(id)
	}
	return id, nil
}

// Cancel removes a job from future consideration. Unknown or already
// canceled ids return false and change nothing.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.jobs, id)
	entry, chatID, fires := j.entry, j.spec.ChatID, j.fires
	r.mu.Unlock()

	r.c.Remove(entry)
	r.forgetEnqueueWarn(id)
	r.log.Info("job canceled", logx.String("job", id), logx.Int("fires", fires))
	r.publish("schedule.canceled", Event{JobID: id, ChatID: chatID})
	return true
}

// List returns the active jobs of one chat, oldest first.
func (r *Registry) List(chatID int64) []Job {
	r.mu.Lock()
	out := make([]Job, 0, 4)
	for _, j := range r.jobs {
		if j.spec.ChatID == chatID {
			out = append(out, j.snapshot())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].Spec.CreatedAt.Equal(out[b].Spec.CreatedAt) {
			return out[a].Spec.CreatedAt.Before(out[b].Spec.CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Len is the number of active jobs across all chats.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) Location() *time.Location { return r.loc }

// fire serves the occurrence due at now. It runs on a cron job goroutine
// (or inline from Register) and never blocks on the callback.
func (r *Registry) fire(id string) {
	now := r.now()

	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	occ := j.sched.dueAt(now)
	if occ.IsZero() || (!j.last.IsZero() && !occ.After(j.last)) {
		// early wake-up or an occurrence already served
		r.mu.Unlock()
		return
	}
	j.last = occ
	j.fires++
	seq := j.fires
	j.next = j.sched.Next(now)
	retire := j.next.IsZero()
	if retire {
		delete(r.jobs, id)
	}
	spec, cb, entry, state := j.spec, j.cb, j.entry, j.state
	r.mu.Unlock()

	r.dispatch(Firing{JobID: id, Spec: spec, At: occ, Seq: seq}, cb, state)

	if retire {
		r.c.Remove(entry)
		r.forgetEnqueueWarn(id)
		r.log.Info("job retired", logx.String("job", id), logx.Int("fires", seq), logx.Time("last", occ))
		r.publish("schedule.retired", Event{JobID: id, ChatID: spec.ChatID, At: occ, Seq: seq, Reason: "window_end"})
	}
}

// dispatch hands one occurrence to the engine. Occurrences run at most once:
// engine retries are off and an occurrence that finds the previous one of the
// same job still queued or running is skipped.
func (r *Registry) dispatch(f Firing, cb Callback, state *engine.RunState) {
	err := r.engine.Enqueue(engine.Task{
		ID:      fmt.Sprintf("%s#%d", f.JobID, f.Seq),
		Name:    "greeting." + f.JobID,
		Timeout: r.taskTimeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		State:   state,
		Run: func(ctx context.Context) error {
			return cb(ctx, f)
		},
	})
	if err != nil {
		r.reportEnqueueError(f.JobID, err)
		r.publish("schedule.skipped", Event{JobID: f.JobID, ChatID: f.Spec.ChatID, At: f.At, Seq: f.Seq, Reason: err.Error()})
		return
	}
	r.log.Debug("occurrence dispatched", logx.String("job", f.JobID), logx.Int("seq", f.Seq), logx.Time("at", f.At))
	r.publish("schedule.fired", Event{JobID: f.JobID, ChatID: f.Spec.ChatID, At: f.At, Seq: f.Seq})
}

// newIDLocked derives "<chat>_<unix millis>", bumping the millis so ids stay
// unique per chat even for specs created within the same millisecond.
func (r *Registry) newIDLocked(chatID int64, created time.Time) string {
	ms := created.UnixMilli()
	if last, ok := r.lastMS[chatID]; ok && ms <= last {
		ms = last + 1
	}
	r.lastMS[chatID] = ms
	return strconv.FormatInt(chatID, 10) + "_" + strconv.FormatInt(ms, 10)
}

func (r *Registry) publish(typ string, ev Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}

func (j *scheduledJob) snapshot() Job {
	return Job{ID: j.id, Spec: j.spec, NextFire: j.next, LastFire: j.last, Fires: j.fires}
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || strings.TrimSpace(k) == "" {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
