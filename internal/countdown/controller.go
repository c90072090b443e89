// Package countdown shows schedule details with a short reply-to-cancel window.
package countdown

import (
	"context"
	"sync"
	"time"

	"greetbot/internal/runtime/supervisor"
	"greetbot/internal/task/scheduler"
	"greetbot/internal/transport"
	logx "greetbot/pkg/logx"
)

const (
	DefaultTicks = 14
	DefaultTick  = time.Second
)

type Messenger interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
}

type Canceler interface {
	Cancel(id string) bool
}

type Config struct {
	Ticks    int
	Tick     time.Duration
	Location *time.Location
}

type msgKey struct {
	chatID    int64
	messageID int
}

// Controller owns live tickets. Each ticket has one goroutine, which is the
// only writer of its message, so a cancelled footer is written at most once.
type Controller struct {
	cfg Config
	msg Messenger
	reg Canceler
	sup *supervisor.Supervisor
	log logx.Logger

	mu      sync.Mutex
	tickets map[msgKey]*ticket
}

type ticket struct {
	mu        sync.Mutex
	ref       transport.MessageRef
	base      string
	remaining int
	jobID     string
	canceled  bool
	retired   bool
	cancelCh  chan struct{}
}

func New(cfg Config, msg Messenger, reg Canceler, sup *supervisor.Supervisor, log logx.Logger) *Controller {
	if cfg.Ticks <= 0 {
		cfg.Ticks = DefaultTicks
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if sup == nil {
		sup = supervisor.New(context.Background())
	}
	return &Controller{cfg: cfg, msg: msg, reg: reg, sup: sup, log: log, tickets: map[msgKey]*ticket{}}
}

// Show sends the detail message for job and starts its countdown.
func (c *Controller) Show(ctx context.Context, to transport.ChatTarget, job scheduler.Job) (transport.MessageRef, error) {
	base := DetailText(job, c.cfg.Location)
	ref, err := c.msg.SendText(ctx, to, withFooter(base, Footer(c.cfg.Ticks)), nil)
	if err != nil {
		return transport.MessageRef{}, err
	}

	t := &ticket{ref: ref, base: base, remaining: c.cfg.Ticks, jobID: job.ID, cancelCh: make(chan struct{})}
	c.mu.Lock()
	c.tickets[msgKey{ref.ChatID, ref.MessageID}] = t
	c.mu.Unlock()

	c.sup.Go0("countdown."+job.ID, func(ctx context.Context) { c.run(ctx, t) })
	return ref, nil
}

func (c *Controller) run(ctx context.Context, t *ticket) {
	defer c.forget(t)
	tk := time.NewTicker(c.cfg.Tick)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			t.retire()
			return
		case <-t.cancelCh:
			t.retire()
			c.edit(ctx, t, withFooter(t.base, CancelledFooter))
			return
		case <-tk.C:
			t.mu.Lock()
			if t.canceled {
				t.mu.Unlock()
				continue // handled by the cancelCh case
			}
			t.remaining--
			rem := t.remaining
			if rem <= 0 {
				t.retired = true
			}
			t.mu.Unlock()

			if rem <= 0 {
				c.edit(ctx, t, t.base)
				return
			}
			c.edit(ctx, t, withFooter(t.base, Footer(rem)))
		}
	}
}

func (c *Controller) edit(ctx context.Context, t *ticket, text string) {
	if err := c.msg.EditText(ctx, t.ref, text, nil); err != nil {
		c.log.Warn("countdown edit failed", logx.String("job", t.jobID), logx.Int("message_id", t.ref.MessageID), logx.Err(err))
	}
}

func (c *Controller) forget(t *ticket) {
	c.mu.Lock()
	k := msgKey{t.ref.ChatID, t.ref.MessageID}
	if c.tickets[k] == t {
		delete(c.tickets, k)
	}
	c.mu.Unlock()
}

func (t *ticket) retire() {
	t.mu.Lock()
	t.retired = true
	t.mu.Unlock()
}

// markCanceled flips a live ticket to canceled. It reports false when the
// ticket already retired or was canceled before.
func (t *ticket) markCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retired || t.canceled {
		return false
	}
	t.canceled = true
	close(t.cancelCh)
	return true
}

// HandleReply cancels a job when msg is a "cancel" reply to one of its live
// detail messages. Anything else is ignored and reported as false.
func (c *Controller) HandleReply(ctx context.Context, msg *transport.Message) (string, bool) {
	if msg == nil || msg.ReplyTo == nil || !IsCancelWord(msg.Text) {
		return "", false
	}
	id, ok := ParseJobID(msg.ReplyTo.Text)
	if !ok {
		c.log.Debug("cancel reply ignored: no schedule id", logx.Int64("chat", msg.ChatID))
		return "", false
	}

	c.mu.Lock()
	t := c.tickets[msgKey{msg.ReplyTo.Ref.ChatID, msg.ReplyTo.Ref.MessageID}]
	c.mu.Unlock()
	if t == nil || t.jobID != id {
		c.log.Debug("cancel reply ignored: countdown not live", logx.String("job", id))
		return "", false
	}
	if !t.markCanceled() {
		return "", false
	}

	canceled := c.reg.Cancel(id)
	c.log.Info("schedule cancelled by reply", logx.String("job", id), logx.Int64("user", msg.FromID), logx.Bool("was_active", canceled))
	return id, true
}

// Live is the number of running countdowns.
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}
