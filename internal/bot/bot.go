// Package bot holds the chat command handlers.
package bot

import (
	"context"
	"errors"
	"time"

	"greetbot/internal/conversation"
	"greetbot/internal/countdown"
	"greetbot/internal/task/scheduler"
	"greetbot/internal/transport"
	"greetbot/internal/transport/telegram/router"
	logx "greetbot/pkg/logx"
)

type Greeter interface {
	Deliver(ctx context.Context, to transport.ChatTarget, caption string) error
	Callback() scheduler.Callback
}

type Scheduler interface {
	Register(spec scheduler.JobSpec, cb scheduler.Callback) (string, error)
	List(chatID int64) []scheduler.Job
}

type Countdown interface {
	Show(ctx context.Context, to transport.ChatTarget, job scheduler.Job) (transport.MessageRef, error)
	HandleReply(ctx context.Context, msg *transport.Message) (string, bool)
}

type Handlers struct {
	greeter   Greeter
	schedules Scheduler
	countdown Countdown
	sessions  *conversation.Store
	loc       *time.Location
	now       func() time.Time
	log       logx.Logger
}

type Option func(*Handlers)

func WithClock(now func() time.Time) Option { return func(h *Handlers) { h.now = now } }

func New(g Greeter, s Scheduler, c Countdown, sessions *conversation.Store, loc *time.Location, log logx.Logger, opts ...Option) *Handlers {
	if loc == nil {
		loc = time.UTC
	}
	h := &Handlers{greeter: g, schedules: s, countdown: c, sessions: sessions, loc: loc, now: time.Now, log: log}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Commands is the command table for the router.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "introduction", Usage: "/start", Hidden: true, Handle: h.start},
		{Name: "greet", Description: "send a greeting image now", Usage: "/greet [caption]", Handle: h.greet},
		{Name: "schedule", Description: "set up a recurring greeting", Usage: "/schedule", Handle: h.schedule},
		{Name: "schedules", Description: "list this chat's schedules", Usage: "/schedules", Handle: h.list},
		{Name: "cancel", Description: "stop setting up a schedule", Usage: "/cancel", Handle: h.cancel},
	}
}

func sessionKey(req *router.Request) conversation.Key {
	return conversation.Key{ChatID: req.Chat.ChatID, UserID: req.FromID}
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, textWelcome)
}

func (h *Handlers) greet(ctx context.Context, req *router.Request) error {
	err := h.greeter.Deliver(ctx, req.Chat, req.RawArgs)
	if err == nil {
		return nil
	}
	req.Logger.Warn("greeting failed", logx.Err(err))
	if rerr := req.Reply(ctx, textGreetFailed); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (h *Handlers) schedule(ctx context.Context, req *router.Request) error {
	creator := req.Message.FromName
	if creator == "" {
		creator = req.Message.FromUsername
	}
	h.sessions.Begin(sessionKey(req), creator, h.loc, h.now())
	return req.Reply(ctx, prompt(conversation.AwaitingMessage, h.loc))
}

func (h *Handlers) cancel(ctx context.Context, req *router.Request) error {
	if !h.sessions.Cancel(sessionKey(req), h.now()) {
		return req.Reply(ctx, textNothingToCancel)
	}
	return req.Reply(ctx, textSetupCancelled)
}

func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	jobs := h.schedules.List(req.Chat.ChatID)
	if len(jobs) == 0 {
		return req.Reply(ctx, textNoSchedules)
	}
	var errs []error
	for _, job := range jobs {
		if _, err := h.countdown.Show(ctx, req.Chat, job); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		_ = req.Reply(ctx, textSchedulesPartial)
		return errors.Join(errs...)
	}
	return nil
}

// Text handles non-command messages: cancel replies first, then input for
// an active schedule setup. Anything else is ignored.
func (h *Handlers) Text(ctx context.Context, req *router.Request) error {
	if reply := req.Message.ReplyTo; reply != nil {
		if _, ok := h.countdown.HandleReply(ctx, req.Message); ok {
			return nil
		}
		// Replies to a schedule detail message are about that schedule, even
		// once its countdown has expired. They are never setup input.
		if id, ok := countdown.ParseJobID(reply.Text); ok {
			req.Logger.Debug("reply to schedule detail ignored", logx.String("job", id))
			return nil
		}
	}

	step, ok := h.sessions.Handle(sessionKey(req), req.Message.Text, h.now())
	if !ok {
		return nil
	}
	if step.Err != nil {
		req.Logger.Debug("schedule input rejected", logx.String("state", step.State.String()), logx.Err(step.Err))
		return req.Reply(ctx, problem(step.Err)+"\n"+prompt(step.State, h.loc))
	}
	if step.State != conversation.Done {
		return req.Reply(ctx, prompt(step.State, h.loc))
	}

	id, err := h.schedules.Register(*step.Spec, h.greeter.Callback())
	switch {
	case err == nil:
		req.Logger.Info("schedule created", logx.String("job", id))
		return req.Reply(ctx, confirmation(id))
	case errors.Is(err, scheduler.ErrWindowClosed):
		return req.Reply(ctx, textWindowClosed)
	default:
		_ = req.Reply(ctx, textRegisterFailed)
		return err
	}
}
