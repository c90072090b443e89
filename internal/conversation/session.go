// Package conversation collects a schedule request one field at a time.
package conversation

import (
	"time"

	"greetbot/internal/task/scheduler"
)

type State int

const (
	AwaitingMessage State = iota
	AwaitingInterval
	AwaitingStart
	AwaitingEnd
	Done
	Canceled
)

func (s State) String() string {
	switch s {
	case AwaitingMessage:
		return "awaiting_message"
	case AwaitingInterval:
		return "awaiting_interval"
	case AwaitingStart:
		return "awaiting_start"
	case AwaitingEnd:
		return "awaiting_end"
	case Done:
		return "done"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == Done || s == Canceled }

// Step is the outcome of one input. Err is a *scheduler.ValidationError when
// the input was rejected and the same field must be asked again. Spec is set
// only when State is Done.
type Step struct {
	State State
	Err   error
	Spec  *scheduler.JobSpec
}

// Session is one user's progress through the collector. It is not safe for
// concurrent use; Store serializes access.
type Session struct {
	state State

	chatID  int64
	creator string
	loc     *time.Location

	message  string
	interval int64
	start    scheduler.Start

	touched time.Time
}

func NewSession(chatID int64, creator string, loc *time.Location, now time.Time) *Session {
	if loc == nil {
		loc = time.UTC
	}
	return &Session{state: AwaitingMessage, chatID: chatID, creator: creator, loc: loc, touched: now}
}

func (s *Session) State() State { return s.state }

// Handle feeds one raw text input into the current state.
func (s *Session) Handle(text string, now time.Time) Step {
	if s.state.Terminal() {
		return Step{State: s.state}
	}
	s.touched = now

	switch s.state {
	case AwaitingMessage:
		msg, err := scheduler.ParseMessage(text)
		if err != nil {
			return Step{State: s.state, Err: err}
		}
		s.message = msg
		s.state = AwaitingInterval

	case AwaitingInterval:
		n, err := scheduler.ParseInterval(text)
		if err != nil {
			return Step{State: s.state, Err: err}
		}
		s.interval = n
		s.state = AwaitingStart

	case AwaitingStart:
		st, err := scheduler.ParseStart(text, now, s.loc)
		if err != nil {
			return Step{State: s.state, Err: err}
		}
		s.start = st
		s.state = AwaitingEnd

	case AwaitingEnd:
		// An explicit start can pass while the end is being typed. Ask for
		// the start again instead of finishing with a spec that no longer
		// validates.
		if !s.start.Immediate() && !s.start.At().After(now) {
			input := scheduler.FormatTime(s.start.At(), s.loc)
			s.start = scheduler.Start{}
			s.state = AwaitingStart
			return Step{State: s.state, Err: &scheduler.ValidationError{Field: scheduler.FieldStart, Input: input, Reason: scheduler.ReasonNotFuture}}
		}
		end, err := scheduler.ParseEnd(text, s.start, now, s.loc)
		if err != nil {
			return Step{State: s.state, Err: err}
		}
		s.state = Done
		spec := scheduler.JobSpec{
			Message:         s.message,
			IntervalSeconds: s.interval,
			Start:           s.start,
			End:             end,
			CreatorName:     s.creator,
			ChatID:          s.chatID,
			CreatedAt:       now,
		}
		return Step{State: Done, Spec: &spec}
	}
	return Step{State: s.state}
}

// Cancel moves a live session to Canceled and drops collected fields.
// It reports false if the session had already finished.
func (s *Session) Cancel() bool {
	if s.state.Terminal() {
		return false
	}
	s.state = Canceled
	s.message, s.interval, s.start = "", 0, scheduler.Start{}
	return true
}
