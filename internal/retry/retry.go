// Package retry runs a step a bounded number of times and reports how it ended.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted         // every attempt failed
	Aborted           // context done or a Permanent error
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result tells the caller whether to skip this occurrence or treat it as fatal.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error // last error, nil on success
}

func (r Result) OK() bool { return r.Outcome == Succeeded }

// Policy is an explicit bounded retry policy on top of cenkalti/backoff. The
// zero value uses 4 attempts with exponential backoff from 500ms capped at 5s.
// A negative BaseDelay retries without waiting.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, if set, is called before sleeping between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	} else if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	return p
}

// backOff doubles from BaseDelay up to MaxDelay without jitter so waits are
// predictable in logs.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a Permanent error, ctx ends, or the
// attempt budget is spent.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) Result {
	p = p.withDefaults()
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Aborted, Err: err}
	}

	var (
		attempts int
		last     error
		stopped  error
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return struct{}{}, nil
		}
		last = err
		var perm permanentError
		if errors.As(err, &perm) {
			stopped = perm.err
			return struct{}{}, backoff.Permanent(perm.err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts, err, wait)
			}
		}),
	)

	switch {
	case err == nil:
		return Result{Outcome: Succeeded, Attempts: attempts}
	case stopped != nil:
		return Result{Outcome: Aborted, Attempts: attempts, Err: stopped}
	case attempts < p.MaxAttempts && ctx.Err() != nil:
		return Result{Outcome: Aborted, Attempts: attempts, Err: errors.Join(ctx.Err(), last)}
	default:
		return Result{Outcome: Exhausted, Attempts: attempts, Err: last}
	}
}

// Permanent stops the retry loop on this error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
