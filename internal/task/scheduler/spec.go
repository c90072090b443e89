package scheduler

import (
	"strings"
	"time"
)

// Start is the first-fire bound of a job. The zero value means Immediate.
type Start struct{ at time.Time }

func Immediate() Start { return Start{} }
func StartAt(t time.Time) Start { return Start{at: t} }
func (s Start) Immediate() bool { return s.at.IsZero() }
func (s Start) At() time.Time { return s.at }
func (s Start) effective(now time.Time) time.Time {
	if s.Immediate() {
		return now
	}
	return s.at
}

// End is the last-fire bound of a job. The zero value means Indefinite.
type End struct{ at time.Time }

func Indefinite() End { return End{} }
func EndAt(t time.Time) End { return End{at: t} }
func (e End) Indefinite() bool { return e.at.IsZero() }
func (e End) At() time.Time { return e.at }

// JobSpec describes one recurring greeting. It is built once by the
// conversation collector and never mutated afterwards.
type JobSpec struct {
	Message         string
	IntervalSeconds int64
	Start           Start
	End             End

	CreatorName string
	ChatID      int64
	CreatedAt   time.Time
}

func (s JobSpec) Every() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Validate re-checks the invariants against the creation instant.
func (s JobSpec) Validate() error {
	if err := s.validateShape(); err != nil {
		return err
	}
	if !s.Start.Immediate() && !s.Start.At().After(s.CreatedAt) {
		return &ValidationError{Field: FieldStart, Reason: ReasonNotFuture}
	}
	return nil
}

// validateShape checks everything except start being in the future.
func (s JobSpec) validateShape() error {
	if strings.TrimSpace(s.Message) == "" {
		return &ValidationError{Field: FieldMessage, Reason: ReasonSyntax}
	}
	if s.IntervalSeconds <= 0 {
		return &ValidationError{Field: FieldInterval, Reason: ReasonNotPositive}
	}
	if s.IntervalSeconds > MaxIntervalSeconds {
		return &ValidationError{Field: FieldInterval, Reason: ReasonSyntax}
	}
	if !s.End.Indefinite() && !s.End.At().After(s.Start.effective(s.CreatedAt)) {
		return &ValidationError{Field: FieldEnd, Reason: ReasonNotAfterStart}
	}
	return nil
}
