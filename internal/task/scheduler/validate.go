package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the only accepted timestamp format for start and end input.
const TimeLayout = "2006-01-02 15:04:05"

// MaxIntervalSeconds keeps first+k*interval arithmetic far from Duration overflow (~136 years).
const MaxIntervalSeconds = 1 << 32

type Field string

const (
	FieldMessage  Field = "message"
	FieldInterval Field = "interval"
	FieldStart    Field = "start"
	FieldEnd      Field = "end"
)

type Reason int

const (
	ReasonSyntax Reason = iota + 1
	ReasonNotPositive
	ReasonNotFuture
	ReasonNotAfterStart
)

func (r Reason) String() string {
	switch r {
	case ReasonSyntax:
		return "syntax"
	case ReasonNotPositive:
		return "not_positive"
	case ReasonNotFuture:
		return "not_future"
	case ReasonNotAfterStart:
		return "not_after_start"
	default:
		return "unknown"
	}
}

// ValidationError reports bad conversation input. It is always recoverable:
// the caller re-prompts for the same field.
type ValidationError struct {
	Field  Field
	Input  string
	Reason Reason
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s %q: %s", e.Field, e.Input, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ParseMessage accepts any non-blank text and returns it verbatim.
func ParseMessage(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &ValidationError{Field: FieldMessage, Input: raw, Reason: ReasonSyntax}
	}
	return raw, nil
}

// ParseInterval accepts a positive base-10 number of seconds.
func ParseInterval(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: FieldInterval, Input: raw, Reason: ReasonSyntax, Err: err}
	}
	if n <= 0 {
		return 0, &ValidationError{Field: FieldInterval, Input: raw, Reason: ReasonNotPositive}
	}
	if n > MaxIntervalSeconds {
		return 0, &ValidationError{Field: FieldInterval, Input: raw, Reason: ReasonSyntax, Err: fmt.Errorf("must be at most %d", int64(MaxIntervalSeconds))}
	}
	return n, nil
}

// ParseStart accepts "now" or a TimeLayout timestamp strictly after now.
func ParseStart(raw string, now time.Time, loc *time.Location) (Start, error) {
	s := strings.TrimSpace(raw)
	if strings.EqualFold(s, "now") {
		return Immediate(), nil
	}
	t, err := ParseTime(s, loc)
	if err != nil {
		return Start{}, &ValidationError{Field: FieldStart, Input: raw, Reason: ReasonSyntax, Err: err}
	}
	if !t.After(now) {
		return Start{}, &ValidationError{Field: FieldStart, Input: raw, Reason: ReasonNotFuture}
	}
	return StartAt(t), nil
}

// ParseEnd accepts "never" or a TimeLayout timestamp strictly after the
// effective start (now when start is Immediate).
func ParseEnd(raw string, start Start, now time.Time, loc *time.Location) (End, error) {
	s := strings.TrimSpace(raw)
	if strings.EqualFold(s, "never") {
		return Indefinite(), nil
	}
	t, err := ParseTime(s, loc)
	if err != nil {
		return End{}, &ValidationError{Field: FieldEnd, Input: raw, Reason: ReasonSyntax, Err: err}
	}
	if !t.After(start.effective(now)) {
		return End{}, &ValidationError{Field: FieldEnd, Input: raw, Reason: ReasonNotAfterStart}
	}
	return EndAt(t), nil
}

func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(s), loc)
}

func FormatTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimeLayout)
}

// FixedZone turns an offset like "+05:30" or "-08:00" into a location.
func FixedZone(offset string) (*time.Location, error) {
	offset = strings.TrimSpace(offset)
	if offset == "" || strings.EqualFold(offset, "utc") || offset == "Z" {
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", offset)
	if err != nil {
		return nil, fmt.Errorf("utc offset %q: want ±HH:MM", offset)
	}
	_, secs := t.Zone()
	return time.FixedZone("UTC"+offset, secs), nil
}
