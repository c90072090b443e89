package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greetbot/internal/task/scheduler"
	logx "greetbot/pkg/logx"
)

var ist = time.FixedZone("UTC+05:30", 5*3600+30*60)

func reason(t *testing.T, err error) scheduler.Reason {
	t.Helper()
	var ve *scheduler.ValidationError
	require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	return ve.Reason
}

func TestSessionHappyPath(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, ist)
	s := NewSession(42, "alice", ist, now)

	steps := []struct {
		in   string
		want State
	}{
		{"Happy Birthday!", AwaitingInterval},
		{"86400", AwaitingStart},
		{"now", AwaitingEnd},
	}
	for _, st := range steps {
		got := s.Handle(st.in, now)
		require.NoError(t, got.Err, st.in)
		require.Equal(t, st.want, got.State, st.in)
		require.Nil(t, got.Spec)
	}

	done := s.Handle("never", now)
	require.Equal(t, Done, done.State)
	require.NotNil(t, done.Spec)
	spec := *done.Spec
	assert.Equal(t, "Happy Birthday!", spec.Message)
	assert.Equal(t, int64(86400), spec.IntervalSeconds)
	assert.True(t, spec.Start.Immediate())
	assert.True(t, spec.End.Indefinite())
	assert.Equal(t, "alice", spec.CreatorName)
	assert.Equal(t, int64(42), spec.ChatID)
	assert.NoError(t, spec.Validate())

	// Terminal sessions ignore further input.
	assert.Equal(t, Done, s.Handle("more", now).State)
}

func TestSessionRepromptsInvalidInterval(t *testing.T) {
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, ist)
	s := NewSession(1, "bob", ist, now)
	s.Handle("gm", now)

	for _, in := range []string{"abc", "-5", "0"} {
		step := s.Handle(in, now)
		require.Error(t, step.Err, in)
		assert.Equal(t, AwaitingInterval, step.State, in)
		assert.Equal(t, AwaitingInterval, s.State())
	}
	assert.Equal(t, scheduler.ReasonNotPositive, reason(t, s.Handle("-5", now).Err))
	assert.Equal(t, AwaitingStart, s.Handle("60", now).State)
}

func TestSessionRejectsEndBeforeNow(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	s := NewSession(1, "bob", ist, now)
	s.Handle("gm", now)
	s.Handle("60", now)
	s.Handle("now", now)

	step := s.Handle("2024-01-01 00:00:00", now)
	assert.Equal(t, AwaitingEnd, step.State)
	assert.Equal(t, scheduler.ReasonNotAfterStart, reason(t, step.Err))
	assert.Nil(t, step.Spec)
	assert.NotEqual(t, Done, s.State())
}

func TestSessionRejectsPastStart(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	s := NewSession(1, "bob", ist, now)
	s.Handle("gm", now)
	s.Handle("60", now)

	for _, in := range []string{"2024-01-02 00:00:00", "2023-06-01 12:00:00"} {
		step := s.Handle(in, now)
		assert.Equal(t, AwaitingStart, step.State)
		assert.Equal(t, scheduler.ReasonNotFuture, reason(t, step.Err))
	}
	step := s.Handle("2024-01-02 00:00:10", now)
	require.NoError(t, step.Err)

	// End must be after the explicit start, not just after now.
	step = s.Handle("2024-01-02 00:00:05", now)
	assert.Equal(t, scheduler.ReasonNotAfterStart, reason(t, step.Err))
	step = s.Handle("2024-01-02 00:10:00", now)
	require.Equal(t, Done, step.State)
	assert.True(t, step.Spec.End.At().After(step.Spec.Start.At()))
}

func TestSessionStartPassedBeforeEnd(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	s := NewSession(1, "bob", ist, t0)
	s.Handle("gm", t0)
	s.Handle("60", t0)
	require.Equal(t, AwaitingEnd, s.Handle("2024-01-02 00:01:00", t0).State)

	later := t0.Add(5 * time.Minute)
	step := s.Handle("never", later)
	assert.Equal(t, AwaitingStart, step.State)
	assert.Equal(t, AwaitingStart, s.State())
	assert.Equal(t, scheduler.ReasonNotFuture, reason(t, step.Err))
	assert.Nil(t, step.Spec)

	require.Equal(t, AwaitingEnd, s.Handle("now", later).State)
	done := s.Handle("never", later)
	require.Equal(t, Done, done.State)
	require.NotNil(t, done.Spec)
	assert.NoError(t, done.Spec.Validate())
}

func TestSessionCancelFromAnyState(t *testing.T) {
	now := time.Now()
	inputs := []string{"gm", "60", "now"}
	for n := 0; n <= len(inputs); n++ {
		s := NewSession(1, "x", ist, now)
		for _, in := range inputs[:n] {
			s.Handle(in, now)
		}
		require.True(t, s.Cancel(), "state %s", s.State())
		assert.Equal(t, Canceled, s.State())
		assert.Empty(t, s.message)
		assert.False(t, s.Cancel(), "second cancel is a no-op")
		assert.Nil(t, s.Handle("never", now).Spec)
	}
}

func TestStoreLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	st := NewStore(time.Minute, logx.Nop())
	key := Key{ChatID: 1, UserID: 7}

	_, ok := st.Handle(key, "gm", now)
	assert.False(t, ok, "no session before Begin")

	st.Begin(key, "alice", ist, now)
	assert.True(t, st.Active(key, now))
	assert.False(t, st.Active(Key{ChatID: 1, UserID: 8}, now), "sessions are per user")

	for _, in := range []string{"gm", "60", "now"} {
		_, ok := st.Handle(key, in, now)
		require.True(t, ok)
	}
	step, ok := st.Handle(key, "never", now)
	require.True(t, ok)
	assert.Equal(t, Done, step.State)
	assert.Equal(t, 0, st.Len(), "done sessions are destroyed")
}

func TestStoreTimeoutAndCancel(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, ist)
	st := NewStore(time.Minute, logx.Nop())
	a, b := Key{ChatID: 1, UserID: 1}, Key{ChatID: 1, UserID: 2}

	st.Begin(a, "a", ist, now)
	st.Begin(b, "b", ist, now)
	_, _ = st.Handle(b, "gm", now.Add(50*time.Second))

	_, ok := st.Handle(a, "gm", now.Add(2*time.Minute))
	assert.False(t, ok, "idle session expired")

	assert.True(t, st.Cancel(b, now.Add(90*time.Second)))
	assert.False(t, st.Cancel(b, now.Add(90*time.Second)))
	assert.Equal(t, 0, st.Len())

	st.Begin(a, "a", ist, now)
	st.Begin(b, "b", ist, now.Add(time.Minute))
	assert.Equal(t, 1, st.Sweep(now.Add(90*time.Second)))
	assert.Equal(t, 1, st.Len())
}

func TestStoreRunStopsOnCancel(t *testing.T) {
	st := NewStore(time.Millisecond, logx.Nop())
	st.Begin(Key{ChatID: 1}, "a", ist, time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
