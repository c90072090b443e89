package greeting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greetbot/internal/eventbus"
	"greetbot/internal/task/engine"
	"greetbot/internal/task/scheduler"
	"greetbot/internal/transport"
	logx "greetbot/pkg/logx"
)

type fakeQuotes struct {
	mu    sync.Mutex
	fails int // fail this many calls first; -1 forever
	calls int
}

func (f *fakeQuotes) FetchQuote(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails < 0 || f.calls <= f.fails {
		return "", errors.New("quote service down")
	}
	return "Stay curious.", nil
}

type fakeRenderer struct {
	quote, caption string
}

func (f *fakeRenderer) Render(_ context.Context, quote, caption string) ([]byte, error) {
	f.quote, f.caption = quote, caption
	return []byte("jpeg:" + quote + "|" + caption), nil
}

type fakeSender struct {
	mu     sync.Mutex
	photos map[int64][][]byte
	err    error
	sends  int
}

func (f *fakeSender) SendPhoto(_ context.Context, to transport.ChatTarget, photo []byte, _ string) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	if f.photos == nil {
		f.photos = map[int64][][]byte{}
	}
	f.photos[to.ChatID] = append(f.photos[to.ChatID], photo)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.photos[to.ChatID])}, nil
}

func newService(q *fakeQuotes, r *fakeRenderer, s *fakeSender) *Service {
	return New(Config{MaxAttempts: 4, RetryBase: time.Millisecond}, q, r, s, logx.Nop())
}

func TestDeliverUsesDefaultCaption(t *testing.T) {
	q, r, s := &fakeQuotes{}, &fakeRenderer{}, &fakeSender{}
	svc := newService(q, r, s)

	require.NoError(t, svc.Deliver(context.Background(), transport.ChatTarget{ChatID: 1}, "   "))
	assert.Equal(t, "Good Morning!", r.caption)
	assert.Equal(t, "Stay curious.", r.quote)
	require.Len(t, s.photos[1], 1)

	require.NoError(t, svc.Deliver(context.Background(), transport.ChatTarget{ChatID: 1}, " Happy Friday "))
	assert.Equal(t, "Happy Friday", r.caption)
}

func TestComposeRetriesTransientFailures(t *testing.T) {
	q := &fakeQuotes{fails: 3}
	svc := newService(q, &fakeRenderer{}, &fakeSender{})
	img, err := svc.Compose(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, img)
	assert.Equal(t, 4, q.calls)
}

func TestComposeExhausted(t *testing.T) {
	q := &fakeQuotes{fails: -1}
	svc := newService(q, &fakeRenderer{}, &fakeSender{})
	_, err := svc.Compose(context.Background(), "")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, q.calls)
}

func TestCallbackSkipsExhaustedOccurrenceWithoutRetry(t *testing.T) {
	s := &fakeSender{}
	svc := newService(&fakeQuotes{fails: -1}, &fakeRenderer{}, s)
	cb := svc.Callback()

	err := cb(context.Background(), scheduler.Firing{JobID: "1_1", Spec: scheduler.JobSpec{ChatID: 1, Message: "gm"}})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Empty(t, s.photos)
}

func TestCallbackDeliversToSpecChat(t *testing.T) {
	r, s := &fakeRenderer{}, &fakeSender{}
	svc := newService(&fakeQuotes{}, r, s)
	err := svc.Callback()(context.Background(), scheduler.Firing{JobID: "9_1", Spec: scheduler.JobSpec{ChatID: 9, Message: "Happy Birthday!"}})
	require.NoError(t, err)
	assert.Equal(t, "Happy Birthday!", r.caption)
	assert.Len(t, s.photos[9], 1)
}

func TestCallbackSendFailureIsFinal(t *testing.T) {
	s := &fakeSender{err: errors.New("telegram 502")}
	svc := newService(&fakeQuotes{}, &fakeRenderer{}, s)
	err := svc.Callback()(context.Background(), scheduler.Firing{JobID: "2_1", Spec: scheduler.JobSpec{ChatID: 2, Message: "x"}})
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	assert.Equal(t, 1, s.sends)
}

func TestCallbackOnEngineMakesOneRunPerOccurrence(t *testing.T) {
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, RetryMax: 3}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	cases := []struct {
		name      string
		quotes    *fakeQuotes
		sender    *fakeSender
		wantQuote int
		wantSends int
	}{
		{"quotes exhausted", &fakeQuotes{fails: -1}, &fakeSender{}, 4, 0},
		{"send fails", &fakeQuotes{}, &fakeSender{err: errors.New("telegram 502")}, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cb := newService(tc.quotes, &fakeRenderer{}, tc.sender).Callback()
			f := scheduler.Firing{JobID: "5_1", Spec: scheduler.JobSpec{ChatID: 5, Message: "gm"}}
			require.NoError(t, eng.Enqueue(engine.Task{
				Name: "greeting.5_1",
				Opt:  engine.TaskOptions{RetryBase: time.Millisecond},
				Run:  func(ctx context.Context) error { return cb(ctx, f) },
			}))

			var ev engine.TaskEvent
			timeout := time.After(3 * time.Second)
			for ev.Name == "" {
				select {
				case e := <-events:
					if e.Type == "task.failed" {
						ev = e.Data.(engine.TaskEvent)
					}
				case <-timeout:
					t.Fatal("timed out waiting for task.failed")
				}
			}
			assert.Equal(t, 1, ev.Attempts)
			assert.Equal(t, tc.wantQuote, tc.quotes.calls)
			assert.Equal(t, tc.wantSends, tc.sender.sends)
		})
	}
}
