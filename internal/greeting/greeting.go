// Package greeting produces and delivers greeting images.
package greeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"greetbot/internal/retry"
	"greetbot/internal/task/engine"
	"greetbot/internal/task/scheduler"
	"greetbot/internal/transport"
	logx "greetbot/pkg/logx"
)

const DefaultCaption = "Good Morning!"

// ErrExhausted means every quote/render attempt failed. Scheduled firings skip
// the occurrence; interactive requests show a failure message.
var ErrExhausted = errors.New("greeting: attempts exhausted")

type QuoteProvider interface {
	FetchQuote(ctx context.Context) (string, error)
}

type Renderer interface {
	Render(ctx context.Context, quote, caption string) ([]byte, error)
}

type PhotoSender interface {
	SendPhoto(ctx context.Context, to transport.ChatTarget, photo []byte, caption string) (transport.MessageRef, error)
}

type Config struct {
	DefaultCaption string
	MaxAttempts    int
	RetryBase      time.Duration
}

type Service struct {
	quotes   QuoteProvider
	renderer Renderer
	sender   PhotoSender
	policy   retry.Policy
	caption  string
	log      logx.Logger
}

func New(cfg Config, quotes QuoteProvider, renderer Renderer, sender PhotoSender, log logx.Logger) *Service {
	s := &Service{
		quotes:   quotes,
		renderer: renderer,
		sender:   sender,
		caption:  strings.TrimSpace(cfg.DefaultCaption),
		log:      log,
	}
	if s.caption == "" {
		s.caption = DefaultCaption
	}
	s.policy = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBase,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.log.Debug("greeting attempt failed", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		},
	}
	return s
}

// Caption applies the default caption to blank input.
func (s *Service) Caption(raw string) string {
	if c := strings.TrimSpace(raw); c != "" {
		return c
	}
	return s.caption
}

// Compose fetches a quote and renders it with caption, retrying both steps
// together under the policy.
func (s *Service) Compose(ctx context.Context, caption string) ([]byte, error) {
	caption = s.Caption(caption)
	var img []byte
	res := s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		q, err := s.quotes.FetchQuote(ctx)
		if err != nil {
			return fmt.Errorf("quote: %w", err)
		}
		b, err := s.renderer.Render(ctx, q, caption)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		img = b
		return nil
	})
	switch res.Outcome {
	case retry.Succeeded:
		return img, nil
	case retry.Exhausted:
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, res.Attempts, res.Err)
	default:
		return nil, res.Err
	}
}

// Deliver composes a greeting and sends it to the chat.
func (s *Service) Deliver(ctx context.Context, to transport.ChatTarget, caption string) error {
	img, err := s.Compose(ctx, caption)
	if err != nil {
		return err
	}
	if _, err := s.sender.SendPhoto(ctx, to, img, ""); err != nil {
		return fmt.Errorf("greeting: send photo: %w", err)
	}
	return nil
}

// Callback is the recurring unit of work registered with the scheduler.
// Each occurrence runs at most once: the quote retry budget inside Compose is
// the only retry, so every failure is returned as engine.NoRetry. The job
// itself stays registered.
func (s *Service) Callback() scheduler.Callback {
	return func(ctx context.Context, f scheduler.Firing) error {
		log := s.log.With(logx.String("job", f.JobID), logx.Int("seq", f.Seq))
		err := s.Deliver(ctx, transport.ChatTarget{ChatID: f.Spec.ChatID}, f.Spec.Message)
		switch {
		case err == nil:
			log.Info("greeting delivered", logx.Time("occurrence", f.At))
			return nil
		case errors.Is(err, ErrExhausted):
			log.Warn("greeting occurrence skipped", logx.Time("occurrence", f.At), logx.Err(err))
		default:
			log.Warn("greeting occurrence failed", logx.Time("occurrence", f.At), logx.Err(err))
		}
		return engine.NoRetry(err)
	}
}
