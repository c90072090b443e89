package app

import (
	"strings"
	"time"

	"greetbot/internal/config"
	"greetbot/internal/countdown"
	"greetbot/internal/greeting"
	"greetbot/internal/quote"
	"greetbot/internal/render"
	"greetbot/internal/storage"
	"greetbot/internal/task/engine"
	"greetbot/internal/task/scheduler"
	telegram "greetbot/internal/transport/telegram/adapter"
	"greetbot/internal/transport/telegram/router"
	logx "greetbot/pkg/logx"
)

// Config values are validated on parse; the mappers below only resolve
// defaults and convert duration strings.

const defaultRatePerSec = 20

func mapLogConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	rps := cfg.Telegram.RatePerSec
	if rps == 0 {
		rps = defaultRatePerSec
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll, RatePerSec: rps}, nil
}

func mapRouterConfig(cfg *config.Config) router.Config {
	return router.Config{Workers: cfg.Telegram.Workers, QueueSize: cfg.Telegram.QueueSize}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 256, HistorySize: 200, RetryMax: 3}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// scheduleSettings is the resolved schedule section.
type scheduleSettings struct {
	loc            *time.Location
	taskTimeout    time.Duration
	sessionTimeout time.Duration
	countdown      countdown.Config
}

func mapScheduleConfig(cfg *config.Config) (scheduleSettings, error) {
	sc := cfg.Schedule
	loc, err := scheduler.FixedZone(sc.UTCOffset)
	if err != nil {
		return scheduleSettings{}, err
	}
	out := scheduleSettings{loc: loc}
	if out.taskTimeout, err = config.ParseDurationOrDefault("schedule.task_timeout", sc.TaskTimeout, 2*time.Minute); err != nil {
		return scheduleSettings{}, err
	}
	if out.sessionTimeout, err = config.ParseDurationOrDefault("schedule.session_timeout", sc.SessionTimeout, 5*time.Minute); err != nil {
		return scheduleSettings{}, err
	}
	tick, err := config.ParseDurationOrDefault("schedule.countdown_tick", sc.CountdownTick, countdown.DefaultTick)
	if err != nil {
		return scheduleSettings{}, err
	}
	out.countdown = countdown.Config{Ticks: sc.CountdownTicks, Tick: tick, Location: loc}
	return out, nil
}

func mapGreetingConfig(cfg *config.Config) (greeting.Config, error) {
	base, err := config.ParseDurationOrDefault("greeting.retry_base", cfg.Greeting.RetryBase, 500*time.Millisecond)
	if err != nil {
		return greeting.Config{}, err
	}
	attempts := cfg.Greeting.RetryMaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	return greeting.Config{DefaultCaption: cfg.Greeting.DefaultCaption, MaxAttempts: attempts, RetryBase: base}, nil
}

func mapQuoteConfig(cfg *config.Config) (quote.Config, int, error) {
	timeout, err := config.ParseDurationOrDefault("quote.timeout", cfg.Quote.Timeout, 10*time.Second)
	if err != nil {
		return quote.Config{}, 0, err
	}
	return quote.Config{URL: strings.TrimSpace(cfg.Quote.URL), Timeout: timeout}, cfg.Quote.FilterAttempts, nil
}

func mapRenderOptions(cfg *config.Config) (render.Options, error) {
	rc := cfg.Render
	timeout, err := config.ParseDurationField("render.timeout", rc.Timeout)
	if err != nil {
		return render.Options{}, err
	}
	return render.Options{
		Width:         rc.Width,
		Height:        rc.Height,
		Quality:       rc.JPEGQuality,
		Seed:          rc.Seed,
		BackgroundURL: strings.TrimSpace(rc.BackgroundURL),
		Timeout:       timeout,
	}, nil
}

// mapStorageConfig reports false when the audit log is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}
