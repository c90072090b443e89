package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"greetbot/internal/task/scheduler"
)

var errNegativeDuration = errors.New("must not be negative")

// ParseDurationField parses an optional Go duration ("1500ms", "2m").
// Blank means zero. key names the config field in errors.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err == nil && d < 0 {
		err = errNegativeDuration
	}
	if err != nil {
		return 0, fmt.Errorf("%s: duration %q: %w", key, raw, err)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for a
// blank or zero value.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durField struct{ path, raw string }

type countField struct {
	path string
	n    int
}

// Validate rejects configs that cannot be applied. It runs on every parse,
// so a bad edit is refused by hot reload and the previous config stays live.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvToken)
	}

	durations := []durField{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"schedule.countdown_tick", cfg.Schedule.CountdownTick},
		{"schedule.session_timeout", cfg.Schedule.SessionTimeout},
		{"schedule.task_timeout", cfg.Schedule.TaskTimeout},
		{"greeting.retry_base", cfg.Greeting.RetryBase},
		{"quote.timeout", cfg.Quote.Timeout},
		{"render.timeout", cfg.Render.Timeout},
	}
	if te := cfg.TaskEngine; te != nil {
		durations = append(durations,
			durField{"task_engine.default_timeout", te.DefaultTimeout},
			durField{"task_engine.max_queue_delay", te.MaxQueueDelay},
		)
	}
	if cfg.Storage != nil {
		durations = append(durations, durField{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	counts := []countField{
		{"telegram.rate_per_sec", cfg.Telegram.RatePerSec},
		{"telegram.workers", cfg.Telegram.Workers},
		{"telegram.queue_size", cfg.Telegram.QueueSize},
		{"schedule.countdown_ticks", cfg.Schedule.CountdownTicks},
		{"greeting.retry_max_attempts", cfg.Greeting.RetryMaxAttempts},
		{"quote.filter_attempts", cfg.Quote.FilterAttempts},
		{"render.width", cfg.Render.Width},
		{"render.height", cfg.Render.Height},
		{"logging.file.max_size_mb", cfg.Logging.File.MaxSizeMB},
		{"logging.file.max_backups", cfg.Logging.File.MaxBackups},
		{"logging.file.max_age_days", cfg.Logging.File.MaxAgeDays},
	}
	if te := cfg.TaskEngine; te != nil {
		counts = append(counts,
			countField{"task_engine.workers", te.Workers},
			countField{"task_engine.queue_size", te.QueueSize},
			countField{"task_engine.history_size", te.HistorySize},
			countField{"task_engine.retry_max", te.RetryMax},
		)
	}
	for _, c := range counts {
		if c.n < 0 {
			return fmt.Errorf("%s must be >= 0", c.path)
		}
	}
	if q := cfg.Render.JPEGQuality; q < 0 || q > 100 {
		return fmt.Errorf("render.jpeg_quality must be within 0..100")
	}

	if off := strings.TrimSpace(cfg.Schedule.UTCOffset); off != "" {
		if _, err := scheduler.FixedZone(off); err != nil {
			return fmt.Errorf("schedule.utc_offset: %w", err)
		}
	}
	if cfg.TaskEngine != nil && cfg.TaskEngine.Enabled != nil && !*cfg.TaskEngine.Enabled {
		return errors.New("task_engine.enabled cannot be false: scheduled greetings run on the engine")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", strings.TrimSpace(s.Driver))
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", s.Driver)
		}
	}
	return nil
}
