package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "5m") and are resolved where they are used.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Schedule   ScheduleConfig    `json:"schedule"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Greeting   GreetingConfig    `json:"greeting"`
	Quote      QuoteConfig       `json:"quote"`
	Render     RenderConfig      `json:"render"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TELEGRAM_BOT_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	// Workers and QueueSize size the command dispatcher.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ScheduleConfig controls the recurring-greeting conversation and the
// countdown shown by /schedules.
//
// Defaults (when fields are omitted/zero):
//   - utc_offset: "+00:00"
//   - countdown_ticks: 14
//   - countdown_tick: "1s"
//   - session_timeout: "5m"
//   - task_timeout: "2m"
type ScheduleConfig struct {
	// UTCOffset is the fixed zone user timestamps are read and shown in, e.g. "+05:30".
	UTCOffset      string `json:"utc_offset"`
	CountdownTicks int    `json:"countdown_ticks,omitempty"`
	CountdownTick  string `json:"countdown_tick,omitempty"`
	SessionTimeout string `json:"session_timeout,omitempty"`
	TaskTimeout    string `json:"task_timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs firings.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type GreetingConfig struct {
	DefaultCaption   string `json:"default_caption,omitempty"`
	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
}

type QuoteConfig struct {
	URL            string `json:"url,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	FilterAttempts int    `json:"filter_attempts,omitempty"`
}

type RenderConfig struct {
	BackgroundURL string `json:"background_url,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
	JPEGQuality   int    `json:"jpeg_quality,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/greetbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
