package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one schedule lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	JobID  string    `json:"job_id"`
	ChatID int64     `json:"chat_id"`
	Seq    int       `json:"seq,omitempty"`
	Detail string    `json:"detail,omitempty"`
}
