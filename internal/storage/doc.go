// Package storage keeps an append-only audit trail of schedule lifecycle
// events. Jobs themselves are never persisted; a restart starts empty.
package storage
