package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrCorrupt wraps registry documents that exist but cannot be decoded.
	ErrCorrupt = errors.New("registry document corrupt")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON registry document + audit jsonl
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled and the registry lives in memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ChatRecord is one known chat. FirstSeen <= LastSeen always holds.
type ChatRecord struct {
	ChatID    string    `json:"chat_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title,omitempty"`
	Username  string    `json:"username,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// AuditEntry records one relay request.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RID       string    `json:"rid"`
	Status    string    `json:"status"` // sent | broadcast | failed
	ChatID    string    `json:"chat_id,omitempty"`
	Chunks    int       `json:"chunks"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	OK        bool      `json:"ok"`
	ErrorKind string    `json:"error_kind,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
