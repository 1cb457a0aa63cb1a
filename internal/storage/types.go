package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EmissionRecord is one audit row describing what happened to a submitted
// event. Keep it compact and schema-stable.
type EmissionRecord struct {
	At        time.Time
	ChannelID string
	EventID   string
	Outcome   string // emitted, suppressed, deferred
	Reason    string // suppression reason, empty otherwise
	BatchID   string
	BatchType string
	// MessageCount is the digest size for emitted outcomes.
	MessageCount int
	ThreadID     string
	ParentRef    string
	DelayMS      int64
	Error        string
}
