package delivery

import (
	"time"
)

// Route maps a logical channel to a platform chat target.
type Route struct {
	ChatID  int64
	TopicID int
}

// Config controls the delivery worker pool.
type Config struct {
	Enabled   bool
	Workers   int // default 2
	QueueSize int // default 512
	// RatePerSec paces outbound sends across all workers. Default 3.
	RatePerSec int
	RetryMax      int           // extra attempts after the first, default 2
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s
	SendTimeout   time.Duration // per-send bound, default 10s

	// Routes resolve channel ids to chat targets. Digests for channels
	// without a route are dropped with a warning.
	Routes map[string]Route
}

// HistoryItem is one delivered digest kept for status reporting.
type HistoryItem struct {
	At        time.Time
	ChannelID string
	Text      string
}

// Event is published on the bus at each delivery lifecycle step.
type Event struct {
	ChannelID string    `json:"channel_id"`
	ChatID    int64     `json:"chat_id"`
	TopicID   int       `json:"topic_id"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
