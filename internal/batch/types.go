package batch

import (
	"fmt"
	"strings"
	"time"

	"notiflow/internal/event"
)

// Strategy selects how events are grouped inside a channel.
// The set is closed; Parse rejects anything else at config-load time.
type Strategy string

const (
	StrategyTime       Strategy = "time"
	StrategySimilarity Strategy = "similarity"
	StrategyAuthor     Strategy = "author"
	StrategyPriority   Strategy = "priority"
	StrategyMixed      Strategy = "mixed"
)

// ParseStrategy validates a raw strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StrategyTime, StrategySimilarity, StrategyAuthor, StrategyPriority, StrategyMixed:
		return s, nil
	}
	return "", fmt.Errorf("unknown batch strategy %q", raw)
}

// Config controls the batch engine.
//
// Zero values fall back to defaults in Apply(): strategies=[time],
// MaxBatchSize=5, MaxBatchAge=5m, TimeWindow=5m, SimilarityThreshold=0.7,
// PageSize=10.
type Config struct {
	Strategies          []Strategy
	MaxBatchSize        int
	MaxBatchAge         time.Duration
	TimeWindow          time.Duration // time-based grouping bucket width
	SimilarityThreshold float64
	PageSize            int // rendered items per section block
}

func (c Config) withDefaults() Config {
	if len(c.Strategies) == 0 {
		c.Strategies = []Strategy{StrategyTime}
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 5
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 5 * time.Minute
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 5 * time.Minute
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.7
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	return c
}

// Group is one pending batch, owned exclusively by a single channel.
//
// Invariant: every message shares the channel and passed the owning
// strategy's membership test at insertion time.
type Group struct {
	ID        string
	ChannelID string
	BatchType event.ContentType // dominant content type
	Messages  []event.Notifiable

	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time // newest-message time + engine expiry window
	EarliestEmit time.Time // adaptive-delay gate for time-based flushes

	// StorageKey identifies the strategy slot this group lives under.
	// Keys are always channel-scoped by the engine's storage map.
	StorageKey string
	Metadata   map[string]string
}

// dominantType returns the most frequent content type among the messages.
// Insertion order breaks ties.
func (g *Group) dominantType() event.ContentType {
	counts := map[event.ContentType]int{}
	best := g.BatchType
	bestN := 0
	for _, m := range g.Messages {
		counts[m.ContentType]++
		if counts[m.ContentType] > bestN {
			best = m.ContentType
			bestN = counts[m.ContentType]
		}
	}
	return best
}

// ChannelStats is the cumulative per-channel view exposed for observability.
//
// AverageBatchSize and AverageTimeToSend are unbounded incremental means;
// that mirrors the long-lived behavior this engine replaces and is a
// deliberate compatibility choice, not an oversight.
type ChannelStats struct {
	ChannelID       string
	BatchesCreated  uint64
	BatchesSent     uint64
	MessagesBatched uint64

	AverageBatchSize  float64
	AverageTimeToSend time.Duration

	ActiveBatchCount    int
	PendingMessageCount int

	RenderFailures uint64
}

// optimalBatchSize is the assumed sweet spot for digest readability.
const optimalBatchSize = 3.0

// Efficiency scores how well the channel converts created batches into sent
// digests of useful size, in [0,1].
func (s ChannelStats) Efficiency() float64 {
	if s.BatchesCreated == 0 {
		return 0
	}
	sentRatio := float64(s.BatchesSent) / float64(s.BatchesCreated)
	sizeRatio := s.AverageBatchSize / optimalBatchSize
	if sizeRatio > 1 {
		sizeRatio = 1
	}
	return sentRatio * sizeRatio
}
