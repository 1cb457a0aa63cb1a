package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"notiflow/internal/event"
)

// Storage key prefixes per strategy. Keys only need to be unique within a
// channel; the engine's storage map is already channel-scoped, so two
// channels never share a slot even for identical keys.
const (
	keyPrefixTime       = "time:"
	keyPrefixSimilarity = "sim:"
	keyPrefixAuthor     = "author:"
	keyPrefixPriority   = "prio:"
	keyPrefixMixed      = "mixed:"
)

const metaTimeBucket = "time_bucket"

// joinable reports whether a pending group may accept another message.
func joinable(g *Group, now time.Time, cfg Config) bool {
	if g == nil {
		return false
	}
	if len(g.Messages) >= cfg.MaxBatchSize {
		return false
	}
	return now.Before(g.ExpiresAt)
}

// timeBucket floors ts to the window. Nanosecond arithmetic so sub-second
// windows divide cleanly; withDefaults guarantees window > 0.
func timeBucket(ts time.Time, window time.Duration) int64 {
	return ts.UnixNano() / int64(window)
}

func timeKey(ev event.Notifiable, cfg Config) string {
	return keyPrefixTime + string(ev.ContentType) + ":" + strconv.FormatInt(timeBucket(ev.Timestamp, cfg.TimeWindow), 10)
}

func authorKey(ev event.Notifiable) string {
	return keyPrefixAuthor + ev.Author + ":" + string(ev.ContentType)
}

func priorityKey(ev event.Notifiable) string {
	return keyPrefixPriority + string(ev.Priority) + ":" + string(ev.ContentType)
}

// similarity scores how closely ev matches one existing message:
// content type 0.4, author 0.3, repository/project 0.3.
func similarity(ev event.Notifiable, other event.Notifiable) float64 {
	var score float64
	if ev.ContentType == other.ContentType {
		score += 0.4
	}
	if ev.Author != "" && ev.Author == other.Author {
		score += 0.3
	}
	if repoOrProject(ev) != "" && repoOrProject(ev) == repoOrProject(other) {
		score += 0.3
	}
	return score
}

func repoOrProject(ev event.Notifiable) string {
	if ev.Payload.Repository != "" {
		return ev.Payload.Repository
	}
	return ev.Payload.Project
}

// groupSimilarity is the best per-message similarity against the group.
func groupSimilarity(ev event.Notifiable, g *Group) float64 {
	var best float64
	for _, m := range g.Messages {
		if s := similarity(ev, m); s > best {
			best = s
		}
	}
	return best
}

// matchGroup evaluates the configured strategies in order and returns the
// first existing group the event may join, or nil if none matched.
func matchGroup(groups map[string]*Group, ev event.Notifiable, now time.Time, cfg Config) *Group {
	for _, st := range cfg.Strategies {
		switch st {
		case StrategyTime:
			if g := groups[timeKey(ev, cfg)]; joinable(g, now, cfg) {
				return g
			}
		case StrategySimilarity:
			if g := bestSimilar(groups, keyPrefixSimilarity, ev, now, cfg, -1); g != nil {
				return g
			}
		case StrategyAuthor:
			if ev.Author == "" {
				continue
			}
			if g := groups[authorKey(ev)]; joinable(g, now, cfg) {
				return g
			}
		case StrategyPriority:
			if g := groups[priorityKey(ev)]; joinable(g, now, cfg) {
				return g
			}
		case StrategyMixed:
			bucket := timeBucket(ev.Timestamp, cfg.TimeWindow)
			if g := bestSimilar(groups, keyPrefixMixed, ev, now, cfg, bucket); g != nil {
				return g
			}
		}
	}
	return nil
}

// bestSimilar scans similarity-keyed groups and returns the best match at or
// above the configured threshold. bucket >= 0 additionally requires the
// group's time bucket to match (mixed strategy).
func bestSimilar(groups map[string]*Group, prefix string, ev event.Notifiable, now time.Time, cfg Config, bucket int64) *Group {
	var (
		best      *Group
		bestScore float64
	)
	for key, g := range groups {
		if !strings.HasPrefix(key, prefix) || !joinable(g, now, cfg) {
			continue
		}
		if bucket >= 0 && g.Metadata[metaTimeBucket] != strconv.FormatInt(bucket, 10) {
			continue
		}
		if s := groupSimilarity(ev, g); s >= cfg.SimilarityThreshold && s > bestScore {
			best, bestScore = g, s
		}
	}
	return best
}

// newStorageKey derives the storage slot for a fresh group created by the
// first configured strategy.
func newStorageKey(st Strategy, ev event.Notifiable, cfg Config) (key string, meta map[string]string) {
	switch st {
	case StrategyTime:
		return timeKey(ev, cfg), nil
	case StrategySimilarity:
		return keyPrefixSimilarity + uuid.NewString(), nil
	case StrategyAuthor:
		if ev.Author != "" {
			return authorKey(ev), nil
		}
		return timeKey(ev, cfg), nil
	case StrategyPriority:
		return priorityKey(ev), nil
	case StrategyMixed:
		bucket := timeBucket(ev.Timestamp, cfg.TimeWindow)
		return keyPrefixMixed + uuid.NewString(),
			map[string]string{metaTimeBucket: strconv.FormatInt(bucket, 10)}
	default:
		// Parse rejects unknown strategies; keep a deterministic fallback anyway.
		return fmt.Sprintf("%s%s:0", keyPrefixTime, ev.ContentType), nil
	}
}
