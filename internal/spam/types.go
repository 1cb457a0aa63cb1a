package spam

import (
	"fmt"
	"strings"
	"time"

	"notiflow/internal/event"
)

// TimingMode selects how the emission delay is computed for events that pass
// every prevention strategy. The set is closed.
type TimingMode string

const (
	TimingImmediate TimingMode = "immediate" // no delay
	TimingFixed     TimingMode = "fixed"     // always BaseInterval
	TimingAdaptive  TimingMode = "adaptive"  // scales with recent channel activity
)

// ParseTimingMode validates a raw timing mode name.
func ParseTimingMode(raw string) (TimingMode, error) {
	m := TimingMode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case TimingImmediate, TimingFixed, TimingAdaptive:
		return m, nil
	}
	return "", fmt.Errorf("unknown timing mode %q", raw)
}

// Config controls the spam prevention and timing layer.
//
// Durations of zero fall back to defaults in Apply().
type Config struct {
	// Content deduplication.
	DedupEnabled    bool
	DuplicateWindow time.Duration // default 10m
	DedupMaxEntries int           // per channel, default 2000
	PersistDedup    bool          // write suppress-until state through storage

	// Sliding rate limits.
	RateLimitEnabled bool
	MaxPerMinute     int // default 10
	MaxPerHour       int // default 100
	// PriorityRateLimits overrides the per-minute ceiling for a priority
	// (e.g. a higher ceiling for critical traffic).
	PriorityRateLimits map[event.Priority]int

	// Burst detection.
	BurstEnabled       bool
	BurstThreshold     int           // events within BurstWindow, default 5
	BurstWindow        time.Duration // default 10s
	CooldownAfterBurst time.Duration // default 5m

	// Quiet hours, evaluated in the channel's local time.
	QuietHoursEnabled bool
	QuietHoursStart   int // hour [0,23], window is [start,end)
	QuietHoursEnd     int
	QuietHoursDelay   time.Duration     // extra deferral, default 30m
	DefaultTimezone   string            // IANA name, default UTC
	ChannelTimezones  map[string]string // per-channel override

	// Emission delay.
	Mode           TimingMode // default adaptive
	BaseInterval   time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	AdaptiveFactor float64 // growth base per unit of recent activity
	ActivityWindow time.Duration
	// PriorityTimingOverrides wins over the computed delay
	// (critical maps to 0: emit immediately).
	PriorityTimingOverrides map[event.Priority]time.Duration
}

func (c Config) withDefaults() Config {
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Minute
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 10
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 100
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 5
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 10 * time.Second
	}
	if c.CooldownAfterBurst <= 0 {
		c.CooldownAfterBurst = 5 * time.Minute
	}
	if c.QuietHoursDelay <= 0 {
		c.QuietHoursDelay = 30 * time.Minute
	}
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.Mode == "" {
		c.Mode = TimingAdaptive
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Minute
	}
	if c.AdaptiveFactor <= 0 {
		c.AdaptiveFactor = 1.2
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 5 * time.Minute
	}
	if _, ok := c.PriorityTimingOverrides[event.PriorityCritical]; !ok {
		// Critical traffic always emits immediately.
		m := make(map[event.Priority]time.Duration, len(c.PriorityTimingOverrides)+1)
		for k, v := range c.PriorityTimingOverrides {
			m[k] = v
		}
		m[event.PriorityCritical] = 0
		c.PriorityTimingOverrides = m
	}
	return c
}

// Reason explains why an event was suppressed. These are expected outcomes,
// counted rather than raised as errors.
type Reason string

const (
	ReasonDuplicate     Reason = "duplicate"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonBurstCooldown Reason = "burst_cooldown"
)

// Verdict is the outcome of running an event through the prevention chain.
type Verdict struct {
	Allowed bool
	Reason  Reason // set when !Allowed
	// Delay gates when the batch group joined by this event may flush.
	Delay time.Duration
	// QuietHours marks deferrals caused by the quiet-hours window.
	QuietHours bool
}

// Stats are the cumulative counters exposed for observability.
type Stats struct {
	MessagesBlocked    uint64 `json:"messages_blocked"`
	DuplicatesFiltered uint64 `json:"duplicates_filtered"`
	RateLimited        uint64 `json:"rate_limited"`
	BurstCooldowns     uint64 `json:"burst_cooldowns"`
	QuietHoursDelayed  uint64 `json:"quiet_hours_delayed"`
}

// Activity is a point-in-time view of one channel's ActivityMetrics.
type Activity struct {
	ChannelID     string    `json:"channel_id"`
	RecentEvents  int       `json:"recent_events"`
	HourCount     int       `json:"hour_count"`
	DayCount      int       `json:"day_count"`
	CurrentBurst  int       `json:"current_burst"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	DedupEntries  int       `json:"dedup_entries"`
}
