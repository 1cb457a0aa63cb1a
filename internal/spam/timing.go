package spam

import (
	"math"
	"time"

	"notiflow/internal/event"
)

// delayLocked computes the emission delay for an allowed event. Caller holds
// ca.mu; observeLocked has already recorded this arrival.
//
// A per-priority override always wins over the computed delay, so critical
// traffic (override 0) emits immediately regardless of mode.
func (g *Guard) delayLocked(ca *channelActivity, p event.Priority, now time.Time, cfg Config) time.Duration {
	if override, ok := cfg.PriorityTimingOverrides[p]; ok {
		return override
	}

	switch cfg.Mode {
	case TimingImmediate:
		return 0
	case TimingFixed:
		return cfg.BaseInterval
	}

	// Adaptive: the busier the channel, the longer the delay, so a noisy
	// channel accumulates larger digests instead of drip-feeding. The
	// arrival recorded for this event does not count toward its own delay.
	activity := len(ca.recent) - 1
	if activity < 0 {
		activity = 0
	}
	d := time.Duration(float64(cfg.BaseInterval) * math.Pow(cfg.AdaptiveFactor, float64(activity)))
	return clampDuration(d, cfg.MinInterval, cfg.MaxInterval)
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
