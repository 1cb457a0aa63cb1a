package spam

import (
	"fmt"
	"testing"
	"time"

	"notiflow/internal/event"
	logx "notiflow/pkg/logx"
)

func testGuard(t *testing.T, cfg Config) (*Guard, *time.Time) {
	t.Helper()
	g := New(cfg, logx.Nop(), nil, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func spamEv(id, title string, p event.Priority) event.Notifiable {
	return event.Notifiable{
		ID:          id,
		ContentType: event.ContentAlert,
		Priority:    p,
		Payload:     event.Payload{Title: title, Body: "body"},
	}
}

func TestDedupBlocksWithinWindow(t *testing.T) {
	g, now := testGuard(t, Config{DedupEnabled: true, DuplicateWindow: 10 * time.Minute})

	if v := g.Check(spamEv("e1", "disk full", event.PriorityHigh), "ch"); !v.Allowed {
		t.Fatalf("first occurrence blocked: %+v", v)
	}
	v := g.Check(spamEv("e2", "disk full", event.PriorityHigh), "ch")
	if v.Allowed || v.Reason != ReasonDuplicate {
		t.Fatalf("duplicate not blocked: %+v", v)
	}

	// Different content is not a duplicate.
	if v := g.Check(spamEv("e3", "disk ok", event.PriorityHigh), "ch"); !v.Allowed {
		t.Fatalf("distinct content blocked: %+v", v)
	}

	// Past the window the same content is allowed again.
	*now = now.Add(11 * time.Minute)
	if v := g.Check(spamEv("e4", "disk full", event.PriorityHigh), "ch"); !v.Allowed {
		t.Fatalf("expired duplicate still blocked: %+v", v)
	}

	if st := g.Stats(); st.DuplicatesFiltered != 1 || st.MessagesBlocked != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDedupIsPerChannel(t *testing.T) {
	g, _ := testGuard(t, Config{DedupEnabled: true})

	if v := g.Check(spamEv("e1", "same", event.PriorityMedium), "ch-a"); !v.Allowed {
		t.Fatalf("blocked on ch-a: %+v", v)
	}
	if v := g.Check(spamEv("e2", "same", event.PriorityMedium), "ch-b"); !v.Allowed {
		t.Fatalf("other channel shares dedup state: %+v", v)
	}
}

func TestRateLimitCeiling(t *testing.T) {
	g, _ := testGuard(t, Config{
		RateLimitEnabled: true,
		MaxPerMinute:     3,
		MaxPerHour:       100,
		Mode:             TimingImmediate,
	})

	for i := 0; i < 3; i++ {
		if v := g.Check(spamEv(fmt.Sprintf("e%d", i), fmt.Sprintf("t%d", i), event.PriorityMedium), "ch"); !v.Allowed {
			t.Fatalf("event %d blocked under ceiling: %+v", i, v)
		}
	}
	v := g.Check(spamEv("e3", "t3", event.PriorityMedium), "ch")
	if v.Allowed || v.Reason != ReasonRateLimited {
		t.Fatalf("over-ceiling event not rate limited: %+v", v)
	}
}

func TestPriorityRateLimitOverride(t *testing.T) {
	g, _ := testGuard(t, Config{
		RateLimitEnabled:   true,
		MaxPerMinute:       1,
		MaxPerHour:         100,
		PriorityRateLimits: map[event.Priority]int{event.PriorityCritical: 5},
		Mode:               TimingImmediate,
	})

	// Critical gets its own, higher ceiling.
	for i := 0; i < 5; i++ {
		if v := g.Check(spamEv(fmt.Sprintf("c%d", i), fmt.Sprintf("crit%d", i), event.PriorityCritical), "ch"); !v.Allowed {
			t.Fatalf("critical event %d blocked: %+v", i, v)
		}
	}
	if v := g.Check(spamEv("c5", "crit5", event.PriorityCritical), "ch"); v.Allowed {
		t.Fatal("critical ceiling not enforced")
	}
}

func TestBurstCooldownAndCriticalBypass(t *testing.T) {
	g, now := testGuard(t, Config{
		BurstEnabled:       true,
		BurstThreshold:     3,
		BurstWindow:        10 * time.Second,
		CooldownAfterBurst: 5 * time.Minute,
		Mode:               TimingImmediate,
	})

	blocked := false
	for i := 0; i < 6; i++ {
		v := g.Check(spamEv(fmt.Sprintf("e%d", i), fmt.Sprintf("t%d", i), event.PriorityMedium), "ch")
		if !v.Allowed {
			if v.Reason != ReasonBurstCooldown {
				t.Fatalf("wrong reason: %+v", v)
			}
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("burst never triggered a cooldown")
	}
	if a := g.Activity("ch"); !a.InCooldown {
		t.Fatalf("activity should report cooldown: %+v", a)
	}

	// Critical traffic passes through an active cooldown.
	if v := g.Check(spamEv("crit", "paging", event.PriorityCritical), "ch"); !v.Allowed {
		t.Fatalf("critical blocked during cooldown: %+v", v)
	}

	// Cooldown clears after its window.
	*now = now.Add(6 * time.Minute)
	if v := g.Check(spamEv("later", "later", event.PriorityMedium), "ch"); !v.Allowed {
		t.Fatalf("still blocked after cooldown expiry: %+v", v)
	}
}

func TestSuppressedDuplicatesDoNotCountAsActivity(t *testing.T) {
	g, _ := testGuard(t, Config{
		DedupEnabled:       true,
		DuplicateWindow:    10 * time.Minute,
		BurstEnabled:       true,
		BurstThreshold:     3,
		BurstWindow:        10 * time.Second,
		CooldownAfterBurst: 5 * time.Minute,
		Mode:               TimingImmediate,
	})

	// A duplicate storm: only the first occurrence is real traffic. The
	// suppressed copies must not feed burst detection or the activity window.
	for i := 0; i < 10; i++ {
		v := g.Check(spamEv(fmt.Sprintf("e%d", i), "disk full", event.PriorityMedium), "ch")
		if i == 0 && !v.Allowed {
			t.Fatalf("first occurrence blocked: %+v", v)
		}
		if i > 0 && (v.Allowed || v.Reason != ReasonDuplicate) {
			t.Fatalf("copy %d not deduped: %+v", i, v)
		}
	}

	a := g.Activity("ch")
	if a.RecentEvents != 1 {
		t.Fatalf("RecentEvents = %d, want 1 (only the allowed event)", a.RecentEvents)
	}
	if a.InCooldown {
		t.Fatalf("duplicate storm triggered cooldown: %+v", a)
	}
	if st := g.Stats(); st.BurstCooldowns != 0 {
		t.Fatalf("BurstCooldowns = %d, want 0", st.BurstCooldowns)
	}
}

func TestQuietHoursDefersAndWrapsMidnight(t *testing.T) {
	g, now := testGuard(t, Config{
		QuietHoursEnabled: true,
		QuietHoursStart:   22,
		QuietHoursEnd:     6,
		QuietHoursDelay:   30 * time.Minute,
		Mode:              TimingImmediate,
	})

	// 23:00 UTC is inside the wrapped window.
	*now = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	v := g.Check(spamEv("e1", "late", event.PriorityMedium), "ch")
	if !v.Allowed || !v.QuietHours || v.Delay < 30*time.Minute {
		t.Fatalf("quiet hours should defer, not drop: %+v", v)
	}

	// 03:00 still inside; 12:00 outside.
	*now = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	if v := g.Check(spamEv("e2", "early", event.PriorityMedium), "ch"); !v.QuietHours {
		t.Fatalf("03:00 should be quiet: %+v", v)
	}
	*now = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	if v := g.Check(spamEv("e3", "noon", event.PriorityMedium), "ch"); v.QuietHours {
		t.Fatalf("12:00 should not be quiet: %+v", v)
	}

	// Critical is exempt even at night.
	*now = time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)
	if v := g.Check(spamEv("e4", "page", event.PriorityCritical), "ch"); v.QuietHours || v.Delay != 0 {
		t.Fatalf("critical must skip quiet hours: %+v", v)
	}
}

func TestAdaptiveDelayGrowsWithActivity(t *testing.T) {
	g, _ := testGuard(t, Config{
		Mode:           TimingAdaptive,
		BaseInterval:   30 * time.Second,
		MinInterval:    5 * time.Second,
		MaxInterval:    10 * time.Minute,
		AdaptiveFactor: 2,
		ActivityWindow: 5 * time.Minute,
	})

	// First arrival sees no prior activity: base interval.
	v1 := g.Check(spamEv("e1", "t1", event.PriorityMedium), "ch")
	if !v1.Allowed || v1.Delay != 30*time.Second {
		t.Fatalf("first delay = %v, want 30s", v1.Delay)
	}
	// Second arrival sees one prior event: base * factor.
	v2 := g.Check(spamEv("e2", "t2", event.PriorityMedium), "ch")
	if v2.Delay != time.Minute {
		t.Fatalf("second delay = %v, want 1m", v2.Delay)
	}
	// Delay is clamped at MaxInterval.
	for i := 0; i < 20; i++ {
		g.Check(spamEv(fmt.Sprintf("f%d", i), fmt.Sprintf("x%d", i), event.PriorityMedium), "ch")
	}
	v := g.Check(spamEv("last", "last", event.PriorityMedium), "ch")
	if v.Delay != 10*time.Minute {
		t.Fatalf("delay not clamped: %v", v.Delay)
	}
}

func TestTimingModes(t *testing.T) {
	g, _ := testGuard(t, Config{Mode: TimingImmediate})
	if v := g.Check(spamEv("e1", "a", event.PriorityMedium), "ch"); v.Delay != 0 {
		t.Fatalf("immediate mode delay = %v", v.Delay)
	}

	g2, _ := testGuard(t, Config{Mode: TimingFixed, BaseInterval: 45 * time.Second})
	if v := g2.Check(spamEv("e1", "a", event.PriorityMedium), "ch"); v.Delay != 45*time.Second {
		t.Fatalf("fixed mode delay = %v, want 45s", v.Delay)
	}

	// Priority override beats the mode, and critical is always zero.
	g3, _ := testGuard(t, Config{
		Mode:                    TimingFixed,
		BaseInterval:            45 * time.Second,
		PriorityTimingOverrides: map[event.Priority]time.Duration{event.PriorityHigh: 5 * time.Second},
	})
	if v := g3.Check(spamEv("e1", "a", event.PriorityHigh), "ch"); v.Delay != 5*time.Second {
		t.Fatalf("override delay = %v, want 5s", v.Delay)
	}
	if v := g3.Check(spamEv("e2", "b", event.PriorityCritical), "ch"); v.Delay != 0 {
		t.Fatalf("critical delay = %v, want 0", v.Delay)
	}
}

func TestResetAndSweep(t *testing.T) {
	g, now := testGuard(t, Config{DedupEnabled: true, DuplicateWindow: time.Minute})

	g.Check(spamEv("e1", "x", event.PriorityMedium), "ch")
	if a := g.Activity("ch"); a.DedupEntries != 1 {
		t.Fatalf("dedup entries = %d, want 1", a.DedupEntries)
	}

	*now = now.Add(2 * time.Minute)
	g.Sweep()
	if a := g.Activity("ch"); a.DedupEntries != 0 {
		t.Fatalf("sweep left %d entries", a.DedupEntries)
	}

	if !g.Reset("ch") {
		t.Fatal("Reset on live channel returned false")
	}
	if g.Reset("ch") {
		t.Fatal("Reset on unknown channel returned true")
	}
}
