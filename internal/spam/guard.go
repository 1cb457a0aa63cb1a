package spam

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"

	"notiflow/internal/event"
	"notiflow/internal/eventbus"
	"notiflow/internal/storage"
	logx "notiflow/pkg/logx"
)

var (
	blockedTotal    = metrics.NewCounter("notiflow_spam_blocked_total")
	duplicatesTotal = metrics.NewCounter("notiflow_spam_duplicates_total")
	rateLimitTotal  = metrics.NewCounter("notiflow_spam_rate_limited_total")
	burstTotal      = metrics.NewCounter("notiflow_spam_burst_cooldowns_total")
	quietTotal      = metrics.NewCounter("notiflow_spam_quiet_hours_deferred_total")
)

// Guard runs every inbound event through the prevention chain:
// dedup -> rate limit -> burst cooldown -> quiet hours -> adaptive delay.
//
// It is safe for concurrent use. Each channel's activity metrics and dedup
// table are mutated only under that channel's lock.
type Guard struct {
	mu  sync.Mutex
	cfg Config

	cmu      sync.RWMutex
	channels map[string]*channelActivity

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	// Optional async dedup persistence (best-effort, surviving restarts).
	pmu       sync.Mutex
	persistCh chan dedupWrite
	stopDone  chan struct{}

	messagesBlocked    atomic.Uint64
	duplicatesFiltered atomic.Uint64
	rateLimited        atomic.Uint64
	burstCooldowns     atomic.Uint64
	quietHoursDelayed  atomic.Uint64

	now func() time.Time
}

// channelActivity is the per-channel ActivityMetrics plus dedup table.
type channelActivity struct {
	mu sync.Mutex

	// Sliding window of recent event arrivals (bounded by ActivityWindow).
	recent []time.Time

	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int

	inCooldown    bool
	cooldownUntil time.Time

	perMinute   *rate.Limiter
	perHour     *rate.Limiter
	perPriority map[event.Priority]*rate.Limiter

	dedup map[string]time.Time // content hash -> suppress until
}

type dedupWrite struct {
	key   string
	until time.Time
}

// SuppressEvent is published on the bus whenever an event is blocked.
type SuppressEvent struct {
	ChannelID string    `json:"channel_id"`
	EventID   string    `json:"event_id"`
	Reason    Reason    `json:"reason"`
	At        time.Time `json:"at"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{
		cfg:      cfg.withDefaults(),
		channels: map[string]*channelActivity{},
		log:      log,
		bus:      bus,
		store:    store,
		now:      time.Now,
	}
	return g
}

func (g *Guard) Apply(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Guard) config() Config {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()
	return cfg
}

// Start launches the optional dedup persistence loop.
func (g *Guard) Start(ctx context.Context) {
	cfg := g.config()
	if !cfg.PersistDedup || g.store == nil {
		return
	}
	g.pmu.Lock()
	if g.persistCh != nil {
		g.pmu.Unlock()
		return
	}
	ch := make(chan dedupWrite, 1024)
	done := make(chan struct{})
	g.persistCh = ch
	g.stopDone = done
	g.pmu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case w, ok := <-ch:
				if !ok {
					return
				}
				cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
				_ = g.store.PutDedup(cctx, w.key, w.until)
				cancel()
			}
		}
	}()
}

// Stop drains the persistence loop best-effort until ctx deadline.
func (g *Guard) Stop(ctx context.Context) {
	g.pmu.Lock()
	ch := g.persistCh
	done := g.stopDone
	g.persistCh = nil
	g.stopDone = nil
	g.pmu.Unlock()
	if ch == nil {
		return
	}
	func() {
		defer func() { _ = recover() }()
		close(ch)
	}()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

func (g *Guard) channel(channelID string) *channelActivity {
	g.cmu.RLock()
	ch := g.channels[channelID]
	g.cmu.RUnlock()
	if ch != nil {
		return ch
	}
	cfg := g.config()
	g.cmu.Lock()
	defer g.cmu.Unlock()
	if ch = g.channels[channelID]; ch == nil {
		ch = &channelActivity{
			perMinute: newCeilingLimiter(cfg.MaxPerMinute, time.Minute),
			perHour:   newCeilingLimiter(cfg.MaxPerHour, time.Hour),
			dedup:     map[string]time.Time{},
		}
		g.channels[channelID] = ch
	}
	return ch
}

// newCeilingLimiter models "at most n events per window" as a token bucket
// with burst n refilling at n/window.
func newCeilingLimiter(n int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
}

// Check runs ev through the prevention chain for channelID.
func (g *Guard) Check(ev event.Notifiable, channelID string) Verdict {
	cfg := g.config()
	ch := g.channel(channelID)
	now := g.now()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	// 1) Content deduplication.
	if cfg.DedupEnabled {
		if !g.dedupAllowLocked(ch, channelID, ev, now, cfg) {
			g.duplicatesFiltered.Add(1)
			duplicatesTotal.Inc()
			return g.blockLocked(channelID, ev.ID, ReasonDuplicate, now)
		}
	}

	// 2) Sliding rate limits (per-priority override wins over the per-minute
	// ceiling; the hourly ceiling always applies).
	if cfg.RateLimitEnabled {
		if !g.rateAllowLocked(ch, ev.Priority, cfg) {
			g.rateLimited.Add(1)
			rateLimitTotal.Inc()
			return g.blockLocked(channelID, ev.ID, ReasonRateLimited, now)
		}
	}

	// Only events that survive dedup and rate limiting count as activity, so
	// a duplicate storm cannot push the channel into burst cooldown or inflate
	// the adaptive delay.
	ch.observeLocked(now, cfg)

	// 3) Burst cooldown. Critical traffic bypasses the cooldown entirely.
	if cfg.BurstEnabled {
		if ch.burstLocked(now, cfg) {
			g.burstCooldowns.Add(1)
			burstTotal.Inc()
		}
		if ch.inCooldown && now.Before(ch.cooldownUntil) && ev.Priority != event.PriorityCritical {
			return g.blockLocked(channelID, ev.ID, ReasonBurstCooldown, now)
		}
	}

	// 4) Quiet hours defer rather than drop; critical is exempt.
	var quiet bool
	if cfg.QuietHoursEnabled && ev.Priority != event.PriorityCritical {
		quiet = inQuietHours(now, channelID, cfg)
	}

	// 5) Adaptive emission delay.
	delay := g.delayLocked(ch, ev.Priority, now, cfg)
	if quiet {
		delay += cfg.QuietHoursDelay
		g.quietHoursDelayed.Add(1)
		quietTotal.Inc()
	}

	return Verdict{Allowed: true, Delay: delay, QuietHours: quiet}
}

func (g *Guard) blockLocked(channelID, eventID string, reason Reason, now time.Time) Verdict {
	g.messagesBlocked.Add(1)
	blockedTotal.Inc()
	if g.bus != nil {
		g.bus.Publish(eventbus.Signal{
			Topic:   eventbus.TopicSpamSuppressed,
			Channel: channelID,
			At:      now,
			Payload: SuppressEvent{ChannelID: channelID, EventID: eventID, Reason: reason, At: now},
		})
	}
	return Verdict{Allowed: false, Reason: reason}
}

// observeLocked records the arrival in the sliding window and rolls the
// hourly/daily counters.
func (ca *channelActivity) observeLocked(now time.Time, cfg Config) {
	ca.recent = append(ca.recent, now)
	cutoff := now.Add(-cfg.ActivityWindow)
	i := 0
	for ; i < len(ca.recent); i++ {
		if ca.recent[i].After(cutoff) {
			break
		}
	}
	ca.recent = ca.recent[i:]

	if ca.hourStart.IsZero() || now.Sub(ca.hourStart) >= time.Hour {
		ca.hourStart = now
		ca.hourCount = 0
	}
	ca.hourCount++
	if ca.dayStart.IsZero() || now.Sub(ca.dayStart) >= 24*time.Hour {
		ca.dayStart = now
		ca.dayCount = 0
	}
	ca.dayCount++
}

func (g *Guard) rateAllowLocked(ca *channelActivity, p event.Priority, cfg Config) bool {
	minute := ca.perMinute
	if ceiling, ok := cfg.PriorityRateLimits[p]; ok && ceiling > 0 {
		if ca.perPriority == nil {
			ca.perPriority = map[event.Priority]*rate.Limiter{}
		}
		lim := ca.perPriority[p]
		if lim == nil {
			lim = newCeilingLimiter(ceiling, time.Minute)
			ca.perPriority[p] = lim
		}
		minute = lim
	}
	if !minute.Allow() {
		return false
	}
	return ca.perHour.Allow()
}

// burstLocked reports whether this arrival newly triggered a cooldown.
func (ca *channelActivity) burstLocked(now time.Time, cfg Config) bool {
	if ca.inCooldown && !now.Before(ca.cooldownUntil) {
		ca.inCooldown = false
	}
	inWindow := 0
	cutoff := now.Add(-cfg.BurstWindow)
	for _, t := range ca.recent {
		if t.After(cutoff) {
			inWindow++
		}
	}
	if inWindow > cfg.BurstThreshold && !ca.inCooldown {
		ca.inCooldown = true
		ca.cooldownUntil = now.Add(cfg.CooldownAfterBurst)
		return true
	}
	return false
}

// inQuietHours evaluates [start,end) against the channel's local clock.
// The window may wrap midnight (e.g. 22 -> 6).
func inQuietHours(now time.Time, channelID string, cfg Config) bool {
	tz := cfg.DefaultTimezone
	if override, ok := cfg.ChannelTimezones[channelID]; ok && override != "" {
		tz = override
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	start, end := cfg.QuietHoursStart, cfg.QuietHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Stats returns the cumulative suppression counters.
func (g *Guard) Stats() Stats {
	return Stats{
		MessagesBlocked:    g.messagesBlocked.Load(),
		DuplicatesFiltered: g.duplicatesFiltered.Load(),
		RateLimited:        g.rateLimited.Load(),
		BurstCooldowns:     g.burstCooldowns.Load(),
		QuietHoursDelayed:  g.quietHoursDelayed.Load(),
	}
}

// Activity returns a snapshot of one channel's metrics.
func (g *Guard) Activity(channelID string) Activity {
	g.cmu.RLock()
	ch := g.channels[channelID]
	g.cmu.RUnlock()
	if ch == nil {
		return Activity{ChannelID: channelID}
	}
	cfg := g.config()
	now := g.now()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	burst := 0
	cutoff := now.Add(-cfg.BurstWindow)
	for _, t := range ch.recent {
		if t.After(cutoff) {
			burst++
		}
	}
	return Activity{
		ChannelID:     channelID,
		RecentEvents:  len(ch.recent),
		HourCount:     ch.hourCount,
		DayCount:      ch.dayCount,
		CurrentBurst:  burst,
		InCooldown:    ch.inCooldown && now.Before(ch.cooldownUntil),
		CooldownUntil: ch.cooldownUntil,
		DedupEntries:  len(ch.dedup),
	}
}

// Reset drops all per-channel state. Returns false for unknown channels.
func (g *Guard) Reset(channelID string) bool {
	g.cmu.Lock()
	defer g.cmu.Unlock()
	if _, ok := g.channels[channelID]; !ok {
		return false
	}
	delete(g.channels, channelID)
	return true
}

// Sweep prunes expired dedup entries across all channels. Idempotent; safe
// to run concurrently with Check.
func (g *Guard) Sweep() {
	now := g.now()
	g.cmu.RLock()
	chans := make([]*channelActivity, 0, len(g.channels))
	for _, ch := range g.channels {
		chans = append(chans, ch)
	}
	g.cmu.RUnlock()
	for _, ch := range chans {
		ch.mu.Lock()
		for k, until := range ch.dedup {
			if !now.Before(until) {
				delete(ch.dedup, k)
			}
		}
		ch.mu.Unlock()
	}
}
