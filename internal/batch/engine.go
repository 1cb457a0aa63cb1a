package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"notiflow/internal/event"
	"notiflow/internal/eventbus"
	"notiflow/internal/message"
	logx "notiflow/pkg/logx"
)

var (
	flushedTotal       = metrics.NewCounter("notiflow_batches_flushed_total")
	renderFailureTotal = metrics.NewCounter("notiflow_batch_render_failures_total")
)

// Engine groups events into per-channel digests.
//
// It is safe for concurrent use: the channel registry takes a short exclusive
// section for structural changes, and each channel's groups and stats are
// mutated only under that channel's lock.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	channels map[string]*channelState

	log logx.Logger
	bus eventbus.Bus

	// render is swappable so flush-failure recovery is testable.
	render func(channelID string, g *Group, cfg Config) (message.Rich, error)
	now    func() time.Time
}

type channelState struct {
	mu     sync.Mutex
	groups map[string]*Group
	stats  ChannelStats
}

// Flush pairs a rendered digest with the events it contains, so callers can
// derive thread placement without re-parsing the rendered blocks.
type Flush struct {
	Message message.Rich
	Events  []event.Notifiable
}

// FlushEvent is published on the bus when a digest is emitted or a render
// fails.
type FlushEvent struct {
	ChannelID  string    `json:"channel_id"`
	BatchID    string    `json:"batch_id"`
	StorageKey string    `json:"storage_key"`
	Messages   int       `json:"messages"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		channels: map[string]*channelState{},
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
	e.render = renderDigest
	return e
}

// Apply swaps the engine config at runtime. Pending groups keep the
// thresholds they will be flushed under via the next operation's snapshot.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()
	return cfg
}

// channel returns the state for channelID, creating it when create is set.
func (e *Engine) channel(channelID string, create bool) *channelState {
	e.mu.RLock()
	ch := e.channels[channelID]
	e.mu.RUnlock()
	if ch != nil || !create {
		return ch
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch = e.channels[channelID]; ch == nil {
		ch = &channelState{stats: ChannelStats{ChannelID: channelID}}
		e.channels[channelID] = ch
	}
	return ch
}

// Channels lists channels with live state (used by sweeps).
func (e *Engine) Channels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.channels))
	for id := range e.channels {
		out = append(out, id)
	}
	return out
}

// Add inserts ev into the matching group for channelID. delay is the
// spam-layer emission delay gating time-based flushes of the joined group;
// insertion itself is always immediate so later events can still batch.
//
// Returned digests include the event's own group when its flush condition
// fired, plus any stale group that had to be displaced from a storage slot.
// pending reports whether the event's group is still waiting.
func (e *Engine) Add(ev event.Notifiable, channelID string, delay time.Duration) (emitted []Flush, pending bool, err error) {
	cfg := e.config()
	ch := e.channel(channelID, true)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	now := e.now()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}

	if ch.groups == nil {
		ch.groups = map[string]*Group{}
	}

	g := matchGroup(ch.groups, ev, now, cfg)
	if g == nil {
		key, meta := newStorageKey(cfg.Strategies[0], ev, cfg)
		// A stale group may still occupy the slot (expired or full but not yet
		// swept). Flush it out of the way first; failure keeps it pending and
		// the new event is grouped under a throwaway key instead.
		if prev := ch.groups[key]; prev != nil {
			if f, ferr := e.flushLocked(ch, channelID, prev, now); ferr == nil {
				emitted = append(emitted, f)
			} else {
				key = key + ":" + uuid.NewString()
			}
		}
		g = &Group{
			ID:         uuid.NewString(),
			ChannelID:  channelID,
			BatchType:  ev.ContentType,
			CreatedAt:  now,
			StorageKey: key,
			Metadata:   meta,
		}
		ch.groups[key] = g
		ch.stats.BatchesCreated++
		ch.stats.ActiveBatchCount++
	}

	g.Messages = append(g.Messages, ev)
	g.LastActivity = now
	g.ExpiresAt = ts.Add(cfg.MaxBatchAge)
	g.EarliestEmit = now.Add(delay)
	g.BatchType = g.dominantType()
	ch.stats.MessagesBatched++
	ch.stats.PendingMessageCount++

	if flushableAt(g, now, cfg) {
		f, ferr := e.flushLocked(ch, channelID, g, now)
		if ferr != nil {
			// Group stays pending; the insert itself succeeded.
			return emitted, true, ferr
		}
		return append(emitted, f), false, nil
	}
	return emitted, true, nil
}

// shouldFlush is the single source of truth for the flush condition:
// size cap, age cap, or expiry.
func shouldFlush(g *Group, now time.Time, cfg Config) bool {
	if len(g.Messages) >= cfg.MaxBatchSize {
		return true
	}
	if now.Sub(g.CreatedAt) >= cfg.MaxBatchAge {
		return true
	}
	return !now.Before(g.ExpiresAt)
}

// flushableAt applies the emission-delay gate on top of shouldFlush. A full
// group flushes immediately; an aged or expired one waits out EarliestEmit.
// Both Add and FlushDue go through here so the two paths agree.
func flushableAt(g *Group, now time.Time, cfg Config) bool {
	if len(g.Messages) >= cfg.MaxBatchSize {
		return true
	}
	if now.Before(g.EarliestEmit) {
		return false
	}
	return shouldFlush(g, now, cfg)
}

// deadline is the instant a pending group becomes flushable by time alone.
func deadline(g *Group, cfg Config) time.Time {
	d := g.CreatedAt.Add(cfg.MaxBatchAge)
	if g.ExpiresAt.Before(d) {
		d = g.ExpiresAt
	}
	if g.EarliestEmit.After(d) {
		d = g.EarliestEmit
	}
	return d
}

// flushLocked renders g and removes it from storage. On render failure the
// group is left pending (no message loss) and the error returned.
// Caller holds ch.mu.
func (e *Engine) flushLocked(ch *channelState, channelID string, g *Group, now time.Time) (Flush, error) {
	cfg := e.config()
	msg, err := e.render(channelID, g, cfg)
	if err != nil {
		ch.stats.RenderFailures++
		renderFailureTotal.Inc()
		e.log.Warn("digest render failed; batch kept pending",
			logx.String("channel", channelID), logx.String("batch", g.ID), logx.Err(err))
		e.publish(eventbus.TopicBatchRenderFailed, FlushEvent{
			ChannelID: channelID, BatchID: g.ID, StorageKey: g.StorageKey,
			Messages: len(g.Messages), At: now, Error: err.Error(),
		})
		return Flush{}, fmt.Errorf("render batch %s: %w", g.ID, err)
	}

	n := len(g.Messages)
	ch.stats.BatchesSent++
	ch.stats.AverageBatchSize += (float64(n) - ch.stats.AverageBatchSize) / float64(ch.stats.BatchesSent)
	tts := now.Sub(g.CreatedAt)
	ch.stats.AverageTimeToSend += (tts - ch.stats.AverageTimeToSend) / time.Duration(ch.stats.BatchesSent)
	ch.stats.ActiveBatchCount--
	ch.stats.PendingMessageCount -= n

	delete(ch.groups, g.StorageKey)
	if len(ch.groups) == 0 {
		// Release batch bookkeeping; stats persist for the channel's lifetime.
		ch.groups = nil
	}

	flushedTotal.Inc()
	e.publish(eventbus.TopicBatchFlushed, FlushEvent{
		ChannelID: channelID, BatchID: g.ID, StorageKey: g.StorageKey,
		Messages: n, At: now,
	})
	return Flush{Message: msg, Events: g.Messages}, nil
}

// FlushDue flushes every group in the channel whose deadline has passed.
// It is idempotent and safe to run from sweeps concurrently with Add.
func (e *Engine) FlushDue(channelID string) []Flush {
	cfg := e.config()
	ch := e.channel(channelID, false)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	now := e.now()
	var out []Flush
	for _, g := range snapshotGroups(ch) {
		if !flushableAt(g, now, cfg) {
			continue
		}
		if f, err := e.flushLocked(ch, channelID, g, now); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// FlushAll force-flushes every pending group regardless of thresholds
// (shutdown, admin tooling).
func (e *Engine) FlushAll(channelID string) []Flush {
	ch := e.channel(channelID, false)
	if ch == nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	now := e.now()
	var out []Flush
	for _, g := range snapshotGroups(ch) {
		if f, err := e.flushLocked(ch, channelID, g, now); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// snapshotGroups copies the group list so flushLocked may mutate the map.
func snapshotGroups(ch *channelState) []*Group {
	out := make([]*Group, 0, len(ch.groups))
	for _, g := range ch.groups {
		out = append(out, g)
	}
	return out
}

// NextDeadline returns the earliest instant any pending group in the channel
// becomes flushable, for timer scheduling.
func (e *Engine) NextDeadline(channelID string) (time.Time, bool) {
	cfg := e.config()
	ch := e.channel(channelID, false)
	if ch == nil {
		return time.Time{}, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var (
		min time.Time
		ok  bool
	)
	for _, g := range ch.groups {
		d := deadline(g, cfg)
		if !ok || d.Before(min) {
			min, ok = d, true
		}
	}
	return min, ok
}

// Stats returns a copy of the channel's cumulative statistics.
func (e *Engine) Stats(channelID string) ChannelStats {
	ch := e.channel(channelID, false)
	if ch == nil {
		return ChannelStats{ChannelID: channelID}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stats
}

// Reset tears down the channel's namespace: pending groups and stats.
// Returns false when the channel was unknown.
func (e *Engine) Reset(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[channelID]; !ok {
		return false
	}
	delete(e.channels, channelID)
	return true
}

func (e *Engine) publish(topic eventbus.Topic, data FlushEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Signal{Topic: topic, Channel: data.ChannelID, At: data.At, Payload: data})
}
