package thread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"notiflow/internal/event"
	"notiflow/internal/eventbus"
	logx "notiflow/pkg/logx"
)

var (
	threadsCreatedTotal = metrics.NewCounter("notiflow_threads_created_total")
	threadsExpiredTotal = metrics.NewCounter("notiflow_threads_expired_total")
	threadMatchesTotal  = metrics.NewCounter("notiflow_thread_matches_total")
)

// Manager tracks conversation threads per channel and matches inbound events
// against them. Safe for concurrent use; each channel's thread index is
// mutated only under that channel's lock.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	cmu      sync.RWMutex
	channels map[string]*channelThreads

	log logx.Logger
	bus eventbus.Bus

	threadsCreated   atomic.Uint64
	messagesThreaded atomic.Uint64
	threadsExpired   atomic.Uint64
	entityMatches    atomic.Uint64
	contentMatches   atomic.Uint64
	temporalMatches  atomic.Uint64
	workflowMatches  atomic.Uint64

	now func() time.Time
}

type channelThreads struct {
	mu sync.Mutex

	// threads by parentRef; entity maps "type:id" to a parentRef.
	threads map[string]*Context
	entity  map[string]string
}

// CreatedEvent is published on the bus when a new thread is registered.
type CreatedEvent struct {
	ThreadID  string    `json:"thread_id"`
	ChannelID string    `json:"channel_id"`
	Type      Type      `json:"thread_type"`
	ParentRef string    `json:"parent_ref"`
	At        time.Time `json:"at"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		channels: map[string]*channelThreads{},
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	return cfg
}

func (m *Manager) channel(channelID string) *channelThreads {
	m.cmu.RLock()
	cs := m.channels[channelID]
	m.cmu.RUnlock()
	if cs != nil {
		return cs
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	if cs = m.channels[channelID]; cs == nil {
		cs = &channelThreads{
			threads: map[string]*Context{},
			entity:  map[string]string{},
		}
		m.channels[channelID] = cs
	}
	return cs
}

// ShouldThread returns the parent-message reference of an existing thread the
// event belongs to. A false result means the caller should start a new
// thread (or none at all).
func (m *Manager) ShouldThread(ev event.Notifiable, channelID string) (string, bool) {
	cfg := m.config()
	cs := m.channel(channelID)
	now := m.now()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	m.purgeLocked(cs, now, cfg)

	for _, s := range cfg.Strategies {
		var (
			ref string
			ok  bool
		)
		switch s {
		case StrategyEntity:
			ref, ok = matchEntity(cs, ev)
			if ok {
				m.entityMatches.Add(1)
			}
		case StrategyContent:
			ref, ok = matchContent(cs, ev, cfg.SimilarityThreshold)
			if ok {
				m.contentMatches.Add(1)
			}
		case StrategyTemporal:
			ref, ok = matchTemporal(cs, now, cfg.TemporalWindow)
			if ok {
				m.temporalMatches.Add(1)
			}
		case StrategyWorkflow:
			ref, ok = matchWorkflow(cs, ev)
			if ok {
				m.workflowMatches.Add(1)
			}
		}
		if ok {
			threadMatchesTotal.Inc()
			return ref, true
		}
	}
	return "", false
}

func matchEntity(cs *channelThreads, ev event.Notifiable) (string, bool) {
	typ, id, ok := ev.Payload.Entity(ev.ContentType)
	if !ok {
		return "", false
	}
	ref, ok := cs.entity[typ+":"+id]
	if !ok {
		return "", false
	}
	// purge already removed expired threads and their index entries
	if _, live := cs.threads[ref]; !live {
		delete(cs.entity, typ+":"+id)
		return "", false
	}
	return ref, true
}

func matchContent(cs *channelThreads, ev event.Notifiable, threshold float64) (string, bool) {
	var (
		bestRef   string
		bestScore float64
	)
	for ref, c := range cs.threads {
		if score := similarity(ev, c); score > bestScore {
			bestRef, bestScore = ref, score
		}
	}
	if bestScore >= threshold {
		return bestRef, true
	}
	return "", false
}

func matchTemporal(cs *channelThreads, now time.Time, window time.Duration) (string, bool) {
	var (
		bestRef string
		bestAt  time.Time
	)
	for ref, c := range cs.threads {
		if c.LastUpdated.After(bestAt) {
			bestRef, bestAt = ref, c.LastUpdated
		}
	}
	if bestRef != "" && now.Sub(bestAt) <= window {
		return bestRef, true
	}
	return "", false
}

func matchWorkflow(cs *channelThreads, ev event.Notifiable) (string, bool) {
	stage := inferStage(ev)
	var (
		bestRef string
		bestAt  time.Time
	)
	for ref, c := range cs.threads {
		if causallyRelated(c.Stage, stage) && c.LastUpdated.After(bestAt) {
			bestRef, bestAt = ref, c.LastUpdated
		}
	}
	return bestRef, bestRef != ""
}

// CreateThread registers a new thread anchored at parentRef. The thread type
// defaults from the event's content type when not given.
func (m *Manager) CreateThread(ev event.Notifiable, channelID, parentRef string, typ ...Type) Context {
	cs := m.channel(channelID)
	now := m.now()

	t := typeFor(ev.ContentType)
	if len(typ) > 0 && typ[0] != "" {
		t = typ[0]
	}

	c := &Context{
		ThreadID:     uuid.NewString(),
		ChannelID:    channelID,
		Type:         t,
		ParentRef:    parentRef,
		CreatedAt:    now,
		LastUpdated:  now,
		MessageCount: 1,
		Participants: map[string]bool{},
		Stage:        inferStage(ev),
	}
	if ev.Author != "" {
		c.Participants[ev.Author] = true
	}
	if et, eid, ok := ev.Payload.Entity(ev.ContentType); ok {
		c.EntityType, c.EntityID = et, eid
	}
	c.absorb(ev)

	cs.mu.Lock()
	cs.threads[parentRef] = c
	if c.EntityType != "" {
		cs.entity[c.EntityType+":"+c.EntityID] = parentRef
	}
	snapshot := *c
	cs.mu.Unlock()

	m.threadsCreated.Add(1)
	threadsCreatedTotal.Inc()
	m.log.Debug("thread created",
		logx.String("channel", channelID),
		logx.String("thread", c.ThreadID),
		logx.String("type", string(t)))
	if m.bus != nil {
		m.bus.Publish(eventbus.Signal{
			Topic:   eventbus.TopicThreadCreated,
			Channel: channelID,
			At:      now,
			Payload: CreatedEvent{ThreadID: c.ThreadID, ChannelID: channelID, Type: t, ParentRef: parentRef, At: now},
		})
	}
	return snapshot
}

// AddToThread appends an event to an existing thread. Returns false when the
// thread is unknown, expired, or full.
func (m *Manager) AddToThread(ev event.Notifiable, channelID, parentRef string) bool {
	cfg := m.config()
	cs := m.channel(channelID)
	now := m.now()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.threads[parentRef]
	if !ok || c.expired(now, cfg.MaxThreadAge) || c.full(cfg.MaxMessagesPerThread) {
		return false
	}
	c.MessageCount++
	c.LastUpdated = now
	if ev.Author != "" {
		if c.Participants == nil {
			c.Participants = map[string]bool{}
		}
		c.Participants[ev.Author] = true
	}
	c.Stage = inferStage(ev)
	c.absorb(ev)

	m.messagesThreaded.Add(1)
	return true
}

// Get returns a snapshot of the thread anchored at parentRef.
func (m *Manager) Get(channelID, parentRef string) (Context, bool) {
	cs := m.channel(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.threads[parentRef]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// purgeLocked removes expired threads and their entity-index entries. Caller
// holds cs.mu.
func (m *Manager) purgeLocked(cs *channelThreads, now time.Time, cfg Config) {
	for ref, c := range cs.threads {
		if !c.expired(now, cfg.MaxThreadAge) {
			continue
		}
		delete(cs.threads, ref)
		if c.EntityType != "" {
			delete(cs.entity, c.EntityType+":"+c.EntityID)
		}
		m.threadsExpired.Add(1)
		threadsExpiredTotal.Inc()
	}
}

// Stats returns cumulative counters plus the live thread count.
func (m *Manager) Stats() Stats {
	active := 0
	m.cmu.RLock()
	for _, cs := range m.channels {
		cs.mu.Lock()
		active += len(cs.threads)
		cs.mu.Unlock()
	}
	m.cmu.RUnlock()
	return Stats{
		ThreadsCreated:   m.threadsCreated.Load(),
		MessagesThreaded: m.messagesThreaded.Load(),
		ThreadsExpired:   m.threadsExpired.Load(),
		ActiveThreads:    active,
		EntityMatches:    m.entityMatches.Load(),
		ContentMatches:   m.contentMatches.Load(),
		TemporalMatches:  m.temporalMatches.Load(),
		WorkflowMatches:  m.workflowMatches.Load(),
	}
}

// Reset drops all thread state for a channel. Returns false for unknown
// channels.
func (m *Manager) Reset(channelID string) bool {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return false
	}
	delete(m.channels, channelID)
	return true
}

// Sweep purges expired threads across all channels. Idempotent.
func (m *Manager) Sweep() {
	cfg := m.config()
	now := m.now()
	m.cmu.RLock()
	chans := make([]*channelThreads, 0, len(m.channels))
	for _, cs := range m.channels {
		chans = append(chans, cs)
	}
	m.cmu.RUnlock()
	for _, cs := range chans {
		cs.mu.Lock()
		m.purgeLocked(cs, now, cfg)
		cs.mu.Unlock()
	}
}

// typeFor maps a content type to its default thread type.
func typeFor(ct event.ContentType) Type {
	switch ct {
	case event.ContentPRUpdate:
		return TypePRLifecycle
	case event.ContentJiraUpdate:
		return TypeJiraUpdates
	case event.ContentAlert:
		return TypeAlertSequence
	case event.ContentDeployment:
		return TypeDeploymentPipeline
	case event.ContentStandup:
		return TypeStandupFollowup
	case event.ContentBlocker:
		return TypeIncidentResponse
	default:
		return TypeCustom
	}
}
