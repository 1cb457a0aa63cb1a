package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"notiflow/internal/batch"
	"notiflow/internal/event"
	"notiflow/internal/message"
	"notiflow/internal/spam"
	"notiflow/internal/storage"
	"notiflow/internal/thread"
	logx "notiflow/pkg/logx"
)

var (
	submitsTotal   = metrics.NewCounter("notiflow_submits_total")
	emissionsTotal = metrics.NewCounter("notiflow_emissions_total")
)

// Metadata keys the pipeline stamps onto events that joined a thread.
const (
	metaThreadRef   = "thread_parent_ref"
	metaThreadID    = "thread_id"
	metaThreadCount = "thread_messages"
)

// Sink receives digests for delivery. It must not block; queueing is the
// sink's responsibility.
type Sink func(Emission)

// Deps are the collaborators a Pipeline orchestrates.
type Deps struct {
	Batch   *batch.Engine
	Guard   *spam.Guard
	Threads *thread.Manager
	Store   storage.Store // optional emission audit
	Log     logx.Logger
	Sink    Sink
}

// Pipeline routes events through threading, spam prevention, and batching.
// Safe for concurrent use.
type Pipeline struct {
	batch   *batch.Engine
	guard   *spam.Guard
	threads *thread.Manager
	store   storage.Store
	log     logx.Logger
	sink    Sink

	tmu     sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	now func() time.Time
}

func New(d Deps) *Pipeline {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Pipeline{
		batch:   d.Batch,
		guard:   d.Guard,
		threads: d.Threads,
		store:   d.Store,
		log:     d.Log,
		sink:    d.Sink,
		timers:  map[string]*time.Timer{},
		now:     time.Now,
	}
}

// Submit runs ev through the full chain for channelID. Flushed digests go to
// the sink; the returned Outcome echoes them.
func (p *Pipeline) Submit(ctx context.Context, ev event.Notifiable, channelID string) Outcome {
	submitsTotal.Inc()

	// Thread association happens before batching so the digest carries the
	// placement of the conversation its events belong to.
	if ref, ok := p.threads.ShouldThread(ev, channelID); ok {
		if p.threads.AddToThread(ev, channelID, ref) {
			ev = ev.WithMetadata(metaThreadRef, ref)
			if tc, found := p.threads.Get(channelID, ref); found {
				ev = ev.WithMetadata(metaThreadID, tc.ThreadID)
				ev = ev.WithMetadata(metaThreadCount, strconv.Itoa(tc.MessageCount))
			}
		}
	}

	verdict := p.guard.Check(ev, channelID)
	if !verdict.Allowed {
		p.audit(ctx, storage.EmissionRecord{
			At: p.now(), ChannelID: channelID, EventID: ev.ID,
			Outcome: string(Suppressed), Reason: string(verdict.Reason),
		})
		return Outcome{Kind: Suppressed, Reason: verdict.Reason}
	}

	flushes, pending, err := p.batch.Add(ev, channelID, verdict.Delay)
	if err != nil {
		// Render failure: the group keeps its events, the timer retries.
		p.log.Warn("digest emission failed, kept pending",
			logx.String("channel", channelID), logx.Err(err))
	}
	emissions := p.dispatch(ctx, channelID, flushes)
	p.reschedule(channelID)

	if pending {
		p.audit(ctx, storage.EmissionRecord{
			At: p.now(), ChannelID: channelID, EventID: ev.ID,
			Outcome: string(Deferred), DelayMS: verdict.Delay.Milliseconds(),
		})
		return Outcome{Kind: Deferred, Delay: verdict.Delay, Emissions: emissions}
	}
	return Outcome{Kind: Emitted, Emissions: emissions}
}

// dispatch converts flushes into emissions, audits them, and hands them to
// the sink.
func (p *Pipeline) dispatch(ctx context.Context, channelID string, flushes []batch.Flush) []Emission {
	if len(flushes) == 0 {
		return nil
	}
	out := make([]Emission, 0, len(flushes))
	for _, f := range flushes {
		em := Emission{
			ChannelID: channelID,
			Message:   f.Message,
			Placement: placementFor(f.Events),
		}
		if n := len(f.Events); n > 0 {
			em.Seed = f.Events[n-1]
		}
		out = append(out, em)
		emissionsTotal.Inc()

		p.audit(ctx, storage.EmissionRecord{
			At:           p.now(),
			ChannelID:    channelID,
			EventID:      em.Seed.ID,
			Outcome:      string(Emitted),
			BatchID:      f.Message.MetaString("batchId"),
			BatchType:    f.Message.MetaString("batchType"),
			MessageCount: len(f.Events),
			ThreadID:     em.Seed.Metadata[metaThreadID],
			ParentRef:    em.Placement.ParentRef,
		})
		if p.sink != nil {
			p.sink(em)
		}
	}
	return out
}

// placementFor derives delivery instructions from the digest's events: reply
// under the thread the newest threaded event joined, otherwise start a new
// thread.
func placementFor(events []event.Notifiable) message.ThreadPlacement {
	for i := len(events) - 1; i >= 0; i-- {
		if ref := events[i].Metadata[metaThreadRef]; ref != "" {
			return message.ThreadPlacement{IsNewThread: false, ParentRef: ref}
		}
	}
	return message.ThreadPlacement{IsNewThread: true}
}

// RegisterThread records the parent message reference the delivery layer
// assigned to a new-thread digest, so later events can match it.
func (p *Pipeline) RegisterThread(em Emission, parentRef string) thread.Context {
	return p.threads.CreateThread(em.Seed, em.ChannelID, parentRef)
}

// reschedule cancels the channel's pending flush timer and arms a new one at
// the earliest group deadline, if any. One timer per channel; timers are
// rescheduled, never stacked.
func (p *Pipeline) reschedule(channelID string) {
	next, ok := p.batch.NextDeadline(channelID)

	p.tmu.Lock()
	defer p.tmu.Unlock()
	if t := p.timers[channelID]; t != nil {
		t.Stop()
		delete(p.timers, channelID)
	}
	if !ok || p.stopped {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	p.timers[channelID] = time.AfterFunc(d, func() { p.onTimer(channelID) })
}

func (p *Pipeline) onTimer(channelID string) {
	flushes := p.batch.FlushDue(channelID)
	p.dispatch(context.Background(), channelID, flushes)
	p.reschedule(channelID)
}

// FlushChannel force-flushes every pending group in the channel, bypassing
// thresholds and emission delays. Used by shutdown and admin tooling.
func (p *Pipeline) FlushChannel(channelID string) []Emission {
	p.tmu.Lock()
	if t := p.timers[channelID]; t != nil {
		t.Stop()
		delete(p.timers, channelID)
	}
	p.tmu.Unlock()

	flushes := p.batch.FlushAll(channelID)
	emissions := p.dispatch(context.Background(), channelID, flushes)
	p.reschedule(channelID)
	return emissions
}

// ResetChannel tears down all per-channel state across the batch, spam, and
// thread layers. Returns false when no layer knew the channel.
func (p *Pipeline) ResetChannel(channelID string) bool {
	p.tmu.Lock()
	if t := p.timers[channelID]; t != nil {
		t.Stop()
		delete(p.timers, channelID)
	}
	p.tmu.Unlock()

	b := p.batch.Reset(channelID)
	s := p.guard.Reset(channelID)
	t := p.threads.Reset(channelID)
	return b || s || t
}

// Shutdown stops all timers and force-flushes every channel with live state.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.tmu.Lock()
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.tmu.Unlock()

	for _, id := range p.batch.Channels() {
		flushes := p.batch.FlushAll(id)
		p.dispatch(ctx, id, flushes)
	}
}

// SweepBatches flushes due groups across all channels. Idempotent; safe to
// run concurrently with Submit.
func (p *Pipeline) SweepBatches() {
	for _, id := range p.batch.Channels() {
		flushes := p.batch.FlushDue(id)
		p.dispatch(context.Background(), id, flushes)
		p.reschedule(id)
	}
}

// SweepThreads purges expired threads across all channels.
func (p *Pipeline) SweepThreads() {
	p.threads.Sweep()
}

// SweepSpam prunes expired dedup entries across all channels.
func (p *Pipeline) SweepSpam() {
	p.guard.Sweep()
}

// ChannelStats exposes the batch engine's per-channel statistics.
func (p *Pipeline) ChannelStats(channelID string) batch.ChannelStats {
	return p.batch.Stats(channelID)
}

// SpamStats exposes the spam layer's cumulative counters.
func (p *Pipeline) SpamStats() spam.Stats {
	return p.guard.Stats()
}

// ThreadingStats exposes the thread manager's cumulative counters.
func (p *Pipeline) ThreadingStats() thread.Stats {
	return p.threads.Stats()
}

// ChannelActivity exposes the spam layer's per-channel activity snapshot.
func (p *Pipeline) ChannelActivity(channelID string) spam.Activity {
	return p.guard.Activity(channelID)
}

// audit appends a best-effort emission record.
func (p *Pipeline) audit(ctx context.Context, r storage.EmissionRecord) {
	if p.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := p.store.AppendEmission(cctx, r); err != nil {
		p.log.Debug("emission audit failed", logx.Err(err))
	}
}
