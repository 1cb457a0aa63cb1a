package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"notiflow/internal/batch"
	"notiflow/internal/event"
	"notiflow/internal/spam"
	"notiflow/internal/thread"
	logx "notiflow/pkg/logx"
)

type sinkRecorder struct {
	mu        sync.Mutex
	emissions []Emission
}

func (s *sinkRecorder) record(em Emission) {
	s.mu.Lock()
	s.emissions = append(s.emissions, em)
	s.mu.Unlock()
}

func (s *sinkRecorder) all() []Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Emission, len(s.emissions))
	copy(out, s.emissions)
	return out
}

func testPipeline(t *testing.T, bcfg batch.Config, scfg spam.Config, tcfg thread.Config) (*Pipeline, *sinkRecorder) {
	t.Helper()
	rec := &sinkRecorder{}
	p := New(Deps{
		Batch:   batch.New(bcfg, logx.Nop(), nil),
		Guard:   spam.New(scfg, logx.Nop(), nil, nil),
		Threads: thread.New(tcfg, logx.Nop(), nil),
		Sink:    rec.record,
	})
	return p, rec
}

func submitEv(id, title string) event.Notifiable {
	return event.Notifiable{
		ID:          id,
		ContentType: event.ContentPRUpdate,
		Priority:    event.PriorityMedium,
		Payload:     event.Payload{Title: title, Body: "body", PRNumber: 7},
	}
}

func TestSubmitOutcomes(t *testing.T) {
	p, rec := testPipeline(t,
		batch.Config{MaxBatchSize: 2, MaxBatchAge: time.Minute},
		spam.Config{DedupEnabled: true, Mode: spam.TimingImmediate},
		thread.Config{},
	)
	ctx := context.Background()

	// First event is deferred into a pending batch.
	o := p.Submit(ctx, submitEv("e1", "first"), "ch")
	if o.Kind != Deferred || len(o.Emissions) != 0 {
		t.Fatalf("first submit: %+v", o)
	}

	// A duplicate is suppressed with the reason attached.
	o = p.Submit(ctx, submitEv("e2", "first"), "ch")
	if o.Kind != Suppressed || o.Reason != spam.ReasonDuplicate {
		t.Fatalf("duplicate submit: %+v", o)
	}

	// A second distinct event fills the batch and emits.
	o = p.Submit(ctx, submitEv("e3", "second"), "ch")
	if o.Kind != Emitted || len(o.Emissions) != 1 {
		t.Fatalf("filling submit: %+v", o)
	}
	em := o.Emissions[0]
	if em.ChannelID != "ch" || !em.Placement.IsNewThread {
		t.Fatalf("emission: %+v", em)
	}
	if em.Seed.ID != "e3" {
		t.Fatalf("seed = %s, want newest event e3", em.Seed.ID)
	}
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("sink saw %d emissions, want 1", len(got))
	}
}

func TestThreadPlacementAfterRegister(t *testing.T) {
	p, _ := testPipeline(t,
		batch.Config{MaxBatchSize: 1, MaxBatchAge: time.Minute},
		spam.Config{Mode: spam.TimingImmediate},
		thread.Config{},
	)
	ctx := context.Background()

	// First digest for PR 7 starts a new thread.
	o := p.Submit(ctx, submitEv("e1", "opened"), "ch")
	if o.Kind != Emitted || len(o.Emissions) != 1 || !o.Emissions[0].Placement.IsNewThread {
		t.Fatalf("first submit: %+v", o)
	}

	// Delivery reports back where the digest landed.
	tc := p.RegisterThread(o.Emissions[0], "chat:12:99")
	if tc.ParentRef != "chat:12:99" || tc.ChannelID != "ch" {
		t.Fatalf("registered thread: %+v", tc)
	}

	// The next PR 7 digest replies under that parent.
	o = p.Submit(ctx, submitEv("e2", "approved"), "ch")
	if o.Kind != Emitted || len(o.Emissions) != 1 {
		t.Fatalf("second submit: %+v", o)
	}
	pl := o.Emissions[0].Placement
	if pl.IsNewThread || pl.ParentRef != "chat:12:99" {
		t.Fatalf("placement: %+v", pl)
	}
	if st := p.ThreadingStats(); st.MessagesThreaded != 1 || st.EntityMatches != 1 {
		t.Fatalf("threading stats: %+v", st)
	}
}

func TestTimerFlushesDueBatch(t *testing.T) {
	p, rec := testPipeline(t,
		batch.Config{MaxBatchSize: 10, MaxBatchAge: 30 * time.Millisecond},
		spam.Config{Mode: spam.TimingImmediate},
		thread.Config{},
	)

	o := p.Submit(context.Background(), submitEv("e1", "slow"), "ch")
	if o.Kind != Deferred {
		t.Fatalf("submit: %+v", o)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.all()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timer never flushed the batch; sink saw %d emissions", len(rec.all()))
}

func TestFlushChannelBypassesThresholds(t *testing.T) {
	p, rec := testPipeline(t,
		batch.Config{MaxBatchSize: 10, MaxBatchAge: time.Hour},
		spam.Config{Mode: spam.TimingFixed, BaseInterval: time.Hour},
		thread.Config{},
	)
	ctx := context.Background()

	p.Submit(ctx, submitEv("e1", "a"), "ch")
	p.Submit(ctx, submitEv("e2", "b"), "ch")

	ems := p.FlushChannel("ch")
	if len(ems) != 1 {
		t.Fatalf("FlushChannel returned %d emissions, want 1", len(ems))
	}
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("sink saw %d emissions", len(got))
	}
	if again := p.FlushChannel("ch"); len(again) != 0 {
		t.Fatal("second flush found leftover state")
	}
}

func TestResetChannelIsolation(t *testing.T) {
	p, _ := testPipeline(t,
		batch.Config{MaxBatchSize: 10, MaxBatchAge: time.Hour},
		spam.Config{DedupEnabled: true, Mode: spam.TimingImmediate},
		thread.Config{},
	)
	ctx := context.Background()

	p.Submit(ctx, submitEv("e1", "a"), "ch-a")
	p.Submit(ctx, submitEv("e2", "b"), "ch-b")

	if !p.ResetChannel("ch-a") {
		t.Fatal("ResetChannel on live channel returned false")
	}
	if p.ResetChannel("ch-a") {
		t.Fatal("ResetChannel on cleared channel returned true")
	}

	// ch-b state survives the reset of ch-a.
	if ems := p.FlushChannel("ch-b"); len(ems) != 1 {
		t.Fatalf("ch-b lost its pending batch: %d emissions", len(ems))
	}
	// ch-a dedup state is gone: the same content passes again.
	o := p.Submit(ctx, submitEv("e3", "a"), "ch-a")
	if o.Kind == Suppressed {
		t.Fatal("dedup state survived ResetChannel")
	}
}

func TestShutdownFlushesEverything(t *testing.T) {
	p, rec := testPipeline(t,
		batch.Config{MaxBatchSize: 10, MaxBatchAge: time.Hour},
		spam.Config{Mode: spam.TimingImmediate},
		thread.Config{},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.Submit(ctx, submitEv(fmt.Sprintf("e%d", i), fmt.Sprintf("t%d", i)), fmt.Sprintf("ch-%d", i))
	}
	p.Shutdown(ctx)

	if got := rec.all(); len(got) != 3 {
		t.Fatalf("shutdown flushed %d digests, want 3", len(got))
	}
	// Submissions after shutdown still work but arm no timers.
	o := p.Submit(ctx, submitEv("late", "late"), "ch-0")
	if o.Kind != Deferred {
		t.Fatalf("post-shutdown submit: %+v", o)
	}
}
