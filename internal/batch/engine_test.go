package batch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"notiflow/internal/event"
	"notiflow/internal/message"
	logx "notiflow/pkg/logx"
)

func testEngine(t *testing.T, cfg Config) (*Engine, *time.Time) {
	t.Helper()
	e := New(cfg, logx.Nop(), nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func ev(id string, ct event.ContentType, ts time.Time) event.Notifiable {
	return event.Notifiable{
		ID:          id,
		ContentType: ct,
		Timestamp:   ts,
		Priority:    event.PriorityMedium,
		Payload:     event.Payload{Title: "t " + id, Body: "b " + id},
	}
}

func TestAddFlushesOnSize(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 3, MaxBatchAge: 5 * time.Minute})

	for i := 0; i < 2; i++ {
		emitted, pending, err := e.Add(ev(fmt.Sprintf("e%d", i), event.ContentPRUpdate, *now), "ch", 0)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if len(emitted) != 0 || !pending {
			t.Fatalf("event %d: emitted=%d pending=%v, want pending", i, len(emitted), pending)
		}
	}

	emitted, pending, err := e.Add(ev("e2", event.ContentPRUpdate, *now), "ch", 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if pending || len(emitted) != 1 {
		t.Fatalf("third event should flush: emitted=%d pending=%v", len(emitted), pending)
	}
	if got := len(emitted[0].Events); got != 3 {
		t.Fatalf("flush carries %d events, want 3", got)
	}
	if emitted[0].Message.MetaInt("messageCount") != 3 {
		t.Fatalf("messageCount = %d, want 3", emitted[0].Message.MetaInt("messageCount"))
	}

	st := e.Stats("ch")
	if st.BatchesSent != 1 || st.ActiveBatchCount != 0 || st.PendingMessageCount != 0 {
		t.Fatalf("stats after flush: %+v", st)
	}
	if st.AverageBatchSize != 3.0 {
		t.Fatalf("AverageBatchSize = %v, want 3.0", st.AverageBatchSize)
	}
}

func TestSubSecondTimeWindow(t *testing.T) {
	e, now := testEngine(t, Config{
		MaxBatchSize: 10,
		MaxBatchAge:  time.Minute,
		TimeWindow:   500 * time.Millisecond,
	})

	base := *now
	if _, pending, err := e.Add(ev("e1", event.ContentAlert, base), "ch", 0); err != nil || !pending {
		t.Fatalf("Add: pending=%v err=%v", pending, err)
	}
	// 100ms later lands in the same 500ms bucket.
	if _, pending, err := e.Add(ev("e2", event.ContentAlert, base.Add(100*time.Millisecond)), "ch", 0); err != nil || !pending {
		t.Fatalf("Add: pending=%v err=%v", pending, err)
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 1 {
		t.Fatalf("events 100ms apart should share a group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}

	// A second later is two buckets away.
	if _, _, err := e.Add(ev("e3", event.ContentAlert, base.Add(time.Second)), "ch", 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 2 {
		t.Fatalf("event 1s later should start a new group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}
}

func TestFlushDueHonorsAgeAndDelay(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 10, MaxBatchAge: time.Minute})

	if _, pending, err := e.Add(ev("e1", event.ContentAlert, *now), "ch", 30*time.Second); err != nil || !pending {
		t.Fatalf("Add: pending=%v err=%v", pending, err)
	}

	if got := e.FlushDue("ch"); len(got) != 0 {
		t.Fatalf("nothing is due yet, got %d flushes", len(got))
	}

	// Past the age cap but the delay gate holds until EarliestEmit.
	*now = now.Add(time.Minute)
	if dl, ok := e.NextDeadline("ch"); !ok || dl.After(*now) {
		t.Fatalf("deadline should have passed: %v ok=%v", dl, ok)
	}

	got := e.FlushDue("ch")
	if len(got) != 1 || len(got[0].Events) != 1 {
		t.Fatalf("expected one due flush, got %v", got)
	}
	if again := e.FlushDue("ch"); len(again) != 0 {
		t.Fatal("FlushDue is not idempotent")
	}
}

func TestNextDeadlineUsesEarliestEmit(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 10, MaxBatchAge: time.Minute})

	delay := 2 * time.Minute
	if _, _, err := e.Add(ev("e1", event.ContentAlert, *now), "ch", delay); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dl, ok := e.NextDeadline("ch")
	if !ok {
		t.Fatal("no deadline for pending group")
	}
	if want := now.Add(delay); !dl.Equal(want) {
		t.Fatalf("deadline = %v, want emission gate %v", dl, want)
	}
}

func TestExpiredInsertWaitsForEmissionGate(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 10, MaxBatchAge: 5 * time.Minute})

	// A stale event is already past the expiry cap when it arrives, but the
	// spam delay still gates the flush on both the Add and FlushDue paths.
	stale := ev("old", event.ContentAlert, now.Add(-10*time.Minute))
	emitted, pending, err := e.Add(stale, "ch", time.Minute)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !pending || len(emitted) != 0 {
		t.Fatalf("gated group must stay pending: emitted=%d pending=%v", len(emitted), pending)
	}
	if got := e.FlushDue("ch"); len(got) != 0 {
		t.Fatalf("FlushDue before the gate returned %d flushes", len(got))
	}

	*now = now.Add(time.Minute + time.Second)
	got := e.FlushDue("ch")
	if len(got) != 1 || len(got[0].Events) != 1 {
		t.Fatalf("expected one flush after the gate, got %v", got)
	}
}

func TestSimilarityStrategyGroupsRelatedEvents(t *testing.T) {
	e, now := testEngine(t, Config{
		Strategies:   []Strategy{StrategySimilarity},
		MaxBatchSize: 10,
		MaxBatchAge:  time.Minute,
	})

	a := ev("s1", event.ContentPRUpdate, *now)
	a.Author = "alice"
	b := ev("s2", event.ContentPRUpdate, *now)
	b.Author = "alice"
	// Same type (0.4) and author (0.3) meets the default 0.7 threshold.
	if _, pending, _ := e.Add(a, "ch", 0); !pending {
		t.Fatal("first event flushed early")
	}
	if _, pending, _ := e.Add(b, "ch", 0); !pending {
		t.Fatal("similar event flushed early")
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 1 {
		t.Fatalf("similar events should share a group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}

	c := ev("s3", event.ContentAlert, *now)
	c.Author = "bob"
	if _, pending, _ := e.Add(c, "ch", 0); !pending {
		t.Fatal("unrelated event flushed early")
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 2 {
		t.Fatalf("unrelated event should start a new group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}
}

func TestMixedStrategySplitsOnTimeBucket(t *testing.T) {
	e, now := testEngine(t, Config{
		Strategies:   []Strategy{StrategyMixed},
		MaxBatchSize: 10,
		MaxBatchAge:  time.Hour,
		TimeWindow:   5 * time.Minute,
	})

	mk := func(id string, ts time.Time) event.Notifiable {
		v := ev(id, event.ContentPRUpdate, ts)
		v.Author = "alice"
		return v
	}

	if _, pending, _ := e.Add(mk("m1", *now), "ch", 0); !pending {
		t.Fatal("first event flushed early")
	}
	// Similar and inside the same 5m bucket: joins.
	if _, pending, _ := e.Add(mk("m2", now.Add(time.Minute)), "ch", 0); !pending {
		t.Fatal("same-bucket event flushed early")
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 1 {
		t.Fatalf("same-bucket similar events should share a group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}

	// Just as similar, but two buckets later: a new group.
	if _, pending, _ := e.Add(mk("m3", now.Add(10*time.Minute)), "ch", 0); !pending {
		t.Fatal("later-bucket event flushed early")
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 2 {
		t.Fatalf("later bucket should start a new group, ActiveBatchCount = %d", st.ActiveBatchCount)
	}
}

func TestRenderFailureKeepsGroupPending(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 1, MaxBatchAge: time.Minute})

	fail := true
	e.render = func(channelID string, g *Group, cfg Config) (message.Rich, error) {
		if fail {
			return message.Rich{}, errors.New("render boom")
		}
		return renderDigest(channelID, g, cfg)
	}

	emitted, pending, err := e.Add(ev("e1", event.ContentStandup, *now), "ch", 0)
	if err == nil {
		t.Fatal("expected render error")
	}
	if !pending || len(emitted) != 0 {
		t.Fatalf("failed flush must keep the group pending: emitted=%d pending=%v", len(emitted), pending)
	}
	if st := e.Stats("ch"); st.RenderFailures != 1 || st.ActiveBatchCount != 1 {
		t.Fatalf("stats after failure: %+v", st)
	}

	fail = false
	if got := e.FlushAll("ch"); len(got) != 1 || len(got[0].Events) != 1 {
		t.Fatalf("recovery flush failed: %v", got)
	}
}

func TestSeparateContentTypesSeparateGroups(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 2, MaxBatchAge: time.Minute})

	if _, pending, _ := e.Add(ev("pr", event.ContentPRUpdate, *now), "ch", 0); !pending {
		t.Fatal("pr event flushed early")
	}
	if _, pending, _ := e.Add(ev("alert", event.ContentAlert, *now), "ch", 0); !pending {
		t.Fatal("alert event joined the pr group")
	}
	if st := e.Stats("ch"); st.ActiveBatchCount != 2 {
		t.Fatalf("ActiveBatchCount = %d, want 2", st.ActiveBatchCount)
	}
}

func TestAuthorStrategyGroupsByAuthor(t *testing.T) {
	e, now := testEngine(t, Config{
		Strategies:   []Strategy{StrategyAuthor},
		MaxBatchSize: 2,
		MaxBatchAge:  time.Minute,
	})

	a := ev("a1", event.ContentPRUpdate, *now)
	a.Author = "alice"
	b := ev("a2", event.ContentPRUpdate, *now)
	b.Author = "alice"

	if _, pending, _ := e.Add(a, "ch", 0); !pending {
		t.Fatal("first event flushed early")
	}
	emitted, pending, err := e.Add(b, "ch", 0)
	if err != nil || pending || len(emitted) != 1 {
		t.Fatalf("same-author events should share a group: emitted=%d pending=%v err=%v", len(emitted), pending, err)
	}
}

func TestResetDropsChannelState(t *testing.T) {
	e, now := testEngine(t, Config{MaxBatchSize: 10, MaxBatchAge: time.Minute})
	_, _, _ = e.Add(ev("e1", event.ContentAlert, *now), "ch", 0)

	if !e.Reset("ch") {
		t.Fatal("Reset on live channel returned false")
	}
	if e.Reset("ch") {
		t.Fatal("Reset on unknown channel returned true")
	}
	if got := e.FlushAll("ch"); len(got) != 0 {
		t.Fatal("reset channel still has pending groups")
	}
}

// Channels never share groups: whatever sequence of events arrives, each flush
// contains only events submitted to that channel.
func TestChannelIsolationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := New(Config{MaxBatchSize: 3, MaxBatchAge: time.Minute}, logx.Nop(), nil)
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		e.now = func() time.Time { return now }

		channels := []string{"ch-a", "ch-b", "ch-c"}
		types := []event.ContentType{event.ContentPRUpdate, event.ContentAlert, event.ContentStandup}
		submitted := map[string]string{} // event ID -> channel

		n := rapid.IntRange(1, 40).Draw(t, "events")
		for i := 0; i < n; i++ {
			ch := rapid.SampledFrom(channels).Draw(t, "channel")
			ct := rapid.SampledFrom(types).Draw(t, "type")
			id := fmt.Sprintf("ev-%d", i)
			submitted[id] = ch

			emitted, _, err := e.Add(ev(id, ct, now), ch, 0)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			for _, f := range emitted {
				for _, m := range f.Events {
					if submitted[m.ID] != ch {
						t.Fatalf("flush on %s contains event %s from %s", ch, m.ID, submitted[m.ID])
					}
				}
			}
		}
		for _, ch := range channels {
			for _, f := range e.FlushAll(ch) {
				for _, m := range f.Events {
					if submitted[m.ID] != ch {
						t.Fatalf("flush on %s contains event %s from %s", ch, m.ID, submitted[m.ID])
					}
				}
			}
		}
	})
}
