package thread

import (
	"testing"
	"time"

	"notiflow/internal/event"
	logx "notiflow/pkg/logx"
)

func testManager(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	m := New(cfg, logx.Nop(), nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func prEvent(id string, pr int, author string) event.Notifiable {
	return event.Notifiable{
		ID:          id,
		ContentType: event.ContentPRUpdate,
		Author:      author,
		Priority:    event.PriorityMedium,
		Payload:     event.Payload{Title: "PR update", Body: "review requested", PRNumber: pr},
	}
}

func TestEntityMatching(t *testing.T) {
	m, _ := testManager(t, Config{})

	first := prEvent("e1", 42, "alice")
	if _, ok := m.ShouldThread(first, "ch"); ok {
		t.Fatal("matched before any thread exists")
	}
	m.CreateThread(first, "ch", "ref-1")

	// Same PR threads under the same parent.
	ref, ok := m.ShouldThread(prEvent("e2", 42, "bob"), "ch")
	if !ok || ref != "ref-1" {
		t.Fatalf("ShouldThread = (%q,%v), want (ref-1,true)", ref, ok)
	}
	// A different PR does not.
	if _, ok := m.ShouldThread(prEvent("e3", 43, "alice"), "ch"); ok {
		t.Fatal("pr 43 matched the pr 42 thread")
	}
	// Neither does the same PR on another channel.
	if _, ok := m.ShouldThread(prEvent("e4", 42, "alice"), "other"); ok {
		t.Fatal("entity index leaked across channels")
	}
}

func TestThreadExpiry(t *testing.T) {
	m, now := testManager(t, Config{MaxThreadAge: time.Hour})

	ev := prEvent("e1", 7, "alice")
	m.CreateThread(ev, "ch", "ref-1")

	*now = now.Add(2 * time.Hour)
	if _, ok := m.ShouldThread(prEvent("e2", 7, "bob"), "ch"); ok {
		t.Fatal("expired thread still matched")
	}
	if m.AddToThread(prEvent("e3", 7, "bob"), "ch", "ref-1") {
		t.Fatal("AddToThread accepted an expired thread")
	}
	if st := m.Stats(); st.ThreadsExpired != 1 || st.ActiveThreads != 0 {
		t.Fatalf("stats after expiry: %+v", st)
	}
}

func TestAddToThreadCapsMessages(t *testing.T) {
	m, _ := testManager(t, Config{MaxMessagesPerThread: 2})

	ev := prEvent("e1", 7, "alice")
	m.CreateThread(ev, "ch", "ref-1")

	if !m.AddToThread(prEvent("e2", 7, "bob"), "ch", "ref-1") {
		t.Fatal("second message rejected")
	}
	if m.AddToThread(prEvent("e3", 7, "carol"), "ch", "ref-1") {
		t.Fatal("full thread accepted a third message")
	}

	c, ok := m.Get("ch", "ref-1")
	if !ok || c.MessageCount != 2 {
		t.Fatalf("Get = (%+v,%v)", c, ok)
	}
	if !c.Participants["alice"] || !c.Participants["bob"] {
		t.Fatalf("participants: %v", c.Participants)
	}
}

func TestContentStrategyMatchesSimilarText(t *testing.T) {
	m, _ := testManager(t, Config{
		Strategies:          []Strategy{StrategyContent},
		SimilarityThreshold: 0.5,
	})

	seed := event.Notifiable{
		ID:          "e1",
		ContentType: event.ContentAlert,
		Payload:     event.Payload{Title: "database connection pool exhausted", Body: "primary database refusing connections"},
		Metadata:    map[string]string{"service": "db"},
	}
	m.CreateThread(seed, "ch", "ref-1")

	similar := event.Notifiable{
		ID:          "e2",
		ContentType: event.ContentAlert,
		Payload:     event.Payload{Title: "database connection pool exhausted", Body: "primary database refusing connections again"},
		Metadata:    map[string]string{"service": "db"},
	}
	if ref, ok := m.ShouldThread(similar, "ch"); !ok || ref != "ref-1" {
		t.Fatalf("similar alert did not match: (%q,%v)", ref, ok)
	}

	unrelated := event.Notifiable{
		ID:          "e3",
		ContentType: event.ContentStandup,
		Payload:     event.Payload{Title: "weekly planning notes", Body: "roadmap grooming session outcomes"},
	}
	if _, ok := m.ShouldThread(unrelated, "ch"); ok {
		t.Fatal("unrelated standup matched the alert thread")
	}
}

func TestTemporalStrategyWindow(t *testing.T) {
	m, now := testManager(t, Config{
		Strategies:     []Strategy{StrategyTemporal},
		TemporalWindow: 30 * time.Minute,
	})
	m.CreateThread(prEvent("e1", 7, "alice"), "ch", "ref-1")

	*now = now.Add(10 * time.Minute)
	if ref, ok := m.ShouldThread(prEvent("e2", 99, "bob"), "ch"); !ok || ref != "ref-1" {
		t.Fatalf("inside window: (%q,%v)", ref, ok)
	}
	*now = now.Add(40 * time.Minute)
	if _, ok := m.ShouldThread(prEvent("e3", 99, "bob"), "ch"); ok {
		t.Fatal("outside window still matched")
	}
}

func TestWorkflowStrategyFollowsLifecycle(t *testing.T) {
	m, _ := testManager(t, Config{Strategies: []Strategy{StrategyWorkflow}})

	stageEv := func(id, title, body string) event.Notifiable {
		return event.Notifiable{
			ID:          id,
			ContentType: event.ContentPRUpdate,
			Author:      "alice",
			Priority:    event.PriorityMedium,
			Payload:     event.Payload{Title: title, Body: body},
		}
	}

	opened := stageEv("e1", "PR opened", "feature branch ready")
	c := m.CreateThread(opened, "ch", "ref-1")
	if c.Stage != StageCreation {
		t.Fatalf("seed stage = %q, want %q", c.Stage, StageCreation)
	}

	// Completion does not follow creation directly; the lifecycle steps
	// through review first.
	merged := stageEv("e2", "PR merged", "squashed and merged")
	if _, ok := m.ShouldThread(merged, "ch"); ok {
		t.Fatal("merged event matched a freshly opened thread")
	}

	review := stageEv("e3", "Review requested changes", "please split the patch")
	ref, ok := m.ShouldThread(review, "ch")
	if !ok || ref != "ref-1" {
		t.Fatalf("review after creation: (%q,%v), want (ref-1,true)", ref, ok)
	}
	if st := m.Stats(); st.WorkflowMatches < 1 {
		t.Fatalf("WorkflowMatches = %d, want >= 1", st.WorkflowMatches)
	}

	// Joining advances the thread's stage, opening the next step.
	if !m.AddToThread(review, "ch", "ref-1") {
		t.Fatal("AddToThread rejected the review event")
	}
	approved := stageEv("e4", "PR approved", "lgtm")
	if ref, ok := m.ShouldThread(approved, "ch"); !ok || ref != "ref-1" {
		t.Fatalf("approval after review: (%q,%v), want (ref-1,true)", ref, ok)
	}
}

func TestTypeForDefaults(t *testing.T) {
	m, _ := testManager(t, Config{})
	c := m.CreateThread(prEvent("e1", 7, "alice"), "ch", "ref-1")
	if c.Type != TypePRLifecycle {
		t.Fatalf("thread type = %q, want %q", c.Type, TypePRLifecycle)
	}
	c2 := m.CreateThread(prEvent("e2", 8, "alice"), "ch", "ref-2", TypeIncidentResponse)
	if c2.Type != TypeIncidentResponse {
		t.Fatalf("explicit type ignored: %q", c2.Type)
	}
}
