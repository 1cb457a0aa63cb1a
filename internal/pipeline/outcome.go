package pipeline

import (
	"time"

	"notiflow/internal/event"
	"notiflow/internal/message"
	"notiflow/internal/spam"
)

// OutcomeKind states what happened to a submitted event.
type OutcomeKind string

const (
	// Suppressed means the spam layer rejected the event.
	Suppressed OutcomeKind = "suppressed"
	// Deferred means the event joined a batch group that is still pending.
	Deferred OutcomeKind = "deferred"
	// Emitted means the event's group flushed as part of this submit.
	Emitted OutcomeKind = "emitted"
)

// Outcome is the result of one Submit.
type Outcome struct {
	Kind   OutcomeKind
	Reason spam.Reason // set when Suppressed

	// Delay is the emission delay gating the joined group when Deferred.
	Delay time.Duration

	// Emissions lists every digest this submit flushed (the event's own
	// group, or stale groups displaced from a storage slot). They have
	// already been handed to the sink; they are echoed here for callers that
	// report back to the submitter.
	Emissions []Emission
}

// Emission is one outbound digest plus its delivery instructions.
type Emission struct {
	ChannelID string
	Message   message.Rich
	Placement message.ThreadPlacement

	// Seed is the newest event in the digest. When Placement starts a new
	// thread, the delivery layer reports the posted message reference back
	// through RegisterThread, which uses Seed to build the thread context.
	Seed event.Notifiable
}
