package event

import (
	"strconv"
	"strings"
	"time"
)

// ContentType classifies an inbound development event.
type ContentType string

const (
	ContentPRUpdate   ContentType = "pr_update"
	ContentJiraUpdate ContentType = "jira_update"
	ContentAlert      ContentType = "alert"
	ContentStandup    ContentType = "standup"
	ContentDeployment ContentType = "deployment"
	ContentBlocker    ContentType = "blocker"
)

// Valid reports whether ct is one of the known content types.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentPRUpdate, ContentJiraUpdate, ContentAlert, ContentStandup, ContentDeployment, ContentBlocker:
		return true
	}
	return false
}

// Priority orders events for rendering and gates spam-prevention exemptions.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityLowest   Priority = "lowest"
)

// Score maps a priority to a numeric weight used for ordering inside a
// rendered batch (higher sorts first). Unknown priorities rank as medium.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 80
	case PriorityMedium:
		return 60
	case PriorityLow:
		return 30
	case PriorityLowest:
		return 10
	default:
		return 60
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityLowest:
		return true
	}
	return false
}

// ParsePriority normalizes a raw priority string, defaulting to medium.
func ParsePriority(raw string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return PriorityMedium
	}
	return p
}

// Payload carries the structured fields the shaping layer actually inspects.
// Anything else an upstream webhook wants to attach goes into Extra and is
// treated as opaque.
type Payload struct {
	Title      string
	Body       string
	Repository string
	Project    string
	Severity   string

	PRNumber  int
	TicketKey string
	AlertID   string
	DeployID  string

	URL   string
	Extra map[string]string
}

// Entity returns the domain object this payload references, if any.
// The (entityType, entityID) pair is the exact-match correlation key used by
// entity-based threading and similarity grouping.
func (p Payload) Entity(ct ContentType) (entityType, entityID string, ok bool) {
	switch ct {
	case ContentPRUpdate:
		if p.PRNumber > 0 {
			return "pr", strconv.Itoa(p.PRNumber), true
		}
	case ContentJiraUpdate:
		if p.TicketKey != "" {
			return "ticket", p.TicketKey, true
		}
	case ContentAlert:
		if p.AlertID != "" {
			return "alert", p.AlertID, true
		}
	case ContentDeployment:
		if p.DeployID != "" {
			return "deploy", p.DeployID, true
		}
	case ContentBlocker:
		// Blockers reference whatever work item they block.
		if p.TicketKey != "" {
			return "ticket", p.TicketKey, true
		}
		if p.PRNumber > 0 {
			return "pr", strconv.Itoa(p.PRNumber), true
		}
	case ContentStandup:
		// Standup notes are free-form.
	}
	return "", "", false
}

// Text returns the human-readable content used for similarity matching.
func (p Payload) Text() string {
	if p.Title != "" && p.Body != "" {
		return p.Title + " " + p.Body
	}
	if p.Title != "" {
		return p.Title
	}
	return p.Body
}

// Notifiable is one inbound event submitted to the shaping pipeline.
// It is immutable after construction; identity is ID.
type Notifiable struct {
	ID          string
	ContentType ContentType
	Timestamp   time.Time
	Author      string // optional
	Priority    Priority
	Payload     Payload
	Metadata    map[string]string
}

// WithMetadata returns a copy of e carrying an additional metadata entry.
// The original event is never mutated.
func (e Notifiable) WithMetadata(key, value string) Notifiable {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}
