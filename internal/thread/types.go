package thread

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies what kind of conversation a thread anchors. The set is
// closed.
type Type string

const (
	TypePRLifecycle        Type = "pr_lifecycle"
	TypeJiraUpdates        Type = "jira_updates"
	TypeAlertSequence      Type = "alert_sequence"
	TypeDeploymentPipeline Type = "deployment_pipeline"
	TypeStandupFollowup    Type = "standup_followup"
	TypeIncidentResponse   Type = "incident_response"
	TypeCustom             Type = "custom"
)

// ParseType validates a raw thread type name.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TypePRLifecycle, TypeJiraUpdates, TypeAlertSequence,
		TypeDeploymentPipeline, TypeStandupFollowup, TypeIncidentResponse, TypeCustom:
		return t, nil
	}
	return "", fmt.Errorf("unknown thread type %q", raw)
}

// Strategy names one matching heuristic. Strategies run in configured order;
// the first match wins.
type Strategy string

const (
	StrategyEntity   Strategy = "entity"
	StrategyContent  Strategy = "content"
	StrategyTemporal Strategy = "temporal"
	StrategyWorkflow Strategy = "workflow"
)

// ParseStrategy validates a raw strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StrategyEntity, StrategyContent, StrategyTemporal, StrategyWorkflow:
		return s, nil
	}
	return "", fmt.Errorf("unknown threading strategy %q", raw)
}

// Config controls thread matching and retention.
type Config struct {
	// Strategies in matching order. Empty means entity-only.
	Strategies []Strategy

	// SimilarityThreshold gates content-based matches, in [0,1]. Default 0.8.
	SimilarityThreshold float64

	// TemporalWindow bounds how recently a thread must have been active for a
	// temporal match. Default 30m.
	TemporalWindow time.Duration

	// MaxThreadAge expires a thread once now - lastUpdated exceeds it.
	// Default 24h.
	MaxThreadAge time.Duration

	// MaxMessagesPerThread caps additions to one thread. Default 100.
	MaxMessagesPerThread int
}

func (c Config) withDefaults() Config {
	if len(c.Strategies) == 0 {
		c.Strategies = []Strategy{StrategyEntity}
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.8
	}
	if c.TemporalWindow <= 0 {
		c.TemporalWindow = 30 * time.Minute
	}
	if c.MaxThreadAge <= 0 {
		c.MaxThreadAge = 24 * time.Hour
	}
	if c.MaxMessagesPerThread <= 0 {
		c.MaxMessagesPerThread = 100
	}
	return c
}

// Context is the tracked state of one conversation thread.
type Context struct {
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id"`
	Type      Type   `json:"thread_type"`

	// ParentRef is the opaque handle to the thread-starting message, assigned
	// by the delivery layer.
	ParentRef string `json:"parent_ref"`

	// EntityType/EntityID anchor entity-based matching ("pr:123"). Empty when
	// the originating event carried no entity.
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`

	Participants map[string]bool   `json:"participants,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Workflow stage last observed on this thread.
	Stage Stage `json:"stage,omitempty"`

	// Accumulated content vector for similarity matching.
	words    map[string]bool
	metaKeys map[string]bool
	// avgBlocks is the running mean of per-event block estimates.
	avgBlocks float64
}

func (c *Context) expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.LastUpdated) > maxAge
}

func (c *Context) full(max int) bool {
	return c.MessageCount >= max
}

// Stats are the cumulative threading counters.
type Stats struct {
	ThreadsCreated   uint64 `json:"threads_created"`
	MessagesThreaded uint64 `json:"messages_threaded"`
	ThreadsExpired   uint64 `json:"threads_expired"`
	ActiveThreads    int    `json:"active_threads"`

	EntityMatches   uint64 `json:"entity_matches"`
	ContentMatches  uint64 `json:"content_matches"`
	TemporalMatches uint64 `json:"temporal_matches"`
	WorkflowMatches uint64 `json:"workflow_matches"`
}
