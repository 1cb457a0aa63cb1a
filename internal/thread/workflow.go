package thread

import (
	"strings"

	"notiflow/internal/event"
)

// Stage is a coarse position in the lifecycle a thread tracks. Stages feed
// the workflow matching strategy only; they carry no other semantics.
type Stage string

const (
	StageCreation   Stage = "creation"
	StageReview     Stage = "review"
	StageApproval   Stage = "approval"
	StageCompletion Stage = "completion"
	StageActive     Stage = "active"
	StageBlocked    Stage = "blocked"
)

var stageOrder = map[Stage]int{
	StageCreation:   0,
	StageReview:     1,
	StageApproval:   2,
	StageCompletion: 3,
}

// inferStage derives the workflow stage from an explicit metadata hint or,
// failing that, from keywords in the event text.
func inferStage(ev event.Notifiable) Stage {
	hint := ev.Metadata["stage"]
	if hint == "" {
		hint = ev.Payload.Extra["stage"]
	}
	switch Stage(strings.ToLower(hint)) {
	case StageCreation, StageReview, StageApproval, StageCompletion, StageActive, StageBlocked:
		return Stage(strings.ToLower(hint))
	}

	if ev.ContentType == event.ContentBlocker {
		return StageBlocked
	}

	text := strings.ToLower(ev.Payload.Title + " " + ev.Payload.Body)
	switch {
	case containsAny(text, "opened", "created", "new "):
		return StageCreation
	case containsAny(text, "review", "comment", "requested changes"):
		return StageReview
	case containsAny(text, "approved", "lgtm"):
		return StageApproval
	case containsAny(text, "merged", "closed", "deployed", "resolved", "done"):
		return StageCompletion
	case containsAny(text, "blocked", "stuck", "waiting on"):
		return StageBlocked
	}
	return StageActive
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// causallyRelated reports whether an event at stage next plausibly continues
// a thread whose last stage was prev: adjacent steps of the linear lifecycle,
// the same stage repeating, or the active/blocked flip.
func causallyRelated(prev, next Stage) bool {
	if prev == "" || next == "" {
		return false
	}
	if prev == next {
		return true
	}
	if (prev == StageActive && next == StageBlocked) || (prev == StageBlocked && next == StageActive) {
		return true
	}
	po, pok := stageOrder[prev]
	no, nok := stageOrder[next]
	if pok && nok {
		return no == po+1
	}
	return false
}
