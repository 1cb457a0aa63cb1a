package batch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"notiflow/internal/event"
	"notiflow/internal/message"
)

// contentLabel maps a content type to the short label used in digest text.
func contentLabel(ct event.ContentType) string {
	switch ct {
	case event.ContentPRUpdate:
		return "pull requests"
	case event.ContentJiraUpdate:
		return "tickets"
	case event.ContentAlert:
		return "alerts"
	case event.ContentStandup:
		return "standup"
	case event.ContentDeployment:
		return "deployments"
	case event.ContentBlocker:
		return "blockers"
	default:
		return string(ct)
	}
}

// renderDigest builds the outbound rich message for a flushed group:
// header, per-type counts, contributors, then the item list ordered by
// priority score (timestamp, then arrival order, as tiebreaks), paginated
// into section blocks of cfg.PageSize items.
func renderDigest(channelID string, g *Group, cfg Config) (message.Rich, error) {
	n := len(g.Messages)
	if n == 0 {
		return message.Rich{}, fmt.Errorf("batch %s is empty", g.ID)
	}

	// Stable sort keeps arrival order as the final tiebreak.
	items := append([]event.Notifiable(nil), g.Messages...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Score() != items[j].Priority.Score() {
			return items[i].Priority.Score() > items[j].Priority.Score()
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	header := fmt.Sprintf("%s in #%s", pluralUpdates(n), channelID)

	blocks := []message.Block{{Type: message.BlockHeader, Text: header}}
	if ctx := summaryLine(items, g.CreatedAt); ctx != "" {
		blocks = append(blocks, message.Block{Type: message.BlockContext, Text: ctx})
	}

	var page []string
	flushPage := func() {
		if len(page) == 0 {
			return
		}
		blocks = append(blocks, message.Block{Type: message.BlockSection, Text: strings.Join(page, "\n")})
		page = page[:0]
	}
	for _, it := range items {
		page = append(page, itemLine(it))
		if len(page) >= cfg.PageSize {
			flushPage()
		}
	}
	flushPage()

	fallback := header + "\n" + plainItems(items)

	return message.Rich{
		Blocks:   blocks,
		Fallback: fallback,
		Metadata: map[string]any{
			"batchId":      g.ID,
			"batchType":    string(g.BatchType),
			"channelId":    channelID,
			"storageKey":   g.StorageKey,
			"messageCount": n,
			"isBatched":    n > 1,
		},
	}, nil
}

func pluralUpdates(n int) string {
	if n == 1 {
		return "1 update"
	}
	return fmt.Sprintf("%d updates", n)
}

// summaryLine renders "3 pull requests, 1 alert · by alice, bob · over 4 minutes".
func summaryLine(items []event.Notifiable, since time.Time) string {
	counts := map[event.ContentType]int{}
	var order []event.ContentType
	authors := map[string]bool{}
	var authorOrder []string
	for _, it := range items {
		if counts[it.ContentType] == 0 {
			order = append(order, it.ContentType)
		}
		counts[it.ContentType]++
		if it.Author != "" && !authors[it.Author] {
			authors[it.Author] = true
			authorOrder = append(authorOrder, it.Author)
		}
	}

	parts := make([]string, 0, len(order))
	for _, ct := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[ct], contentLabel(ct)))
	}
	line := strings.Join(parts, ", ")
	if len(authorOrder) > 0 {
		sort.Strings(authorOrder)
		line += " · by " + strings.Join(authorOrder, ", ")
	}
	if !since.IsZero() {
		if span := time.Since(since); span > time.Minute {
			line += " · over " + humanize.RelTime(since, time.Now(), "", "")
		}
	}
	return line
}

func itemLine(it event.Notifiable) string {
	var b strings.Builder
	b.WriteString("• ")
	if it.Priority == event.PriorityCritical || it.Priority == event.PriorityHigh {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(it.Priority)))
		b.WriteString("] ")
	}
	title := it.Payload.Title
	if title == "" {
		title = it.Payload.Body
	}
	if title == "" {
		title = string(it.ContentType) + " " + it.ID
	}
	b.WriteString(title)
	if ref := entityRef(it); ref != "" {
		b.WriteString(" (")
		b.WriteString(ref)
		b.WriteString(")")
	}
	if it.Author != "" {
		b.WriteString(" — ")
		b.WriteString(it.Author)
	}
	return b.String()
}

func entityRef(it event.Notifiable) string {
	typ, id, ok := it.Payload.Entity(it.ContentType)
	if !ok {
		return ""
	}
	return typ + ":" + id
}

func plainItems(items []event.Notifiable) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, itemLine(it))
	}
	return strings.Join(lines, "\n")
}
