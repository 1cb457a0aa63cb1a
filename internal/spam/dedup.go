package spam

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"notiflow/internal/event"
)

// contentKey returns a stable hash over the fields that make two events "the
// same notification": content type, author, priority, and the normalized
// payload fields. Metadata is excluded so enrichment cannot defeat dedup.
func contentKey(channelID string, ev event.Notifiable) string {
	h := fnv.New64a()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{'|'})
	}
	write(channelID)
	write(string(ev.ContentType))
	write(ev.Author)
	write(string(ev.Priority))

	p := ev.Payload
	write(p.Title)
	write(p.Body)
	write(p.Repository)
	write(p.Project)
	write(p.Severity)
	write(strconv.Itoa(p.PRNumber))
	write(p.TicketKey)
	write(p.AlertID)
	write(p.DeployID)

	if len(p.Extra) > 0 {
		keys := make([]string, 0, len(p.Extra))
		for k := range p.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write(k)
			write(p.Extra[k])
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllowLocked reports whether the event's content hash is fresh for the
// channel and records it. Caller holds ca.mu.
func (g *Guard) dedupAllowLocked(ca *channelActivity, channelID string, ev event.Notifiable, now time.Time, cfg Config) bool {
	key := contentKey(channelID, ev)

	if until, ok := ca.dedup[key]; ok && now.Before(until) {
		return false
	}

	// Persistent check (best-effort) for cross-restart dedup.
	if cfg.PersistDedup && g.store != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		until, ok, err := g.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			ca.dedup[key] = until
			return false
		}
	}

	until := now.Add(cfg.DuplicateWindow)
	ca.dedup[key] = until

	// Prune expired entries, then cap the table by evicting earliest expiry.
	for k, u := range ca.dedup {
		if !now.Before(u) {
			delete(ca.dedup, k)
		}
	}
	for cfg.DedupMaxEntries > 0 && len(ca.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range ca.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(ca.dedup, minKey)
	}

	// Persist the new suppress-until asynchronously (best-effort).
	if cfg.PersistDedup && g.store != nil {
		g.pmu.Lock()
		pch := g.persistCh
		g.pmu.Unlock()
		if pch != nil {
			select {
			case pch <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}
	return true
}
