package thread

import (
	"strings"
	"unicode"

	"notiflow/internal/event"
)

// tokenize lowercases and splits text on non-alphanumeric runes, dropping
// single-character tokens.
func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len(f) > 1 {
			words[f] = true
		}
	}
	return words
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// blockEstimate approximates how many display blocks an event will occupy
// when rendered, for the block-count ratio component.
func blockEstimate(ev event.Notifiable) float64 {
	n := 1.0
	if ev.Payload.Body != "" {
		n++
	}
	if ev.Payload.URL != "" {
		n++
	}
	n += float64(len(ev.Payload.Extra))
	return n
}

func metaKeysOf(ev event.Notifiable) map[string]bool {
	keys := map[string]bool{}
	for k := range ev.Metadata {
		keys[k] = true
	}
	for k := range ev.Payload.Extra {
		keys[k] = true
	}
	return keys
}

// similarity scores an event against a thread's accumulated content vector:
// word overlap weighs 0.4, metadata-key overlap 0.3, block-count ratio 0.3.
func similarity(ev event.Notifiable, c *Context) float64 {
	words := tokenize(ev.Payload.Text())
	wordScore := jaccard(words, c.words)
	metaScore := jaccard(metaKeysOf(ev), c.metaKeys)

	blocks := blockEstimate(ev)
	ratio := 0.0
	if c.avgBlocks > 0 && blocks > 0 {
		lo, hi := blocks, c.avgBlocks
		if lo > hi {
			lo, hi = hi, lo
		}
		ratio = lo / hi
	}
	return 0.4*wordScore + 0.3*metaScore + 0.3*ratio
}

// absorb folds an event into the thread's content vector.
func (c *Context) absorb(ev event.Notifiable) {
	if c.words == nil {
		c.words = map[string]bool{}
	}
	for w := range tokenize(ev.Payload.Text()) {
		c.words[w] = true
	}
	if c.metaKeys == nil {
		c.metaKeys = map[string]bool{}
	}
	for k := range metaKeysOf(ev) {
		c.metaKeys[k] = true
	}
	// Running mean over MessageCount events; caller bumps the count first.
	n := float64(c.MessageCount)
	if n <= 0 {
		n = 1
	}
	c.avgBlocks += (blockEstimate(ev) - c.avgBlocks) / n
}
