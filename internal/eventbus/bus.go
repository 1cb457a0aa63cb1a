// Package eventbus carries lifecycle signals from the shaping layers to
// in-process observers (logging taps, status tooling, future exporters).
package eventbus

import (
	"sync"
	"time"
)

// Topic names one family of lifecycle signals. The constants below cover
// every signal the shaping and delivery layers publish.
type Topic string

const (
	TopicBatchFlushed      Topic = "batch.flushed"
	TopicBatchRenderFailed Topic = "batch.render_failed"
	TopicSpamSuppressed    Topic = "spam.suppressed"
	TopicThreadCreated     Topic = "thread.created"
	TopicDeliveryQueued    Topic = "delivery.queued"
	TopicDeliverySent      Topic = "delivery.sent"
	TopicDeliveryFailed    Topic = "delivery.failed"
	TopicDeliveryDropped   Topic = "delivery.dropped"
)

// Signal is one lifecycle notification. Payload holds the publishing
// package's typed record (batch.FlushEvent, spam.SuppressEvent,
// delivery.Event); it should stay small and JSON-serializable.
type Signal struct {
	Topic   Topic
	Channel string
	At      time.Time
	Payload any
}

// Bus fans signals out to subscribers. Publish never blocks; a subscriber
// whose buffer is full loses the signal.
type Bus interface {
	Publish(s Signal)
	// Subscribe registers a buffered listener. With no topics given it
	// receives every signal, otherwise only the named topics.
	Subscribe(buffer int, topics ...Topic) (<-chan Signal, func())
}

// New returns an in-memory bus. It owns no background goroutines.
func New() Bus {
	return &bus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Signal
	topics map[Topic]struct{} // nil subscribes to everything
}

func (s *subscriber) wants(t Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type bus struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]*subscriber
}

// Publish delivers s to every interested subscriber. Sends happen under the
// read lock so an unsubscribe (which takes the write lock before closing its
// channel) can never close a channel mid-send.
func (b *bus) Publish(s Signal) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(s.Topic) {
			continue
		}
		select {
		case sub.ch <- s:
		default:
		}
	}
}

func (b *bus) Subscribe(buffer int, topics ...Topic) (<-chan Signal, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Signal, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// No publisher can still hold this subscriber once the write
			// section above has passed, so closing here is safe.
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}
