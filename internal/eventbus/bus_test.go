package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Signal{Topic: TopicBatchFlushed, Channel: "ch-a"})

	for i, ch := range []<-chan Signal{ch1, ch2} {
		select {
		case s := <-ch:
			if s.Topic != TopicBatchFlushed || s.Channel != "ch-a" {
				t.Fatalf("subscriber %d got %+v", i, s)
			}
			if s.At.IsZero() {
				t.Fatalf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, TopicDeliverySent, TopicDeliveryFailed)
	defer unsub()

	b.Publish(Signal{Topic: TopicSpamSuppressed, Channel: "ch-a"})
	b.Publish(Signal{Topic: TopicDeliverySent, Channel: "ch-a"})

	select {
	case s := <-ch:
		if s.Topic != TopicDeliverySent {
			t.Fatalf("filtered subscriber got %q", s.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed topic never delivered")
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra signal %q", s.Topic)
	default:
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Signal{Topic: TopicSpamSuppressed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	// Channel is closed; publish must not panic or deliver.
	b.Publish(Signal{Topic: TopicThreadCreated})
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel still delivers")
	}
}
