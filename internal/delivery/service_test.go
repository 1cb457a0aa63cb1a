package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"notiflow/internal/message"
	"notiflow/internal/pipeline"
	"notiflow/internal/transport"
	logx "notiflow/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	failures int // fail this many sends before succeeding
	calls    []sendCall
	nextID   int
}

type sendCall struct {
	target transport.ChatTarget
	opt    transport.SendOptions
}

func (f *fakeAdapter) SendRich(ctx context.Context, to transport.ChatTarget, msg message.Rich, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := transport.SendOptions{}
	if opt != nil {
		o = *opt
	}
	f.calls = append(f.calls, sendCall{target: to, opt: o})
	if f.failures > 0 {
		f.failures--
		return transport.MessageRef{}, errors.New("telegram unavailable")
	}
	f.nextID++
	return transport.MessageRef{ChatID: to.ChatID, TopicID: to.TopicID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) call(i int) sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func testService(t *testing.T, cfg Config, ad transport.Adapter) *Service {
	t.Helper()
	s := New(cfg, ad, nil, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

func emission(channel string) pipeline.Emission {
	return pipeline.Emission{
		ChannelID: channel,
		Message:   message.Rich{Fallback: "digest"},
		Placement: message.ThreadPlacement{IsNewThread: true},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueDeliversThroughRoute(t *testing.T) {
	ad := &fakeAdapter{}
	s := testService(t, Config{
		Enabled:    true,
		RatePerSec: 100,
		Routes:     map[string]Route{"backend": {ChatID: -100500, TopicID: 7}},
	}, ad)

	if err := s.Enqueue(emission("backend")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return ad.callCount() == 1 }, "send")

	c := ad.call(0)
	if c.target.ChatID != -100500 || c.target.TopicID != 7 {
		t.Fatalf("target = %+v", c.target)
	}
	if hist := s.Snapshot(); len(hist) != 1 || hist[0].ChannelID != "backend" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestReplyPlacementOverridesRoute(t *testing.T) {
	ad := &fakeAdapter{}
	s := testService(t, Config{
		Enabled:    true,
		RatePerSec: 100,
		Routes:     map[string]Route{"backend": {ChatID: -100500}},
	}, ad)

	em := emission("backend")
	em.Placement = message.ThreadPlacement{
		ParentRef: transport.EncodeRef(transport.MessageRef{ChatID: -100600, TopicID: 3, MessageID: 41}),
	}
	if err := s.Enqueue(em); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return ad.callCount() == 1 }, "send")

	c := ad.call(0)
	if c.target.ChatID != -100600 || c.target.TopicID != 3 {
		t.Fatalf("reply should target the parent's chat: %+v", c.target)
	}
	if c.opt.ReplyTo != 41 {
		t.Fatalf("ReplyTo = %d, want 41", c.opt.ReplyTo)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	ad := &fakeAdapter{failures: 2}
	s := testService(t, Config{
		Enabled:    true,
		RatePerSec: 100,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
		Routes:     map[string]Route{"backend": {ChatID: 1}},
	}, ad)

	if err := s.Enqueue(emission("backend")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool { return ad.callCount() == 3 }, "retries")
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 }, "eventual success")
}

func TestUnroutedChannelIsDropped(t *testing.T) {
	ad := &fakeAdapter{}
	s := testService(t, Config{
		Enabled:    true,
		RatePerSec: 100,
		Routes:     map[string]Route{"known": {ChatID: 1}},
	}, ad)

	if err := s.Enqueue(emission("unknown")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// The digest is consumed without reaching the adapter.
	time.Sleep(100 * time.Millisecond)
	if ad.callCount() != 0 {
		t.Fatalf("unrouted digest reached the adapter: %d calls", ad.callCount())
	}
}

func TestEnqueueWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, &fakeAdapter{}, nil, logx.Nop(), nil)
	if err := s.Enqueue(emission("any")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, Routes: map[string]Route{"ch": {ChatID: 1}}}, ad, nil, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s.Stop(stopCtx)
	cancel()

	if err := s.Enqueue(emission("ch")); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
