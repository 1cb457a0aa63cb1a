// Package delivery drains pipeline emissions through a rate-limited worker
// pool into the platform adapter, retrying transient failures with backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"

	"notiflow/internal/eventbus"
	"notiflow/internal/pipeline"
	rtsup "notiflow/internal/runtime/supervisor"
	"notiflow/internal/transport"
	logx "notiflow/pkg/logx"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

var (
	sentTotal    = metrics.NewCounter("notiflow_delivery_sent_total")
	failedTotal  = metrics.NewCounter("notiflow_delivery_failed_total")
	droppedTotal = metrics.NewCounter("notiflow_delivery_dropped_total")
)

type job struct {
	em pipeline.Emission
}

// Service is the async delivery collaborator: queue + worker pool + rate
// limit + retry. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus
	pipe    *pipeline.Pipeline

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter transport.Adapter, pipe *pipeline.Pipeline, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		adapter: adapter,
		bus:     bus,
		pipe:    pipe,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. Workers run under an internal supervisor so a panicky
// adapter cannot take the daemon down.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "delivery"))),
		// Delivery failures are best-effort; never cancel siblings.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.RestartPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second})
	}
}

// Stop blocks new enqueues and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Enqueue accepts an emission for delivery. It never blocks; a full queue
// drops the digest and reports ErrQueueFull. Enqueue is the pipeline sink.
func (s *Service) Enqueue(em pipeline.Emission) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	s.publish(eventbus.TopicDeliveryQueued, em, nil)
	select {
	case q <- job{em: em}:
		return nil
	default:
		droppedTotal.Inc()
		s.publish(eventbus.TopicDeliveryDropped, em, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns the recent delivery history.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(channelID, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChannelID: channelID, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j.em)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, em pipeline.Emission) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return
	}

	route, ok := cfg.Routes[em.ChannelID]
	if !ok {
		s.log.Warn("no route for channel, digest dropped", logx.String("channel", em.ChannelID))
		droppedTotal.Inc()
		s.publish(eventbus.TopicDeliveryDropped, em, errors.New("no route"))
		return
	}
	target := transport.ChatTarget{ChatID: route.ChatID, TopicID: route.TopicID}

	opt := &transport.SendOptions{}
	if !em.Placement.IsNewThread && em.Placement.ParentRef != "" {
		if ref, err := transport.ParseRef(em.Placement.ParentRef); err == nil {
			opt.ReplyTo = ref.MessageID
			target = transport.ChatTarget{ChatID: ref.ChatID, TopicID: ref.TopicID}
		} else {
			s.log.Debug("bad parent ref, sending unthreaded", logx.Err(err))
		}
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		ref, err := ad.SendRich(callCtx, target, em.Message, opt)
		cancel()
		if err == nil {
			sentTotal.Inc()
			s.appendHistory(em.ChannelID, em.Message.Fallback)
			s.publish(eventbus.TopicDeliverySent, em, nil)
			// A new thread starter becomes matchable once its ref is known.
			if em.Placement.IsNewThread && s.pipe != nil {
				s.pipe.RegisterThread(em, transport.EncodeRef(ref))
			}
			return
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	failedTotal.Inc()
	s.publish(eventbus.TopicDeliveryFailed, em, lastErr)
}

func (s *Service) publish(topic eventbus.Topic, em pipeline.Emission, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	e := Event{ChannelID: em.ChannelID, At: now}
	s.mu.Lock()
	if route, ok := s.cfg.Routes[em.ChannelID]; ok {
		e.ChatID, e.TopicID = route.ChatID, route.TopicID
	}
	s.mu.Unlock()
	if err != nil {
		e.Error = err.Error()
	}
	s.bus.Publish(eventbus.Signal{Topic: topic, Channel: em.ChannelID, At: now, Payload: e})
}

// retryDelay is exponential backoff with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
