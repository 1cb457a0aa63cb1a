package supervisor

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "notiflow/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Optional restart-with-backoff loops
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Counters are best-effort operational metrics.
	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil error
// from any goroutine. Use for goroutine groups where one failure should take
// down the rest (e.g. the app root).
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Counters is a best-effort view of goroutines started via this supervisor.
// Operational signal only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats aggregates per-name goroutine stats for observability.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type taskStats struct {
	name        string
	active      int64
	started     uint64
	panics      uint64
	restarts    uint64
	lastStartAt time.Time
	lastStopAt  time.Time
	lastErr     string
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot returns a point-in-time view for observability/debug output.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		out.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.stats {
		out.Tasks = append(out.Tasks, TaskStats{
			Name:        st.name,
			Active:      st.active,
			Started:     st.started,
			Panics:      st.panics,
			Restarts:    st.restarts,
			LastStartAt: st.lastStartAt,
			LastStopAt:  st.lastStopAt,
			LastErr:     st.lastErr,
		})
	}
	s.mu.Unlock()
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })
	return out
}

// Wait blocks until all goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) observeError(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	s.mu.Lock()
	if st := s.stats[name]; st != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) enter(name string) *taskStats {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &taskStats{name: name}
		s.stats[name] = st
	}
	st.started++
	st.active++
	st.lastStartAt = time.Now()
	s.mu.Unlock()
	return st
}

func (s *Supervisor) leave(st *taskStats) {
	atomic.AddInt64(&s.active, -1)
	s.mu.Lock()
	st.active--
	st.lastStopAt = time.Now()
	s.mu.Unlock()
}

// Go starts a named goroutine. A panic is recovered, logged, and recorded as
// an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st := s.enter(name)
		defer s.leave(st)
		err := s.runOnce(name, st, fn)
		s.observeError(name, err)
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartPolicy bounds the backoff between restarts of a GoRestart loop.
type RestartPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func (p RestartPolicy) normalized() RestartPolicy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// GoRestart runs fn in a loop, restarting it with exponential backoff when it
// returns a non-context error or panics. A context.Canceled return stops the
// loop cleanly.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, policy RestartPolicy) {
	policy = policy.normalized()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		st := s.enter(name)
		defer s.leave(st)

		backoff := policy.Base
		for {
			err := s.runOnce(name, st, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.observeError(name, err)
			if err == nil {
				// Clean exit while context is alive counts as done.
				return
			}

			s.mu.Lock()
			st.restarts++
			s.mu.Unlock()
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("task", name), logx.Err(err), logx.Duration("backoff", backoff))
			}
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > policy.Max {
				backoff = policy.Max
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, st *taskStats, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			st.panics++
			s.mu.Unlock()
			if !s.log.IsZero() {
				s.log.Error("panic in supervised goroutine",
					logx.String("task", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
			err = errorFromPanic(r)
		}
	}()
	return fn(s.ctx)
}

func errorFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New("panic in supervised goroutine")
}
