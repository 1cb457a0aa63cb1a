// Package sweep runs the periodic maintenance jobs: flushing due batch
// groups, purging expired threads, and pruning dedup state. All jobs are
// idempotent and safe to run concurrently with event submission.
package sweep

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notiflow/internal/pipeline"
	logx "notiflow/pkg/logx"
)

// Config sets the sweep schedules as cron specs ("@every 30s" descriptors or
// five-field expressions).
type Config struct {
	Enabled     bool
	BatchSpec   string // default "@every 30s"
	ThreadSpec  string // default "@every 10m"
	DedupSpec   string // default "@every 5m"
	Timezone    string // IANA name, default UTC
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BatchSpec) == "" {
		c.BatchSpec = "@every 30s"
	}
	if strings.TrimSpace(c.ThreadSpec) == "" {
		c.ThreadSpec = "@every 10m"
	}
	if strings.TrimSpace(c.DedupSpec) == "" {
		c.DedupSpec = "@every 5m"
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "UTC"
	}
	return c
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	pipe *pipeline.Pipeline

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, pipe *pipeline.Pipeline, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		pipe:   pipe,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply replaces the schedule config. Takes effect on the next Start; the
// caller restarts the service to reschedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start registers the sweep jobs and begins cron triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid sweep timezone, using UTC", logx.String("tz", s.cfg.Timezone))
		loc = time.UTC
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	add := func(name, spec string, fn func()) {
		if _, err := s.c.AddFunc(spec, fn); err != nil {
			s.log.Error("sweep job not registered",
				logx.String("job", name), logx.String("spec", spec), logx.Err(err))
			return
		}
		s.log.Debug("sweep job registered", logx.String("job", name), logx.String("spec", spec))
	}
	add("batch-flush", s.cfg.BatchSpec, s.pipe.SweepBatches)
	add("thread-purge", s.cfg.ThreadSpec, s.pipe.SweepThreads)
	add("dedup-prune", s.cfg.DedupSpec, s.pipe.SweepSpam)

	s.c.Start()
	s.log.Info("sweeps started", logx.String("tz", loc.String()))
}

// Stop halts cron triggering, waiting for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeps stopped")
}
