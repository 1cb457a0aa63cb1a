// Package app wires configuration, storage, the shaping pipeline, and
// delivery into one runnable unit with hot reload and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"notiflow/internal/batch"
	"notiflow/internal/config"
	"notiflow/internal/delivery"
	"notiflow/internal/event"
	"notiflow/internal/eventbus"
	"notiflow/internal/observability/pprof"
	"notiflow/internal/pipeline"
	rtsup "notiflow/internal/runtime/supervisor"
	"notiflow/internal/spam"
	"notiflow/internal/storage"
	"notiflow/internal/sweep"
	"notiflow/internal/thread"
	"notiflow/internal/transport"
	"notiflow/internal/transport/telegram"
	logx "notiflow/pkg/logx"
)

// StopReason records why the app is shutting down, for the final log line.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
	StopManual StopReason = "manual"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	guard   *spam.Guard
	engine  *batch.Engine
	threads *thread.Manager
	pipe    *pipeline.Pipeline
	sweeps  *sweep.Service
	deliv   *delivery.Service
	pprof   *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Runtime())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage is optional; a nil store disables audit and dedup persistence.
	var store storage.Store
	if cfg.Storage != nil {
		sc, err := cfg.Storage.Runtime()
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	batchCfg, err := cfg.Batch.Runtime()
	if err != nil {
		return nil, err
	}
	spamCfg, err := cfg.Spam.Runtime()
	if err != nil {
		return nil, err
	}
	threadCfg, err := cfg.Thread.Runtime()
	if err != nil {
		return nil, err
	}
	delivCfg, err := cfg.Delivery.Runtime()
	if err != nil {
		return nil, err
	}
	pprofCfg, err := cfg.Pprof.Runtime()
	if err != nil {
		return nil, err
	}

	engine := batch.New(batchCfg, log.With(logx.String("comp", "batch")), bus)
	guard := spam.New(spamCfg, log.With(logx.String("comp", "spam")), bus, store)
	threads := thread.New(threadCfg, log.With(logx.String("comp", "thread")), bus)

	tgCfg, err := cfg.Telegram.Runtime()
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		guard:   guard,
		engine:  engine,
		threads: threads,
	}

	a.pipe = pipeline.New(pipeline.Deps{
		Batch:   engine,
		Guard:   guard,
		Threads: threads,
		Store:   store,
		Log:     log.With(logx.String("comp", "pipeline")),
		Sink:    a.emit,
	})
	a.deliv = delivery.New(delivCfg, adapter, a.pipe,
		log.With(logx.String("comp", "delivery")), bus)
	a.sweeps = sweep.New(cfg.Sweep.Runtime(), a.pipe,
		log.With(logx.String("comp", "sweep")))
	a.pprof = pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return a, nil
}

// Pipeline exposes the shaping entry point for embedding callers.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Submit runs one event through the full shaping chain.
func (a *App) Submit(ctx context.Context, ev event.Notifiable, channelID string) pipeline.Outcome {
	return a.pipe.Submit(ctx, ev, channelID)
}

// emit hands shaped emissions to the delivery workers. Delivery failures are
// delivery's problem; a disabled or saturated queue only logs here.
func (a *App) emit(em pipeline.Emission) {
	if err := a.deliv.Enqueue(em); err != nil {
		a.log.Warn("emission dropped",
			logx.String("channel", em.ChannelID),
			logx.Err(err))
	}
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.guard.Start(a.sup.Context())
	if a.deliv.Enabled() {
		a.deliv.Start(a.sup.Context())
	}
	a.sweeps.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug-level signal mirror; components subscribe themselves for real work.
	signals, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case s, ok := <-signals:
				if !ok {
					return
				}
				a.log.Debug("signal",
					logx.String("topic", string(s.Topic)),
					logx.String("channel", s.Channel),
					logx.Time("at", s.At))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// Stop drains in order: sweeps stop scheduling, the pipeline flushes every
// pending batch through the sink, delivery drains its queue, then the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("sweeps", 2*time.Second, func(c context.Context) error { a.sweeps.Stop(c); return nil })
	step("pipeline", 3*time.Second, func(c context.Context) error { a.pipe.Shutdown(c); return nil })
	step("delivery", 4*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("spam", 1*time.Second, func(c context.Context) error { a.guard.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
