package app

import (
	"context"
	"strings"
	"time"

	"notiflow/internal/config"
	logx "notiflow/pkg/logx"
)

// reloadLoop applies validated config updates to running services. The
// watcher already rejected invalid configs, so Runtime() errors here only
// guard against races and keep the previous section config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			a.applySections(ctx, newCfg, sections)

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applySections(ctx context.Context, cfg *config.Config, sections []string) {
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if changed("logging") {
		a.logs.Apply(cfg.Logging.Runtime())
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required to take effect")
	}
	if changed("batch") {
		if bc, err := cfg.Batch.Runtime(); err == nil {
			a.engine.Apply(bc)
		} else {
			a.log.Warn("invalid batch config; keeping previous", logx.Err(err))
		}
	}
	if changed("spam") {
		if sc, err := cfg.Spam.Runtime(); err == nil {
			a.guard.Apply(sc)
		} else {
			a.log.Warn("invalid spam config; keeping previous", logx.Err(err))
		}
	}
	if changed("threading") {
		if tc, err := cfg.Thread.Runtime(); err == nil {
			a.threads.Apply(tc)
		} else {
			a.log.Warn("invalid threading config; keeping previous", logx.Err(err))
		}
	}
	if changed("sweeps") {
		// Cron entries can't be swapped in place; restart the scheduler.
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		a.sweeps.Stop(stopCtx)
		cancel()
		a.sweeps.Apply(cfg.Sweep.Runtime())
		a.sweeps.Start(ctx)
	}
	if changed("delivery") {
		dc, err := cfg.Delivery.Runtime()
		if err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else {
			prevEnabled := a.deliv.Enabled()
			a.deliv.Apply(dc)
			switch {
			case prevEnabled && !dc.Enabled:
				a.log.Info("delivery disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.deliv.Stop(stopCtx)
				cancel()
			case !prevEnabled && dc.Enabled:
				a.log.Info("delivery enabled via config")
				a.deliv.Start(ctx)
			}
		}
	}
	if changed("pprof") {
		if pc, err := cfg.Pprof.Runtime(); err == nil {
			a.pprof.Reconfigure(ctx, pc)
		} else {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		}
	}
	if changed("telegram") {
		a.log.Warn("telegram config changed; restart required to take effect")
	}
}
