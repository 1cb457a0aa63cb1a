package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notiflow/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.SendTimeout) != strings.TrimSpace(newCfg.Telegram.SendTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.send_timeout", strings.TrimSpace(newCfg.Telegram.SendTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = "", ""
	if !reflect.DeepEqual(op, np) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	// Storage: nil means disabled.
	oS, nS := StorageConfig{}, StorageConfig{}
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS.Driver != nS.Driver || (strings.TrimSpace(oS.Path) != "") != (strings.TrimSpace(nS.Path) != "") ||
		oS.BusyTimeout != nS.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Int("batch.max_batch_size", newCfg.Batch.MaxBatchSize),
			logx.String("batch.max_batch_age", strings.TrimSpace(newCfg.Batch.MaxBatchAge)),
			logx.Int("batch.strategies", len(newCfg.Batch.Strategies)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Spam, newCfg.Spam) {
		changed = append(changed, "spam")
		attrs = append(attrs,
			logx.Bool("spam.dedup", newCfg.Spam.DedupEnabled),
			logx.Bool("spam.rate_limit", newCfg.Spam.RateLimitEnabled),
			logx.Bool("spam.burst", newCfg.Spam.BurstEnabled),
			logx.Bool("spam.quiet_hours", newCfg.Spam.QuietHoursEnabled),
			logx.String("spam.timing_mode", strings.TrimSpace(newCfg.Spam.TimingMode)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Thread, newCfg.Thread) {
		changed = append(changed, "threading")
		attrs = append(attrs,
			logx.Int("threading.strategies", len(newCfg.Thread.Strategies)),
			logx.String("threading.max_thread_age", strings.TrimSpace(newCfg.Thread.MaxThreadAge)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		changed = append(changed, "sweeps")
		attrs = append(attrs, logx.Bool("sweeps.enabled", newCfg.Sweep.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.enabled", newCfg.Delivery.Enabled),
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Int("delivery.routes", len(newCfg.Delivery.Routes)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
