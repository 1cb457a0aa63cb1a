package config

import (
	"fmt"
	"strings"
	"time"

	"notiflow/internal/batch"
	"notiflow/internal/delivery"
	"notiflow/internal/event"
	"notiflow/internal/observability/pprof"
	"notiflow/internal/spam"
	"notiflow/internal/storage"
	"notiflow/internal/sweep"
	"notiflow/internal/thread"
	"notiflow/internal/transport/telegram"
	logx "notiflow/pkg/logx"
)

// durationField parses a duration-string config field. Empty means unset and
// yields zero; negative durations are rejected.
func durationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// Validate rejects out-of-range or unparseable settings before any service
// sees them. It is the transactional validator used by hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.Batch.Runtime(); err != nil {
		return err
	}
	if _, err := cfg.Spam.Runtime(); err != nil {
		return err
	}
	if _, err := cfg.Thread.Runtime(); err != nil {
		return err
	}
	if _, err := cfg.Delivery.Runtime(); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := cfg.Storage.Runtime(); err != nil {
			return err
		}
	}
	if _, err := cfg.Pprof.Runtime(); err != nil {
		return err
	}
	if _, err := cfg.Telegram.Runtime(); err != nil {
		return err
	}
	return nil
}

// Runtime converts the telegram section into the adapter config.
func (c TelegramConfig) Runtime() (telegram.Config, error) {
	out := telegram.Config{Token: c.Token}
	var err error
	if out.SendTimeout, err = durationField("telegram.send_timeout", c.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// Runtime converts the pprof section into the service config.
func (c PprofConfig) Runtime() (pprof.Config, error) {
	out := pprof.Config{
		Enabled:              c.Enabled,
		Addr:                 c.Addr,
		Prefix:               c.Prefix,
		Token:                c.Token,
		AllowInsecure:        c.AllowInsecure,
		MutexProfileFraction: c.MutexProfileFraction,
		BlockProfileRate:     c.BlockProfileRate,
		MemProfileRate:       c.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = durationField("pprof.read_timeout", c.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = durationField("pprof.write_timeout", c.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = durationField("pprof.idle_timeout", c.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// Runtime converts the batch section into the engine config.
func (c BatchConfig) Runtime() (batch.Config, error) {
	var out batch.Config
	for _, raw := range c.Strategies {
		s, err := batch.ParseStrategy(raw)
		if err != nil {
			return out, fmt.Errorf("batch.strategies: %w", err)
		}
		out.Strategies = append(out.Strategies, s)
	}
	if c.MaxBatchSize < 0 || c.MaxBatchSize > 50 {
		return out, fmt.Errorf("batch.max_batch_size: %d out of range [1,50]", c.MaxBatchSize)
	}
	out.MaxBatchSize = c.MaxBatchSize
	var err error
	if out.MaxBatchAge, err = durationField("batch.max_batch_age", c.MaxBatchAge); err != nil {
		return out, err
	}
	if out.TimeWindow, err = durationField("batch.time_window", c.TimeWindow); err != nil {
		return out, err
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return out, fmt.Errorf("batch.similarity_threshold: %v out of range [0,1]", c.SimilarityThreshold)
	}
	out.SimilarityThreshold = c.SimilarityThreshold
	if c.PageSize < 0 {
		return out, fmt.Errorf("batch.page_size: must be >= 0")
	}
	out.PageSize = c.PageSize
	return out, nil
}

// Runtime converts the spam section into the guard config.
func (c SpamConfig) Runtime() (spam.Config, error) {
	out := spam.Config{
		DedupEnabled:      c.DedupEnabled,
		DedupMaxEntries:   c.DedupMaxEntries,
		PersistDedup:      c.PersistDedup,
		RateLimitEnabled:  c.RateLimitEnabled,
		MaxPerMinute:      c.MaxPerMinute,
		MaxPerHour:        c.MaxPerHour,
		BurstEnabled:      c.BurstEnabled,
		BurstThreshold:    c.BurstThreshold,
		QuietHoursEnabled: c.QuietHoursEnabled,
		QuietHoursStart:   c.QuietHoursStart,
		QuietHoursEnd:     c.QuietHoursEnd,
		DefaultTimezone:   c.DefaultTimezone,
		ChannelTimezones:  c.ChannelTimezones,
		AdaptiveFactor:    c.AdaptiveFactor,
	}

	var err error
	if out.DuplicateWindow, err = durationField("spam.duplicate_window", c.DuplicateWindow); err != nil {
		return out, err
	}
	if out.BurstWindow, err = durationField("spam.burst_window", c.BurstWindow); err != nil {
		return out, err
	}
	if out.CooldownAfterBurst, err = durationField("spam.cooldown_after_burst", c.CooldownAfterBurst); err != nil {
		return out, err
	}
	if out.QuietHoursDelay, err = durationField("spam.quiet_hours_delay", c.QuietHoursDelay); err != nil {
		return out, err
	}
	if out.BaseInterval, err = durationField("spam.base_interval", c.BaseInterval); err != nil {
		return out, err
	}
	if out.MinInterval, err = durationField("spam.min_interval", c.MinInterval); err != nil {
		return out, err
	}
	if out.MaxInterval, err = durationField("spam.max_interval", c.MaxInterval); err != nil {
		return out, err
	}
	if out.ActivityWindow, err = durationField("spam.activity_window", c.ActivityWindow); err != nil {
		return out, err
	}

	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 {
		return out, fmt.Errorf("spam.quiet_hours_start: %d out of range [0,23]", c.QuietHoursStart)
	}
	if c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return out, fmt.Errorf("spam.quiet_hours_end: %d out of range [0,23]", c.QuietHoursEnd)
	}
	if tz := c.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("spam.default_timezone: %w", err)
		}
	}
	for ch, tz := range c.ChannelTimezones {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("spam.channel_timezones[%s]: %w", ch, err)
		}
	}

	if c.TimingMode != "" {
		if out.Mode, err = spam.ParseTimingMode(c.TimingMode); err != nil {
			return out, fmt.Errorf("spam.timing_mode: %w", err)
		}
	}
	if len(c.PriorityRateLimits) > 0 {
		out.PriorityRateLimits = map[event.Priority]int{}
		for raw, n := range c.PriorityRateLimits {
			p := event.ParsePriority(raw)
			if !event.Priority(strings.ToLower(strings.TrimSpace(raw))).Valid() {
				return out, fmt.Errorf("spam.priority_rate_limits: unknown priority %q", raw)
			}
			if n <= 0 {
				return out, fmt.Errorf("spam.priority_rate_limits[%s]: must be > 0", raw)
			}
			out.PriorityRateLimits[p] = n
		}
	}
	if len(c.PriorityTimingOverrides) > 0 {
		out.PriorityTimingOverrides = map[event.Priority]time.Duration{}
		for raw, ds := range c.PriorityTimingOverrides {
			p := event.ParsePriority(raw)
			if !event.Priority(strings.ToLower(strings.TrimSpace(raw))).Valid() {
				return out, fmt.Errorf("spam.priority_timing_overrides: unknown priority %q", raw)
			}
			d, err := durationField("spam.priority_timing_overrides["+raw+"]", ds)
			if err != nil {
				return out, err
			}
			out.PriorityTimingOverrides[p] = d
		}
	}
	return out, nil
}

// Runtime converts the threading section into the manager config.
func (c ThreadConfig) Runtime() (thread.Config, error) {
	var out thread.Config
	for _, raw := range c.Strategies {
		s, err := thread.ParseStrategy(raw)
		if err != nil {
			return out, fmt.Errorf("threading.strategies: %w", err)
		}
		out.Strategies = append(out.Strategies, s)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return out, fmt.Errorf("threading.similarity_threshold: %v out of range [0,1]", c.SimilarityThreshold)
	}
	out.SimilarityThreshold = c.SimilarityThreshold
	var err error
	if out.TemporalWindow, err = durationField("threading.temporal_window", c.TemporalWindow); err != nil {
		return out, err
	}
	if out.MaxThreadAge, err = durationField("threading.max_thread_age", c.MaxThreadAge); err != nil {
		return out, err
	}
	if c.MaxMessagesPerThread < 0 {
		return out, fmt.Errorf("threading.max_messages_per_thread: must be >= 0")
	}
	out.MaxMessagesPerThread = c.MaxMessagesPerThread
	return out, nil
}

// Runtime converts the sweeps section into the sweep config. Specs are
// validated lazily by the cron parser at Start.
func (c SweepConfig) Runtime() sweep.Config {
	return sweep.Config{
		Enabled:    c.Enabled,
		BatchSpec:  c.BatchSpec,
		ThreadSpec: c.ThreadSpec,
		DedupSpec:  c.DedupSpec,
		Timezone:   c.Timezone,
	}
}

// Runtime converts the delivery section into the service config.
func (c DeliveryConfig) Runtime() (delivery.Config, error) {
	out := delivery.Config{
		Enabled:    c.Enabled,
		Workers:    c.Workers,
		QueueSize:  c.QueueSize,
		RatePerSec: c.RatePerSec,
		RetryMax:   c.RetryMax,
	}
	var err error
	if out.RetryBase, err = durationField("delivery.retry_base", c.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = durationField("delivery.retry_max_delay", c.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = durationField("delivery.send_timeout", c.SendTimeout); err != nil {
		return out, err
	}
	if len(c.Routes) > 0 {
		out.Routes = map[string]delivery.Route{}
		for ch, r := range c.Routes {
			if r.ChatID == 0 {
				return out, fmt.Errorf("delivery.routes[%s]: chat_id is required", ch)
			}
			out.Routes[ch] = delivery.Route{ChatID: r.ChatID, TopicID: r.TopicID}
		}
	}
	return out, nil
}

// Runtime converts the storage section into the store config.
func (c StorageConfig) Runtime() (storage.Config, error) {
	out := storage.Config{Driver: c.Driver, Path: c.Path}
	var err error
	if out.BusyTimeout, err = durationField("storage.busy_timeout", c.BusyTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// Runtime converts the logging section into the logx config.
func (c LoggingConfig) Runtime() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}
