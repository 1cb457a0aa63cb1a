package config

// Config is the full daemon configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	Batch    BatchConfig    `json:"batch"`
	Spam     SpamConfig     `json:"spam"`
	Thread   ThreadConfig   `json:"threading"`
	Sweep    SweepConfig    `json:"sweeps,omitempty"`
	Delivery DeliveryConfig `json:"delivery"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// SendTimeout bounds one API call.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so /profile
	// (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notiflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// BatchConfig controls digest grouping.
//
// Valid ranges: max_batch_size in [1,50], similarity_threshold in [0,1].
// An empty strategy list defaults to time-based grouping.
type BatchConfig struct {
	Strategies          []string `json:"strategies"`
	MaxBatchSize        int      `json:"max_batch_size"`
	MaxBatchAge         string   `json:"max_batch_age"`
	TimeWindow          string   `json:"time_window,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	PageSize            int      `json:"page_size,omitempty"`
}

// SpamConfig controls the prevention chain and emission timing. Each strategy
// is independently toggleable.
type SpamConfig struct {
	DedupEnabled    bool   `json:"dedup_enabled"`
	DuplicateWindow string `json:"duplicate_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	RateLimitEnabled   bool           `json:"rate_limit_enabled"`
	MaxPerMinute       int            `json:"max_per_minute,omitempty"`
	MaxPerHour         int            `json:"max_per_hour,omitempty"`
	PriorityRateLimits map[string]int `json:"priority_rate_limits,omitempty"`

	BurstEnabled       bool   `json:"burst_enabled"`
	BurstThreshold     int    `json:"burst_threshold,omitempty"`
	BurstWindow        string `json:"burst_window,omitempty"`
	CooldownAfterBurst string `json:"cooldown_after_burst,omitempty"`

	QuietHoursEnabled bool              `json:"quiet_hours_enabled"`
	QuietHoursStart   int               `json:"quiet_hours_start,omitempty"` // hour [0,23]
	QuietHoursEnd     int               `json:"quiet_hours_end,omitempty"`
	QuietHoursDelay   string            `json:"quiet_hours_delay,omitempty"`
	DefaultTimezone   string            `json:"default_timezone,omitempty"`
	ChannelTimezones  map[string]string `json:"channel_timezones,omitempty"`

	TimingMode              string            `json:"timing_mode,omitempty"` // immediate|fixed|adaptive
	BaseInterval            string            `json:"base_interval,omitempty"`
	MinInterval             string            `json:"min_interval,omitempty"`
	MaxInterval             string            `json:"max_interval,omitempty"`
	AdaptiveFactor          float64           `json:"adaptive_factor,omitempty"`
	ActivityWindow          string            `json:"activity_window,omitempty"`
	PriorityTimingOverrides map[string]string `json:"priority_timing_overrides,omitempty"`
}

// ThreadConfig controls conversation threading.
type ThreadConfig struct {
	Strategies           []string `json:"strategies"`
	SimilarityThreshold  float64  `json:"similarity_threshold,omitempty"`
	TemporalWindow       string   `json:"temporal_window,omitempty"`
	MaxThreadAge         string   `json:"max_thread_age,omitempty"`
	MaxMessagesPerThread int      `json:"max_messages_per_thread,omitempty"`
}

// SweepConfig schedules the periodic maintenance jobs (cron specs).
type SweepConfig struct {
	Enabled    bool   `json:"enabled"`
	BatchSpec  string `json:"batch_spec,omitempty"`
	ThreadSpec string `json:"thread_spec,omitempty"`
	DedupSpec  string `json:"dedup_spec,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// DeliveryConfig controls the outbound worker pool and channel routing.
type DeliveryConfig struct {
	Enabled       bool                   `json:"enabled"`
	Workers       int                    `json:"workers,omitempty"`
	QueueSize     int                    `json:"queue_size,omitempty"`
	RatePerSec    int                    `json:"rate_per_sec,omitempty"`
	RetryMax      int                    `json:"retry_max,omitempty"`
	RetryBase     string                 `json:"retry_base,omitempty"`
	RetryMaxDelay string                 `json:"retry_max_delay,omitempty"`
	SendTimeout   string                 `json:"send_timeout,omitempty"`
	Routes        map[string]RouteConfig `json:"routes"`
}

type RouteConfig struct {
	ChatID  int64 `json:"chat_id"`
	TopicID int   `json:"topic_id,omitempty"`
}
