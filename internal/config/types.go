package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "1m") and are parsed by the Resolve helpers.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Source    SourceConfig    `json:"source"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Extractor ExtractorConfig `json:"extractor,omitempty"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`

	// Broadcast is optional; nil disables NATS publishing.
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	Pprof     *PprofConfig     `json:"pprof,omitempty"`
}

// HTTPConfig controls the API listener.
//
// TriggerSecret guards the trigger and cancellation endpoints. An empty
// secret rejects every request to them.
type HTTPConfig struct {
	Addr          string `json:"addr" validate:"required,hostname_port"`
	TriggerSecret string `json:"trigger_secret,omitempty"` // do not log
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alertdesk.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// SourceConfig selects where raw messages come from.
type SourceConfig struct {
	Kind       string `json:"kind" validate:"omitempty,oneof=http telegram"`
	BaseURL    string `json:"base_url,omitempty" validate:"omitempty,url"`
	APIKey     string `json:"api_key,omitempty"` // do not log
	Token      string `json:"token,omitempty"`   // telegram; do not log
	APIURL     string `json:"api_url,omitempty" validate:"omitempty,url"`
	BatchLimit int    `json:"batch_limit,omitempty" validate:"gte=0"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls the polling loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s"
//   - tick_timeout: "25s"
//   - lock_ttl: "1m"
//   - startup_spread: "0s" (first tick runs one interval after start)
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Interval      string `json:"interval,omitempty"`
	TickTimeout   string `json:"tick_timeout,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`

	// RedisURL enables the cross-process tick lock.
	RedisURL string `json:"redis_url,omitempty"` // do not log
	LockTTL  string `json:"lock_ttl,omitempty"`
}

type ExtractorConfig struct {
	CancellationPrefix string  `json:"cancellation_prefix,omitempty"`
	CabinetPattern     string  `json:"cabinet_pattern,omitempty"`
	IgnoreChats        []int64 `json:"ignore_chats,omitempty"`
}

// AlertsConfig controls per-client alert sessions.
type AlertsConfig struct {
	SessionPoll string `json:"session_poll,omitempty"`
	ExpireAfter string `json:"expire_after,omitempty"`
}

type BroadcastConfig struct {
	NATSURL string `json:"nats_url" validate:"required"` // do not log
	Subject string `json:"subject,omitempty"`
}

// PprofConfig enables a separate profiling listener.
//
// Prefer a loopback addr (default "127.0.0.1:6060"); a non-loopback addr
// needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
