package config

// Config is the on-disk configuration. Every section is optional; Defaults fills
// the gaps and the command line can override the historical flags.
type Config struct {
	Scrub   ScrubConfig   `json:"scrub"`
	Ceph    CephConfig    `json:"ceph"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Ops     OpsConfig     `json:"ops"`
}

// ScrubConfig is the admission policy. It is the only section applied on hot reload.
//
// All durations are Go duration strings (e.g. "30s", "2m", "336h").
type ScrubConfig struct {
	MaxConcurrent int `json:"max_concurrent"`
	// MaxConcurrentWeekend is a pointer so an explicit 0 (no weekend scrubbing)
	// differs from "use max_concurrent".
	MaxConcurrentWeekend *int `json:"max_concurrent_weekend,omitempty"`

	// Interval between normal cycles. "0s" runs a single cycle and exits.
	Interval     string       `json:"interval,omitempty"`
	StalenessAge string       `json:"staleness_age,omitempty"`
	Window       WindowConfig `json:"window"`
	Exclude      []string     `json:"exclude,omitempty"`

	WindowBackoff    string `json:"window_backoff,omitempty"`
	SaturatedBackoff string `json:"saturated_backoff,omitempty"`
	ErrorBackoff     string `json:"error_backoff,omitempty"`

	LaunchRatePerSec float64 `json:"launch_rate_per_sec,omitempty"`
}

// WindowConfig bounds the hours in which new deep scrubs may start.
// end_hour < start_hour wraps past midnight; equal values allow a single hour.
type WindowConfig struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"` // IANA name, default UTC
}

type CephConfig struct {
	Binary          string `json:"binary,omitempty"` // default: "ceph"
	Conf            string `json:"conf,omitempty"`
	ID              string `json:"id,omitempty"`
	Keyring         string `json:"keyring,omitempty"`
	SnapshotTimeout string `json:"snapshot_timeout,omitempty"`
	LaunchTimeout   string `json:"launch_timeout,omitempty"`
}

// MetricsConfig controls the graphite sink. An empty prefix disables it.
type MetricsConfig struct {
	Prefix       string `json:"prefix,omitempty"`
	GraphiteAddr string `json:"graphite_addr,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional scrub history journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/deepscrub/history.db" }
type StorageConfig struct {
	Driver        string `json:"driver,omitempty"` // none|file|sqlite
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec
}

// OpsConfig controls the status/metrics/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9284").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
