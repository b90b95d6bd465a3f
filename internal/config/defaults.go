package config

import "strings"

const (
	DefaultMaxConcurrent    = 2
	DefaultStalenessAge     = "336h"
	DefaultWindowBackoff    = "2m"
	DefaultSaturatedBackoff = "30s"
	DefaultErrorBackoff     = "30s"

	DefaultCephBinary      = "ceph"
	DefaultCephConf        = "/etc/ceph/ceph.conf"
	DefaultSnapshotTimeout = "60s"
	DefaultLaunchTimeout   = "30s"

	DefaultGraphiteAddr    = "127.0.0.1:2003"
	DefaultGraphiteTimeout = "2s"

	DefaultLogPath = "./ceph_deep_scrub.log"

	DefaultRetention     = "720h"
	DefaultPruneSchedule = "@daily"

	DefaultOpsAddr = "127.0.0.1:9284"
)

// Default returns a config equivalent to running the tool with no flags.
func Default() *Config {
	cfg := &Config{
		Scrub: ScrubConfig{
			MaxConcurrent: DefaultMaxConcurrent,
			Window:        WindowConfig{StartHour: 0, EndHour: 24},
		},
		Logging: LoggingConfig{Level: "INFO", Console: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills blank string fields. Files are decoded on top of Default(),
// so omitted numeric fields keep their defaults while an explicit
// "max_concurrent: 0" still means "start nothing".
func (c *Config) ApplyDefaults() {
	def := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}
	def(&c.Scrub.Interval, "0s")
	def(&c.Scrub.StalenessAge, DefaultStalenessAge)
	def(&c.Scrub.WindowBackoff, DefaultWindowBackoff)
	def(&c.Scrub.SaturatedBackoff, DefaultSaturatedBackoff)
	def(&c.Scrub.ErrorBackoff, DefaultErrorBackoff)
	def(&c.Scrub.Window.Timezone, "UTC")

	def(&c.Ceph.Binary, DefaultCephBinary)
	def(&c.Ceph.Conf, DefaultCephConf)
	def(&c.Ceph.SnapshotTimeout, DefaultSnapshotTimeout)
	def(&c.Ceph.LaunchTimeout, DefaultLaunchTimeout)

	def(&c.Metrics.GraphiteAddr, DefaultGraphiteAddr)
	def(&c.Metrics.Timeout, DefaultGraphiteTimeout)

	def(&c.Logging.Level, "INFO")
	if c.Logging.File.Enabled {
		def(&c.Logging.File.Path, DefaultLogPath)
	}
	def(&c.Logging.Telegram.MinLevel, "ERROR")

	def(&c.Storage.Driver, "none")
	def(&c.Storage.Retention, DefaultRetention)
	def(&c.Storage.PruneSchedule, DefaultPruneSchedule)

	def(&c.Ops.Addr, DefaultOpsAddr)
}
