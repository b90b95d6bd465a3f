package config

import (
	"flag"
	"strings"
	"time"
)

// Overrides are the historical command line flags. A nil field was not given on
// the command line and leaves the config file value alone.
type Overrides struct {
	MaxScrubs        *int
	MaxScrubsWeekend *int
	SleepSeconds     *int
	AgeDays          *int
	StartHour        *int
	EndHour          *int
	CephConf         *string
	GraphitePrefix   *string
	GraphiteAddr     *string
	LogLevel         *string
	LogFile          *string
}

// RegisterFlags binds the overrides to fs. Only flags actually set end up non-nil
// after Collect.
func RegisterFlags(fs *flag.FlagSet) func() Overrides {
	var (
		maxScrubs        = fs.Int("max-scrubs", DefaultMaxConcurrent, "maximum number of deep scrubs to run simultaneously")
		maxScrubsWeekend = fs.Int("max-scrubs-weekend", DefaultMaxConcurrent, "maximum number of deep scrubs on Saturday and Sunday")
		sleep            = fs.Int("sleep", 0, "seconds between cycles; 0 runs a single cycle")
		age              = fs.Int("age", 14, "deep scrub placement groups not deep scrubbed in this many days")
		startHour        = fs.Int("start-hour", 0, "first hour (0-23) in which deep scrubs may start")
		endHour          = fs.Int("end-hour", 24, "last hour in which deep scrubs may start; lower than start-hour wraps midnight")
		conf             = fs.String("conf", DefaultCephConf, "ceph configuration file")
		prefix           = fs.String("graphite-prefix", "", "graphite metric prefix; empty disables graphite")
		addr             = fs.String("graphite-addr", DefaultGraphiteAddr, "graphite plaintext host:port")
		level            = fs.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
		logFile          = fs.String("log-file", "", "also write JSON logs to this file")
	)
	return func() Overrides {
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

		var o Overrides
		pickInt := func(name string, v *int) *int {
			if set[name] {
				return v
			}
			return nil
		}
		pickStr := func(name string, v *string) *string {
			if set[name] {
				return v
			}
			return nil
		}
		o.MaxScrubs = pickInt("max-scrubs", maxScrubs)
		o.MaxScrubsWeekend = pickInt("max-scrubs-weekend", maxScrubsWeekend)
		o.SleepSeconds = pickInt("sleep", sleep)
		o.AgeDays = pickInt("age", age)
		o.StartHour = pickInt("start-hour", startHour)
		o.EndHour = pickInt("end-hour", endHour)
		o.CephConf = pickStr("conf", conf)
		o.GraphitePrefix = pickStr("graphite-prefix", prefix)
		o.GraphiteAddr = pickStr("graphite-addr", addr)
		o.LogLevel = pickStr("log-level", level)
		o.LogFile = pickStr("log-file", logFile)
		return o
	}
}

// Apply writes every given override into c.
func (o Overrides) Apply(c *Config) {
	if c == nil {
		return
	}
	if o.MaxScrubs != nil {
		c.Scrub.MaxConcurrent = *o.MaxScrubs
	}
	if o.MaxScrubsWeekend != nil {
		v := *o.MaxScrubsWeekend
		c.Scrub.MaxConcurrentWeekend = &v
	}
	if o.SleepSeconds != nil {
		c.Scrub.Interval = (time.Duration(*o.SleepSeconds) * time.Second).String()
	}
	if o.AgeDays != nil {
		c.Scrub.StalenessAge = Days(*o.AgeDays)
	}
	if o.StartHour != nil {
		c.Scrub.Window.StartHour = *o.StartHour
	}
	if o.EndHour != nil {
		c.Scrub.Window.EndHour = *o.EndHour
	}
	if o.CephConf != nil {
		c.Ceph.Conf = strings.TrimSpace(*o.CephConf)
	}
	if o.GraphitePrefix != nil {
		c.Metrics.Prefix = strings.TrimSpace(*o.GraphitePrefix)
	}
	if o.GraphiteAddr != nil {
		c.Metrics.GraphiteAddr = strings.TrimSpace(*o.GraphiteAddr)
	}
	if o.LogLevel != nil {
		c.Logging.Level = strings.TrimSpace(*o.LogLevel)
	}
	if o.LogFile != nil && strings.TrimSpace(*o.LogFile) != "" {
		c.Logging.File.Enabled = true
		c.Logging.File.Path = strings.TrimSpace(*o.LogFile)
	}
}
