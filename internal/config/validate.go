package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "deepscrub/pkg/logx"
)

// CronParser accepts standard 5-field specs, an optional leading seconds field
// and descriptors such as "@daily" or "@every 6h".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks field-level constraints. It never mutates c.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	s := c.Scrub
	if s.MaxConcurrent < 0 {
		add(errors.New("scrub.max_concurrent must be >= 0"))
	}
	if s.MaxConcurrentWeekend != nil && *s.MaxConcurrentWeekend < 0 {
		add(errors.New("scrub.max_concurrent_weekend must be >= 0"))
	}
	if s.Window.StartHour < 0 || s.Window.StartHour > 24 {
		add(fmt.Errorf("scrub.window.start_hour: %d out of range 0-24", s.Window.StartHour))
	}
	if s.Window.EndHour < 0 || s.Window.EndHour > 24 {
		add(fmt.Errorf("scrub.window.end_hour: %d out of range 0-24", s.Window.EndHour))
	}
	if tz := strings.TrimSpace(s.Window.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scrub.window.timezone: invalid %q: %w", tz, err))
		}
	}
	if s.LaunchRatePerSec < 0 {
		add(errors.New("scrub.launch_rate_per_sec must be >= 0"))
	}
	for i, id := range s.Exclude {
		if strings.TrimSpace(id) == "" {
			add(fmt.Errorf("scrub.exclude[%d]: empty pgid", i))
		}
	}

	durations := []struct{ path, raw string }{
		{"scrub.interval", s.Interval},
		{"scrub.staleness_age", s.StalenessAge},
		{"scrub.window_backoff", s.WindowBackoff},
		{"scrub.saturated_backoff", s.SaturatedBackoff},
		{"scrub.error_backoff", s.ErrorBackoff},
		{"ceph.snapshot_timeout", c.Ceph.SnapshotTimeout},
		{"ceph.launch_timeout", c.Ceph.LaunchTimeout},
		{"metrics.timeout", c.Metrics.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.retention", c.Storage.Retention},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if t := c.Logging.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("logging.telegram.token is required when enabled"))
		}
		if t.ChatID == 0 {
			add(errors.New("logging.telegram.chat_id is required when enabled"))
		}
		if t.MinLevel != "" && !logx.ValidLevel(t.MinLevel) {
			add(fmt.Errorf("logging.telegram.min_level: unknown level %q", t.MinLevel))
		}
	}

	switch driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); driver {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if spec := strings.TrimSpace(c.Storage.PruneSchedule); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			add(fmt.Errorf("storage.prune_schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}
