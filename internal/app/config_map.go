package app

import (
	"fmt"
	"strings"
	"time"

	"deepscrub/internal/cluster"
	"deepscrub/internal/config"
	"deepscrub/internal/metrics"
	"deepscrub/internal/ops"
	"deepscrub/internal/scrub"
	"deepscrub/internal/storage"
	"deepscrub/internal/transport/telegram"
	logx "deepscrub/pkg/logx"
)

// mapPolicy converts the scrub section into the controller policy. It is used
// both at startup and on every hot reload.
func mapPolicy(cfg *config.Config) (scrub.Policy, error) {
	if cfg == nil {
		return scrub.DefaultPolicy(), nil
	}
	s := cfg.Scrub
	p := scrub.DefaultPolicy()
	p.MaxConcurrent = s.MaxConcurrent
	if s.MaxConcurrentWeekend != nil {
		v := *s.MaxConcurrentWeekend
		p.MaxConcurrentWeekend = &v
	}

	var err error
	if p.Interval, err = config.ParseDurationOrDefault("scrub.interval", s.Interval, 0); err != nil {
		return scrub.Policy{}, err
	}
	if p.StalenessAge, err = config.ParseDurationOrDefault("scrub.staleness_age", s.StalenessAge, p.StalenessAge); err != nil {
		return scrub.Policy{}, err
	}
	if p.WindowBackoff, err = config.ParseDurationOrDefault("scrub.window_backoff", s.WindowBackoff, p.WindowBackoff); err != nil {
		return scrub.Policy{}, err
	}
	if p.SaturatedBackoff, err = config.ParseDurationOrDefault("scrub.saturated_backoff", s.SaturatedBackoff, p.SaturatedBackoff); err != nil {
		return scrub.Policy{}, err
	}
	if p.ErrorBackoff, err = config.ParseDurationOrDefault("scrub.error_backoff", s.ErrorBackoff, p.ErrorBackoff); err != nil {
		return scrub.Policy{}, err
	}

	loc, err := time.LoadLocation(strings.TrimSpace(s.Window.Timezone))
	if err != nil {
		return scrub.Policy{}, fmt.Errorf("scrub.window.timezone: %w", err)
	}
	p.Window = scrub.Window{StartHour: s.Window.StartHour, EndHour: s.Window.EndHour, Location: loc}

	p.Exclude = make(map[string]struct{}, len(s.Exclude))
	for _, id := range s.Exclude {
		if id = strings.TrimSpace(id); id != "" {
			p.Exclude[id] = struct{}{}
		}
	}
	return p, nil
}

func mapCephConfig(cfg *config.Config) (cluster.Config, error) {
	c := cfg.Ceph
	snap, err := config.ParseDurationOrDefault("ceph.snapshot_timeout", c.SnapshotTimeout, 60*time.Second)
	if err != nil {
		return cluster.Config{}, err
	}
	launch, err := config.ParseDurationOrDefault("ceph.launch_timeout", c.LaunchTimeout, 30*time.Second)
	if err != nil {
		return cluster.Config{}, err
	}
	return cluster.Config{
		Binary:          strings.TrimSpace(c.Binary),
		Conf:            strings.TrimSpace(c.Conf),
		ID:              strings.TrimSpace(c.ID),
		Keyring:         strings.TrimSpace(c.Keyring),
		SnapshotTimeout: snap,
		LaunchTimeout:   launch,
	}, nil
}

// mapMetricSinks builds the sink fanout. Prometheus is always collected so the
// ops server can expose it; graphite is added only with a prefix.
func mapMetricSinks(cfg *config.Config, prom *metrics.Prometheus, log logx.Logger) (metrics.Sink, error) {
	sinks := []metrics.Sink{prom}
	if prefix := strings.TrimSpace(cfg.Metrics.Prefix); prefix != "" {
		timeout, err := config.ParseDurationOrDefault("metrics.timeout", cfg.Metrics.Timeout, 2*time.Second)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, metrics.NewGraphite(strings.TrimSpace(cfg.Metrics.GraphiteAddr), prefix, timeout))
	}
	return metrics.NewFanout(log, sinks...), nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// housekeepingConfig drives the history retention job.
type housekeepingConfig struct {
	Schedule  string
	Retention time.Duration
	Location  *time.Location
}

func mapHousekeepingConfig(cfg *config.Config) (housekeepingConfig, error) {
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, 30*24*time.Hour)
	if err != nil {
		return housekeepingConfig{}, err
	}
	spec := strings.TrimSpace(cfg.Storage.PruneSchedule)
	if spec == "" {
		spec = config.DefaultPruneSchedule
	}
	if _, err := config.CronParser.Parse(spec); err != nil {
		return housekeepingConfig{}, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Scrub.Window.Timezone))
	if err != nil {
		loc = time.UTC
	}
	return housekeepingConfig{Schedule: spec, Retention: retention, Location: loc}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	oc := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}
	if err := oc.Validate(); err != nil {
		return ops.Config{}, fmt.Errorf("ops.addr: %w", err)
	}
	return oc, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Logging.Telegram
	return telegram.Config{
		Token:    strings.TrimSpace(t.Token),
		ChatID:   t.ChatID,
		ThreadID: t.ThreadID,
	}
}
