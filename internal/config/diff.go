package config

import (
	"reflect"
	"sort"
	"strings"

	logx "deepscrub/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{"ceph": true, "metrics": true, "storage": true, "ops": true}

// RequiresRestart reports whether a changed section is not hot-reloadable.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the changed sections and safe structured attrs
// for logging. Secrets (tokens) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Scrub, newCfg.Scrub) {
		s := newCfg.Scrub
		changed = append(changed, "scrub")
		weekend := s.MaxConcurrent
		if s.MaxConcurrentWeekend != nil {
			weekend = *s.MaxConcurrentWeekend
		}
		attrs = append(attrs,
			logx.Int("scrub.max_concurrent", s.MaxConcurrent),
			logx.Int("scrub.max_concurrent_weekend", weekend),
			logx.String("scrub.interval", s.Interval),
			logx.String("scrub.staleness_age", s.StalenessAge),
			logx.Int("scrub.window.start_hour", s.Window.StartHour),
			logx.Int("scrub.window.end_hour", s.Window.EndHour),
			logx.String("scrub.window.timezone", s.Window.Timezone),
			logx.Int("scrub.exclude_count", len(s.Exclude)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ceph, newCfg.Ceph) {
		changed = append(changed, "ceph")
		attrs = append(attrs,
			logx.String("ceph.binary", newCfg.Ceph.Binary),
			logx.String("ceph.conf", newCfg.Ceph.Conf),
			logx.Bool("ceph.keyring_set", strings.TrimSpace(newCfg.Ceph.Keyring) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.String("metrics.prefix", newCfg.Metrics.Prefix),
			logx.String("metrics.graphite_addr", newCfg.Metrics.GraphiteAddr),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level || ol.Console != nl.Console || ol.File != nl.File ||
		ol.Telegram.Enabled != nl.Telegram.Enabled ||
		ol.Telegram.ChatID != nl.Telegram.ChatID ||
		ol.Telegram.ThreadID != nl.Telegram.ThreadID ||
		ol.Telegram.MinLevel != nl.Telegram.MinLevel ||
		ol.Telegram.RatePerSec != nl.Telegram.RatePerSec ||
		ol.Telegram.Token != nl.Telegram.Token {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
			logx.Bool("logging.telegram_token_set", strings.TrimSpace(nl.Telegram.Token) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.retention", newCfg.Storage.Retention),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
