package config

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestDefaultMatchesHistoricalFlags(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if cfg.Scrub.MaxConcurrent != 2 || cfg.Scrub.MaxConcurrentWeekend != nil {
		t.Fatalf("caps = %d/%v", cfg.Scrub.MaxConcurrent, cfg.Scrub.MaxConcurrentWeekend)
	}
	if cfg.Scrub.StalenessAge != "336h" || cfg.Scrub.Interval != "0s" {
		t.Fatalf("age/interval = %s/%s", cfg.Scrub.StalenessAge, cfg.Scrub.Interval)
	}
	if cfg.Scrub.Window.StartHour != 0 || cfg.Scrub.Window.EndHour != 24 {
		t.Fatalf("window = %+v", cfg.Scrub.Window)
	}
	if cfg.Ceph.Binary != "ceph" || cfg.Ceph.Conf != "/etc/ceph/ceph.conf" || cfg.Metrics.GraphiteAddr != "127.0.0.1:2003" || cfg.Metrics.Prefix != "" {
		t.Fatalf("ceph/metrics = %+v %+v", cfg.Ceph, cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(default) = %v", err)
	}
}

func TestParseJSONKeepsDefaultsForOmittedFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"scrub": {"max_concurrent_weekend": 0, "window": {"start_hour": 22}}}`)
	cfg, err := NewConfigManager(p, Overrides{}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scrub.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent = %d, want default 2", cfg.Scrub.MaxConcurrent)
	}
	if cfg.Scrub.MaxConcurrentWeekend == nil || *cfg.Scrub.MaxConcurrentWeekend != 0 {
		t.Fatalf("explicit weekend 0 lost: %v", cfg.Scrub.MaxConcurrentWeekend)
	}
	if cfg.Scrub.Window.StartHour != 22 || cfg.Scrub.Window.EndHour != 24 {
		t.Fatalf("window = %+v", cfg.Scrub.Window)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
scrub:
  max_concurrent: 3
  interval: 5m
  exclude: ["11.22", "2.2e4"]
ceph:
  conf: /etc/ceph/ceph.conf
storage:
  driver: file
  path: /tmp/history
`)
	cfg, err := NewConfigManager(p, Overrides{}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scrub.MaxConcurrent != 3 || cfg.Scrub.Interval != "5m" || len(cfg.Scrub.Exclude) != 2 {
		t.Fatalf("scrub = %+v", cfg.Scrub)
	}
	if cfg.Scrub.Exclude[1] != "2.2e4" {
		t.Fatalf("pgid coerced: %q", cfg.Scrub.Exclude[1])
	}
	if cfg.Ceph.Conf != "/etc/ceph/ceph.conf" || cfg.Storage.Driver != "file" {
		t.Fatalf("ceph/storage = %+v %+v", cfg.Ceph, cfg.Storage)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"scrub": {"max_scrubs": 1}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.json", `{"scrub": {"interval": "soon"}}`, "scrub.interval"},
		{"negative cap", "c.json", `{"scrub": {"max_concurrent": -1}}`, "max_concurrent"},
		{"hour range", "c.yaml", "scrub:\n  window:\n    end_hour: 25\n", "end_hour"},
		{"timezone", "c.json", `{"scrub": {"window": {"timezone": "Mars/Olympus"}}}`, "timezone"},
		{"storage driver", "c.json", `{"storage": {"driver": "postgres"}}`, "storage.driver"},
		{"sqlite path", "c.json", `{"storage": {"driver": "sqlite"}}`, "storage.path"},
		{"telegram target", "c.json", `{"logging": {"telegram": {"enabled": true, "token": "x"}}}`, "chat_id"},
		{"log level", "c.json", `{"logging": {"level": "LOUD"}}`, "logging.level"},
		{"file path", "c.json", `{"storage": {"driver": "file"}}`, "storage.path"},
		{"prune schedule", "c.json", `{"storage": {"prune_schedule": "every tuesday"}}`, "storage.prune_schedule"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, tt.file, tt.body)
			_, err := NewConfigManager(p, Overrides{}).Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEmptyPathServesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("", Overrides{})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg || cfg.Scrub.MaxConcurrent != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"scrub": {"max_concurrent": 4, "interval": "1m"}, "metrics": {"prefix": "file"}}`)

	fs := flag.NewFlagSet("deepscrub", flag.ContinueOnError)
	collect := RegisterFlags(fs)
	args := []string{"-max-scrubs", "1", "-max-scrubs-weekend", "6", "-sleep", "90", "-age", "7",
		"-start-hour", "22", "-end-hour", "4", "-graphite-prefix", "ceph.prod", "-conf", "/etc/ceph/x.conf"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flags: %v", err)
	}
	o := collect()
	if o.GraphiteAddr != nil || o.LogLevel != nil {
		t.Fatal("unset flags must stay nil")
	}

	cfg, err := NewConfigManager(p, o).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Scrub
	if s.MaxConcurrent != 1 || s.MaxConcurrentWeekend == nil || *s.MaxConcurrentWeekend != 6 {
		t.Fatalf("caps = %d/%v", s.MaxConcurrent, s.MaxConcurrentWeekend)
	}
	if s.Interval != "1m30s" || s.StalenessAge != "168h" {
		t.Fatalf("interval/age = %s/%s", s.Interval, s.StalenessAge)
	}
	if s.Window.StartHour != 22 || s.Window.EndHour != 4 {
		t.Fatalf("window = %+v", s.Window)
	}
	if cfg.Metrics.Prefix != "ceph.prod" || cfg.Ceph.Conf != "/etc/ceph/x.conf" {
		t.Fatalf("metrics/ceph = %+v %+v", cfg.Metrics, cfg.Ceph)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("identical configs differ: %v", sections)
	}

	b.Scrub.Exclude = []string{"1.0"}
	b.Ops.Token = "secret"
	b.Logging.Level = "DEBUG"
	sections, attrs := SummarizeConfigChange(a, b)
	if got := strings.Join(sections, ","); got != "logging,ops,scrub" {
		t.Fatalf("sections = %s", got)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if RequiresRestart("scrub") || !RequiresRestart("ops") {
		t.Fatal("restart classification")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"scrub": {"max_concurrent": 2}}`)
	m := NewConfigManager(p, Overrides{})
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register, then write an invalid and a valid version.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"scrub": {"max_concurrent": -3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"scrub": {"max_concurrent": 5}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Scrub.MaxConcurrent != 5 {
			t.Fatalf("published max_concurrent = %d, want 5", cfg.Scrub.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Scrub.MaxConcurrent != 5 {
		t.Fatal("committed config not updated")
	}
}
