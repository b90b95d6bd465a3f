package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deepscrub/internal/metrics"
	rtsup "deepscrub/internal/runtime/supervisor"
	"deepscrub/internal/scrub"
	"deepscrub/internal/storage"
	logx "deepscrub/pkg/logx"
)

type staticStatus scrub.Status

func (s staticStatus) Status() scrub.Status { return scrub.Status(s) }

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, Deps{}, logx.Nop()).Handler()

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", "s3cret"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("bearer: %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/healthz?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	st := staticStatus{
		WindowOpen: true,
		Cap:        2,
		InFlight:   []scrub.InFlight{{PGID: "1.a", StartedAt: started}},
		Last:       &scrub.CycleSummary{Cycle: "c1", Outcome: scrub.OutcomeScheduled, Launched: 1},
	}
	tasks := func() []rtsup.TaskStats { return []rtsup.TaskStats{{Name: "scrub.controller", Running: true}} }
	h := New(Config{}, Deps{Status: st, Tasks: tasks}, logx.Nop()).Handler()

	rec := get(t, h, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body struct {
		WindowOpen bool `json:"window_open"`
		InFlight   []struct {
			PGID string `json:"pgid"`
		} `json:"in_flight"`
		Last struct {
			Outcome string `json:"outcome"`
		} `json:"last_cycle"`
		Tasks []struct {
			Name string `json:"name"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.WindowOpen || len(body.InFlight) != 1 || body.InFlight[0].PGID != "1.a" {
		t.Fatalf("body = %+v", body)
	}
	if body.Last.Outcome != "scheduled" || len(body.Tasks) != 1 {
		t.Fatalf("body = %+v", body)
	}

	if rec := get(t, New(Config{}, Deps{}, logx.Nop()).Handler(), "/status", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without controller = %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"1.0", "1.1", "1.2"} {
		_ = st.Append(ctx, storage.Event{At: base.Add(time.Duration(i) * time.Minute), Kind: storage.EventLaunched, PGID: id})
	}

	h := New(Config{}, Deps{History: st}, logx.Nop()).Handler()
	rec := get(t, h, "/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var events []storage.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 || events[0].PGID != "1.2" {
		t.Fatalf("events = %+v", events)
	}

	if rec := get(t, h, "/history?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec := get(t, New(Config{}, Deps{}, logx.Nop()).Handler(), "/history", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled history = %d", rec.Code)
	}
}

func TestMetricsAndPprof(t *testing.T) {
	t.Parallel()
	prom := metrics.NewPrometheus()
	prom.CycleFinished("scheduled")
	h := New(Config{}, Deps{Metrics: prom.Handler()}, logx.Nop()).Handler()

	rec := get(t, h, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `outcome="scheduled"`) {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled public", Config{Addr: "0.0.0.0:9284"}, false},
		{"default addr", Config{Enabled: true}, false},
		{"loopback v4", Config{Enabled: true, Addr: "127.0.0.1:9284"}, false},
		{"loopback v6", Config{Enabled: true, Addr: "[::1]:9284"}, false},
		{"localhost", Config{Enabled: true, Addr: "localhost:9284"}, false},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:9284", Token: "s"}, false},
		{"public allow insecure", Config{Enabled: true, Addr: ":9284", AllowInsecure: true}, false},
		{"public", Config{Enabled: true, Addr: "0.0.0.0:9284"}, true},
		{"all interfaces", Config{Enabled: true, Addr: ":9284"}, true},
		{"blank token", Config{Enabled: true, Addr: "10.0.0.5:9284", Token: "  "}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInsecureBind) {
				t.Fatalf("Validate() = %v, want ErrInsecureBind", err)
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("server still bound after Stop")
	}
}
