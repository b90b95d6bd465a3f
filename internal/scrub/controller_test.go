package scrub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"deepscrub/internal/cluster"
	"deepscrub/internal/metrics"
	"deepscrub/internal/storage"
	logx "deepscrub/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	snapshots [][]cluster.Unit
	snapErr   error
	failPG    map[string]bool

	snapCalls int
	started   []string
}

func (f *fakeClient) Snapshot(context.Context) ([]cluster.Unit, error) {
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	i := f.snapCalls - 1
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	return f.snapshots[i], nil
}

func (f *fakeClient) StartDeepScrub(_ context.Context, pgid string) (string, error) {
	f.started = append(f.started, pgid)
	if f.failPG[pgid] {
		return "Error ENOENT", &cluster.LaunchError{PGID: pgid, Output: "Error ENOENT", Err: errors.New("exit status 2")}
	}
	return "instructing pg " + pgid + " on osd.1 to deep-scrub", nil
}

type recordSink struct{ samples []metrics.Sample }

func (r *recordSink) Emit(_ context.Context, s metrics.Sample) error {
	r.samples = append(r.samples, s)
	return errors.New("graphite down")
}

func (r *recordSink) keys() []string {
	out := make([]string, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Key
	}
	return out
}

type memHistory struct{ events []storage.Event }

func (m *memHistory) Append(_ context.Context, e storage.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memHistory) Recent(context.Context, int) ([]storage.Event, error) { return m.events, nil }

func (m *memHistory) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memHistory) Close() error { return nil }

func testPolicy() Policy {
	p := DefaultPolicy()
	p.MaxConcurrent = 2
	p.Interval = 10 * time.Minute
	return p
}

func TestRunCycleSchedulesAndEmits(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: testNow}
	client := &fakeClient{snapshots: [][]cluster.Unit{{
		idle("1.0", daysAgo(30), 1, 2),
		idle("1.1", daysAgo(20), 3, 4),
		idle("1.2", daysAgo(1), 5, 6),
		idle("1.3", daysAgo(40), 1, 7),
	}}}
	sink := &recordSink{}
	hist := &memHistory{}
	var buf bytes.Buffer

	c := New(testPolicy(), Deps{Client: client, Sink: sink, History: hist, Clock: clk}, logx.NewWriter(&buf, "debug"))
	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Outcome != OutcomeScheduled || res.Launched != 2 {
		t.Fatalf("result = %+v", res)
	}
	// 1.3 is oldest, 1.0 shares osd.1 with it, 1.1 is next.
	if got := strings.Join(client.started, ","); got != "1.3,1.1" {
		t.Fatalf("started = %s", got)
	}
	if got := strings.Join(sink.keys(), ","); got != metrics.KeyStale+","+metrics.KeyStalePercent {
		t.Fatalf("samples = %s", got)
	}
	if sink.samples[0].Value != 3 || sink.samples[1].Value != 75 {
		t.Fatalf("stale samples = %+v", sink.samples)
	}
	if len(hist.events) != 2 || hist.events[0].Kind != storage.EventLaunched || hist.events[0].Cycle != res.Cycle {
		t.Fatalf("history = %+v", hist.events)
	}
	if !strings.Contains(buf.String(), `"cycle":"`+res.Cycle+`"`) {
		t.Fatalf("log lines missing cycle id: %s", buf.String())
	}
}

func TestRunCycleOutsideWindowSkipsSnapshot(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)}
	client := &fakeClient{}
	p := testPolicy()
	p.Window = Window{StartHour: 22, EndHour: 4}

	c := New(p, Deps{Client: client, Clock: clk}, logx.Nop())
	res, err := c.RunCycle(context.Background())
	if err != nil || res.Outcome != OutcomeOutsideWindow {
		t.Fatalf("RunCycle = %+v, %v", res, err)
	}
	if client.snapCalls != 0 {
		t.Fatal("snapshot must not be taken outside the window")
	}
}

func TestRunCycleSnapshotFailure(t *testing.T) {
	t.Parallel()
	client := &fakeClient{snapErr: cluster.ErrSnapshotUnavailable}
	c := New(testPolicy(), Deps{Client: client, Clock: &fakeClock{now: testNow}}, logx.Nop())
	c.Tracker().Add("1.0", testNow.Add(-time.Hour))

	res, err := c.RunCycle(context.Background())
	if !errors.Is(err, cluster.ErrSnapshotUnavailable) || res.Outcome != OutcomeSnapshotFailed {
		t.Fatalf("RunCycle = %+v, %v", res, err)
	}
	if c.Tracker().Len() != 1 {
		t.Fatal("tracker must not change when the snapshot fails")
	}
}

func TestRunCycleLaunchFailureKeepsGoing(t *testing.T) {
	t.Parallel()
	client := &fakeClient{
		snapshots: [][]cluster.Unit{{idle("2.0", daysAgo(40), 1), idle("2.1", daysAgo(30), 2)}},
		failPG:    map[string]bool{"2.0": true},
	}
	hist := &memHistory{}
	c := New(testPolicy(), Deps{Client: client, History: hist, Clock: &fakeClock{now: testNow}}, logx.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("launch failures must not fail the cycle: %v", err)
	}
	if res.Launched != 1 || res.Failed != 1 || len(client.started) != 2 {
		t.Fatalf("result = %+v started=%v", res, client.started)
	}
	if !c.Tracker().Has("2.0") || !c.Tracker().Has("2.1") {
		t.Fatal("both decisions stay tracked")
	}
	if hist.events[0].Kind != storage.EventLaunchFailed || hist.events[0].Error == "" {
		t.Fatalf("history = %+v", hist.events)
	}
}

func TestRunCycleReconcilesAndEmitsDuration(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: testNow}
	client := &fakeClient{snapshots: [][]cluster.Unit{
		{idle("3.0", daysAgo(30), 1)},
		{deep("3.0", 1)},
		{idle("3.0", testNow.Add(50*time.Minute), 1)},
	}}
	sink := &recordSink{}
	hist := &memHistory{}
	c := New(testPolicy(), Deps{Client: client, Sink: sink, History: hist, Clock: clk}, logx.Nop())
	ctx := context.Background()

	if _, err := c.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	clk.advance(30 * time.Minute)
	res, _ := c.RunCycle(ctx)
	if len(res.Reconciled) != 0 || !c.Tracker().Has("3.0") {
		t.Fatalf("running scrub reconciled early: %+v", res.Reconciled)
	}
	// The running deep scrub occupies one slot; nothing else is stale.
	if res.Plan.ActiveDeep != 1 {
		t.Fatalf("plan = %+v", res.Plan)
	}

	clk.advance(30 * time.Minute)
	res, _ = c.RunCycle(ctx)
	if len(res.Reconciled) != 1 || res.Reconciled[0].Kind != Completed || res.Reconciled[0].Duration != time.Hour {
		t.Fatalf("reconciled = %+v", res.Reconciled)
	}
	if c.Tracker().Len() != 0 {
		t.Fatal("completed scrub still tracked")
	}

	var durations []float64
	for _, s := range sink.samples {
		if s.Key == metrics.KeyDuration {
			durations = append(durations, s.Value)
		}
	}
	if len(durations) != 1 || durations[0] != 3600 {
		t.Fatalf("duration samples = %v", durations)
	}
	last := hist.events[len(hist.events)-1]
	if last.Kind != storage.EventCompleted || last.Duration != time.Hour {
		t.Fatalf("history tail = %+v", last)
	}
}

func TestRunCycleSaturatedEmitsNothing(t *testing.T) {
	t.Parallel()
	client := &fakeClient{snapshots: [][]cluster.Unit{{
		deep("4.0", 1), deep("4.1", 2), idle("4.2", daysAgo(90), 3),
	}}}
	sink := &recordSink{}
	c := New(testPolicy(), Deps{Client: client, Sink: sink, Clock: &fakeClock{now: testNow}}, logx.Nop())

	res, err := c.RunCycle(context.Background())
	if err != nil || res.Outcome != OutcomeSaturated || res.Plan.Saturation != CapSaturated {
		t.Fatalf("RunCycle = %+v, %v", res, err)
	}
	if len(client.started) != 0 || len(sink.samples) != 0 {
		t.Fatalf("saturated cycle started %v, emitted %v", client.started, sink.keys())
	}
}

type countingObserver struct {
	outcomes []string
	launches int
	kinds    []string
}

func (o *countingObserver) CycleFinished(outcome string) { o.outcomes = append(o.outcomes, outcome) }
func (o *countingObserver) Launched(bool)                { o.launches++ }
func (o *countingObserver) Reconciled(kind string)       { o.kinds = append(o.kinds, kind) }
func (o *countingObserver) Observe(int, int, int)        {}

func TestRunBackoffs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy func(*Policy)
		client *fakeClient
		want   time.Duration
	}{
		{
			name:   "outside window",
			policy: func(p *Policy) { p.Window = Window{StartHour: 1, EndHour: 2} },
			client: &fakeClient{},
			want:   120 * time.Second,
		},
		{
			name:   "snapshot error",
			client: &fakeClient{snapErr: cluster.ErrConnection},
			want:   30 * time.Second,
		},
		{
			name:   "saturated",
			client: &fakeClient{snapshots: [][]cluster.Unit{{deep("5.0", 1), deep("5.1", 2)}}},
			want:   30 * time.Second,
		},
		{
			name:   "scheduled",
			client: &fakeClient{snapshots: [][]cluster.Unit{{idle("5.2", daysAgo(90), 3)}}},
			want:   10 * time.Minute,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testPolicy()
			if tt.policy != nil {
				tt.policy(&p)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var sleeps []time.Duration
			obs := &countingObserver{}
			c := New(p, Deps{
				Client:   tt.client,
				Observer: obs,
				Clock:    &fakeClock{now: testNow},
				Sleep: func(ctx context.Context, d time.Duration) error {
					sleeps = append(sleeps, d)
					if len(sleeps) == 2 {
						cancel()
						return ctx.Err()
					}
					return nil
				},
			}, logx.Nop())

			if err := c.Run(ctx, true); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(sleeps) != 2 || sleeps[0] != tt.want {
				t.Fatalf("sleeps = %v, want %v first", sleeps, tt.want)
			}
			if len(obs.outcomes) != 2 {
				t.Fatalf("cycles = %v", obs.outcomes)
			}
		})
	}
}

func TestRunSingleShotReturnsSnapshotError(t *testing.T) {
	t.Parallel()
	c := New(testPolicy(), Deps{
		Client: &fakeClient{snapErr: cluster.ErrConnection},
		Clock:  &fakeClock{now: testNow},
		Sleep: func(context.Context, time.Duration) error {
			t.Fatal("single-shot run must not sleep")
			return nil
		},
	}, logx.Nop())
	if err := c.Run(context.Background(), false); !errors.Is(err, cluster.ErrConnection) {
		t.Fatalf("Run = %v", err)
	}
}

func TestApplyPolicyTakesEffectNextCycle(t *testing.T) {
	t.Parallel()
	client := &fakeClient{snapshots: [][]cluster.Unit{{
		idle("6.0", daysAgo(90), 1), idle("6.1", daysAgo(80), 2), idle("6.2", daysAgo(70), 3),
	}}}
	c := New(testPolicy(), Deps{Client: client, Clock: &fakeClock{now: testNow}}, logx.Nop())

	p := testPolicy()
	p.Exclude = map[string]struct{}{"6.0": {}}
	p.MaxConcurrent = 1
	c.ApplyPolicy(p)

	res, _ := c.RunCycle(context.Background())
	if got := strings.Join(client.started, ","); got != "6.1" || res.Plan.Cap != 1 {
		t.Fatalf("started = %s plan=%+v", got, res.Plan)
	}
}

func TestRunCycleOnCycleHook(t *testing.T) {
	t.Parallel()
	var got []Outcome
	c := New(testPolicy(), Deps{
		Client:  &fakeClient{snapErr: cluster.ErrMalformedSnapshot},
		Clock:   &fakeClock{now: testNow},
		OnCycle: func(r Result) { got = append(got, r.Outcome) },
	}, logx.Nop())
	_, _ = c.RunCycle(context.Background())
	if len(got) != 1 || got[0] != OutcomeSnapshotFailed {
		t.Fatalf("hook outcomes = %v", got)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep = %v", err)
	}
}

func TestRunCycleLogsSkippedCandidateAges(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: testNow}
	client := &fakeClient{snapshots: [][]cluster.Unit{{
		idle("2.0", time.Time{}, 1),
		idle("2.1", daysAgo(30), 2),
		shallow("3.0", 5),
		idle("2.2", daysAgo(25), 5, 6),
	}}}
	p := testPolicy()
	p.Exclude = map[string]struct{}{"2.0": {}, "2.1": {}}
	var buf bytes.Buffer

	c := New(p, Deps{Client: client, Clock: clk}, logx.NewWriter(&buf, "debug"))
	if _, err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	ages := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		msg, _ := m["message"].(string)
		if msg != "skipping pg due to configuration" && msg != "deep scrubbing blocked by busy osd" {
			continue
		}
		pg, _ := m["pg"].(string)
		ages[pg], _ = m["last_deep_scrub"].(string)
	}
	if ages["2.0"] != "never" {
		t.Fatalf("2.0 age = %q", ages["2.0"])
	}
	for _, pg := range []string{"2.1", "2.2"} {
		if !strings.HasSuffix(ages[pg], " ago") {
			t.Fatalf("%s age = %q (all: %v)", pg, ages[pg], ages)
		}
	}
}
