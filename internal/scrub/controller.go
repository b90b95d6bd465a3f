package scrub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"deepscrub/internal/cluster"
	"deepscrub/internal/metrics"
	"deepscrub/internal/storage"
	logx "deepscrub/pkg/logx"
)

// Outcome is the terminal state of one cycle.
type Outcome string

const (
	OutcomeOutsideWindow  Outcome = "outside_window"
	OutcomeSnapshotFailed Outcome = "snapshot_failed"
	OutcomeSaturated      Outcome = "saturated"
	OutcomeScheduled      Outcome = "scheduled"
)

// Result summarizes one cycle.
type Result struct {
	Cycle      string
	Outcome    Outcome
	Plan       Plan
	Reconciled []Reconciliation
	Launched   int
	Failed     int
}

// Observer receives per-cycle counters. metrics.Prometheus implements it.
type Observer interface {
	CycleFinished(outcome string)
	Launched(ok bool)
	Reconciled(kind string)
	Observe(inFlight, activeDeep, capacity int)
}

type nopObserver struct{}

func (nopObserver) CycleFinished(string)  {}
func (nopObserver) Launched(bool)         {}
func (nopObserver) Reconciled(string)     {}
func (nopObserver) Observe(int, int, int) {}

type nopSink struct{}

func (nopSink) Emit(context.Context, metrics.Sample) error { return nil }

// Deps are the collaborators of a Controller. Only Client is required.
type Deps struct {
	Client   cluster.Client
	Sink     metrics.Sink
	Observer Observer
	History  storage.Store
	Clock    Clock
	Sleep    SleepFunc
	// LaunchRate paces consecutive start requests; <= 0 disables pacing.
	LaunchRate float64
	// OnCycle is called after every cycle (e.g. systemd watchdog/status).
	OnCycle func(Result)
}

// Controller is the deep scrub admission loop. One instance per cluster; cycles
// run strictly one after another.
type Controller struct {
	mu     sync.Mutex
	policy Policy

	client  cluster.Client
	sink    metrics.Sink
	obs     Observer
	history storage.Store
	clock   Clock
	sleep   SleepFunc
	limiter *rate.Limiter
	onCycle func(Result)

	tracker *Tracker
	last    *CycleSummary // guarded by mu
	log     logx.Logger
}

func New(p Policy, d Deps, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		policy:  p,
		client:  d.Client,
		sink:    d.Sink,
		obs:     d.Observer,
		history: d.History,
		clock:   d.Clock,
		sleep:   d.Sleep,
		onCycle: d.OnCycle,
		tracker: NewTracker(),
		log:     log,
	}
	if c.sink == nil {
		c.sink = nopSink{}
	}
	if c.obs == nil {
		c.obs = nopObserver{}
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.sleep == nil {
		c.sleep = Sleep
	}
	c.limiter = rate.NewLimiter(launchLimit(d.LaunchRate), 1)
	return c
}

func launchLimit(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// SetLaunchRate changes launch pacing for subsequent launches.
func (c *Controller) SetLaunchRate(perSec float64) {
	c.limiter.SetLimit(launchLimit(perSec))
}

// Tracker exposes the in-flight belief for status readers.
func (c *Controller) Tracker() *Tracker { return c.tracker }

// Policy returns the policy the next cycle will use.
func (c *Controller) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// ApplyPolicy replaces the policy; it takes effect at the next cycle.
func (c *Controller) ApplyPolicy(p Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.log.Info("policy updated",
		logx.Int("max_concurrent", p.MaxConcurrent),
		logx.Int("window_start", p.Window.StartHour),
		logx.Int("window_end", p.Window.EndHour),
		logx.Int("excluded", len(p.Exclude)),
	)
}

// Run drives cycles. With loop=false it runs exactly one cycle and returns the
// snapshot error, if any. With loop=true it keeps going until ctx is done, and
// every error is absorbed by a backoff.
func (c *Controller) Run(ctx context.Context, loop bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := c.RunCycle(ctx)
		if !loop {
			return err
		}

		pol := c.Policy()
		var wait time.Duration
		switch res.Outcome {
		case OutcomeOutsideWindow:
			wait = pol.WindowBackoff
		case OutcomeSaturated:
			wait = pol.SaturatedBackoff
		case OutcomeSnapshotFailed:
			wait = pol.ErrorBackoff
		default:
			wait = pol.Interval
			c.log.Info("sleeping until next cycle", logx.Duration("sleep", wait))
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// RunCycle executes WindowCheck → Snapshot → Reconcile → Admit → Launch → Emit once.
func (c *Controller) RunCycle(ctx context.Context) (Result, error) {
	res := Result{Cycle: uuid.NewString()}
	log := c.log.With(logx.String("cycle", res.Cycle))
	pol := c.Policy()

	res, err := c.cycle(ctx, log, pol, res)
	c.mu.Lock()
	c.last = summarize(res, c.clock.Now())
	c.mu.Unlock()
	c.obs.CycleFinished(string(res.Outcome))
	if c.onCycle != nil {
		c.onCycle(res)
	}
	return res, err
}

func (c *Controller) cycle(ctx context.Context, log logx.Logger, pol Policy, res Result) (Result, error) {
	if !pol.Window.Permitted(c.clock.Now()) {
		log.Warn("outside of deep scrubbing hours, will not start",
			logx.Int("start_hour", pol.Window.StartHour), logx.Int("end_hour", pol.Window.EndHour))
		res.Outcome = OutcomeOutsideWindow
		return res, nil
	}

	log.Info("pulling pg info")
	units, err := c.client.Snapshot(ctx)
	if err != nil {
		log.Error("failed to read cluster state", logx.Err(err))
		res.Outcome = OutcomeSnapshotFailed
		return res, err
	}
	now := c.clock.Now()

	log.Info("checking tracked deep scrubs", logx.Int("tracked", c.tracker.Len()))
	res.Reconciled = c.tracker.Reconcile(units, now, pol.StalenessAge)
	for _, r := range res.Reconciled {
		c.reportReconciliation(ctx, log, res.Cycle, r)
	}
	for _, e := range c.tracker.Entries() {
		log.Debug("pg still deep scrubbing", logx.String("pg", e.PGID), logx.Duration("running", now.Sub(e.StartedAt)))
	}

	capNow := pol.CapAt(now)
	plan := Admit(AdmitInput{
		Units:   units,
		Tracker: c.tracker,
		Cap:     capNow,
		Now:     now,
		Age:     pol.StalenessAge,
		Exclude: pol.Exclude,
	})
	res.Plan = plan
	log.Info("osds scrubbing", logx.Int("osds", plan.BusyOSDs), logx.Int("deep_scrubbing", plan.ActiveDeep))

	switch plan.Saturation {
	case CapSaturated:
		log.Info("deep scrub cap reached, waiting for a running deep scrub to finish", logx.Int("cap", capNow))
	case TrackerSaturated:
		log.Warn("already tracking enough queued deep scrubs, not queuing more",
			logx.Int("tracked", c.tracker.Len()), logx.Int("cap", capNow))
	}
	if plan.Saturation != NotSaturated {
		c.obs.Observe(c.tracker.Len(), plan.ActiveDeep, capNow)
		res.Outcome = OutcomeSaturated
		return res, nil
	}

	for _, s := range plan.Skips {
		fields := []logx.Field{logx.String("pg", s.PGID), logx.String("last_deep_scrub", lastDeepScrub(s.LastDeepScrub, now))}
		switch s.Reason {
		case SkipExcluded:
			log.Warn("skipping pg due to configuration", fields...)
		case SkipTracked:
			log.Warn("pg already queued or started for deep scrub", fields...)
		case SkipContention:
			log.Warn("deep scrubbing blocked by busy osd", append(fields, logx.Strings("osds", osdNames(s.Blocked)))...)
		}
	}

	log.Info("triggering deep scrubs", logx.Int("budget", plan.Budget), logx.Int("selected", len(plan.Decisions)), logx.Int("stale", plan.Stale),
		logx.Float64("stale_percent", stalePercent(plan.Stale, plan.Total)))
	for _, d := range plan.Decisions {
		if ctx.Err() != nil {
			break
		}
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}
		c.launch(ctx, log, res.Cycle, now, d, &res)
	}
	c.obs.Observe(c.tracker.Len(), plan.ActiveDeep, capNow)

	c.emit(ctx, metrics.Sample{Key: metrics.KeyStale, Value: float64(plan.Stale), At: now})
	c.emit(ctx, metrics.Sample{Key: metrics.KeyStalePercent, Value: stalePercent(plan.Stale, plan.Total), At: now})

	res.Outcome = OutcomeScheduled
	return res, nil
}

func (c *Controller) launch(ctx context.Context, log logx.Logger, cycle string, now time.Time, d Decision, res *Result) {
	log = log.With(logx.String("pg", d.PGID), logx.String("last_deep_scrub", lastDeepScrub(d.LastDeepScrub, now)))

	out, err := c.client.StartDeepScrub(ctx, d.PGID)
	ev := storage.Event{At: c.clock.Now(), Cycle: cycle, PGID: d.PGID, Output: out}
	if err != nil {
		// The tracker entry stays: the request may still take effect, and the
		// next reconciliation clears it if nothing happens.
		var le *cluster.LaunchError
		if !errors.As(err, &le) {
			le = &cluster.LaunchError{PGID: d.PGID, Output: out, Err: err}
		}
		log.Error("failed to queue deep scrub", logx.Err(le), logx.String("output", out))
		res.Failed++
		c.obs.Launched(false)
		ev.Kind = storage.EventLaunchFailed
		ev.Error = le.Error()
	} else {
		log.Info("queued pg to deep scrub", logx.String("output", out), logx.Strings("osds", osdNames(d.Acting)))
		res.Launched++
		c.obs.Launched(true)
		ev.Kind = storage.EventLaunched
	}
	c.record(ctx, ev)
}

func (c *Controller) reportReconciliation(ctx context.Context, log logx.Logger, cycle string, r Reconciliation) {
	log = log.With(logx.String("pg", r.PGID), logx.Duration("took", r.Duration))
	c.obs.Reconciled(string(r.Kind))
	ev := storage.Event{At: c.clock.Now(), Cycle: cycle, PGID: r.PGID, Duration: r.Duration}

	switch r.Kind {
	case Completed:
		log.Info("pg appears to have finished a deep scrub", logx.Time("last_deep_scrub", r.LastDeepScrub))
		c.emit(ctx, metrics.Sample{Key: metrics.KeyDuration, Value: r.Duration.Seconds(), At: ev.At})
		ev.Kind = storage.EventCompleted
	case Anomaly:
		log.Warn("pg appears to have not finished a deep scrub, but isn't deep scrubbing")
		ev.Kind = storage.EventAnomaly
	case Vanished:
		log.Warn("tracked pg is gone from the pg map, forgetting it")
		ev.Kind = storage.EventVanished
	}
	c.record(ctx, ev)
}

func (c *Controller) emit(ctx context.Context, s metrics.Sample) {
	if err := c.sink.Emit(ctx, s); err != nil {
		c.log.Debug("metric dropped", logx.String("key", s.Key), logx.Err(err))
	}
}

func (c *Controller) record(ctx context.Context, e storage.Event) {
	if c.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.history.Append(hctx, e); err != nil {
		c.log.Debug("history append failed", logx.String("pg", e.PGID), logx.Err(err))
	}
}

// lastDeepScrub renders a stamp relative to now ("3 weeks ago", "never").
func lastDeepScrub(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func stalePercent(stale, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(stale) / float64(total) * 100
}

func osdNames(osds []cluster.OSD) []string {
	out := make([]string, len(osds))
	for i, o := range osds {
		out[i] = o.String()
	}
	return out
}
