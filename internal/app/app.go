package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deepscrub/internal/cluster"
	"deepscrub/internal/config"
	"deepscrub/internal/metrics"
	"deepscrub/internal/ops"
	rtsup "deepscrub/internal/runtime/supervisor"
	"deepscrub/internal/scrub"
	"deepscrub/internal/storage"
	logx "deepscrub/pkg/logx"
	"deepscrub/pkg/systemd"
)

const controllerTask = "scrub.controller"

// App wires the controller to its configuration, sinks, history and the
// operator surfaces.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	ceph *cluster.CephCLI
	ctrl *scrub.Controller
	prom *metrics.Prometheus
	ops  *ops.Server
	hk   *housekeeping
	sd   *systemd.Notifier

	stopOnce sync.Once
}

// New loads the configuration and builds every component. Nothing runs until
// Start or RunOnce.
func New(cfgPath string, o config.Overrides) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, o)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log, err := newLogging(cfg)
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log.Info("config loaded", logx.String("path", cfgm.Path()))

	a := &App{cfgm: cfgm, log: log, logs: logs, sd: systemd.NewNotifier()}
	if err := a.build(cfg); err != nil {
		_ = a.close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	pol, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	cc, err := mapCephConfig(cfg)
	if err != nil {
		return err
	}
	a.ceph = cluster.NewCephCLI(cc, a.log.With(logx.String("comp", "ceph")))

	a.prom = metrics.NewPrometheus()
	sink, err := mapMetricSinks(cfg, a.prom, a.log.With(logx.String("comp", "metrics")))
	if err != nil {
		return err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("history storage enabled", logx.String("driver", sc.Driver))

		hkc, err := mapHousekeepingConfig(cfg)
		if err != nil {
			return err
		}
		a.hk = newHousekeeping(hkc, st, a.log.With(logx.String("comp", "housekeeping")))
	}

	a.ctrl = scrub.New(pol, scrub.Deps{
		Client:     a.ceph,
		Sink:       sink,
		Observer:   a.prom,
		History:    a.store,
		LaunchRate: cfg.Scrub.LaunchRatePerSec,
		OnCycle:    a.onCycle,
	}, a.log.With(logx.String("comp", "scrub")))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Status:  a.ctrl,
		History: a.store,
		Metrics: a.prom.Handler(),
		Tasks:   a.tasks,
	}, a.log.With(logx.String("comp", "ops")))
	return nil
}

// SingleShot reports whether the configuration asks for exactly one cycle.
func (a *App) SingleShot() bool { return a.ctrl.Policy().Interval <= 0 }

// Controller exposes the admission controller (status readers, tests).
func (a *App) Controller() *scrub.Controller { return a.ctrl }

// RunOnce runs a single cycle and returns its snapshot error, if any.
func (a *App) RunOnce(ctx context.Context) error {
	err := a.ctrl.Run(ctx, false)
	if a.hk != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		_, _ = a.hk.prune(pctx)
		cancel()
	}
	return err
}

// Done is closed when the supervised run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the controller loop and the background services.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	// transactional config reload: reject what the controller cannot apply
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPolicy(cfg); err != nil {
			return err
		}
		if _, err := mapHousekeepingConfig(cfg); err != nil {
			return err
		}
		_, err := mapOpsConfig(cfg)
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer, ok := <-sub:
						if !ok {
							drained = true
						} else if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	// The loop tolerates an unreachable cluster; report it early anyway.
	if err := a.ceph.Ping(a.sup.Context()); err != nil {
		a.log.Error("ceph cluster not reachable at startup", logx.Err(err))
	}
	a.sup.GoRestart(controllerTask, func(c context.Context) error {
		return a.ctrl.Run(c, true)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))

	if a.hk != nil {
		a.sup.Go("storage.housekeeping", a.hk.Run)
	}
	if wd := a.sd.WatchdogInterval(); wd > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.watchdog(c, wd/2) })
	}
	a.ops.Start(a.sup.Context())

	if err := a.sd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	pol := a.ctrl.Policy()
	a.log.Info("deepscrub started",
		logx.Duration("interval", pol.Interval),
		logx.Int("max_concurrent", pol.MaxConcurrent),
		logx.Bool("history", a.store != nil),
		logx.Bool("ops", a.ops.Enabled()),
	)
	return nil
}

// applyConfig hands a validated config to the running components. Only the
// scrub policy and logging are live; other sections are reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_ = a.sd.Reloading()
	defer func() { _ = a.sd.Ready() }()

	for _, section := range sections {
		switch section {
		case "scrub":
			pol, err := mapPolicy(newCfg)
			if err != nil {
				a.log.Warn("scrub policy not applied", logx.Err(err))
				continue
			}
			if pol.Interval <= 0 {
				pol.Interval = a.ctrl.Policy().Interval
				a.log.Warn("scrub.interval=0 ignored while running as a daemon", logx.Duration("interval", pol.Interval))
			}
			a.ctrl.ApplyPolicy(pol)
			a.ctrl.SetLaunchRate(newCfg.Scrub.LaunchRatePerSec)
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
			if telegramTargetChanged(oldCfg, newCfg) {
				a.log.Warn("telegram alert target changed; restart to apply")
			}
		default:
			if config.RequiresRestart(section) {
				a.log.Warn("config section changed; restart to apply", logx.String("section", section))
			}
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// onCycle mirrors the cycle outcome into the systemd status line.
func (a *App) onCycle(res scrub.Result) {
	if err := a.sd.Status(statusLine(res)); err != nil {
		a.log.Debug("sd_notify status failed", logx.Err(err))
	}
}

func statusLine(res scrub.Result) string {
	p := res.Plan
	switch res.Outcome {
	case scrub.OutcomeOutsideWindow:
		return "outside deep scrubbing hours"
	case scrub.OutcomeSnapshotFailed:
		return "cluster state unavailable"
	case scrub.OutcomeSaturated:
		return fmt.Sprintf("saturated (%s): %d deep scrubbing, cap %d", p.Saturation, p.ActiveDeep, p.Cap)
	default:
		return fmt.Sprintf("launched %d (%d failed), %d deep scrubbing, %d/%d stale",
			res.Launched, res.Failed, p.ActiveDeep, p.Stale, p.Total)
	}
}

// watchdog pings systemd while the controller task is alive.
func (a *App) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.controllerRunning() {
				a.log.Warn("controller not running; withholding watchdog ping")
				continue
			}
			if err := a.sd.Watchdog(); err != nil {
				a.log.Debug("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}

func (a *App) controllerRunning() bool {
	for _, t := range a.tasks() {
		if t.Name == controllerTask {
			return t.Running
		}
	}
	return false
}

func (a *App) tasks() []rtsup.TaskStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Tasks()
}

// Stop shuts everything down within ctx. It is safe to call more than once and
// after RunOnce.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.sd.Stopping()

	if a.sup != nil {
		// Cancel first so the controller sleep and ceph calls unwind immediately.
		a.sup.Cancel()
		a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
		a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	err := a.close()
	if err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// step runs one shutdown step with an upper bound so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; report the leak if it does not.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
