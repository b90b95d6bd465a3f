package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"deepscrub/internal/config"
	"deepscrub/internal/storage"
	logx "deepscrub/pkg/logx"
)

// housekeeping prunes the scrub history on a cron schedule.
type housekeeping struct {
	cfg   housekeepingConfig
	store storage.Store
	now   func() time.Time
	log   logx.Logger
}

func newHousekeeping(cfg housekeepingConfig, store storage.Store, log logx.Logger) *housekeeping {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &housekeeping{cfg: cfg, store: store, now: time.Now, log: log}
}

// prune removes history older than the retention window.
func (h *housekeeping) prune(ctx context.Context) (int, error) {
	if h.store == nil || h.cfg.Retention <= 0 {
		return 0, nil
	}
	before := h.now().Add(-h.cfg.Retention)
	n, err := h.store.Prune(ctx, before)
	if err != nil {
		h.log.Warn("history prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		h.log.Info("history pruned", logx.Int("removed", n), logx.Time("before", before))
	} else {
		h.log.Debug("history prune: nothing to remove", logx.Time("before", before))
	}
	return n, nil
}

// Run schedules prune until ctx is done.
func (h *housekeeping) Run(ctx context.Context) error {
	cl := cronLogger{log: h.log}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(h.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(h.cfg.Schedule, func() {
		pctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		_, _ = h.prune(pctx)
	}); err != nil {
		return fmt.Errorf("storage.prune_schedule: %w", err)
	}
	c.Start()
	h.log.Info("history housekeeping scheduled",
		logx.String("schedule", h.cfg.Schedule),
		logx.Duration("retention", h.cfg.Retention),
		logx.String("tz", h.cfg.Location.String()),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
