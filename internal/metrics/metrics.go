// Package metrics delivers controller measurements to external sinks.
//
// Delivery is best-effort: sinks return errors, the Fanout logs and swallows them.
package metrics

import (
	"context"
	"time"

	logx "deepscrub/pkg/logx"
)

// Sample keys. Graphite prefixes them with the configured prefix.
const (
	KeyStale        = "deep_scrub.pg_deep_scrub_stale"
	KeyStalePercent = "deep_scrub.pg_deep_scrub_stale_percent"
	KeyDuration     = "deep_scrub.duration"
)

type Sample struct {
	Key   string
	Value float64
	At    time.Time
}

// Sink receives samples.
type Sink interface {
	Emit(ctx context.Context, s Sample) error
}

// Fanout sends each sample to every sink; failures never propagate.
type Fanout struct {
	sinks []Sink
	log   logx.Logger
}

func NewFanout(log logx.Logger, sinks ...Sink) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out, log: log}
}

// Emit never returns an error; the signature satisfies Sink so a Fanout can be nested.
func (f *Fanout) Emit(ctx context.Context, s Sample) error {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	for _, sink := range f.sinks {
		if err := sink.Emit(ctx, s); err != nil {
			f.log.Warn("metric delivery failed", logx.String("key", s.Key), logx.Err(err))
		}
	}
	return nil
}
