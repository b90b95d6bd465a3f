package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deepscrub"

// Prometheus keeps the latest controller state in a private registry for /metrics.
// It is a Sink for the shared samples and also records per-cycle counters.
type Prometheus struct {
	reg *prometheus.Registry

	stale        prometheus.Gauge
	stalePercent prometheus.Gauge
	duration     prometheus.Histogram

	inFlight   prometheus.Gauge
	activeDeep prometheus.Gauge
	capacity   prometheus.Gauge

	cycles     *prometheus.CounterVec
	launches   *prometheus.CounterVec
	reconciles *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		reg: prometheus.NewRegistry(),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stale_pgs",
			Help: "Placement groups whose last deep scrub is older than the staleness age.",
		}),
		stalePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stale_pgs_percent",
			Help: "Stale placement groups as a percentage of all placement groups.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "deep_scrub_duration_seconds",
			Help:    "Observed time from issuing a deep scrub to seeing it complete.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 12),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight",
			Help: "Deep scrubs issued by this controller and not yet observed finished.",
		}),
		activeDeep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_deep_scrubs",
			Help: "Placement groups reported as scrubbing+deep in the last snapshot.",
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "effective_cap",
			Help: "Concurrency cap in effect for the last cycle.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Controller cycles by outcome.",
		}, []string{"outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "launches_total",
			Help: "Deep scrub start requests by result.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliations_total",
			Help: "Tracked deep scrubs cleared by reconciliation, by kind.",
		}, []string{"kind"}),
	}
	p.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.stale, p.stalePercent, p.duration,
		p.inFlight, p.activeDeep, p.capacity,
		p.cycles, p.launches, p.reconciles,
	)
	return p
}

func (p *Prometheus) Emit(_ context.Context, s Sample) error {
	switch s.Key {
	case KeyStale:
		p.stale.Set(s.Value)
	case KeyStalePercent:
		p.stalePercent.Set(s.Value)
	case KeyDuration:
		p.duration.Observe(s.Value)
	}
	return nil
}

func (p *Prometheus) CycleFinished(outcome string) { p.cycles.WithLabelValues(outcome).Inc() }

func (p *Prometheus) Launched(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.launches.WithLabelValues(result).Inc()
}

func (p *Prometheus) Reconciled(kind string) { p.reconciles.WithLabelValues(kind).Inc() }

func (p *Prometheus) Observe(inFlight, activeDeep, capacity int) {
	p.inFlight.Set(float64(inFlight))
	p.activeDeep.Set(float64(activeDeep))
	p.capacity.Set(float64(capacity))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (p *Prometheus) Gatherer() prometheus.Gatherer { return p.reg }
