package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
)

// Metrics collects reconciler and synchronizer activity. It satisfies both
// reconciler.Observer and synchronizer.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	outbound     *prometheus.CounterVec
	suppressed   *prometheus.CounterVec
	events       *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	changes      *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh
// registry, which keeps tests isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedsync", Name: "outbound_calls_total",
			Help: "Create, update and delete calls issued to a control plane.",
		}, []string{"kind", "side", "action", "result"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedsync", Name: "echoes_suppressed_total",
			Help: "Notifications recognized as echoes of our own calls.",
		}, []string{"kind", "side"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedsync", Name: "events_handled_total",
			Help: "Change notifications handled.",
		}, []string{"kind", "side", "result"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedsync", Name: "sync_ticks_total",
			Help: "Sync ticks run.",
		}, []string{"kind", "mode", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fedsync", Name: "sync_tick_duration_seconds",
			Help:    "Duration of sync ticks.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind", "mode"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedsync", Name: "sync_changes_total",
			Help: "Resources written by sync ticks.",
		}, []string{"kind", "change"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fedsync", Name: "queue_depth",
			Help: "Events waiting in a synchronizer queue.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.outbound, m.suppressed, m.events, m.ticks, m.tickDuration, m.changes, m.queueDepth)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Outbound(kind models.Kind, side models.Side, action repository.Action, err error) {
	m.outbound.WithLabelValues(string(kind), side.String(), string(action), result(err)).Inc()
}

func (m *Metrics) Suppressed(kind models.Kind, side models.Side) {
	m.suppressed.WithLabelValues(string(kind), side.String()).Inc()
}

func (m *Metrics) Event(kind models.Kind, side models.Side, err error) {
	m.events.WithLabelValues(string(kind), side.String(), result(err)).Inc()
}

func (m *Metrics) Tick(kind models.Kind, mode reconciler.Mode, d time.Duration, c reconciler.Counts, err error) {
	k := string(kind)
	m.ticks.WithLabelValues(k, mode.String(), result(err)).Inc()
	m.tickDuration.WithLabelValues(k, mode.String()).Observe(d.Seconds())
	for change, n := range map[string]int{"created": c.Created, "updated": c.Updated, "deleted": c.Deleted, "merged": c.Merged, "adopted": c.Adopted} {
		if n > 0 {
			m.changes.WithLabelValues(k, change).Add(float64(n))
		}
	}
}

func (m *Metrics) QueueDepth(kind models.Kind, n int) {
	m.queueDepth.WithLabelValues(string(kind)).Set(float64(n))
}

// RegisterMetrics serves m on /metrics of mux.
func RegisterMetrics(mux *http.ServeMux, m *Metrics) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}
