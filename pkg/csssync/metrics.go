// ABOUTME: Prometheus metrics for the synchronisation engine
// ABOUTME: Wallclock quality, message counts and content availability
package csssync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resonate-Protocol/csssync-go/pkg/wallclock"
)

// Metrics holds Prometheus collectors for one or more engines
type Metrics struct {
	registry         *prometheus.Registry
	wcOffset         prometheus.Gauge
	wcRTT            prometheus.Gauge
	wcUpdates        prometheus.Counter
	wcDropped        *prometheus.CounterVec
	ciiMessages      prometheus.Counter
	tsMessages       prometheus.Counter
	errorsTotal      *prometheus.CounterVec
	contentAvailable prometheus.Gauge
	eventsDropped    prometheus.Counter
}

// NewMetrics creates collectors registered on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		wcOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csssync_wallclock_offset_seconds",
			Help: "Estimated offset of the remote wallclock relative to the local clock",
		}),
		wcRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csssync_wallclock_rtt_seconds",
			Help: "Round-trip time of the last wallclock exchange",
		}),
		wcUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csssync_wallclock_updates_total",
			Help: "Total number of wallclock responses processed",
		}),
		wcDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csssync_wallclock_dropped_total",
			Help: "Total number of wallclock frames dropped",
		}, []string{"reason"}),
		ciiMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csssync_cii_messages_total",
			Help: "Total number of CII messages applied",
		}),
		tsMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csssync_ts_messages_total",
			Help: "Total number of control timestamps applied",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csssync_errors_total",
			Help: "Total number of errors reported as events",
		}, []string{"source"}),
		contentAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csssync_content_available",
			Help: "1 when the synchronised timeline reports content available",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csssync_events_dropped_total",
			Help: "Total number of events dropped because the event channel was full",
		}),
	}

	registry.MustRegister(
		m.wcOffset,
		m.wcRTT,
		m.wcUpdates,
		m.wcDropped,
		m.ciiMessages,
		m.tsMessages,
		m.errorsTotal,
		m.contentAvailable,
		m.eventsDropped,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveUpdate records a processed wallclock response
func (m *Metrics) ObserveUpdate(s wallclock.State) {
	m.wcOffset.Set(s.Offset().Seconds())
	m.wcRTT.Set(s.RoundTrip().Seconds())
	m.wcUpdates.Inc()
}

// ObserveDrop records a dropped wallclock frame
func (m *Metrics) ObserveDrop(reason string) {
	m.wcDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incCII() {
	m.ciiMessages.Inc()
}

func (m *Metrics) incTS() {
	m.tsMessages.Inc()
}

func (m *Metrics) incError(source Source) {
	m.errorsTotal.WithLabelValues(source.String()).Inc()
}

func (m *Metrics) setContentAvailable(available bool) {
	if available {
		m.contentAvailable.Set(1)
	} else {
		m.contentAvailable.Set(0)
	}
}

func (m *Metrics) incEventsDropped() {
	m.eventsDropped.Inc()
}
