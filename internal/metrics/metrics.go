// Package metrics exposes controller counters and gauges for Prometheus.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feeder"

// Metrics holds the controller's collectors
type Metrics struct {
	events         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	feeds          *prometheus.CounterVec
	upstream       *prometheus.CounterVec
	feedCount      prometheus.Gauge
	turbidity      prometheus.Gauge
	turbidityAlert prometheus.Gauge
	timers         prometheus.Gauge
	storeReady     prometheus.Gauge
	actuatorActive prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Remote store events received, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Events or fields dropped, by error class.",
		}, []string{"reason"}),
		feeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeds_total",
			Help:      "Completed feeds, by trigger source.",
		}, []string{"source"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_writes_total",
			Help:      "Upstream writes, by result.",
		}, []string{"result"}),
		feedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_count",
			Help:      "Current feed counter.",
		}),
		turbidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turbidity_value",
			Help:      "Last turbidity reading.",
		}),
		turbidityAlert: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turbidity_alert",
			Help:      "1 while the turbidity alert is active.",
		}),
		timers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers",
			Help:      "Timers currently held.",
		}),
		storeReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_ready",
			Help:      "1 once the remote store has authenticated.",
		}),
		actuatorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actuator_active",
			Help:      "1 while a feed is in progress.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.events, m.dropped, m.feeds, m.upstream,
			m.feedCount, m.turbidity, m.turbidityAlert,
			m.timers, m.storeReady, m.actuatorActive,
		)
	}
	return m
}

// Event counts a received stream event
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// Dropped counts an absorbed error
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Feed counts a completed feed and records the new counter
func (m *Metrics) Feed(source string, count int) {
	if m == nil {
		return
	}
	m.feeds.WithLabelValues(source).Inc()
	m.feedCount.Set(float64(count))
}

// FeedCount records an externally corrected counter
func (m *Metrics) FeedCount(count int) {
	if m == nil {
		return
	}
	m.feedCount.Set(float64(count))
}

// Upstream counts an upstream write outcome: sent, dropped, queued or failed
func (m *Metrics) Upstream(result string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(result).Inc()
}

// Turbidity records a sensor reading and the alert state
func (m *Metrics) Turbidity(value int, alert bool) {
	if m == nil {
		return
	}
	m.turbidity.Set(float64(value))
	m.turbidityAlert.Set(boolGauge(alert))
}

// Timers records the size of the timer collection
func (m *Metrics) Timers(n int) {
	if m == nil {
		return
	}
	m.timers.Set(float64(n))
}

// StoreReady records remote store readiness
func (m *Metrics) StoreReady(ready bool) {
	if m == nil {
		return
	}
	m.storeReady.Set(boolGauge(ready))
}

// ActuatorActive records whether a feed is in progress
func (m *Metrics) ActuatorActive(active bool) {
	if m == nil {
		return
	}
	m.actuatorActive.Set(boolGauge(active))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
