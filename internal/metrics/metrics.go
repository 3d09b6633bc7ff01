// Package metrics exposes the agent's Prometheus collectors and the
// optional /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label on dropped readings.
const (
	ReasonSensor       = "sensor"
	ReasonInvalid      = "invalid"
	ReasonNotConnected = "not_connected"
	ReasonTransport    = "transport"
)

// Collectors holds every metric the agent updates. Create it with
// [New]; a nil *Collectors is valid and records nothing.
type Collectors struct {
	Published     prometheus.Counter
	Dropped       *prometheus.CounterVec
	TagsDetected  prometheus.Counter
	Associations  prometheus.Counter
	LinkState     prometheus.Gauge
	SessionState  prometheus.Gauge
	CycleDuration prometheus.Histogram
	LastReading   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envlink_readings_published_total",
			Help: "Readings handed to the broker session.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envlink_readings_dropped_total",
			Help: "Readings discarded before or during publish, by reason.",
		}, []string{"reason"}),
		TagsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envlink_tags_detected_total",
			Help: "RFID tag detections reported by the tag reader.",
		}),
		Associations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envlink_link_associations_total",
			Help: "Successful wireless associations.",
		}),
		LinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envlink_link_state",
			Help: "Link state: 0 uninitialized, 1 associating, 2 associated, 3 failed.",
		}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envlink_session_state",
			Help: "Broker session state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "envlink_cycle_duration_seconds",
			Help:    "Wall time of one agent cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		LastReading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "envlink_last_reading",
			Help: "Most recent valid measurement, by quantity.",
		}, []string{"quantity"}),
	}

	// Pre-create label values so every reason is exported from the start.
	for _, r := range []string{ReasonSensor, ReasonInvalid, ReasonNotConnected, ReasonTransport} {
		c.Dropped.WithLabelValues(r)
	}

	reg.MustRegister(
		c.Published,
		c.Dropped,
		c.TagsDetected,
		c.Associations,
		c.LinkState,
		c.SessionState,
		c.CycleDuration,
		c.LastReading,
	)
	return c
}

func (c *Collectors) IncPublished() {
	if c == nil {
		return
	}
	c.Published.Inc()
}

func (c *Collectors) IncDropped(reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(reason).Inc()
}

func (c *Collectors) IncTags() {
	if c == nil {
		return
	}
	c.TagsDetected.Inc()
}

func (c *Collectors) IncAssociations() {
	if c == nil {
		return
	}
	c.Associations.Inc()
}

// SetStates records the numeric link and session states.
func (c *Collectors) SetStates(link, session int) {
	if c == nil {
		return
	}
	c.LinkState.Set(float64(link))
	c.SessionState.Set(float64(session))
}

// ObserveReading records the latest valid measurement.
func (c *Collectors) ObserveReading(temperature, humidity float64) {
	if c == nil {
		return
	}
	c.LastReading.WithLabelValues("temperature_celsius").Set(temperature)
	c.LastReading.WithLabelValues("humidity_percent").Set(humidity)
}

func (c *Collectors) ObserveCycle(seconds float64) {
	if c == nil {
		return
	}
	c.CycleDuration.Observe(seconds)
}
