// Package metrics exports transport counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally and tests can pass nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pvio"

// Metrics holds the transport collectors.
type Metrics struct {
	GrantsIssued    *prometheus.CounterVec
	GrantsRevoked   prometheus.Counter
	GrantsInUse     prometheus.Gauge
	GrantsHighWater prometheus.Gauge

	EventsDelivered *prometheus.CounterVec
	EventsDeferred  prometheus.Counter
	EventsDropped   prometheus.Counter
	Upcalls         prometheus.Counter

	RingRequests    *prometheus.CounterVec
	RingResponses   *prometheus.CounterVec
	RingNotifies    *prometheus.CounterVec
	RingFullWaits   *prometheus.CounterVec
	RingSmashes     *prometheus.CounterVec
	StreamBytes     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GrantsIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grants_issued_total",
				Help:      "Grant entries handed out, by kind.",
			},
			[]string{"kind"},
		),
		GrantsRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_revoked_total",
			Help:      "Grant entries returned to the free list.",
		}),
		GrantsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grants_in_use",
			Help:      "Grant entries currently allocated.",
		}),
		GrantsHighWater: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grants_high_water",
			Help:      "Highest grant reference ever allocated plus one.",
		}),
		EventsDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_delivered_total",
				Help:      "Event channel notifications delivered to a handler, by priority level.",
			},
			[]string{"level"},
		),
		EventsDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deferred_total",
			Help:      "Notifications held back until the priority level dropped.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notifications on ports with no handler.",
		}),
		Upcalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upcalls_total",
			Help:      "Dispatch loop entries.",
		}),
		RingRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_requests_total",
				Help:      "Requests published on a structured ring.",
			},
			[]string{"ring"},
		),
		RingResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_responses_total",
				Help:      "Responses consumed from a structured ring.",
			},
			[]string{"ring"},
		),
		RingNotifies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_notifies_total",
				Help:      "Event channel notifications sent after publishing.",
			},
			[]string{"ring"},
		),
		RingFullWaits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_full_waits_total",
				Help:      "Times a producer parked on a full ring.",
			},
			[]string{"ring"},
		),
		RingSmashes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ring_smashes_total",
				Help:      "Inconsistent byte-stream cursors observed.",
			},
			[]string{"ring"},
		),
		StreamBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_bytes_total",
				Help:      "Bytes moved through byte-stream rings, by direction.",
			},
			[]string{"ring", "direction"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ring_request_duration_seconds",
				Help:      "Time from submit to response on a structured ring.",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"ring"},
		),
	}
}

// GrantIssued records a new grant of the given kind.
func (m *Metrics) GrantIssued(kind string, inUse, highWater int) {
	if m == nil {
		return
	}
	m.GrantsIssued.WithLabelValues(kind).Inc()
	m.GrantsInUse.Set(float64(inUse))
	m.GrantsHighWater.Set(float64(highWater))
}

// GrantRevoked records a grant returned to the free list.
func (m *Metrics) GrantRevoked(inUse int) {
	if m == nil {
		return
	}
	m.GrantsRevoked.Inc()
	m.GrantsInUse.Set(float64(inUse))
}

// Upcall records one dispatch loop entry.
func (m *Metrics) Upcall() {
	if m == nil {
		return
	}
	m.Upcalls.Inc()
}

// EventDelivered records a handler invocation at level.
func (m *Metrics) EventDelivered(level string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(level).Inc()
}

// EventDeferred records a notification held back by the current level.
func (m *Metrics) EventDeferred() {
	if m == nil {
		return
	}
	m.EventsDeferred.Inc()
}

// EventDropped records a notification on an unbound port.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RingPublished records n requests published on ring and whether the
// peer was notified.
func (m *Metrics) RingPublished(ring string, n int, notified bool) {
	if m == nil {
		return
	}
	m.RingRequests.WithLabelValues(ring).Add(float64(n))
	if notified {
		m.RingNotifies.WithLabelValues(ring).Inc()
	}
}

// RingConsumed records n responses consumed from ring.
func (m *Metrics) RingConsumed(ring string, n int) {
	if m == nil {
		return
	}
	m.RingResponses.WithLabelValues(ring).Add(float64(n))
}

// RingFull records a producer parking on a full ring.
func (m *Metrics) RingFull(ring string) {
	if m == nil {
		return
	}
	m.RingFullWaits.WithLabelValues(ring).Inc()
}

// RingSmashed records an inconsistent cursor pair.
func (m *Metrics) RingSmashed(ring string) {
	if m == nil {
		return
	}
	m.RingSmashes.WithLabelValues(ring).Inc()
}

// StreamMoved records n bytes written ("tx") or read ("rx").
func (m *Metrics) StreamMoved(ring, direction string, n int) {
	if m == nil {
		return
	}
	m.StreamBytes.WithLabelValues(ring, direction).Add(float64(n))
}

// RequestObserved records a round trip of seconds on ring.
func (m *Metrics) RequestObserved(ring string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(ring).Observe(seconds)
}
