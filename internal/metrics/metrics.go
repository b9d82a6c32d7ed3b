// Package metrics defines the Prometheus collectors exported by the server and client.
// All recorders are nil-safe so callers may run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Append results.
const (
	ResultStored   = "stored"
	ResultDeduped  = "deduped"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// SoR records source-of-record activity.
type SoR struct {
	appends     *prometheus.CounterVec
	latency     prometheus.Histogram
	lists       prometheus.Counter
	subscribers prometheus.Gauge
}

// NewSoR creates the collectors and registers them with reg when reg is not nil.
func NewSoR(reg prometheus.Registerer) *SoR {
	m := &SoR{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sor", Name: "appends_total",
			Help: "Append calls by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sor", Name: "append_seconds",
			Help:    "Append latency.",
			Buckets: prometheus.DefBuckets,
		}),
		lists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sor", Name: "list_after_total",
			Help: "ListAfter calls.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sor", Name: "subscribers",
			Help: "Live subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.appends, m.latency, m.lists, m.subscribers)
	}
	return m
}

// Append records one append outcome.
func (m *SoR) Append(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
	m.latency.Observe(d.Seconds())
}

// List records one ListAfter call.
func (m *SoR) List() {
	if m == nil {
		return
	}
	m.lists.Inc()
}

// Subscribers adjusts the live subscription gauge.
func (m *SoR) Subscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

// Outbox records runner activity on a device.
type Outbox struct {
	dispatched prometheus.Counter
	failed     prometheus.Counter
	depth      prometheus.Gauge
}

// NewOutbox creates the collectors and registers them with reg when reg is not nil.
func NewOutbox(reg prometheus.Registerer) *Outbox {
	m := &Outbox{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "dispatched_total",
			Help: "Items delivered and removed from the outbox.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "failed_total",
			Help: "Dispatch attempts that failed.",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "depth",
			Help: "Items waiting in the outbox.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.failed, m.depth)
	}
	return m
}

// Dispatched counts a delivered item.
func (m *Outbox) Dispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

// Failed counts a failed attempt.
func (m *Outbox) Failed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// Depth sets the observed queue size.
func (m *Outbox) Depth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}
