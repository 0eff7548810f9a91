package broadcast

import (
	"errors"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kasalerts"

const (
	terminationSlowConsumer = "slow_consumer"
	terminationFeedBroken   = "feed_broken"
	terminationHubClosed    = "hub_closed"
)

// Metrics exposes hub activity. A nil *Metrics records nothing.
type Metrics struct {
	subscribers  *prometheus.GaugeVec
	delivered    *prometheus.CounterVec
	terminated   *prometheus.CounterVec
	feedFailures *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Active stream subscribers per category.",
		}, []string{"category"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "alerts_delivered_total",
			Help:      "Alerts enqueued to stream subscribers.",
		}, []string{"category"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "subscribers_terminated_total",
			Help:      "Subscriptions ended by the hub, by reason.",
		}, []string{"category", "reason"}),
		feedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "failures_total",
			Help:      "Change feed failures per category.",
		}, []string{"category"}),
	}
	if registerer == nil {
		return metrics, nil
	}
	collectors := []prometheus.Collector{metrics.subscribers, metrics.delivered, metrics.terminated, metrics.feedFailures}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) subscriberAdded(category alerts.Category) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(category.String()).Inc()
}

func (m *Metrics) subscriberRemoved(category alerts.Category, cause error) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(category.String()).Dec()
	if cause == nil {
		return
	}
	reason := terminationFeedBroken
	switch {
	case errors.Is(cause, ErrSlowConsumer):
		reason = terminationSlowConsumer
	case errors.Is(cause, ErrHubClosed):
		reason = terminationHubClosed
	}
	m.terminated.WithLabelValues(category.String(), reason).Inc()
}

func (m *Metrics) alertDelivered(category alerts.Category) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(category.String()).Inc()
}

func (m *Metrics) feedFailed(category alerts.Category) {
	if m == nil {
		return
	}
	m.feedFailures.WithLabelValues(category.String()).Inc()
}
