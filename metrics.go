package mqtransport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	publishPathSingle = "single"
	publishPathBulk   = "bulk"
)

// Metrics collects transport counters on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	SubscriptionsStarted prometheus.Counter
	SubscriptionsFailed  prometheus.Counter
	ActiveConsumers      prometheus.Gauge
	PackagesPublished    *prometheus.CounterVec
	PublishCalls         *prometheus.CounterVec
	PublishFailures      prometheus.Counter
	ShutdownFailures     prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg:                  reg,
		SubscriptionsStarted: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtransport_subscriptions_started_total", Help: "Subscriptions started successfully"}),
		SubscriptionsFailed:  prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtransport_subscriptions_failed_total", Help: "Subscriptions that failed to start"}),
		ActiveConsumers:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtransport_active_consumers", Help: "Registered consumers"}),
		PackagesPublished:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mqtransport_packages_published_total", Help: "Packages published"}, []string{"path"}),
		PublishCalls:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mqtransport_publish_calls_total", Help: "Publisher calls by dispatch path"}, []string{"path"}),
		PublishFailures:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtransport_publish_failures_total", Help: "Failed publisher calls"}),
		ShutdownFailures:     prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtransport_shutdown_failures_total", Help: "Consumers or publishers that failed to stop"}),
	}
	reg.MustRegister(m.SubscriptionsStarted, m.SubscriptionsFailed, m.ActiveConsumers,
		m.PackagesPublished, m.PublishCalls, m.PublishFailures, m.ShutdownFailures)
	return m
}

func (m *Metrics) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }

func (m *Metrics) subscription(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SubscriptionsStarted.Inc()
		return
	}
	m.SubscriptionsFailed.Inc()
}

func (m *Metrics) consumers(n int) {
	if m == nil {
		return
	}
	m.ActiveConsumers.Set(float64(n))
}

func (m *Metrics) published(path string, count int, err error) {
	if m == nil {
		return
	}
	m.PublishCalls.WithLabelValues(path).Inc()
	if err != nil {
		m.PublishFailures.Inc()
		return
	}
	m.PackagesPublished.WithLabelValues(path).Add(float64(count))
}

func (m *Metrics) shutdownFailure() {
	if m == nil {
		return
	}
	m.ShutdownFailures.Inc()
}
