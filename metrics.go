package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-topic Prometheus collectors of a bus.
// A nil *Metrics records nothing.
type Metrics struct {
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	faults      *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published, by topic.",
		}, []string{"topic"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Successful handler invocations, by topic.",
		}, []string{"topic"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_faults_total",
			Help:      "Handler errors and panics, by topic.",
		}, []string{"topic"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active subscriptions, by topic.",
		}, []string{"topic"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.published, m.delivered, m.faults, m.subscribers}
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) incPublished(topic Topic) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic.String()).Inc()
}

func (m *Metrics) incDelivered(topic Topic) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(topic.String()).Inc()
}

func (m *Metrics) incFaults(topic Topic) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(topic.String()).Inc()
}

func (m *Metrics) setSubscribers(topic Topic, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(topic.String()).Set(float64(n))
}
