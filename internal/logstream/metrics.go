package logstream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *hubMetrics
)

type hubMetrics struct {
	published    prometheus.Counter
	droppedLines prometheus.Counter
	subscribers  prometheus.Gauge
}

// newHubMetrics registers the hub collectors once; later hubs share them.
func newHubMetrics() *hubMetrics {
	metricsOnce.Do(func() {
		m := &hubMetrics{
			published: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deployer",
				Subsystem: "logstream",
				Name:      "lines_published_total",
				Help:      "Count of log lines handed to the hub",
			}),
			droppedLines: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deployer",
				Subsystem: "logstream",
				Name:      "lines_dropped_total",
				Help:      "Count of log lines dropped on slow subscriber queues",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "deployer",
				Subsystem: "logstream",
				Name:      "subscribers",
				Help:      "Current number of registered stream subscribers",
			}),
		}
		m.published = registerOrExisting(m.published).(prometheus.Counter)
		m.droppedLines = registerOrExisting(m.droppedLines).(prometheus.Counter)
		m.subscribers = registerOrExisting(m.subscribers).(prometheus.Gauge)
		sharedMetrics = m
	})
	return sharedMetrics
}

func registerOrExisting(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return c
}

func (m *hubMetrics) linePublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *hubMetrics) lineDropped() {
	if m == nil {
		return
	}
	m.droppedLines.Inc()
}

func (m *hubMetrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *hubMetrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
