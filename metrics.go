package inbox

import "github.com/prometheus/client_golang/prometheus"

// listenerMetrics holds the Prometheus collectors for one listener.
type listenerMetrics struct {
	consumed        prometheus.Counter
	matched         prometheus.Counter
	predicatePanics prometheus.Counter
	evictions       prometheus.Counter
	dropped         prometheus.Counter

	cacheSize prometheus.Gauge
}

// newListenerMetrics creates the collectors and registers them with reg.
// Registration fails on collision, which usually means two listeners share
// a channel name on the same registry.
func newListenerMetrics(reg prometheus.Registerer, channel string) (*listenerMetrics, error) {
	m := &listenerMetrics{
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inbox",
			Subsystem:   "listener",
			Name:        "messages_consumed_total",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Total number of messages consumed from the source",
		}),
		matched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inbox",
			Subsystem:   "listener",
			Name:        "matches_total",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Total number of matchers satisfied",
		}),
		predicatePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inbox",
			Subsystem:   "listener",
			Name:        "predicate_panics_total",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Total number of predicate evaluations that panicked",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inbox",
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Total number of cached messages evicted after their TTL",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "inbox",
			Subsystem:   "cache",
			Name:        "dropped_total",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Total number of cached messages dropped to stay under the size bound",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "inbox",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"channel": channel},
			Help:        "Current number of cached messages",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.consumed,
		m.matched,
		m.predicatePanics,
		m.evictions,
		m.dropped,
		m.cacheSize,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *listenerMetrics) recordConsumed() {
	m.consumed.Inc()
}

func (m *listenerMetrics) recordMatch() {
	m.matched.Inc()
}

func (m *listenerMetrics) recordPredicatePanic() {
	m.predicatePanics.Inc()
}

func (m *listenerMetrics) recordEvictions(n int) {
	m.evictions.Add(float64(n))
}

func (m *listenerMetrics) recordDropped(n int) {
	m.dropped.Add(float64(n))
}

func (m *listenerMetrics) updateCacheSize(size int) {
	m.cacheSize.Set(float64(size))
}
