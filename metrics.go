package storagekit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by decorators and REST backends. A nil
// *Metrics records nothing.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagekit_cache_hits_total",
			Help: "Reads served from the cache backend without copying from the source",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagekit_cache_misses_total",
			Help: "Reads that populated the cache backend from the source",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storagekit_cache_evictions_total",
			Help: "Cache keys removed by age, invalidation or clearing",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storagekit_http_requests_total",
			Help: "Backend HTTP requests by backend, method and status code",
		}, []string{"backend", "method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheEvictions, m.HTTPRequests)
	}
	return m
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheEvicted(n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

// ObserveRequest counts one backend HTTP exchange.
func (m *Metrics) ObserveRequest(backend, method string, code int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(backend, method, strconv.Itoa(code)).Inc()
	}
}
