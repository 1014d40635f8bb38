package security

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for the authorization core.
type Metrics struct {
	memoHits      prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics registers the collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	memoHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_acl_memo_hits_total",
		Help: "Checks answered from the request memo.",
	})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_acl_cache_lookups_total",
		Help: "Permission cache lookups partitioned by result.",
	}, []string{"result"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_acl_decisions_total",
		Help: "Authorization decisions partitioned by outcome.",
	}, []string{"outcome"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_acl_cache_invalidations_total",
		Help: "Per-user cache invalidations partitioned by status.",
	}, []string{"status"})
	registerer.MustRegister(memoHits, cacheLookups, decisions, invalidations)
	return &Metrics{memoHits: memoHits, cacheLookups: cacheLookups, decisions: decisions, invalidations: invalidations}
}

func (m *Metrics) memoHit() {
	if m == nil {
		return
	}
	m.memoHits.Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) decision(allowed bool, err error) {
	if m == nil {
		return
	}
	outcome := "denied"
	switch {
	case err != nil:
		outcome = "unavailable"
	case allowed:
		outcome = "allowed"
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) invalidation(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.invalidations.WithLabelValues(status).Inc()
}
