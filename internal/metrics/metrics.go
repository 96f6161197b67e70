package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vidcache"

// Recorder holds the Prometheus collectors of the data layer. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	staleWrites    prometheus.Counter
	refreshes      *prometheus.CounterVec
	dedupedFetches *prometheus.CounterVec
	detections     *prometheus.CounterVec
	deletions      prometheus.Counter
	rejected       *prometheus.CounterVec
	relayRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache lookups served, by tier",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache lookups that found nothing, by tier",
		}, []string{"tier"}),
		staleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_writes_total",
			Help:      "Writes ignored because a newer version was already cached",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_total",
			Help:      "Background refreshes of stale entries, by result",
		}, []string{"result"}),
		dedupedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deduped_fetches_total",
			Help:      "Fetches that joined an in-flight request instead of issuing a new one",
		}, []string{"op"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_detections_total",
			Help:      "Relay capability detections, by outcome",
		}, []string{"result"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletions_recorded_total",
			Help:      "Authorized deletion targets recorded",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletions_rejected_total",
			Help:      "Deletion targets discarded, by reason",
		}, []string{"reason"}),
		relayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Requests sent to relays, by operation and result",
		}, []string{"op", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.cacheHits, r.cacheMisses, r.staleWrites, r.refreshes, r.dedupedFetches,
			r.detections, r.deletions, r.rejected, r.relayRequests,
		)
	}
	return r
}

// IncrementCacheHit counts a hit in the given tier ("fast", "durable").
func (r *Recorder) IncrementCacheHit(tier string) {
	if r == nil {
		return
	}
	r.cacheHits.WithLabelValues(tier).Inc()
}

// IncrementCacheMiss counts a miss in the given tier.
func (r *Recorder) IncrementCacheMiss(tier string) {
	if r == nil {
		return
	}
	r.cacheMisses.WithLabelValues(tier).Inc()
}

func (r *Recorder) IncrementStaleWrite() {
	if r == nil {
		return
	}
	r.staleWrites.Inc()
}

func (r *Recorder) IncrementRefresh(result string) {
	if r == nil {
		return
	}
	r.refreshes.WithLabelValues(result).Inc()
}

func (r *Recorder) IncrementDeduped(op string) {
	if r == nil {
		return
	}
	r.dedupedFetches.WithLabelValues(op).Inc()
}

func (r *Recorder) IncrementDetection(result string) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(result).Inc()
}

func (r *Recorder) IncrementDeletionRecorded() {
	if r == nil {
		return
	}
	r.deletions.Inc()
}

func (r *Recorder) IncrementDeletionRejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) IncrementRelayRequest(op, result string) {
	if r == nil {
		return
	}
	r.relayRequests.WithLabelValues(op, result).Inc()
}
