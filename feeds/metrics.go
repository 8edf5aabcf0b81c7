package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedEventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_feed_events_total",
		Help: "Change events handled by feed reconcilers, by outcome",
	}, []string{"resource", "event", "outcome"})

	feedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_feed_fetches_total",
		Help: "Page fetches issued by feed reconcilers, by result",
	}, []string{"resource", "result"})

	feedFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cookshare_feed_fetch_duration_seconds",
		Help:    "Duration of page fetches",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms up to ~2.5s
	}, []string{"resource"})

	feedLookupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_feed_author_lookup_failures_total",
		Help: "Author lookups for inserted items that failed and fell back to a placeholder",
	}, []string{"resource"})

	feedResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_feed_resyncs_total",
		Help: "Reloads triggered by a change stream that lost events",
	}, []string{"resource"})

	feedCoalescedLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookshare_feed_coalesced_loads_total",
		Help: "LoadMore calls whose fetch was shared with a concurrent caller",
	}, []string{"resource"})
)
