package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolutions counts channel resolution attempts per outcome. The "outcome"
// label is one of: ok, not_found, not_live, invalid_metadata, no_candidate, error.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "live_resolver_resolutions_total",
	Help: "Channel resolution attempts by outcome",
}, []string{"outcome"})

// ProbeResults counts per-candidate reachability probes by HTTP status class.
// The "result" label carries the status code ("200", "403", ...) or "error"
// for transport failures.
var ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "live_resolver_probe_results_total",
	Help: "Candidate reachability probes by result",
}, []string{"result", "action"})

// Refreshes counts playback URL refresh attempts per channel and outcome.
// Refresh failures are soft, the session keeps serving its previous URL.
var Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "live_resolver_refreshes_total",
	Help: "Playback URL refresh attempts",
}, []string{"channel", "outcome"})

// ActiveSessions tracks the number of playback sessions currently held open.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "live_resolver_active_sessions",
	Help: "Number of active playback sessions",
})

// PlaylistReloads counts manifest reloads performed by playout loops.
var PlaylistReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "live_resolver_playlist_reloads_total",
	Help: "Media playlist reloads by playout loops",
}, []string{"channel"})

// SegmentsServed counts media segments handed to sinks, split by whether the
// segment was flagged as inserted advertising.
var SegmentsServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "live_resolver_segments_served_total",
	Help: "Media segments delivered to playout sinks",
}, []string{"channel", "kind"})

// APIRequestDuration observes upstream metadata/playback API latency.
var APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "live_resolver_api_request_duration_seconds",
	Help:    "Upstream API request latency",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint"})
