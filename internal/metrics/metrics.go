// Package metrics exposes prometheus instrumentation for jfbridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRelays tracks currently open /v/{id} relay connections.
	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jfbridge_active_relays",
		Help: "Number of currently open stream relay connections",
	})

	// RelayErrors counts relay failures by reason.
	RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jfbridge_relay_errors_total",
		Help: "Total stream relay failures by reason",
	}, []string{"reason"})

	// TranscodeJobs counts segmentation job outcomes.
	TranscodeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jfbridge_transcode_jobs_total",
		Help: "Total segmentation jobs by result",
	}, []string{"result"})

	// SegmentCache counts playlist request outcomes against the cache.
	SegmentCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jfbridge_segment_cache_total",
		Help: "Segment cache lookups by outcome (hit, joined, started)",
	}, []string{"outcome"})

	// UpstreamReauth counts transparent re-authentication attempts.
	UpstreamReauth = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jfbridge_upstream_reauth_total",
		Help: "Upstream re-authentication attempts by result",
	}, []string{"result"})

	// ProxyBindings tracks the number of live proxy bindings.
	ProxyBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jfbridge_proxy_bindings",
		Help: "Number of live proxy bindings in the registry",
	})

	// JanitorSweeps counts cache directories removed by the janitor.
	JanitorSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jfbridge_janitor_removed_total",
		Help: "Cache directories removed by the janitor",
	})
)

// IncTranscodeJob records a segmentation job outcome.
func IncTranscodeJob(result string) {
	TranscodeJobs.WithLabelValues(result).Inc()
}

// IncSegmentCache records a cache lookup outcome.
func IncSegmentCache(outcome string) {
	SegmentCache.WithLabelValues(outcome).Inc()
}

// IncUpstreamReauth records a re-authentication attempt outcome.
func IncUpstreamReauth(result string) {
	UpstreamReauth.WithLabelValues(result).Inc()
}

// IncRelayError records a relay failure.
func IncRelayError(reason string) {
	RelayErrors.WithLabelValues(reason).Inc()
}
