// Package metrics exposes sync counters for local diagnostics. Nothing here
// is transmitted anywhere; the daemon serves them on the loopback status
// endpoint for inspection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsPushed counts mutations acknowledged by the server.
	MutationsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "habitsync",
		Name:      "mutations_pushed_total",
		Help:      "Mutations acknowledged by the server.",
	})

	// ChangesPulled counts remote changes applied by reconciliation.
	ChangesPulled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "habitsync",
		Name:      "changes_pulled_total",
		Help:      "Remote changes applied to the local store.",
	})

	// CycleFailures counts failed cycles by error class.
	CycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habitsync",
		Name:      "cycle_failures_total",
		Help:      "Sync cycle failures by error class.",
	}, []string{"class"})

	// PendingDepth tracks the current pending queue depth.
	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "habitsync",
		Name:      "pending_mutations",
		Help:      "Mutations waiting for server acknowledgment.",
	})

	// RateLimitWindows counts rate-limit windows opened.
	RateLimitWindows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "habitsync",
		Name:      "rate_limit_windows_total",
		Help:      "Rate-limit windows imposed by the server.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
