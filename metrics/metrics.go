// Package metrics exposes Prometheus instrumentation for the watch loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailguard/logs"
)

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailguard_ticks_total",
		Help: "Risk engine ticks evaluated, by instance and tick result.",
	}, []string{"instance", "result"})

	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailguard_closes_total",
		Help: "Positions closed by the risk engine, by close reason.",
	}, []string{"reason"})

	BreachesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailguard_breaches_total",
		Help: "Floor breaches observed (including those below the required count).",
	})

	ReconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailguard_reconcile_issues_total",
		Help: "Reconciliation issues raised, by type and level.",
	}, []string{"type", "level"})

	ReconcileActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailguard_reconcile_actions_total",
		Help: "Corrective actions taken by the reconciliation controller.",
	}, []string{"action"})

	MarginUtilizationPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trailguard_margin_utilization_pct",
		Help: "Latest margin utilization percentage per instance.",
	}, []string{"instance"})

	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trailguard_pass_duration_seconds",
		Help:    "Wall time of a full monitoring pass.",
		Buckets: prometheus.DefBuckets,
	})
)

// ObservePass records the duration of one completed pass.
func ObservePass(started time.Time) {
	PassDuration.Observe(time.Since(started).Seconds())
}

// Serve starts the metrics endpoint in the background. Errors other than a
// clean shutdown are logged, not fatal; the monitor keeps running without
// scrape support.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logs.Infof("[Metrics] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("[Metrics] Listener failed: %v", err)
		}
	}()
	return srv
}
