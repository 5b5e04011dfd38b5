package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Claims           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "labelflow_claims_total", Help: "Items handed to workers"}, []string{"kind"})
	ClaimsExhausted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "labelflow_claims_exhausted_total", Help: "Claim requests with no eligible item"}, []string{"kind"})
	Releases         = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_releases_total", Help: "Claims given back by workers"})
	Commits          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "labelflow_commits_total", Help: "Judgments committed"}, []string{"kind"})
	RoundsAccepted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_rounds_accepted_total", Help: "Audit rounds resolved as accepted"})
	ItemsDiscarded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_items_discarded_total", Help: "Items discarded after an exhausted audit round"})
	RoundAdmissions  = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_round_admissions_total", Help: "Items admitted into a following audit round"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_leases_reclaimed_total", Help: "Expired claims returned to pending"})
	IntakeScanned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_intake_scanned_total", Help: "Upstream items considered for audit intake"})
	IntakeAdmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_intake_admitted_total", Help: "Upstream items admitted into audit tasks"})
	ItemsRecreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_items_recreated_total", Help: "Discarded items reopened on the upstream label task"})
	ItemsSettled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_items_settled_total", Help: "Processing items without a live claim repaired by reconciliation"})
	ReconcileRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "labelflow_reconcile_runs_total", Help: "Reconciliation runs by outcome"}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "labelflow_rate_limit_rejects_total", Help: "Claim requests rejected by rate limiter"})
	ScheduledTasks   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "labelflow_scheduled_tasks", Help: "Open tasks with a reconciliation entry"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Claims,
			ClaimsExhausted,
			Releases,
			Commits,
			RoundsAccepted,
			ItemsDiscarded,
			RoundAdmissions,
			LeasesReclaimed,
			IntakeScanned,
			IntakeAdmitted,
			ItemsRecreated,
			ItemsSettled,
			ReconcileRuns,
			RateLimitRejects,
			ScheduledTasks,
		)
	})
}
