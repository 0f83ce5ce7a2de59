// Package metrics exposes Prometheus collectors for the allowance engine.
//
// A nil *Recorder is valid and records nothing, so engines can be built
// without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "allowance"

// Recorder contains the engine's Prometheus collectors.
type Recorder struct {
	consumedMinutes  prometheus.Counter
	consumptionLogs  *prometheus.CounterVec
	graceRequests    *prometheus.CounterVec
	graceResolutions *prometheus.CounterVec
	repayments       *prometheus.CounterVec
	ledgerConflicts  prometheus.Counter
	budgetChecks     *prometheus.CounterVec
	expiredRequests  prometheus.Counter
}

// New registers the collectors with reg. Use a fresh prometheus.NewRegistry()
// per test; registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		consumedMinutes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_minutes_total",
			Help:      "Total minutes debited from allowance balances",
		}),
		consumptionLogs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumption_logs_total",
			Help:      "Consumption log attempts by result",
		}, []string{"result"}),
		graceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_requests_total",
			Help:      "Grace requests by outcome (auto_approved, pending_approval, quota_exceeded, error)",
		}, []string{"outcome"}),
		graceResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_resolutions_total",
			Help:      "Grace request resolutions by resulting state",
		}, []string{"resolution"}),
		repayments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_repayments_total",
			Help:      "Repayment status changes by resulting state",
		}, []string{"status"}),
		ledgerConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflicts_total",
			Help:      "Balance writes that lost the compare-and-set race after retry",
		}),
		budgetChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_evaluations_total",
			Help:      "Budget evaluations by status",
		}, []string{"status"}),
		expiredRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_expired_total",
			Help:      "Pending grace requests expired by the scheduler",
		}),
	}
}

func (r *Recorder) ConsumptionLogged(minutes int64) {
	if r == nil {
		return
	}
	r.consumedMinutes.Add(float64(minutes))
	r.consumptionLogs.WithLabelValues("ok").Inc()
}

func (r *Recorder) ConsumptionFailed() {
	if r == nil {
		return
	}
	r.consumptionLogs.WithLabelValues("error").Inc()
}

func (r *Recorder) GraceRequested(outcome string) {
	if r == nil {
		return
	}
	r.graceRequests.WithLabelValues(outcome).Inc()
}

func (r *Recorder) GraceResolved(resolution string) {
	if r == nil {
		return
	}
	r.graceResolutions.WithLabelValues(resolution).Inc()
}

func (r *Recorder) RepaymentChanged(status string) {
	if r == nil {
		return
	}
	r.repayments.WithLabelValues(status).Inc()
}

func (r *Recorder) LedgerConflict() {
	if r == nil {
		return
	}
	r.ledgerConflicts.Inc()
}

func (r *Recorder) BudgetEvaluated(status string) {
	if r == nil {
		return
	}
	r.budgetChecks.WithLabelValues(status).Inc()
}

func (r *Recorder) GraceExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.expiredRequests.Add(float64(n))
}
