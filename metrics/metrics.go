// Package metrics exposes Prometheus counters for the engine's state machines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ─── Rule registry ──────────────────────────────────────────────────────────

// RegistryWrites counts successful leave-type and rule writes.
var RegistryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "registry",
	Name:      "writes_total",
	Help:      "Successful rule registry writes by kind and action.",
}, []string{"kind", "action"})

// ─── Leave requests ─────────────────────────────────────────────────────────

// LeaveTransitions counts committed leave request transitions.
var LeaveTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "leave",
	Name:      "transitions_total",
	Help:      "Committed leave request transitions by audit action.",
}, []string{"action"})

// LeaveRejectedTransitions counts transitions refused with a typed error.
var LeaveRejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "leave",
	Name:      "refused_total",
	Help:      "Leave operations refused by error kind.",
}, []string{"operation", "kind"})

// EscalationsOpen is the size of the last escalation query.
var EscalationsOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "toil",
	Subsystem: "leave",
	Name:      "escalations_open",
	Help:      "Pending requests past the escalation threshold at the last check.",
})

// ─── Training allocations ───────────────────────────────────────────────────

// AllocationTransitions counts allocation state changes.
var AllocationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "training",
	Name:      "allocation_transitions_total",
	Help:      "Allocation transitions by axis and new status.",
}, []string{"axis", "status"})

// ─── Credits ────────────────────────────────────────────────────────────────

// CreditsIssued counts RL credits created.
var CreditsIssued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "credit",
	Name:      "issued_total",
	Help:      "RL credits issued.",
})

// CreditDaysIssued sums the days of issued credits.
var CreditDaysIssued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "credit",
	Name:      "days_issued_total",
	Help:      "Days of RL credit issued.",
})

// CreditsSkipped counts completed allocations that earned no credit.
var CreditsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toil",
	Subsystem: "credit",
	Name:      "skipped_total",
	Help:      "Completed allocations that earned no RL credit, by reason.",
}, []string{"reason"})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
