// Package metrics exposes prometheus instrumentation for the ledger's
// background loops and ingestion path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "webhook",
		Name:      "deposits_credited_total",
		Help:      "Deposits credited to the ledger after confirmation.",
	}, []string{"asset"})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "webhook",
		Name:      "duplicate_events_total",
		Help:      "Webhook deliveries discarded as duplicates.",
	})

	IgnoredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "webhook",
		Name:      "ignored_events_total",
		Help:      "Webhook deliveries ignored, by reason.",
	}, []string{"reason"})

	DriftCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "reconcile",
		Name:      "drift_corrections_total",
		Help:      "Balance corrections applied by reconciliation.",
	}, []string{"asset", "critical"})

	ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Reconciliation passes that failed on adapter or store errors.",
	})

	FeesSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "fees",
		Name:      "swept_total",
		Help:      "Fee sweep executions per asset.",
	}, []string{"asset"})

	PayoutOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "payout",
		Name:      "outcomes_total",
		Help:      "Terminal payout outcomes.",
	}, []string{"asset", "status"})

	PayoutRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custodian",
		Subsystem: "payout",
		Name:      "refunds_total",
		Help:      "Compensating credits issued after failed broadcasts.",
	})
)
