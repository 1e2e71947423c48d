package services

import (
	"sync"
	"time"
)

// PaymentMetrics is a snapshot of the payment flow counters.
type PaymentMetrics struct {
	ReconcileRequests    int64 `json:"reconcile_requests"`
	ReconcileMatched     int64 `json:"reconcile_matched"`
	ReconcileNotFound    int64 `json:"reconcile_not_found"`
	ReconcileErrors      int64 `json:"reconcile_errors"`
	CandidatesDiscarded  int64 `json:"candidates_discarded"`
	Cancellations        int64 `json:"cancellations"`
	RemoteCancelFailures int64 `json:"remote_cancel_failures"`
	AvgReconcileMillis   int64 `json:"avg_reconcile_ms"` // network-bound calls only
}

// PaymentMonitor collects in-process counters for the reconcile and cancel
// flows. A nil *PaymentMonitor is valid and records nothing.
type PaymentMonitor struct {
	mutex          sync.Mutex
	metrics        PaymentMetrics
	reconcileTotal time.Duration
	reconcileTimed int64
}

func NewPaymentMonitor() *PaymentMonitor {
	return &PaymentMonitor{}
}

// RecordReconcile counts one reconcile call. elapsed is only folded into the
// average when the call went past the local short-circuit.
func (pm *PaymentMonitor) RecordReconcile(err error, elapsed time.Duration, fromNetwork bool) {
	if pm == nil {
		return
	}
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.metrics.ReconcileRequests++
	switch {
	case err == nil:
		pm.metrics.ReconcileMatched++
	case isNotFound(err):
		pm.metrics.ReconcileNotFound++
	default:
		pm.metrics.ReconcileErrors++
	}

	if fromNetwork {
		pm.reconcileTotal += elapsed
		pm.reconcileTimed++
		pm.metrics.AvgReconcileMillis = (pm.reconcileTotal / time.Duration(pm.reconcileTimed)).Milliseconds()
	}
}

func (pm *PaymentMonitor) RecordDiscard() {
	if pm == nil {
		return
	}
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.metrics.CandidatesDiscarded++
}

func (pm *PaymentMonitor) RecordCancel(remoteFailed bool) {
	if pm == nil {
		return
	}
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.metrics.Cancellations++
	if remoteFailed {
		pm.metrics.RemoteCancelFailures++
	}
}

// GetMetrics returns the current counters.
func (pm *PaymentMonitor) GetMetrics() PaymentMetrics {
	if pm == nil {
		return PaymentMetrics{}
	}
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return pm.metrics
}
