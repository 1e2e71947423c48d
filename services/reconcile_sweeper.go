package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/utils"
)

const sweepBatchSize = 50

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked    int
	Reconciled int
	NotFound   int
	Failed     int
}

// SweepPlaceholders reconciles READY rows older than minAge. Rows the gateway
// still does not know about stay READY for the next sweep.
func (s *ReconcileService) SweepPlaceholders(ctx context.Context, minAge time.Duration) (SweepResult, error) {
	var result SweepResult

	payments, err := s.store.ListPlaceholderPayments(ctx, s.now().Add(-minAge), sweepBatchSize)
	if err != nil {
		return result, err
	}

	for _, p := range payments {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		_, err := s.Reconcile(ctx, p.OrderID)
		switch {
		case err == nil:
			result.Reconciled++
		case isNotFound(err):
			result.NotFound++
		default:
			result.Failed++
			utils.ErrorLogger.WithField("order_id", p.OrderID).WithError(err).Error("sweep: reconcile failed")
		}
	}
	return result, nil
}

// StartSweeper runs SweepPlaceholders every interval until ctx is done.
func (s *ReconcileService) StartSweeper(ctx context.Context, interval, minAge time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.SweepPlaceholders(ctx, minAge)
				if err != nil && !errors.Is(err, context.Canceled) {
					utils.ErrorLogger.WithError(err).Error("sweep: listing placeholders failed")
					continue
				}
				if res.Checked > 0 {
					utils.InfoLogger.WithFields(logrus.Fields{
						"checked":    res.Checked,
						"reconciled": res.Reconciled,
						"not_found":  res.NotFound,
						"failed":     res.Failed,
					}).Info("sweep: placeholder pass finished")
				}
			}
		}
	}()
	utils.InfoLogger.WithField("interval", interval.String()).Info("placeholder sweeper started")
}
