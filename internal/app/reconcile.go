package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 500
	reconcileLockKey      = "withdrawal:reconcile"
	reconcileLockTTL      = 5 * time.Minute
)

// ErrSweepInProgress is returned when another instance holds the reconcile lock.
var ErrSweepInProgress = errors.New("reconciliation sweep already running")

// ReconcileResult summarizes one sweep over outstanding disbursements.
type ReconcileResult struct {
	Scanned      int `json:"scanned"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	Acknowledged int `json:"acknowledged"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

// NormalizeReconcileLimit clamps a requested batch size.
func NormalizeReconcileLimit(limit int) int {
	if limit <= 0 {
		return defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		return maxReconcileLimit
	}
	return limit
}

// ReconcileOutstandingDisbursements resolves accepted disbursements and unacknowledged
// ones that have not moved for at least the settlement eligibility age.
func (w *Workflow) ReconcileOutstandingDisbursements(ctx context.Context, limit int) (*ReconcileResult, error) {
	limit = NormalizeReconcileLimit(limit)

	if w.sweepLock != nil {
		release, acquired, err := w.sweepLock.Acquire(ctx, reconcileLockKey, reconcileLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire reconcile lock: %w", err)
		}
		if !acquired {
			return nil, ErrSweepInProgress
		}
		defer release()
	}

	started := time.Now()
	cutoff := w.now().Add(-w.settlementMinAge)
	candidates, err := w.repo.ListOutstandingDisbursements(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding disbursements: %w", err)
	}

	result := &ReconcileResult{Scanned: len(candidates)}
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		item := &candidates[i]

		state, err := w.settle(ctx, item, settlementSourceCheck)
		if err != nil {
			result.Errors++
			w.log.Warn("reconcile candidate unresolved",
				zap.Int64("processed_id", item.ID),
				zap.Error(err),
			)
			continue
		}

		switch state.Processed.Status {
		case domain.ProcessedSuccess:
			result.Settled++
		case domain.ProcessedFailed:
			result.Failed++
		case domain.ProcessedAccepted:
			if item.Status == domain.ProcessedProcessing {
				result.Acknowledged++
			} else {
				result.StillPending++
			}
		default:
			result.StillPending++
		}
	}

	w.metrics.observeReconcile(result, time.Since(started))
	w.log.Info("reconcile sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("settled", result.Settled),
		zap.Int("failed", result.Failed),
		zap.Int("acknowledged", result.Acknowledged),
		zap.Int("still_pending", result.StillPending),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
