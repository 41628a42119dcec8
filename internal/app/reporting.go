package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ListPending returns the pending requests, oldest first, each with the creator's
// current withdrawable balance. Requests and ledgers come from one snapshot.
func (w *Workflow) ListPending(ctx context.Context, actor domain.Actor) ([]domain.PendingWithdrawal, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}

	requests, ledgers, err := w.repo.ListPendingWithLedgers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}

	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].RequestDate.Equal(requests[j].RequestDate) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].RequestDate.Before(requests[j].RequestDate)
	})

	balances := make(map[string]decimal.Decimal, len(ledgers))
	rows := make([]domain.PendingWithdrawal, 0, len(requests))
	for _, req := range requests {
		balance, ok := balances[req.CreatorID]
		if !ok {
			ledger, found := ledgers[req.CreatorID]
			if !found {
				ledger = domain.NewCreatorLedger(req.CreatorID)
			}
			balance = CalculateBalance(ledger)
			balances[req.CreatorID] = balance
		}
		rows = append(rows, domain.PendingWithdrawal{
			ID:          req.ID,
			CreatorID:   req.CreatorID,
			Creator:     req.CreatorUsername,
			Amount:      req.Amount,
			RequestDate: req.RequestDate,
			Balance:     balance,
		})
	}
	return rows, nil
}

// ListProcessedByActor returns every decision the actor approved or rejected.
func (w *Workflow) ListProcessedByActor(ctx context.Context, actor domain.Actor) ([]domain.ProcessedWithdrawalView, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}
	views, err := w.repo.ListProcessedByActor(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list processed withdrawals for %s: %w", actor.ID, err)
	}
	if views == nil {
		views = []domain.ProcessedWithdrawalView{}
	}
	return views, nil
}

// StaffSummary returns the dashboard counters.
func (w *Workflow) StaffSummary(ctx context.Context, actor domain.Actor) (*domain.StaffSummary, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}
	summary, err := w.repo.GetStaffSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("load staff summary: %w", err)
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = w.now()
	}
	w.metrics.setOutstanding(summary.OutstandingDisbursements)
	return summary, nil
}

// CreatorBalance is a creator's withdrawable balance.
type CreatorBalance struct {
	CreatorID string          `json:"creator_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// CreatorBalance loads the creator's ledger and applies CalculateBalance.
func (w *Workflow) CreatorBalance(ctx context.Context, actor domain.Actor, creatorID string) (*CreatorBalance, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}
	ledger, err := w.repo.GetCreatorLedger(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	balance := CalculateBalance(ledger)
	w.log.Debug("creator balance computed", zap.String("creator_id", creatorID), zap.String("balance", balance.String()))
	return &CreatorBalance{CreatorID: creatorID, Balance: balance}, nil
}
