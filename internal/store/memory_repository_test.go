package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededRepo(t *testing.T) (*MemoryRepository, int64) {
	t.Helper()
	repo := NewMemoryRepository()
	repo.AddUser("staff-1", "alice", true)
	repo.AddCreator("creator-1", "mwila")
	repo.AddPayment("creator-1", decimal.NewFromInt(900), domain.PaymentSuccess)
	id := repo.AddWithdrawalRequest(domain.WithdrawalRequest{
		CreatorID:     "creator-1",
		Amount:        decimal.NewFromInt(500),
		PaymentMethod: "mobile_money",
		AccountNumber: "260971234567",
	})
	return repo, id
}

func TestBeginApproval_SecondDecisionIsInvalidState(t *testing.T) {
	repo, id := seededRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	req, processed, err := repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-1", At: now})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, req.Status)
	assert.Equal(t, domain.ProcessedProcessing, processed.Status)
	require.NotNil(t, processed.ApprovedBy)
	assert.Nil(t, processed.RejectedBy)

	_, _, err = repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-2", At: now})
	require.ErrorIs(t, err, ErrInvalidState)

	_, _, err = repo.RejectRequest(ctx, RejectParams{RequestID: id, ActorID: "staff-1", Reason: "late", At: now})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestBeginApproval_ConcurrentCallsRecordOneDecision(t *testing.T) {
	repo, id := seededRepo(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref", At: time.Now()})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestAcknowledgmentFailureReleasesRequestForRetry(t *testing.T) {
	repo, id := seededRepo(t)
	ctx := context.Background()

	_, processed, err := repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-1", At: time.Now()})
	require.NoError(t, err)

	state, err := repo.RecordAcknowledgmentFailure(ctx, processed.ID, 400, "bad account")
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.Equal(t, domain.ProcessedFailed, state.Processed.Status)
	assert.Equal(t, domain.WithdrawalPending, state.Request.Status)
	assert.Nil(t, state.Request.ProcessedDate)
	require.NotNil(t, state.Processed.GatewayStatusCode)
	assert.Equal(t, 400, *state.Processed.GatewayStatusCode)

	_, _, err = repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-2", At: time.Now()})
	require.NoError(t, err)
}

func TestApplySettlement_StampsProcessedDateOnce(t *testing.T) {
	repo, id := seededRepo(t)
	ctx := context.Background()
	accepted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, processed, err := repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-1", At: accepted})
	require.NoError(t, err)

	state, err := repo.RecordAcceptance(ctx, processed.ID, accepted)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalAccepted, state.Request.Status)
	require.NotNil(t, state.Request.ProcessedDate)

	settled := accepted.Add(time.Minute)
	state, err = repo.ApplySettlement(ctx, processed.ID, domain.SettlementSuccess, "", settled)
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.Equal(t, domain.WithdrawalSuccess, state.Request.Status)
	assert.Equal(t, domain.ProcessedSuccess, state.Processed.Status)
	assert.True(t, state.Request.ProcessedDate.Equal(accepted))

	state, err = repo.ApplySettlement(ctx, processed.ID, domain.SettlementFailure, "late failure", settled)
	require.NoError(t, err)
	assert.False(t, state.Changed)
	assert.Equal(t, domain.WithdrawalSuccess, state.Request.Status)
}

func TestRejectRequest_RecordsRejectingActorAndReason(t *testing.T) {
	repo, id := seededRepo(t)
	ctx := context.Background()

	req, processed, err := repo.RejectRequest(ctx, RejectParams{RequestID: id, ActorID: "staff-1", Reason: "insufficient proof", At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, req.Status)
	require.NotNil(t, req.Reason)
	assert.Equal(t, "insufficient proof", *req.Reason)
	require.NotNil(t, processed.RejectedBy)
	assert.Equal(t, "staff-1", *processed.RejectedBy)
	assert.Nil(t, processed.ApprovedBy)
	assert.NotNil(t, processed.RejectedDate)

	views, err := repo.ListProcessedByActor(ctx, "staff-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "mwila", views[0].Creator)
	assert.Equal(t, domain.ProcessedRejected, views[0].Status)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	repo, _ := seededRepo(t)
	_, _, err := repo.BeginApproval(context.Background(), BeginApprovalParams{RequestID: 999, ActorID: "staff-1", ReferenceID: "ref", At: time.Now()})
	require.ErrorIs(t, err, ErrWithdrawalRequestNotFound)
	_, err = repo.GetCreatorLedger(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrCreatorNotFound)
}

func TestListOutstandingDisbursements_HonorsCutoffAndLimit(t *testing.T) {
	repo, id := seededRepo(t)
	second := repo.AddWithdrawalRequest(domain.WithdrawalRequest{CreatorID: "creator-1", Amount: decimal.NewFromInt(10), PaymentMethod: "mobile_money", AccountNumber: "1"})
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	_, _, err := repo.BeginApproval(ctx, BeginApprovalParams{RequestID: id, ActorID: "staff-1", ReferenceID: "ref-old", At: old})
	require.NoError(t, err)
	_, _, err = repo.BeginApproval(ctx, BeginApprovalParams{RequestID: second, ActorID: "staff-1", ReferenceID: "ref-new", At: time.Now()})
	require.NoError(t, err)

	out, err := repo.ListOutstandingDisbursements(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ref-old", *out[0].ReferenceID)

	summary, err := repo.GetStaffSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.OutstandingDisbursements)
	assert.Equal(t, 2, summary.PendingWithdrawals)
	assert.Equal(t, 1, summary.TotalCreators)
}
