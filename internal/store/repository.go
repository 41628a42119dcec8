/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the withdrawal workflow needs. Mutating methods that guard a request's
 * lifecycle run under a row lock so a request is decided at most once.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
)

var (
	ErrWithdrawalRequestNotFound   = errors.New("withdrawal request not found")
	ErrProcessedWithdrawalNotFound = errors.New("processed withdrawal not found")
	ErrCreatorNotFound             = errors.New("creator not found")
	// ErrInvalidState is returned when a request is no longer pending or already has
	// a live decision bound to it.
	ErrInvalidState = errors.New("withdrawal request is not pending")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	GetWithdrawalRequest(ctx context.Context, requestID int64) (*domain.WithdrawalRequest, error)
	GetProcessedWithdrawal(ctx context.Context, processedID int64) (*domain.ProcessedWithdrawal, error)
	FindProcessedWithdrawalByReference(ctx context.Context, referenceID string) (*domain.ProcessedWithdrawal, error)

	// Decision methods
	BeginApproval(ctx context.Context, params BeginApprovalParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error)
	RecordAcceptance(ctx context.Context, processedID int64, at time.Time) (*DecisionState, error)
	RecordAcknowledgmentFailure(ctx context.Context, processedID int64, statusCode int, detail string) (*DecisionState, error)
	MarkFollowUpRequired(ctx context.Context, processedID int64, lastError string) error
	ApplySettlement(ctx context.Context, processedID int64, status domain.SettlementStatus, note string, at time.Time) (*DecisionState, error)
	RejectRequest(ctx context.Context, params RejectParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error)

	// Reporting methods
	ListPendingWithLedgers(ctx context.Context) ([]domain.WithdrawalRequest, map[string]domain.CreatorLedger, error)
	ListProcessedByActor(ctx context.Context, actorID string) ([]domain.ProcessedWithdrawalView, error)
	ListOutstandingDisbursements(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.ProcessedWithdrawal, error)
	GetCreatorLedger(ctx context.Context, creatorID string) (domain.CreatorLedger, error)
	GetStaffSummary(ctx context.Context) (*domain.StaffSummary, error)
}

// BeginApprovalParams records an approval attempt before the gateway is called.
type BeginApprovalParams struct {
	RequestID   int64
	ActorID     string
	ReferenceID string
	At          time.Time
}

// RejectParams records a rejection.
type RejectParams struct {
	RequestID int64
	ActorID   string
	Reason    string
	At        time.Time
}

// DecisionState is the pair of records after a lifecycle update. Changed is false
// when the update was a no-op, for example a settlement replay on a terminal record.
type DecisionState struct {
	Request   *domain.WithdrawalRequest
	Processed *domain.ProcessedWithdrawal
	Changed   bool
}
