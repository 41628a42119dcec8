/**
 * @description
 * Domain models for the withdrawal approval workflow: creator withdrawal requests,
 * the audit record binding a request to the staff decision taken on it, and the
 * read models served to the staff review screens.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Monetary amounts.
 */

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle state of a creator's withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalAccepted WithdrawalStatus = "accepted"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalSuccess  WithdrawalStatus = "success"
	WithdrawalFailed   WithdrawalStatus = "failed"
)

// ReservesBalance reports whether a withdrawal in this state consumes creator balance.
func (s WithdrawalStatus) ReservesBalance() bool {
	switch s {
	case WithdrawalPending, WithdrawalAccepted, WithdrawalSuccess:
		return true
	default:
		return false
	}
}

// ProcessedStatus is the state of the audit record for a single staff decision.
// "processing" marks a disbursement that has been recorded but not yet acknowledged.
type ProcessedStatus string

const (
	ProcessedProcessing ProcessedStatus = "processing"
	ProcessedAccepted   ProcessedStatus = "accepted"
	ProcessedSuccess    ProcessedStatus = "success"
	ProcessedFailed     ProcessedStatus = "failed"
	ProcessedRejected   ProcessedStatus = "rejected"
)

// IsLive reports whether the decision still binds its request. A request with a live
// decision cannot be decided again.
func (s ProcessedStatus) IsLive() bool {
	return s != ProcessedFailed
}

// IsTerminal reports whether settlement updates must be ignored for this record.
func (s ProcessedStatus) IsTerminal() bool {
	switch s {
	case ProcessedSuccess, ProcessedFailed, ProcessedRejected:
		return true
	default:
		return false
	}
}

// SettlementStatus is the provider's view of a submitted disbursement.
type SettlementStatus string

const (
	SettlementSuccess SettlementStatus = "success"
	SettlementPending SettlementStatus = "pending"
	SettlementFailure SettlementStatus = "failure"
)

// PaymentStatus is the state of a patron payment credited to a creator.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// WithdrawalRequest is a creator's ask to withdraw funds.
type WithdrawalRequest struct {
	ID              int64            `json:"id"`
	CreatorID       string           `json:"creator_id"`
	CreatorUsername string           `json:"creator"`
	Amount          decimal.Decimal  `json:"amount"`
	PaymentMethod   string           `json:"payment_method"`
	AccountNumber   string           `json:"account_number"`
	Status          WithdrawalStatus `json:"status"`
	RequestDate     time.Time        `json:"request_date"`
	ProcessedDate   *time.Time       `json:"processed_date,omitempty"`
	Reason          *string          `json:"reason,omitempty"`
}

// ProcessedWithdrawal binds a withdrawal request to the staff action taken on it.
// Exactly one of ApprovedBy and RejectedBy is set.
type ProcessedWithdrawal struct {
	ID                  int64           `json:"id"`
	WithdrawalRequestID int64           `json:"withdrawal_request_id"`
	ApprovedBy          *string         `json:"approved_by,omitempty"`
	RejectedBy          *string         `json:"rejected_by,omitempty"`
	Status              ProcessedStatus `json:"status"`
	Reason              *string         `json:"reason,omitempty"`
	ReferenceID         *string         `json:"reference_id,omitempty"`
	ApprovedDate        *time.Time      `json:"approved_date,omitempty"`
	RejectedDate        *time.Time      `json:"rejected_date,omitempty"`
	NeedsFollowUp       bool            `json:"needs_follow_up"`
	LastError           *string         `json:"last_error,omitempty"`
	GatewayStatusCode   *int            `json:"gateway_status_code,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Actor is the authenticated staff member acting on a request.
type Actor struct {
	ID       string
	Username string
	IsStaff  bool
}

// DecisionAction is the staff decision applied to a pending request.
type DecisionAction string

const (
	ActionApprove DecisionAction = "approve"
	ActionReject  DecisionAction = "reject"
)

var ErrUnknownAction = errors.New("invalid action specified")

// ParseDecisionAction normalizes a raw action value.
func ParseDecisionAction(raw string) (DecisionAction, error) {
	switch DecisionAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionApprove:
		return ActionApprove, nil
	case ActionReject:
		return ActionReject, nil
	default:
		return "", ErrUnknownAction
	}
}

// CreatorLedger aggregates a creator's payment and withdrawal history by status.
type CreatorLedger struct {
	CreatorID   string
	Payments    map[PaymentStatus]decimal.Decimal
	Withdrawals map[WithdrawalStatus]decimal.Decimal
}

// NewCreatorLedger returns an empty ledger for the creator.
func NewCreatorLedger(creatorID string) CreatorLedger {
	return CreatorLedger{
		CreatorID:   creatorID,
		Payments:    make(map[PaymentStatus]decimal.Decimal),
		Withdrawals: make(map[WithdrawalStatus]decimal.Decimal),
	}
}

// PendingWithdrawal is a row on the staff review screen.
type PendingWithdrawal struct {
	ID          int64           `json:"id"`
	CreatorID   string          `json:"creator_id"`
	Creator     string          `json:"creator"`
	Amount      decimal.Decimal `json:"amount"`
	RequestDate time.Time       `json:"request_date"`
	Balance     decimal.Decimal `json:"balance"`
}

// ProcessedWithdrawalView is a row on the staff audit screen.
type ProcessedWithdrawalView struct {
	ID         int64           `json:"id"`
	Creator    string          `json:"creator"`
	Amount     decimal.Decimal `json:"amount"`
	Status     ProcessedStatus `json:"status"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	RejectedAt *time.Time      `json:"rejected_at,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
}

// StaffSummary backs the staff dashboard counters.
type StaffSummary struct {
	TotalUsers               int       `json:"total_users"`
	TotalCreators            int       `json:"total_creators"`
	TotalPayments            int       `json:"total_payments"`
	PendingWithdrawals       int       `json:"pending_withdrawals"`
	OutstandingDisbursements int       `json:"outstanding_disbursements"`
	UpdatedAt                time.Time `json:"updated_at"`
}
