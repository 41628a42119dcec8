package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementEvent is the message carrying a provider's asynchronous settlement result.
type SettlementEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	Status      string    `json:"status"`
	Direction   string    `json:"direction"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// WithdrawalEvent is published whenever the workflow moves a withdrawal forward.
type WithdrawalEvent struct {
	EventID               string           `json:"event_id"`
	EventType             string           `json:"event_type"`
	WithdrawalRequestID   int64            `json:"withdrawal_request_id"`
	ProcessedWithdrawalID int64            `json:"processed_withdrawal_id"`
	CreatorID             string           `json:"creator_id"`
	Amount                decimal.Decimal  `json:"amount"`
	RequestStatus         WithdrawalStatus `json:"request_status"`
	ProcessedStatus       ProcessedStatus  `json:"processed_status"`
	ReferenceID           string           `json:"reference_id,omitempty"`
	ActorID               string           `json:"actor_id,omitempty"`
	Reason                string           `json:"reason,omitempty"`
	OccurredAt            time.Time        `json:"occurred_at"`
}

const (
	EventDisbursementAccepted = "withdrawal.disbursement.accepted"
	EventDisbursementSettled  = "withdrawal.disbursement.settled"
	EventDisbursementFailed   = "withdrawal.disbursement.failed"
	EventDisbursementFollowUp = "withdrawal.disbursement.follow_up"
	EventDecisionRejected     = "withdrawal.decision.rejected"
)
