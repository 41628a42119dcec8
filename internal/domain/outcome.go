package domain

import "net/http"

// OutcomeKind classifies the result of a staff decision.
type OutcomeKind string

const (
	OutcomeApproved                    OutcomeKind = "approved"
	OutcomeAcceptedPendingConfirmation OutcomeKind = "accepted_pending_confirmation"
	OutcomeSettlementFailed            OutcomeKind = "settlement_failed"
	OutcomeRejected                    OutcomeKind = "rejected"
	OutcomePaymentFailed               OutcomeKind = "payment_failed"
	OutcomeFollowUpRequired            OutcomeKind = "follow_up_required"
	OutcomeNotFound                    OutcomeKind = "not_found"
	OutcomeInvalidState                OutcomeKind = "invalid_state"
	OutcomeInvalidAction               OutcomeKind = "invalid_action"
	OutcomeInvalidPayload              OutcomeKind = "invalid_payload"
	OutcomeForbidden                   OutcomeKind = "forbidden"
	OutcomeRateLimited                 OutcomeKind = "rate_limited"
	OutcomeInternalError               OutcomeKind = "internal_error"
)

// Code returns the HTTP status conventionally reported for the outcome kind.
func (k OutcomeKind) Code() int {
	switch k {
	case OutcomeApproved, OutcomeRejected:
		return http.StatusOK
	case OutcomeAcceptedPendingConfirmation, OutcomeFollowUpRequired:
		return http.StatusAccepted
	case OutcomeSettlementFailed, OutcomePaymentFailed:
		return http.StatusBadGateway
	case OutcomeNotFound:
		return http.StatusNotFound
	case OutcomeInvalidState:
		return http.StatusConflict
	case OutcomeInvalidAction, OutcomeInvalidPayload:
		return http.StatusBadRequest
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// DecisionOutcome is the structured result of a decision. Every failure inside the
// workflow ends up here rather than as a returned error.
type DecisionOutcome struct {
	Kind            OutcomeKind      `json:"kind"`
	Code            int              `json:"code"`
	Message         string           `json:"message"`
	RequestID       int64            `json:"withdrawal_request_id,omitempty"`
	Creator         string           `json:"creator,omitempty"`
	RequestStatus   WithdrawalStatus `json:"request_status,omitempty"`
	ProcessedID     int64            `json:"processed_withdrawal_id,omitempty"`
	ProcessedStatus ProcessedStatus  `json:"processed_status,omitempty"`
	ReferenceID     string           `json:"reference_id,omitempty"`
}

// NewOutcome builds an outcome whose code follows its kind.
func NewOutcome(kind OutcomeKind, message string) DecisionOutcome {
	return DecisionOutcome{Kind: kind, Code: kind.Code(), Message: message}
}

// Succeeded reports whether the decision was recorded.
func (o DecisionOutcome) Succeeded() bool {
	switch o.Kind {
	case OutcomeApproved, OutcomeAcceptedPendingConfirmation, OutcomeRejected:
		return true
	default:
		return false
	}
}
