package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextSettlementState(t *testing.T) {
	tests := []struct {
		name    string
		current ProcessedStatus
		result  SettlementStatus
		want    SettlementTransition
		wantOK  bool
	}{
		{name: "accepted settles", current: ProcessedAccepted, result: SettlementSuccess, want: SettlementTransition{Processed: ProcessedSuccess, Request: WithdrawalSuccess}, wantOK: true},
		{name: "accepted fails", current: ProcessedAccepted, result: SettlementFailure, want: SettlementTransition{Processed: ProcessedFailed, Request: WithdrawalFailed}, wantOK: true},
		{name: "accepted still pending", current: ProcessedAccepted, result: SettlementPending, wantOK: false},
		{name: "in flight settles", current: ProcessedProcessing, result: SettlementSuccess, want: SettlementTransition{Processed: ProcessedSuccess, Request: WithdrawalSuccess, Acknowledged: true}, wantOK: true},
		{name: "in flight acknowledged", current: ProcessedProcessing, result: SettlementPending, want: SettlementTransition{Processed: ProcessedAccepted, Request: WithdrawalAccepted, Acknowledged: true}, wantOK: true},
		{name: "in flight never paid", current: ProcessedProcessing, result: SettlementFailure, want: SettlementTransition{Processed: ProcessedFailed}, wantOK: true},
		{name: "success replay", current: ProcessedSuccess, result: SettlementFailure, wantOK: false},
		{name: "failed replay", current: ProcessedFailed, result: SettlementSuccess, wantOK: false},
		{name: "rejected replay", current: ProcessedRejected, result: SettlementSuccess, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextSettlementState(tt.current, tt.result)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecisionAction(t *testing.T) {
	action, err := ParseDecisionAction(" Approve ")
	assert.NoError(t, err)
	assert.Equal(t, ActionApprove, action)

	action, err = ParseDecisionAction("reject")
	assert.NoError(t, err)
	assert.Equal(t, ActionReject, action)

	_, err = ParseDecisionAction("payout")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, WithdrawalPending.ReservesBalance())
	assert.True(t, WithdrawalAccepted.ReservesBalance())
	assert.True(t, WithdrawalSuccess.ReservesBalance())
	assert.False(t, WithdrawalRejected.ReservesBalance())
	assert.False(t, WithdrawalFailed.ReservesBalance())

	assert.True(t, ProcessedProcessing.IsLive())
	assert.True(t, ProcessedRejected.IsLive())
	assert.False(t, ProcessedFailed.IsLive())
	assert.False(t, ProcessedAccepted.IsTerminal())
	assert.True(t, ProcessedFailed.IsTerminal())
}
