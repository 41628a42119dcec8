package domain

// SettlementTransition is the state change a settlement result causes on a
// processed withdrawal and its request. An empty Request leaves the request as is.
type SettlementTransition struct {
	Processed ProcessedStatus
	Request   WithdrawalStatus
	// Acknowledged is set when the transition also confirms that the provider
	// accepted the disbursement, so acceptance timestamps must be stamped.
	Acknowledged bool
}

// NextSettlementState returns the transition for a settlement result, or false when
// the result must be ignored (terminal records and still-pending accepted records).
func NextSettlementState(current ProcessedStatus, result SettlementStatus) (SettlementTransition, bool) {
	switch current {
	case ProcessedAccepted:
		switch result {
		case SettlementSuccess:
			return SettlementTransition{Processed: ProcessedSuccess, Request: WithdrawalSuccess}, true
		case SettlementFailure:
			return SettlementTransition{Processed: ProcessedFailed, Request: WithdrawalFailed}, true
		}
	case ProcessedProcessing:
		switch result {
		case SettlementSuccess:
			return SettlementTransition{Processed: ProcessedSuccess, Request: WithdrawalSuccess, Acknowledged: true}, true
		case SettlementPending:
			return SettlementTransition{Processed: ProcessedAccepted, Request: WithdrawalAccepted, Acknowledged: true}, true
		case SettlementFailure:
			// The provider never paid out; the request goes back to staff.
			return SettlementTransition{Processed: ProcessedFailed}, true
		}
	}
	return SettlementTransition{}, false
}
