package app

import (
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/shopspring/decimal"
)

// CalculateBalance returns the amount a creator may still withdraw: confirmed
// payments minus every withdrawal that is pending, accepted or paid out. Rejected and
// failed withdrawals never consumed balance. The result is never negative.
func CalculateBalance(ledger domain.CreatorLedger) decimal.Decimal {
	credited := ledger.Payments[domain.PaymentSuccess]

	reserved := decimal.Zero
	for status, amount := range ledger.Withdrawals {
		if status.ReservesBalance() {
			reserved = reserved.Add(amount)
		}
	}

	balance := credited.Sub(reserved)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance.Round(2)
}
