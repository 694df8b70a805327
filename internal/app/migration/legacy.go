// Package migration imports the ledger kept by the legacy rewards engine.
// The legacy history is collapsed into this month's transactions plus two
// summary transactions for previous months.
package migration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutu-network/adrewards/internal/app/statement"
	"github.com/tutu-network/adrewards/internal/domain"
)

// Payment is one month of legacy payout state.
type Payment struct {
	Balance          float64
	Month            string // YYYY-MM
	TransactionCount int
}

// ─── JSON Readers ───────────────────────────────────────────────────────────

type legacyState struct {
	Payments           *[]legacyPayment          `json:"payments"`
	TransactionHistory *legacyTransactionHistory `json:"transaction_history"`
}

type legacyPayment struct {
	Balance          *float64 `json:"balance"`
	Month            *string  `json:"month"`
	TransactionCount *int     `json:"transaction_count"`
}

type legacyTransactionHistory struct {
	Transactions *[]legacyTransaction `json:"transactions"`
}

type legacyTransaction struct {
	TimestampInSeconds       *string  `json:"timestamp_in_seconds"`
	EstimatedRedemptionValue *float64 `json:"estimated_redemption_value"`
	ConfirmationType         *string  `json:"confirmation_type"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrMalformedLegacyJSON)
}

// ReadPayments parses the payments list of a legacy state document.
func ReadPayments(data []byte) ([]Payment, error) {
	var state legacyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if state.Payments == nil {
		return nil, malformed("missing payments")
	}

	payments := make([]Payment, 0, len(*state.Payments))
	for i, p := range *state.Payments {
		if p.Balance == nil || p.Month == nil || p.TransactionCount == nil {
			return nil, malformed("payment %d is incomplete", i)
		}
		if _, err := time.Parse("2006-01", *p.Month); err != nil {
			return nil, malformed("payment %d month %q", i, *p.Month)
		}
		payments = append(payments, Payment{Balance: *p.Balance, Month: *p.Month, TransactionCount: *p.TransactionCount})
	}
	return payments, nil
}

// ReadTransactionHistory parses the transaction history of a legacy state
// document. Legacy transactions carry no ad type; they were all ad
// notifications.
func ReadTransactionHistory(data []byte) ([]domain.Transaction, error) {
	var state legacyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if state.TransactionHistory == nil || state.TransactionHistory.Transactions == nil {
		return nil, malformed("missing transaction history")
	}

	txs := make([]domain.Transaction, 0, len(*state.TransactionHistory.Transactions))
	for i, t := range *state.TransactionHistory.Transactions {
		if t.TimestampInSeconds == nil || t.EstimatedRedemptionValue == nil || t.ConfirmationType == nil {
			return nil, malformed("transaction %d is incomplete", i)
		}
		seconds, err := strconv.ParseInt(*t.TimestampInSeconds, 10, 64)
		if err != nil {
			return nil, malformed("transaction %d timestamp %q", i, *t.TimestampInSeconds)
		}
		confirmationType := domain.ConfirmationType(*t.ConfirmationType)
		if !confirmationType.IsValid() {
			return nil, malformed("transaction %d confirmation type %q", i, *t.ConfirmationType)
		}
		txs = append(txs, domain.Transaction{
			ID:               uuid.NewString(),
			Value:            *t.EstimatedRedemptionValue,
			AdType:           domain.AdTypeAdNotification,
			ConfirmationType: confirmationType,
			CreatedAt:        time.Unix(seconds, 0).UTC(),
		})
	}
	return txs, nil
}

// ─── Payment Balances ───────────────────────────────────────────────────────

// GetPaymentBalanceForMonth returns the balance recorded for month, or 0.
func GetPaymentBalanceForMonth(payments []Payment, month time.Time) float64 {
	key := month.UTC().Format("2006-01")
	for _, p := range payments {
		if p.Month == key {
			return p.Balance
		}
	}
	return 0
}

// GetPaymentBalanceForPreviousMonths sums the balances of every month before
// now's.
func GetPaymentBalanceForPreviousMonths(payments []Payment, now time.Time) float64 {
	thisMonth := now.UTC().Format("2006-01")
	sum := decimal.Zero
	for _, p := range payments {
		// YYYY-MM sorts chronologically.
		if p.Month < thisMonth {
			sum = sum.Add(decimal.NewFromFloat(p.Balance))
		}
	}
	return sum.InexactFloat64()
}

// ─── Earnings ───────────────────────────────────────────────────────────────

// GetTransactionsForPreviousMonths returns transactions created before now's
// month.
func GetTransactionsForPreviousMonths(txs []domain.Transaction, now time.Time) []domain.Transaction {
	return filterDateRange(txs, time.Time{}, statement.EndOfPreviousMonth(now))
}

// GetTransactionsForThisMonth returns transactions created from the start of
// now's month up to now.
func GetTransactionsForThisMonth(txs []domain.Transaction, now time.Time) []domain.Transaction {
	return filterDateRange(txs, statement.BeginningOfMonth(now), now)
}

// GetEarningsForPreviousMonths sums transactions created before now's month.
func GetEarningsForPreviousMonths(txs []domain.Transaction, now time.Time) float64 {
	return statement.GetEarningsForDateRange(txs, time.Time{}, statement.EndOfPreviousMonth(now))
}

// GetUnredeemedEarningsForPreviousMonths is what previous months earned
// minus what they were paid.
func GetUnredeemedEarningsForPreviousMonths(txs []domain.Transaction, payments []Payment, now time.Time) float64 {
	earned := decimal.NewFromFloat(GetEarningsForPreviousMonths(txs, now))
	paid := decimal.NewFromFloat(GetPaymentBalanceForPreviousMonths(payments, now))
	return earned.Sub(paid).InexactFloat64()
}

func filterDateRange(txs []domain.Transaction, from, to time.Time) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range txs {
		if !t.CreatedAt.Before(from) && !t.CreatedAt.After(to) {
			out = append(out, t)
		}
	}
	return out
}

// ─── Transactions ───────────────────────────────────────────────────────────

// BuildTransactionsFromJSON converts a legacy state document into ledger
// transactions as of now:
//
//   - this month's legacy transactions, pending
//   - one pending transaction carrying previous months' unpaid earnings
//   - one redeemed transaction carrying last month's paid balance
//
// Both summary transactions are dated at the start of last month so payment
// date calculation sees last month's state. Nothing is returned if either
// part of the document is malformed.
func BuildTransactionsFromJSON(data []byte, now time.Time) ([]domain.Transaction, error) {
	payments, err := ReadPayments(data)
	if err != nil {
		return nil, err
	}
	history, err := ReadTransactionHistory(data)
	if err != nil {
		return nil, err
	}

	lastMonth := statement.BeginningOfPreviousMonth(now)
	txs := GetTransactionsForThisMonth(history, now)
	txs = append(txs,
		domain.Transaction{
			ID:               uuid.NewString(),
			Value:            GetUnredeemedEarningsForPreviousMonths(history, payments, now),
			AdType:           domain.AdTypeAdNotification,
			ConfirmationType: domain.ConfirmationTypeViewed,
			CreatedAt:        lastMonth,
		},
		domain.Transaction{
			ID:               uuid.NewString(),
			Value:            GetPaymentBalanceForMonth(payments, lastMonth),
			AdType:           domain.AdTypeAdNotification,
			ConfirmationType: domain.ConfirmationTypeViewed,
			CreatedAt:        lastMonth,
			RedeemedAt:       lastMonth,
		},
	)
	return txs, nil
}
