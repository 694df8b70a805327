// Package statement derives the user-facing earnings statement from the
// transaction ledger. Date ranges are inclusive at both ends and all calendar
// arithmetic is done in UTC.
package statement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Earnings ───────────────────────────────────────────────────────────────

// GetEarningsForDateRange sums the value of every transaction created in
// [from, to], redeemed or not.
func GetEarningsForDateRange(txs []domain.Transaction, from, to time.Time) float64 {
	sum := decimal.Zero
	for _, t := range txs {
		if inRange(t.CreatedAt, from, to) {
			sum = sum.Add(decimal.NewFromFloat(t.Value))
		}
	}
	return sum.InexactFloat64()
}

// GetUnredeemedEarningsForDateRange sums the value of pending transactions
// created in [from, to].
func GetUnredeemedEarningsForDateRange(txs []domain.Transaction, from, to time.Time) float64 {
	sum := decimal.Zero
	for _, t := range txs {
		if IsTransactionPendingForDateRange(t, from, to) {
			sum = sum.Add(decimal.NewFromFloat(t.Value))
		}
	}
	return sum.InexactFloat64()
}

// GetAdsReceivedForDateRange counts ad views in [from, to].
func GetAdsReceivedForDateRange(txs []domain.Transaction, from, to time.Time) int {
	n := 0
	for _, t := range txs {
		if t.ConfirmationType == domain.ConfirmationTypeViewed && inRange(t.CreatedAt, from, to) {
			n++
		}
	}
	return n
}

// ─── Pending Transactions ───────────────────────────────────────────────────

// IsTransactionPending reports whether t has not been redeemed.
func IsTransactionPending(t domain.Transaction) bool {
	return t.IsPending()
}

// IsTransactionPendingForDateRange reports whether t is pending and was
// created in [from, to].
func IsTransactionPendingForDateRange(t domain.Transaction, from, to time.Time) bool {
	return IsTransactionPending(t) && inRange(t.CreatedAt, from, to)
}

// HasPendingTransactionsForDateRange reports whether any transaction created
// in [from, to] is pending.
func HasPendingTransactionsForDateRange(txs []domain.Transaction, from, to time.Time) bool {
	for _, t := range txs {
		if IsTransactionPendingForDateRange(t, from, to) {
			return true
		}
	}
	return false
}

// HasPendingTransactionsForPreviousMonth checks the calendar month before now.
func HasPendingTransactionsForPreviousMonth(now time.Time, txs []domain.Transaction) bool {
	return HasPendingTransactionsForDateRange(txs, BeginningOfPreviousMonth(now), EndOfPreviousMonth(now))
}

// HasPendingTransactionsForThisMonth checks from the start of now's month up
// to now.
func HasPendingTransactionsForThisMonth(now time.Time, txs []domain.Transaction) bool {
	return HasPendingTransactionsForDateRange(txs, BeginningOfMonth(now), now)
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// ─── Calendar ───────────────────────────────────────────────────────────────

// BeginningOfMonth returns midnight UTC on the first of t's month.
func BeginningOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// BeginningOfPreviousMonth returns midnight UTC on the first of the month
// before t's.
func BeginningOfPreviousMonth(t time.Time) time.Time {
	return BeginningOfMonth(t).AddDate(0, -1, 0)
}

// EndOfPreviousMonth returns the last instant of the month before t's.
func EndOfPreviousMonth(t time.Time) time.Time {
	return BeginningOfMonth(t).Add(-time.Nanosecond)
}
