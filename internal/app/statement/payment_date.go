package statement

import (
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// CalculateNextPaymentDate returns the next payout date. Payouts happen on
// day of the month; which month depends on where pending balances sit and on
// when tokens are next redeemed:
//
//   - on or before day: this month if last month has a pending balance,
//     otherwise next month
//   - after day: next month if this month has a pending balance or tokens are
//     redeemed again this month, otherwise the month after next
//
// The result keeps now's UTC time of day.
func CalculateNextPaymentDate(now, nextTokenRedemptionAt time.Time, txs []domain.Transaction, day int) time.Time {
	now = now.UTC()
	year, month := now.Year(), int(now.Month())

	if now.Day() <= day {
		if !HasPendingTransactionsForPreviousMonth(now, txs) {
			month++
		}
	} else {
		switch {
		case HasPendingTransactionsForThisMonth(now, txs):
			month++
		case int(nextTokenRedemptionAt.UTC().Month()) == month:
			month++
		default:
			month += 2
		}
	}

	if month > 12 {
		month -= 12
		year++
	}
	return time.Date(year, time.Month(month), day,
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
}
