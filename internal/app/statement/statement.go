package statement

import (
	"context"
	"fmt"
	"time"

	"github.com/tutu-network/adrewards/internal/domain"
)

// Ledger is the read side of the transaction ledger.
type Ledger interface {
	GetAllTransactions(ctx context.Context) ([]domain.Transaction, error)
}

// DefaultNextPaymentDay is the day of the month payouts happen on.
const DefaultNextPaymentDay = 5

// Builder assembles statements.
type Builder struct {
	ledger         Ledger
	prefs          domain.Preferences
	nextPaymentDay int
}

// NewBuilder creates a statement builder. A non-positive nextPaymentDay
// falls back to DefaultNextPaymentDay.
func NewBuilder(ledger Ledger, prefs domain.Preferences, nextPaymentDay int) *Builder {
	if nextPaymentDay <= 0 || nextPaymentDay > 28 {
		nextPaymentDay = DefaultNextPaymentDay
	}
	return &Builder{ledger: ledger, prefs: prefs, nextPaymentDay: nextPaymentDay}
}

// Build computes the statement as of now.
func (b *Builder) Build(ctx context.Context, now time.Time) (domain.Statement, error) {
	txs, err := b.ledger.GetAllTransactions(ctx)
	if err != nil {
		return domain.Statement{}, fmt.Errorf("read transactions: %w", err)
	}
	nextRedemptionAt, err := b.prefs.Time(ctx, domain.PrefNextTokenRedemptionAt)
	if err != nil {
		return domain.Statement{}, fmt.Errorf("read redemption schedule: %w", err)
	}

	now = now.UTC()
	thisMonth := BeginningOfMonth(now)
	return domain.Statement{
		EstimatedPendingRewards: GetUnredeemedEarningsForDateRange(txs, time.Time{}, now),
		NextPaymentDate:         CalculateNextPaymentDate(now, nextRedemptionAt, txs, b.nextPaymentDay),
		AdsReceivedThisMonth:    GetAdsReceivedForDateRange(txs, thisMonth, now),
		EarningsThisMonth:       GetEarningsForDateRange(txs, thisMonth, now),
		EarningsLastMonth:       GetEarningsForDateRange(txs, BeginningOfPreviousMonth(now), EndOfPreviousMonth(now)),
	}, nil
}
