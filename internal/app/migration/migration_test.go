package migration

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/sqlite"
)

var now = time.Date(2020, time.November, 18, 12, 0, 0, 0, time.UTC)

func unix(year int, month time.Month, day int) string {
	return fmt.Sprint(time.Date(year, month, day, 10, 0, 0, 0, time.UTC).Unix())
}

// Each month's payment balance matches what was earned in that month.
var legacyJSON = []byte(`{
  "payments": [
    {"balance": 0.5, "month": "2020-10", "transaction_count": 2},
    {"balance": 0.2, "month": "2020-11", "transaction_count": 1}
  ],
  "transaction_history": {
    "transactions": [
      {"timestamp_in_seconds": "` + unix(2020, time.October, 3) + `", "estimated_redemption_value": 0.25, "confirmation_type": "view"},
      {"timestamp_in_seconds": "` + unix(2020, time.October, 9) + `", "estimated_redemption_value": 0.25, "confirmation_type": "click"},
      {"timestamp_in_seconds": "` + unix(2020, time.November, 2) + `", "estimated_redemption_value": 0.2, "confirmation_type": "view"}
    ]
  }
}`)

func TestBuildTransactionsFromJSON(t *testing.T) {
	txs, err := BuildTransactionsFromJSON(legacyJSON, now)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	thisMonth := txs[0]
	assert.Equal(t, 0.2, thisMonth.Value)
	assert.Equal(t, time.Date(2020, time.November, 2, 10, 0, 0, 0, time.UTC), thisMonth.CreatedAt)
	assert.True(t, thisMonth.IsPending())

	lastMonth := time.Date(2020, time.October, 1, 0, 0, 0, 0, time.UTC)
	unredeemed := txs[1]
	assert.InDelta(t, 0.0, unredeemed.Value, 1e-9)
	assert.Equal(t, lastMonth, unredeemed.CreatedAt)
	assert.True(t, unredeemed.IsPending())

	redeemed := txs[2]
	assert.Equal(t, 0.5, redeemed.Value)
	assert.Equal(t, lastMonth, redeemed.CreatedAt)
	assert.Equal(t, lastMonth, redeemed.RedeemedAt)

	ids := map[string]bool{}
	for _, tx := range txs {
		assert.NotEmpty(t, tx.ID)
		ids[tx.ID] = true
	}
	assert.Len(t, ids, 3)
}

// olderPaymentsJSON has a payout older than last month and a transaction
// dated after now, so the migrated total differs from the paid total.
var olderPaymentsJSON = []byte(`{
  "payments": [
    {"balance": 0.3, "month": "2020-08", "transaction_count": 1},
    {"balance": 0.5, "month": "2020-10", "transaction_count": 2},
    {"balance": 0.2, "month": "2020-11", "transaction_count": 1}
  ],
  "transaction_history": {
    "transactions": [
      {"timestamp_in_seconds": "` + unix(2020, time.August, 5) + `", "estimated_redemption_value": 0.3, "confirmation_type": "view"},
      {"timestamp_in_seconds": "` + unix(2020, time.October, 3) + `", "estimated_redemption_value": 0.25, "confirmation_type": "view"},
      {"timestamp_in_seconds": "` + unix(2020, time.October, 9) + `", "estimated_redemption_value": 0.25, "confirmation_type": "click"},
      {"timestamp_in_seconds": "` + unix(2020, time.November, 2) + `", "estimated_redemption_value": 0.2, "confirmation_type": "view"},
      {"timestamp_in_seconds": "` + unix(2020, time.November, 25) + `", "estimated_redemption_value": 0.4, "confirmation_type": "view"}
    ]
  }
}`)

// The migrated total is what was earned up to now less what was paid before
// last month. It equals the paid total only when those line up.
func TestBuildTransactionsFromJSON_Totals(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		want      float64
		paid      float64
		matchPaid bool
	}{
		{"payments match earnings", legacyJSON, 0.7, 0.7, true},
		{"older payments and future transaction", olderPaymentsJSON, 0.7, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, err := BuildTransactionsFromJSON(tt.data, now)
			require.NoError(t, err)
			payments, err := ReadPayments(tt.data)
			require.NoError(t, err)
			history, err := ReadTransactionHistory(tt.data)
			require.NoError(t, err)

			var got, paid float64
			for _, tx := range txs {
				got += tx.Value
			}
			for _, p := range payments {
				paid += p.Balance
			}
			lastMonth := time.Date(2020, time.October, 1, 0, 0, 0, 0, time.UTC)
			earned := GetEarningsForPreviousMonths(history, now)
			for _, tx := range GetTransactionsForThisMonth(history, now) {
				earned += tx.Value
			}

			assert.InDelta(t, tt.want, got, 1e-9)
			assert.InDelta(t, earned-GetPaymentBalanceForPreviousMonths(payments, lastMonth), got, 1e-9)
			assert.InDelta(t, tt.paid, paid, 1e-9)
			if tt.matchPaid {
				assert.InDelta(t, paid, got, 1e-9)
			} else {
				assert.Greater(t, math.Abs(paid-got), 1e-9)
			}
		})
	}
}

func TestBuildTransactionsFromJSON_CarriesUnpaidEarnings(t *testing.T) {
	data := []byte(`{
	  "payments": [{"balance": 0.1, "month": "2020-09", "transaction_count": 1}],
	  "transaction_history": {"transactions": [
	    {"timestamp_in_seconds": "` + unix(2020, time.September, 3) + `", "estimated_redemption_value": 0.3, "confirmation_type": "view"}
	  ]}
	}`)

	txs, err := BuildTransactionsFromJSON(data, now)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.InDelta(t, 0.2, txs[0].Value, 1e-9)
	assert.Equal(t, 0.0, txs[1].Value, "nothing paid last month")
}

func TestBuildTransactionsFromJSON_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing payments", `{"transaction_history": {"transactions": []}}`},
		{"missing history", `{"payments": []}`},
		{"payment without balance", `{"payments": [{"month": "2020-10", "transaction_count": 1}], "transaction_history": {"transactions": []}}`},
		{"bad month", `{"payments": [{"balance": 1, "month": "October", "transaction_count": 1}], "transaction_history": {"transactions": []}}`},
		{"bad timestamp", `{"payments": [], "transaction_history": {"transactions": [{"timestamp_in_seconds": "x", "estimated_redemption_value": 0.1, "confirmation_type": "view"}]}}`},
		{"numeric timestamp", `{"payments": [], "transaction_history": {"transactions": [{"timestamp_in_seconds": 1, "estimated_redemption_value": 0.1, "confirmation_type": "view"}]}}`},
		{"unknown confirmation type", `{"payments": [], "transaction_history": {"transactions": [{"timestamp_in_seconds": "1", "estimated_redemption_value": 0.1, "confirmation_type": "bogus"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, err := BuildTransactionsFromJSON([]byte(tt.data), now)
			assert.ErrorIs(t, err, domain.ErrMalformedLegacyJSON)
			assert.Nil(t, txs)
		})
	}
}

func TestGetPaymentBalances(t *testing.T) {
	payments := []Payment{
		{Balance: 0.1, Month: "2020-08"},
		{Balance: 0.2, Month: "2020-10"},
		{Balance: 0.4, Month: "2020-11"},
	}

	assert.Equal(t, 0.2, GetPaymentBalanceForMonth(payments, time.Date(2020, time.October, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0.0, GetPaymentBalanceForMonth(payments, time.Date(2020, time.September, 1, 0, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 0.3, GetPaymentBalanceForPreviousMonths(payments, now), 1e-9)
}

func TestMigrate_RunsOnce(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := NewMigrator(db, zaptest.NewLogger(t))

	migrated, err := m.Migrate(ctx, legacyJSON, now)
	require.NoError(t, err)
	assert.True(t, migrated)

	migrated, err = m.Migrate(ctx, legacyJSON, now)
	require.NoError(t, err)
	assert.False(t, migrated)

	txs, err := db.GetAllTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	done, err := db.Bool(ctx, domain.PrefLegacyRewardsMigrated)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMigrate_MalformedLeavesProfileUnmigrated(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := NewMigrator(db, zaptest.NewLogger(t))

	_, err = m.Migrate(ctx, []byte(`{"payments": 1}`), now)
	assert.ErrorIs(t, err, domain.ErrMalformedLegacyJSON)

	done, _ := db.Bool(ctx, domain.PrefLegacyRewardsMigrated)
	assert.False(t, done)
	txs, _ := db.GetAllTransactions(ctx)
	assert.Empty(t, txs)
}

func TestMigrate_NoLegacyState(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrated, err := NewMigrator(db, zaptest.NewLogger(t)).Migrate(ctx, nil, now)
	require.NoError(t, err)
	assert.True(t, migrated)

	done, _ := db.Bool(ctx, domain.PrefLegacyRewardsMigrated)
	assert.True(t, done)
}
