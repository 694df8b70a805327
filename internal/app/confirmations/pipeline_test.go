package confirmations

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tutu-network/adrewards/internal/app/issuers"
	"github.com/tutu-network/adrewards/internal/app/tokens"
	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/privacy"
	"github.com/tutu-network/adrewards/internal/infra/sqlite"
	"github.com/tutu-network/adrewards/internal/test/rewardstest"
)

var (
	now    = time.Date(2020, 11, 18, 12, 0, 0, 0, time.UTC)
	wallet = domain.Wallet{ID: "27a39b2f-9b2e-4eb0-bbb2-2f84447496e7", Seed: base64.StdEncoding.EncodeToString(make([]byte, 32))}
)

type recorder struct {
	confirmed []domain.Transaction
	failed    []error
	outOfDate int
}

func (r *recorder) OnDidConfirm(txn domain.Transaction)             { r.confirmed = append(r.confirmed, txn) }
func (r *recorder) OnFailedToConfirm(_ ConfirmRequest, err error) { r.failed = append(r.failed, err) }
func (r *recorder) OnIssuersOutOfDate()                            { r.outOfDate++ }

type refillSink struct{}

func (refillSink) OnDidRefillUnblindedTokens()                   {}
func (refillSink) OnFailedToRefillUnblindedTokens()              {}
func (refillSink) OnCaptchaRequiredToRefillUnblindedTokens(string) {}
func (refillSink) OnIssuersOutOfDate()                           {}

type fixture struct {
	db       *sqlite.DB
	fake     *rewardstest.Server
	registry *issuers.Registry
	rec      *recorder
	pipeline *Pipeline
}

// newFixture wires a pipeline against a fresh database and fills the token
// pool. A negative lifetime leaves the pool empty; zero means no expiry.
func newFixture(t *testing.T, lifetime time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	fake := rewardstest.NewServer(t)
	registry := issuers.New(db, fake, issuers.DefaultConfig(), logger)
	require.NoError(t, registry.SetIssuers(ctx, fake.Issuers()))

	if lifetime >= 0 {
		cfg := tokens.DefaultConfig()
		cfg.TokenLifetime = lifetime
		tokens.New(db, db, registry, fake, refillSink{}, cfg, logger).MaybeRefill(ctx, wallet, now)
	}

	rec := &recorder{}
	return &fixture{
		db:       db,
		fake:     fake,
		registry: registry,
		rec:      rec,
		pipeline: New(db, registry, fake, rec, logger),
	}
}

func viewed(value float64) ConfirmRequest {
	return ConfirmRequest{
		CreativeInstanceID: "546fe7b0-5047-4f28-a11c-81f14edcf0f6",
		AdType:             domain.AdTypeAdNotification,
		ConfirmationType:   domain.ConfirmationTypeViewed,
		Value:              value,
		CreatedAt:          now,
	}
}

func TestConfirm_Success(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	before, err := f.db.CountUnblindedTokens(ctx)
	require.NoError(t, err)

	txn, ok := f.pipeline.Confirm(ctx, viewed(0))
	require.True(t, ok)

	assert.Equal(t, rewardstest.PaymentsValue, txn.Value)
	assert.Equal(t, domain.ConfirmationTypeViewed, txn.ConfirmationType)
	assert.Equal(t, now, txn.CreatedAt)
	assert.True(t, txn.IsPending())
	assert.Equal(t, []domain.Transaction{txn}, f.rec.confirmed)

	after, _ := f.db.CountUnblindedTokens(ctx)
	assert.Equal(t, before-1, after, "exactly one token spent")

	stored, err := f.db.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.Value, stored.Value)

	payments, err := f.db.GetAllUnblindedPaymentTokens(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, txn.ID, payments[0].TransactionID)
	assert.True(t, privacy.ValidUnblindedToken(payments[0].Token))
	assert.True(t, f.registry.PublicKeyExistsForIssuerType(domain.IssuerTypePayments, payments[0].PublicKey))

	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
}

func TestConfirm_UsesCreativeValue(t *testing.T) {
	f := newFixture(t, 0)

	txn, ok := f.pipeline.Confirm(context.Background(), viewed(0.05))

	require.True(t, ok)
	assert.Equal(t, 0.05, txn.Value)
}

func TestConfirm_NoTokens(t *testing.T) {
	f := newFixture(t, -1)
	ctx := context.Background()

	_, ok := f.pipeline.Confirm(ctx, viewed(0))

	assert.False(t, ok)
	require.Len(t, f.rec.failed, 1)
	assert.ErrorIs(t, f.rec.failed[0], domain.ErrNoUnblindedTokens)
	assert.Zero(t, f.fake.Submissions)
	txs, _ := f.db.GetAllTransactions(ctx)
	assert.Empty(t, txs)
	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
}

func TestConfirm_Rejected(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.fake.RejectSubmissions(true)

	_, ok := f.pipeline.Confirm(ctx, viewed(0))

	assert.False(t, ok)
	require.Len(t, f.rec.failed, 1)
	assert.True(t, domain.IsRejected(f.rec.failed[0]))
	assert.Zero(t, f.pipeline.RetryQueueSize(ctx), "rejected confirmations are not retried")
	txs, _ := f.db.GetAllTransactions(ctx)
	assert.Empty(t, txs)
}

func TestConfirm_TransientFailureIsRetried(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.fake.FailNext(1)

	_, ok := f.pipeline.Confirm(ctx, viewed(0))
	assert.False(t, ok)
	assert.Empty(t, f.rec.failed)
	assert.Equal(t, 1, f.pipeline.RetryQueueSize(ctx))

	queued, err := f.db.ListQueuedConfirmations(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.NotEmpty(t, queued[0].LastError)

	f.pipeline.ProcessRetryQueue(ctx, now.Add(time.Minute))

	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
	require.Len(t, f.rec.confirmed, 1)
	assert.Equal(t, queued[0].TransactionID, f.rec.confirmed[0].ID)
	assert.Equal(t, now, f.rec.confirmed[0].CreatedAt, "credited at interaction time")
	txs, _ := f.db.GetAllTransactions(ctx)
	assert.Len(t, txs, 1)
}

func TestProcessRetryQueue_KeepsInteractionMonth(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	interaction := time.Date(2020, 10, 31, 23, 59, 0, 0, time.UTC)
	retry := time.Date(2020, 11, 1, 0, 5, 0, 0, time.UTC)
	f.fake.FailNext(1)
	req := viewed(0)
	req.CreatedAt = interaction

	_, ok := f.pipeline.Confirm(ctx, req)
	require.False(t, ok)
	f.pipeline.ProcessRetryQueue(ctx, retry)

	require.Len(t, f.rec.confirmed, 1)
	txn, err := f.db.GetTransaction(ctx, f.rec.confirmed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interaction, txn.CreatedAt)

	november, err := f.db.GetTransactionsForDateRange(ctx, time.Date(2020, 11, 1, 0, 0, 0, 0, time.UTC), retry)
	require.NoError(t, err)
	assert.Empty(t, november)
}

// cancelAfterSubmit cancels the caller's context once the server has
// accepted, like a request that ends while the credit is being recorded.
type cancelAfterSubmit struct {
	*rewardstest.Server
	cancel context.CancelFunc
}

func (s cancelAfterSubmit) SubmitConfirmation(ctx context.Context, c domain.Confirmation) (domain.SignedTokens, error) {
	signed, err := s.Server.SubmitConfirmation(ctx, c)
	s.cancel()
	return signed, err
}

// failingStore fails the next fail confirmation writes.
type failingStore struct {
	*sqlite.DB
	fail int
}

func (s *failingStore) CompleteConfirmation(ctx context.Context, id string, pt domain.UnblindedPaymentToken, txn domain.Transaction) error {
	if s.fail > 0 {
		s.fail--
		return errors.New("database is locked")
	}
	return s.DB.CompleteConfirmation(ctx, id, pt, txn)
}

// decoyPaymentKey lists an unusable payment key ahead of the real ones.
type decoyPaymentKey struct {
	*issuers.Registry
}

func (r decoyPaymentKey) PublicKeys(t domain.IssuerType) []string {
	keys := r.Registry.PublicKeys(t)
	if t == domain.IssuerTypePayments {
		keys = append([]string{"~not-a-key"}, keys...)
	}
	return keys
}

func TestConfirm_CancelledAfterServerAccepts(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := cancelAfterSubmit{Server: f.fake, cancel: cancel}
	pipeline := New(f.db, f.registry, server, f.rec, zaptest.NewLogger(t))

	txn, ok := pipeline.Confirm(ctx, viewed(0))

	require.Error(t, ctx.Err())
	require.True(t, ok)
	assert.Len(t, f.rec.confirmed, 1)
	assert.Empty(t, f.rec.failed)

	bg := context.Background()
	assert.Zero(t, pipeline.RetryQueueSize(bg))
	stored, err := f.db.GetTransaction(bg, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.Value, stored.Value)
	held, _ := f.db.CountUnblindedPaymentTokens(bg)
	assert.Equal(t, 1, held)
}

func TestConfirm_FailedWriteKeepsQueuedConfirmation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	store := &failingStore{DB: f.db, fail: 1}
	pipeline := New(store, f.registry, f.fake, f.rec, zaptest.NewLogger(t))

	_, ok := pipeline.Confirm(ctx, viewed(0))

	assert.False(t, ok)
	assert.Empty(t, f.rec.confirmed)
	assert.Equal(t, 1, pipeline.RetryQueueSize(ctx))
	txs, _ := f.db.GetAllTransactions(ctx)
	assert.Empty(t, txs)
}

func TestConfirm_PaymentKeyChosenInSortedOrder(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	pipeline := New(f.db, decoyPaymentKey{f.registry}, f.fake, f.rec, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, ok := pipeline.Confirm(ctx, viewed(0))
		require.True(t, ok, "attempt %d: %v", i, f.rec.failed)
	}
	assert.Empty(t, f.rec.failed)
}

func TestProcessRetryQueue_CancelledLeavesQueue(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.fake.FailNext(1)
	f.pipeline.Confirm(ctx, viewed(0))
	submissions := f.fake.Submissions

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	f.pipeline.ProcessRetryQueue(cancelled, now)

	assert.Equal(t, submissions, f.fake.Submissions)
	assert.Equal(t, 1, f.pipeline.RetryQueueSize(ctx))
}

func TestProcessRetryQueue_DropsExpiredToken(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.fake.FailNext(1)
	f.pipeline.Confirm(ctx, viewed(0))

	f.pipeline.ProcessRetryQueue(ctx, now.Add(2*time.Hour))

	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
	assert.Len(t, f.rec.failed, 1)
	assert.Empty(t, f.rec.confirmed)
}

func TestProcessRetryQueue_UnknownTokenKey(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.fake.FailNext(1)
	f.pipeline.Confirm(ctx, viewed(0))

	f.fake.RotateConfirmationsKey()
	require.NoError(t, f.registry.SetIssuers(ctx, f.fake.Issuers()))

	f.pipeline.ProcessRetryQueue(ctx, now)
	assert.Equal(t, 1, f.rec.outOfDate)
	assert.Equal(t, 1, f.pipeline.RetryQueueSize(ctx), "kept until issuers are refreshed")
	assert.Empty(t, f.rec.failed)

	f.pipeline.ProcessRetryQueue(ctx, now)
	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
	assert.Len(t, f.rec.failed, 1)
}

func TestConfirm_PanicsOnUndefinedTypes(t *testing.T) {
	f := newFixture(t, -1)
	ctx := context.Background()

	req := viewed(0)
	req.AdType = domain.AdTypeUndefined
	assert.Panics(t, func() { f.pipeline.Confirm(ctx, req) })

	req = viewed(0)
	req.ConfirmationType = domain.ConfirmationTypeUndefined
	assert.Panics(t, func() { f.pipeline.Confirm(ctx, req) })
}

func TestReset(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.fake.FailNext(1)
	f.pipeline.Confirm(ctx, viewed(0))

	require.NoError(t, f.pipeline.Reset(ctx))
	assert.Zero(t, f.pipeline.RetryQueueSize(ctx))
}
