// Package confirmations turns ad interactions into confirmations: it spends
// an unblinded token, submits the confirmation, and on success stores the
// earned payment token and appends the transaction. Failed submissions stay
// queued and are retried on every clearing cycle.
package confirmations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/observability"
	"github.com/tutu-network/adrewards/internal/infra/privacy"
)

// Store is the token pool, retry queue and ledger as the pipeline sees them.
type Store interface {
	EnqueueConfirmation(ctx context.Context, publicKeys []string, now time.Time, build domain.ConfirmationBuilder) (domain.Confirmation, error)
	ListQueuedConfirmations(ctx context.Context) ([]domain.Confirmation, error)
	CountQueuedConfirmations(ctx context.Context) (int, error)
	RecordConfirmationFailure(ctx context.Context, id string, reason string) error
	RemoveQueuedConfirmation(ctx context.Context, id string) error
	CompleteConfirmation(ctx context.Context, id string, paymentToken domain.UnblindedPaymentToken, txn domain.Transaction) error
	DeleteAllQueuedConfirmations(ctx context.Context) error
}

// Issuers is the subset of the issuer registry the pipeline reads.
type Issuers interface {
	IssuerExistsForType(t domain.IssuerType) bool
	PublicKeys(t domain.IssuerType) []string
	PublicKeyExistsForIssuerType(t domain.IssuerType, key string) bool
	GetDenomination(t domain.IssuerType, key string) (float64, bool)
}

// Delegate receives pipeline outcomes.
type Delegate interface {
	// OnDidConfirm fires once a transaction has been durably appended.
	OnDidConfirm(txn domain.Transaction)
	// OnFailedToConfirm fires when an interaction will never be credited:
	// no token was available or the server rejected it.
	OnFailedToConfirm(req ConfirmRequest, err error)
	// OnIssuersOutOfDate fires when a key the pipeline needs is unknown.
	OnIssuersOutOfDate()
}

// ConfirmRequest describes one ad interaction to credit.
type ConfirmRequest struct {
	CreativeInstanceID string
	AdType             domain.AdType
	ConfirmationType   domain.ConfirmationType
	Value              float64
	CreatedAt          time.Time
}

// errUnknownTokenKey marks a queued confirmation whose token key was missing
// from the issuer set. A second miss, after the issuers were refreshed, drops it.
const errUnknownTokenKey = "unknown confirmation token public key"

// Pipeline is the confirmation state machine.
type Pipeline struct {
	store    Store
	issuers  Issuers
	server   domain.RewardServer
	delegate Delegate
	logger   *zap.Logger
}

// New creates a pipeline.
func New(store Store, issuers Issuers, server domain.RewardServer, delegate Delegate, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		issuers:  issuers,
		server:   server,
		delegate: delegate,
		logger:   logger.Named("confirmations"),
	}
}

// Confirm runs one interaction through the pipeline. It returns the appended
// transaction and true on success. A false result either means the
// interaction failed for good (the delegate was told) or it was queued for
// retry.
func (p *Pipeline) Confirm(ctx context.Context, req ConfirmRequest) (domain.Transaction, bool) {
	must(req.AdType.IsValid(), "ad type %q is undefined", req.AdType)
	must(req.ConfirmationType.IsValid(), "confirmation type %q is undefined", req.ConfirmationType)
	must(req.CreativeInstanceID != "", "creative instance id is empty")

	if !p.issuers.IssuerExistsForType(domain.IssuerTypePayments) {
		p.delegate.OnIssuersOutOfDate()
		p.fail(req, fmt.Errorf("payments issuer: %w", domain.ErrIssuerNotFound))
		return domain.Transaction{}, false
	}

	confirmation, err := p.store.EnqueueConfirmation(ctx,
		p.issuers.PublicKeys(domain.IssuerTypeConfirmations), req.CreatedAt,
		func(token domain.UnblindedToken) (domain.Confirmation, error) {
			return p.build(req, token)
		})
	if err != nil {
		p.fail(req, err)
		return domain.Transaction{}, false
	}
	p.logger.Debug("confirmation created",
		zap.String("confirmation_id", confirmation.ID),
		zap.String("transaction_id", confirmation.TransactionID),
		zap.String("type", string(req.ConfirmationType)))

	return p.submit(ctx, confirmation, req.CreatedAt)
}

// ProcessRetryQueue resubmits every queued confirmation. Each entry is
// re-validated first. It stops early when ctx is cancelled; entries not
// reached stay queued.
func (p *Pipeline) ProcessRetryQueue(ctx context.Context, now time.Time) {
	queued, err := p.store.ListQueuedConfirmations(ctx)
	if err != nil {
		p.logger.Error("failed to read retry queue", zap.Error(err))
		return
	}
	if len(queued) == 0 {
		return
	}
	p.logger.Info("processing retry queue", zap.Int("queued", len(queued)))

	for _, c := range queued {
		if ctx.Err() != nil {
			p.logger.Info("retry queue processing cancelled")
			return
		}

		if c.Token.IsExpired(now) {
			p.drop(ctx, c, errors.New("confirmation token expired"))
			continue
		}
		if !p.issuers.PublicKeyExistsForIssuerType(domain.IssuerTypeConfirmations, c.Token.PublicKey) {
			if c.LastError == errUnknownTokenKey {
				p.drop(ctx, c, errors.New(errUnknownTokenKey))
				continue
			}
			p.recordFailure(ctx, c, errors.New(errUnknownTokenKey))
			p.delegate.OnIssuersOutOfDate()
			continue
		}
		if !p.issuers.IssuerExistsForType(domain.IssuerTypePayments) {
			p.recordFailure(ctx, c, domain.ErrIssuerNotFound)
			p.delegate.OnIssuersOutOfDate()
			continue
		}

		p.submit(ctx, c, now)
	}
}

// RetryQueueSize returns the number of queued confirmations.
func (p *Pipeline) RetryQueueSize(ctx context.Context) int {
	n, err := p.store.CountQueuedConfirmations(ctx)
	if err != nil {
		p.logger.Error("failed to count retry queue", zap.Error(err))
		return 0
	}
	return n
}

// Reset discards every queued confirmation.
func (p *Pipeline) Reset(ctx context.Context) error {
	if err := p.store.DeleteAllQueuedConfirmations(ctx); err != nil {
		return fmt.Errorf("reset retry queue: %w", err)
	}
	observability.RetryQueueDepth.Set(0)
	return nil
}

// ─── State Machine ──────────────────────────────────────────────────────────

// build mints the confirmation for token: a fresh payment token blinded
// under a payments key, the signed payload and its credential.
func (p *Pipeline) build(req ConfirmRequest, token domain.UnblindedToken) (domain.Confirmation, error) {
	paymentKeys := p.issuers.PublicKeys(domain.IssuerTypePayments)
	if len(paymentKeys) == 0 {
		return domain.Confirmation{}, domain.ErrIssuerNotFound
	}
	sort.Strings(paymentKeys)

	paymentTokens, err := privacy.GenerateTokens(1)
	if err != nil {
		return domain.Confirmation{}, err
	}
	blinded, err := privacy.BlindTokens(paymentKeys[0], paymentTokens)
	if err != nil {
		return domain.Confirmation{}, err
	}

	c := domain.Confirmation{
		ID:                  uuid.NewString(),
		TransactionID:       uuid.NewString(),
		CreativeInstanceID:  req.CreativeInstanceID,
		AdType:              req.AdType,
		Type:                req.ConfirmationType,
		Token:               token,
		PaymentToken:        paymentTokens[0].String(),
		BlindedPaymentToken: blinded[0],
		Value:               req.Value,
		CreatedAt:           req.CreatedAt,
	}

	payload, err := json.Marshal(domain.ConfirmationPayload{
		TransactionID:        c.TransactionID,
		CreativeInstanceID:   c.CreativeInstanceID,
		Type:                 c.Type,
		AdType:               c.AdType,
		PublicKey:            token.PublicKey,
		BlindedPaymentTokens: []string{c.BlindedPaymentToken},
	})
	if err != nil {
		return domain.Confirmation{}, err
	}
	c.Payload = string(payload)

	c.Credential, err = privacy.SignCredential(token.Token, c.Payload)
	if err != nil {
		return domain.Confirmation{}, fmt.Errorf("sign credential: %w", err)
	}
	if !c.IsValid() {
		return domain.Confirmation{}, fmt.Errorf("confirmation %s: %w", c.ID, domain.ErrInvalidToken)
	}
	return c, nil
}

func (p *Pipeline) submit(ctx context.Context, c domain.Confirmation, now time.Time) (domain.Transaction, bool) {
	signed, err := p.server.SubmitConfirmation(ctx, c)
	if err != nil {
		if domain.IsRejected(err) {
			p.drop(ctx, c, err)
			return domain.Transaction{}, false
		}
		p.recordFailure(ctx, c, err)
		return domain.Transaction{}, false
	}

	value, ok := p.issuers.GetDenomination(domain.IssuerTypePayments, signed.PublicKey)
	if !ok {
		p.recordFailure(ctx, c, fmt.Errorf("payment key %s: %w", signed.PublicKey, domain.ErrPublicKeyNotFound))
		p.delegate.OnIssuersOutOfDate()
		return domain.Transaction{}, false
	}

	paymentToken, err := privacy.ParseToken(c.PaymentToken)
	if err != nil {
		p.drop(ctx, c, err)
		return domain.Transaction{}, false
	}
	unblinded, err := privacy.UnblindTokens(signed.PublicKey, []privacy.Token{paymentToken}, signed.SignedTokens, signed.BatchProof)
	if err != nil {
		p.recordFailure(ctx, c, fmt.Errorf("unblind payment token: %w", err))
		return domain.Transaction{}, false
	}

	txnValue := c.Value
	if txnValue == 0 {
		txnValue = value
	}
	txn := domain.Transaction{
		ID:                 c.TransactionID,
		CreativeInstanceID: c.CreativeInstanceID,
		Value:              txnValue,
		AdType:             c.AdType,
		ConfirmationType:   c.Type,
		CreatedAt:          c.CreatedAt,
	}
	pt := domain.UnblindedPaymentToken{
		Token:            unblinded[0],
		PublicKey:        signed.PublicKey,
		Value:            value,
		TransactionID:    c.TransactionID,
		AdType:           c.AdType,
		ConfirmationType: c.Type,
		CreatedAt:        now,
	}
	// The server has spent the token, so recording the credit outlives ctx.
	// The queued row is removed in the same write and stays until it commits.
	ctx = context.WithoutCancel(ctx)
	if err := p.store.CompleteConfirmation(ctx, c.ID, pt, txn); err != nil {
		p.logger.Error("failed to store confirmed transaction",
			zap.String("transaction_id", txn.ID), zap.Error(err))
		return domain.Transaction{}, false
	}

	observability.Confirmations.WithLabelValues(observability.ResultSuccess).Inc()
	observability.Transactions.WithLabelValues(string(txn.ConfirmationType)).Inc()
	p.updateQueueDepth(ctx)
	p.logger.Info("confirmed ad interaction",
		zap.String("transaction_id", txn.ID),
		zap.String("type", string(txn.ConfirmationType)),
		zap.Float64("value", txn.Value),
		zap.Int("attempts", c.Attempts+1))
	p.delegate.OnDidConfirm(txn)
	return txn, true
}

func (p *Pipeline) recordFailure(ctx context.Context, c domain.Confirmation, err error) {
	observability.Confirmations.WithLabelValues(observability.ResultOf(err)).Inc()
	if rerr := p.store.RecordConfirmationFailure(ctx, c.ID, err.Error()); rerr != nil {
		p.logger.Error("failed to record confirmation failure", zap.Error(rerr))
	}
	p.updateQueueDepth(ctx)
	p.logger.Info("confirmation queued for retry",
		zap.String("confirmation_id", c.ID),
		zap.Int("attempts", c.Attempts+1),
		zap.Error(err))
}

func (p *Pipeline) drop(ctx context.Context, c domain.Confirmation, err error) {
	observability.Confirmations.WithLabelValues(observability.ResultOf(err)).Inc()
	if rerr := p.store.RemoveQueuedConfirmation(ctx, c.ID); rerr != nil {
		p.logger.Error("failed to remove confirmation", zap.Error(rerr))
	}
	p.updateQueueDepth(ctx)
	p.logger.Info("confirmation dropped", zap.String("confirmation_id", c.ID), zap.Error(err))
	p.delegate.OnFailedToConfirm(ConfirmRequest{
		CreativeInstanceID: c.CreativeInstanceID,
		AdType:             c.AdType,
		ConfirmationType:   c.Type,
		Value:              c.Value,
		CreatedAt:          c.CreatedAt,
	}, err)
}

func (p *Pipeline) fail(req ConfirmRequest, err error) {
	observability.Confirmations.WithLabelValues(observability.ResultOf(err)).Inc()
	p.logger.Info("failed to confirm ad interaction",
		zap.String("creative_instance_id", req.CreativeInstanceID),
		zap.String("type", string(req.ConfirmationType)),
		zap.Error(err))
	p.delegate.OnFailedToConfirm(req, err)
}

func (p *Pipeline) updateQueueDepth(ctx context.Context) {
	if n, err := p.store.CountQueuedConfirmations(ctx); err == nil {
		observability.RetryQueueDepth.Set(float64(n))
	}
}

// must panics when a caller breaks the Confirm contract.
func must(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("confirmations: "+format, args...))
	}
}
