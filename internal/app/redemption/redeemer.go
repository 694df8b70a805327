// Package redemption redeems accumulated payment tokens in batches on a
// delayed schedule.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/observability"
	"github.com/tutu-network/adrewards/internal/infra/privacy"
	"github.com/tutu-network/adrewards/internal/infra/rewardsapi"
)

// Store holds the payment tokens awaiting redemption.
type Store interface {
	GetAllUnblindedPaymentTokens(ctx context.Context) ([]domain.UnblindedPaymentToken, error)
	RedeemUnblindedPaymentTokens(ctx context.Context, tokens []domain.UnblindedPaymentToken, redeemedAt time.Time) (int, error)
}

// Delegate receives redemption outcomes.
type Delegate interface {
	OnDidRedeemUnblindedPaymentTokens(tokens []domain.UnblindedPaymentToken)
	OnFailedToRedeemUnblindedPaymentTokens(err error)
}

// Config sets the redemption schedule.
type Config struct {
	// RedeemAfter is the delay between redemptions.
	RedeemAfter time.Duration
	// RetryInterval is the delay after a transient failure.
	RetryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RedeemAfter:   24 * time.Hour,
		RetryInterval: time.Minute,
	}
}

// Redeemer batches and redeems payment tokens. The next redemption time is
// persisted so the schedule survives restarts.
type Redeemer struct {
	store    Store
	prefs    domain.Preferences
	server   domain.RewardServer
	delegate Delegate
	cfg      Config
	logger   *zap.Logger
}

// New creates a redeemer.
func New(store Store, prefs domain.Preferences, server domain.RewardServer, delegate Delegate, cfg Config, logger *zap.Logger) *Redeemer {
	return &Redeemer{
		store:    store,
		prefs:    prefs,
		server:   server,
		delegate: delegate,
		cfg:      cfg,
		logger:   logger.Named("redemption"),
	}
}

// NextRedemptionAt returns the scheduled redemption time, or the zero time
// when nothing is scheduled.
func (r *Redeemer) NextRedemptionAt(ctx context.Context) (time.Time, error) {
	return r.prefs.Time(ctx, domain.PrefNextTokenRedemptionAt)
}

// Reset clears the schedule.
func (r *Redeemer) Reset(ctx context.Context) error {
	return r.prefs.DeletePreference(ctx, domain.PrefNextTokenRedemptionAt)
}

// MaybeRedeemAfterDelay redeems every held payment token once the scheduled
// redemption time has passed. The first call only schedules. A batch is
// redeemed all or nothing: on failure every token stays held. A batch the
// server reports as already redeemed is recorded as redeemed.
func (r *Redeemer) MaybeRedeemAfterDelay(ctx context.Context, wallet domain.Wallet, now time.Time) {
	if !wallet.IsValid() {
		r.logger.Info("redemption skipped: invalid wallet")
		return
	}

	next, err := r.NextRedemptionAt(ctx)
	if err != nil {
		r.logger.Error("failed to read redemption schedule", zap.Error(err))
		return
	}
	if next.IsZero() {
		r.schedule(ctx, now.Add(r.cfg.RedeemAfter))
		return
	}
	if now.Before(next) {
		return
	}

	tokens, err := r.store.GetAllUnblindedPaymentTokens(ctx)
	if err != nil {
		r.logger.Error("failed to read payment tokens", zap.Error(err))
		return
	}
	observability.UnblindedPaymentTokens.Set(float64(len(tokens)))
	if len(tokens) == 0 {
		r.logger.Debug("no payment tokens to redeem")
		r.schedule(ctx, now.Add(r.cfg.RedeemAfter))
		return
	}

	switch err := r.redeem(ctx, wallet, tokens); {
	case errors.Is(err, domain.ErrAlreadyRedeemed):
		// An earlier attempt was paid but never recorded.
		r.logger.Warn("payment tokens were already redeemed", zap.Int("tokens", len(tokens)))
	case err != nil:
		observability.Redemptions.WithLabelValues(observability.ResultOf(err)).Inc()
		retryAt := now.Add(r.cfg.RetryInterval)
		if domain.IsRejected(err) {
			retryAt = now.Add(r.cfg.RedeemAfter)
		}
		r.schedule(ctx, retryAt)
		r.logger.Info("failed to redeem payment tokens",
			zap.Int("tokens", len(tokens)), zap.Error(err), zap.Time("retry_at", retryAt))
		r.delegate.OnFailedToRedeemUnblindedPaymentTokens(err)
		return
	}

	// The server has paid the batch, so recording it outlives ctx.
	ctx = context.WithoutCancel(ctx)
	marked, err := r.store.RedeemUnblindedPaymentTokens(ctx, tokens, now)
	if err != nil {
		// The retry is answered with ErrAlreadyRedeemed, which clears the batch.
		r.logger.Error("failed to record redemption", zap.Error(err))
		r.schedule(ctx, now.Add(r.cfg.RetryInterval))
		r.delegate.OnFailedToRedeemUnblindedPaymentTokens(err)
		return
	}

	observability.Redemptions.WithLabelValues(observability.ResultSuccess).Inc()
	observability.UnblindedPaymentTokens.Set(0)
	next = now.Add(r.cfg.RedeemAfter)
	r.schedule(ctx, next)
	r.logger.Info("redeemed payment tokens",
		zap.Int("tokens", len(tokens)),
		zap.Int("transactions", marked),
		zap.Time("next_redemption_at", next))
	r.delegate.OnDidRedeemUnblindedPaymentTokens(tokens)
}

func (r *Redeemer) redeem(ctx context.Context, wallet domain.Wallet, tokens []domain.UnblindedPaymentToken) error {
	payload, err := rewardsapi.RedeemPayloadFor(wallet)
	if err != nil {
		return err
	}
	credentials := make([]domain.PaymentCredential, len(tokens))
	for i, t := range tokens {
		credential, err := privacy.SignCredential(t.Token, payload)
		if err != nil {
			return fmt.Errorf("sign payment credential: %w", err)
		}
		credentials[i] = domain.PaymentCredential{PublicKey: t.PublicKey, Credential: credential}
	}
	return r.server.RedeemPaymentTokens(ctx, wallet, credentials)
}

func (r *Redeemer) schedule(ctx context.Context, at time.Time) {
	if err := r.prefs.SetTime(ctx, domain.PrefNextTokenRedemptionAt, at); err != nil {
		r.logger.Error("failed to persist redemption schedule", zap.Error(err))
	}
}
