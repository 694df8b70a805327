// Package tokens keeps the unblinded token pool above its low watermark by
// requesting blind signatures from the reward server.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/observability"
	"github.com/tutu-network/adrewards/internal/infra/privacy"
)

// Store is the token pool.
type Store interface {
	CountUnblindedTokens(ctx context.Context) (int, error)
	AddUnblindedTokens(ctx context.Context, tokens []domain.UnblindedToken) error
}

// Issuers is the subset of the issuer registry the refiller reads.
type Issuers interface {
	IssuerExistsForType(t domain.IssuerType) bool
	PublicKeys(t domain.IssuerType) []string
	GetDenomination(t domain.IssuerType, key string) (float64, bool)
}

// Delegate receives refill outcomes.
type Delegate interface {
	OnDidRefillUnblindedTokens()
	OnFailedToRefillUnblindedTokens()
	OnCaptchaRequiredToRefillUnblindedTokens(captchaID string)
	OnIssuersOutOfDate()
}

// Config sets the pool watermarks and refill timing.
type Config struct {
	MinUnblindedTokens int
	MaxUnblindedTokens int
	// TokenLifetime bounds how long a signed token stays spendable. Zero
	// means tokens never expire.
	TokenLifetime time.Duration
	RetryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinUnblindedTokens: 20,
		MaxUnblindedTokens: 50,
		TokenLifetime:      0,
		RetryInterval:      15 * time.Second,
	}
}

// Refiller tops up the token pool.
type Refiller struct {
	store    Store
	prefs    domain.Preferences
	issuers  Issuers
	server   domain.RewardServer
	delegate Delegate
	cfg      Config
	logger   *zap.Logger

	captchaID string
	retryAt   time.Time
}

// New creates a refiller. Call Load to restore a pending captcha.
func New(store Store, prefs domain.Preferences, issuers Issuers, server domain.RewardServer,
	delegate Delegate, cfg Config, logger *zap.Logger) *Refiller {
	return &Refiller{
		store:    store,
		prefs:    prefs,
		issuers:  issuers,
		server:   server,
		delegate: delegate,
		cfg:      cfg,
		logger:   logger.Named("refill"),
	}
}

// Load restores the pending captcha, if any.
func (r *Refiller) Load(ctx context.Context) error {
	id, err := r.prefs.String(ctx, domain.PrefCaptchaID)
	if err != nil {
		return fmt.Errorf("load captcha: %w", err)
	}
	r.captchaID = id
	return nil
}

// IsCaptchaRequired reports whether refill is halted on a captcha.
func (r *Refiller) IsCaptchaRequired() bool {
	return r.captchaID != ""
}

// CaptchaID returns the pending captcha id, or "".
func (r *Refiller) CaptchaID() string {
	return r.captchaID
}

// RetryAt returns when a failed refill will be retried, or the zero time.
func (r *Refiller) RetryAt() time.Time {
	return r.retryAt
}

// OnCaptchaSolved lifts the captcha halt if captchaID is the pending one.
func (r *Refiller) OnCaptchaSolved(ctx context.Context, captchaID string) bool {
	if r.captchaID == "" || r.captchaID != captchaID {
		return false
	}
	if err := r.clearCaptcha(ctx); err != nil {
		r.logger.Error("failed to clear captcha", zap.Error(err))
		return false
	}
	r.retryAt = time.Time{}
	return true
}

// Reset drops in-memory refill state.
func (r *Refiller) Reset() {
	r.captchaID = ""
	r.retryAt = time.Time{}
}

// MaybeRefill requests new tokens when the pool is below the low watermark.
// Outcomes are reported to the delegate; nothing is returned.
func (r *Refiller) MaybeRefill(ctx context.Context, wallet domain.Wallet, now time.Time) {
	if r.captchaID != "" {
		r.logger.Debug("refill halted until captcha is solved", zap.String("captcha_id", r.captchaID))
		return
	}
	if !r.retryAt.IsZero() && now.Before(r.retryAt) {
		return
	}
	if !r.issuers.IssuerExistsForType(domain.IssuerTypeConfirmations) {
		r.logger.Info("no confirmations issuer, refill deferred")
		r.delegate.OnIssuersOutOfDate()
		return
	}

	count, err := r.store.CountUnblindedTokens(ctx)
	if err != nil {
		r.fail(now, fmt.Errorf("count tokens: %w", err))
		return
	}
	observability.UnblindedTokens.Set(float64(count))
	if count >= r.cfg.MinUnblindedTokens {
		return
	}

	n := r.cfg.MaxUnblindedTokens - count
	added, err := r.refill(ctx, wallet, n, now)
	if err != nil {
		var captcha domain.CaptchaRequiredError
		if errors.As(err, &captcha) {
			r.requireCaptcha(ctx, captcha.CaptchaID)
			return
		}
		if errors.Is(err, domain.ErrPublicKeyNotFound) {
			r.delegate.OnIssuersOutOfDate()
		}
		r.fail(now, err)
		return
	}

	r.retryAt = time.Time{}
	observability.Refills.WithLabelValues(observability.ResultSuccess).Inc()
	observability.UnblindedTokens.Set(float64(count + added))
	r.logger.Info("refilled unblinded tokens", zap.Int("added", added), zap.Int("pool", count+added))
	r.delegate.OnDidRefillUnblindedTokens()
}

func (r *Refiller) refill(ctx context.Context, wallet domain.Wallet, n int, now time.Time) (int, error) {
	keys := r.issuers.PublicKeys(domain.IssuerTypeConfirmations)
	sort.Strings(keys)

	tokens, err := privacy.GenerateTokens(n)
	if err != nil {
		return 0, err
	}
	blinded, err := privacy.BlindTokens(keys[0], tokens)
	if err != nil {
		return 0, err
	}

	signed, err := r.server.RequestSignedTokens(ctx, wallet, blinded)
	if err != nil {
		return 0, err
	}

	value, ok := r.issuers.GetDenomination(domain.IssuerTypeConfirmations, signed.PublicKey)
	if !ok {
		return 0, fmt.Errorf("signing key %s: %w", signed.PublicKey, domain.ErrPublicKeyNotFound)
	}

	unblinded, err := privacy.UnblindTokens(signed.PublicKey, tokens, signed.SignedTokens, signed.BatchProof)
	if err != nil {
		return 0, fmt.Errorf("unblind tokens: %w", err)
	}

	var expiresAt time.Time
	if r.cfg.TokenLifetime > 0 {
		expiresAt = now.Add(r.cfg.TokenLifetime)
	}
	pool := make([]domain.UnblindedToken, len(unblinded))
	for i, u := range unblinded {
		pool[i] = domain.UnblindedToken{Token: u, PublicKey: signed.PublicKey, Value: value, ExpiresAt: expiresAt}
	}
	if err := r.store.AddUnblindedTokens(ctx, pool); err != nil {
		return 0, fmt.Errorf("store tokens: %w", err)
	}
	return len(pool), nil
}

func (r *Refiller) requireCaptcha(ctx context.Context, captchaID string) {
	observability.Refills.WithLabelValues(observability.ResultCaptcha).Inc()
	observability.CaptchaRequired.Inc()
	if err := r.prefs.SetString(ctx, domain.PrefCaptchaID, captchaID); err != nil {
		r.logger.Error("failed to persist captcha", zap.Error(err))
	}
	r.captchaID = captchaID
	r.logger.Info("captcha required to refill unblinded tokens", zap.String("captcha_id", captchaID))
	r.delegate.OnCaptchaRequiredToRefillUnblindedTokens(captchaID)
}

func (r *Refiller) clearCaptcha(ctx context.Context) error {
	if err := r.prefs.DeletePreference(ctx, domain.PrefCaptchaID); err != nil {
		return err
	}
	r.captchaID = ""
	return nil
}

func (r *Refiller) fail(now time.Time, err error) {
	r.retryAt = now.Add(r.cfg.RetryInterval)
	observability.Refills.WithLabelValues(observability.ResultOf(err)).Inc()
	r.logger.Info("failed to refill unblinded tokens", zap.Error(err), zap.Time("retry_at", r.retryAt))
	r.delegate.OnFailedToRefillUnblindedTokens()
}
