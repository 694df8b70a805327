// Package account is the façade over the token economy: it owns the issuer
// registry, the token refiller, the confirmation pipeline, the redeemer and
// the statement builder, serializes every entry point on one lock, and
// publishes account events to observers.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/app/confirmations"
	"github.com/tutu-network/adrewards/internal/app/issuers"
	"github.com/tutu-network/adrewards/internal/app/redemption"
	"github.com/tutu-network/adrewards/internal/app/statement"
	"github.com/tutu-network/adrewards/internal/app/tokens"
	"github.com/tutu-network/adrewards/internal/domain"
)

// Store is everything the account and its components persist.
type Store interface {
	issuers.Store
	tokens.Store
	confirmations.Store
	redemption.Store
	statement.Ledger
	domain.Preferences
	domain.CreativeAdStore

	SetCreativeAd(ctx context.Context, ad domain.CreativeAd) error
	CountUnblindedPaymentTokens(ctx context.Context) (int, error)
	GetTransactionsForDateRange(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
	ResetWalletState(ctx context.Context) error
}

// Config bundles the component configurations.
type Config struct {
	Issuers        issuers.Config
	Tokens         tokens.Config
	Redemption     redemption.Config
	NextPaymentDay int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Issuers:        issuers.DefaultConfig(),
		Tokens:         tokens.DefaultConfig(),
		Redemption:     redemption.DefaultConfig(),
		NextPaymentDay: statement.DefaultNextPaymentDay,
	}
}

// Deps are the account's collaborators.
type Deps struct {
	Store  Store
	Server domain.RewardServer
	Logger *zap.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Account is the single owner of one wallet's reward state.
type Account struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	issuers    *issuers.Registry
	refiller   *tokens.Refiller
	pipeline   *confirmations.Pipeline
	redeemer   *redemption.Redeemer
	statements *statement.Builder

	epoch *epoch

	mu        sync.Mutex
	wallet    domain.Wallet
	enabled   bool
	observers observerList

	// Follow-up work requested by component callbacks, run once at the end
	// of the entry point that triggered it.
	issuersOutOfDate bool
	needsTopUp       bool
	captchaShown     bool
}

// New wires an account. Call Load before use.
func New(deps Deps, cfg Config) *Account {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	a := &Account{
		store:   deps.Store,
		logger:  deps.Logger.Named("account"),
		now:     func() time.Time { return clock().UTC() },
		epoch:   newEpoch(),
		enabled: true,
	}
	d := &delegate{a: a}
	a.issuers = issuers.New(deps.Store, deps.Server, cfg.Issuers, deps.Logger)
	a.refiller = tokens.New(deps.Store, deps.Store, a.issuers, deps.Server, d, cfg.Tokens, deps.Logger)
	a.pipeline = confirmations.New(deps.Store, a.issuers, deps.Server, d, deps.Logger)
	a.redeemer = redemption.New(deps.Store, deps.Store, deps.Server, d, cfg.Redemption, deps.Logger)
	a.statements = statement.NewBuilder(deps.Store, deps.Store, cfg.NextPaymentDay)
	return a
}

// Load restores persisted state: the issuer set, a pending captcha, the
// wallet and the rewards-enabled switch. Rewards are enabled unless
// explicitly disabled.
func (a *Account) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.issuers.Load(ctx); err != nil {
		return err
	}
	if err := a.refiller.Load(ctx); err != nil {
		return err
	}
	a.captchaShown = a.refiller.IsCaptchaRequired()

	id, err := a.store.String(ctx, domain.PrefWalletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	seed, err := a.store.String(ctx, domain.PrefWalletSeed)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	a.wallet = domain.Wallet{ID: id, Seed: seed}
	a.epoch.setWallet(a.wallet)

	enabled, err := a.store.String(ctx, domain.PrefRewardsEnabled)
	if err != nil {
		return fmt.Errorf("load rewards enabled: %w", err)
	}
	a.enabled = enabled != "false"
	return nil
}

// AddObserver registers o and returns a function that removes it.
func (a *Account) AddObserver(o Observer) (remove func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.observers.add(o)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.observers.remove(id)
	}
}

// ─── Wallet ─────────────────────────────────────────────────────────────────

// SetWallet installs the rewards wallet. An invalid wallet is refused. A
// change from one valid wallet to another discards every token, queued
// confirmation and schedule of the old wallet before the new one is used.
func (a *Account) SetWallet(ctx context.Context, id, seed string) bool {
	next := domain.Wallet{ID: id, Seed: seed}
	if next.IsValid() {
		a.epoch.interrupt(next)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !next.IsValid() {
		a.logger.Info("invalid wallet", zap.String("wallet_id", id))
		a.publish(Event{Type: EventInvalidWallet, WalletID: id})
		return false
	}

	last := a.wallet
	if err := a.saveWallet(ctx, next); err != nil {
		a.logger.Error("failed to save wallet", zap.Error(err))
		a.epoch.renew(last)
		return false
	}
	a.wallet = next

	if last.IsValid() && last != next {
		a.logger.Info("wallet changed", zap.String("wallet_id", next.ID))
		a.publish(Event{Type: EventWalletChanged, WalletID: next.ID})
		a.resetLocked(ctx)
	} else {
		a.epoch.setWallet(next)
	}
	a.publish(Event{Type: EventWalletUpdated, WalletID: next.ID})
	return true
}

// Wallet returns the current wallet.
func (a *Account) Wallet() domain.Wallet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wallet
}

func (a *Account) saveWallet(ctx context.Context, w domain.Wallet) error {
	if err := a.store.SetString(ctx, domain.PrefWalletID, w.ID); err != nil {
		return err
	}
	return a.store.SetString(ctx, domain.PrefWalletSeed, w.Seed)
}

// SetEnabled turns rewards on or off. While off, issuers are not fetched,
// tokens are not refilled and the clearing cycle does nothing.
func (a *Account) SetEnabled(ctx context.Context, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.SetBool(ctx, domain.PrefRewardsEnabled, enabled); err != nil {
		return fmt.Errorf("save rewards enabled: %w", err)
	}
	a.enabled = enabled
	return nil
}

// Enabled reports whether rewards are on.
func (a *Account) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// ─── Operations ─────────────────────────────────────────────────────────────

// MaybeGetIssuers fetches the issuer set if it is due and tops up the token
// pool when it changed.
func (a *Account) MaybeGetIssuers(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := a.epoch.bind(ctx)
	defer cancel()

	a.maybeGetIssuersLocked(ctx)
	a.settleLocked(ctx)
}

// TopUpUnblindedTokens refills the token pool if it is low.
func (a *Account) TopUpUnblindedTokens(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := a.epoch.bind(ctx)
	defer cancel()

	a.topUpLocked(ctx)
	a.settleLocked(ctx)
}

// DepositFunds credits an ad interaction at the creative's value. The
// transaction is returned once confirmed; failures and retries surface as
// events.
func (a *Account) DepositFunds(ctx context.Context, creativeInstanceID string,
	adType domain.AdType, confirmationType domain.ConfirmationType) (domain.Transaction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := a.epoch.bind(ctx)
	defer cancel()

	ad, err := a.store.GetCreativeAd(ctx, creativeInstanceID)
	if err != nil {
		a.logger.Info("failed to deposit funds",
			zap.String("creative_instance_id", creativeInstanceID), zap.Error(err))
		a.publish(Event{
			Type:               EventFailedToDepositFunds,
			CreativeInstanceID: creativeInstanceID,
			AdType:             adType,
			ConfirmationType:   confirmationType,
		})
		return domain.Transaction{}, false
	}

	txn, ok := a.pipeline.Confirm(ctx, confirmations.ConfirmRequest{
		CreativeInstanceID: creativeInstanceID,
		AdType:             adType,
		ConfirmationType:   confirmationType,
		Value:              ad.Value,
		CreatedAt:          a.now(),
	})
	a.settleLocked(ctx)
	return txn, ok
}

// ProcessClearingCycle refreshes a stale issuer set, retries queued
// confirmations and redeems payment tokens when redemption is due.
func (a *Account) ProcessClearingCycle(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	ctx, cancel := a.epoch.bind(ctx)
	defer cancel()

	// Queued confirmations are checked against the issuer set.
	a.maybeGetIssuersLocked(ctx)
	a.pipeline.ProcessRetryQueue(ctx, a.now())
	if ctx.Err() == nil {
		a.redeemer.MaybeRedeemAfterDelay(ctx, a.wallet, a.now())
	}
	a.settleLocked(ctx)
}

// GetStatement builds the current statement of accounts.
func (a *Account) GetStatement(ctx context.Context) (domain.Statement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statements.Build(ctx, a.now())
}

// GetTransactions returns ledger entries created in [from, to].
func (a *Account) GetTransactions(ctx context.Context, from, to time.Time) ([]domain.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.GetTransactionsForDateRange(ctx, from, to)
}

// SetCreativeAd records the value credited for a creative.
func (a *Account) SetCreativeAd(ctx context.Context, ad domain.CreativeAd) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.SetCreativeAd(ctx, ad)
}

// Status is a snapshot of pool and queue sizes.
type Status struct {
	Enabled                bool      `json:"enabled"`
	WalletID               string    `json:"wallet_id,omitempty"`
	UnblindedTokens        int       `json:"unblinded_tokens"`
	UnblindedPaymentTokens int       `json:"unblinded_payment_tokens"`
	RetryQueueSize         int       `json:"retry_queue_size"`
	CaptchaID              string    `json:"captcha_id,omitempty"`
	NextRedemptionAt       time.Time `json:"next_redemption_at,omitempty"`
	NextIssuerFetchAt      time.Time `json:"next_issuer_fetch_at,omitempty"`
}

// GetStatus reports pool and queue sizes.
func (a *Account) GetStatus(ctx context.Context) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.store.CountUnblindedTokens(ctx)
	if err != nil {
		return Status{}, err
	}
	payments, err := a.store.CountUnblindedPaymentTokens(ctx)
	if err != nil {
		return Status{}, err
	}
	next, err := a.redeemer.NextRedemptionAt(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Enabled:                a.enabled,
		WalletID:               a.wallet.ID,
		UnblindedTokens:        pool,
		UnblindedPaymentTokens: payments,
		RetryQueueSize:         a.pipeline.RetryQueueSize(ctx),
		CaptchaID:              a.refiller.CaptchaID(),
		NextRedemptionAt:       next,
		NextIssuerFetchAt:      a.issuers.NextFetchAt(),
	}, nil
}

// OnCaptchaSolved lifts the refill halt for captchaID and refills.
func (a *Account) OnCaptchaSolved(ctx context.Context, captchaID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, cancel := a.epoch.bind(ctx)
	defer cancel()

	if !a.refiller.OnCaptchaSolved(ctx, captchaID) {
		return false
	}
	a.logger.Info("captcha solved", zap.String("captcha_id", captchaID))
	a.topUpLocked(ctx)
	a.settleLocked(ctx)
	return true
}

// Reset discards every piece of wallet-scoped state. The ledger is kept.
func (a *Account) Reset(ctx context.Context) error {
	a.epoch.interrupt(domain.Wallet{})

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked(ctx)
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (a *Account) maybeGetIssuersLocked(ctx context.Context) {
	if !a.enabled {
		return
	}
	changed, err := a.issuers.MaybeFetch(ctx, a.now())
	if err != nil {
		return
	}
	if changed {
		a.topUpLocked(ctx)
	}
}

func (a *Account) topUpLocked(ctx context.Context) {
	if !a.enabled || !a.wallet.IsValid() {
		return
	}
	a.refiller.MaybeRefill(ctx, a.wallet, a.now())
}

// settleLocked runs the follow-up work callbacks asked for. It runs each at
// most once so callbacks cannot chain indefinitely.
func (a *Account) settleLocked(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if a.issuersOutOfDate {
		a.issuersOutOfDate = false
		a.maybeGetIssuersLocked(ctx)
	}
	if a.needsTopUp {
		a.needsTopUp = false
		a.topUpLocked(ctx)
	}
	a.issuersOutOfDate = false
	a.needsTopUp = false
}

func (a *Account) resetLocked(ctx context.Context) error {
	a.epoch.renew(a.wallet)
	a.refiller.Reset()
	a.issuersOutOfDate = false
	a.needsTopUp = false
	a.captchaShown = false
	if err := a.store.ResetWalletState(ctx); err != nil {
		a.logger.Error("failed to reset rewards", zap.Error(err))
		return fmt.Errorf("reset wallet state: %w", err)
	}
	a.logger.Info("reset rewards")
	a.publish(Event{Type: EventStatementChanged})
	return nil
}

func (a *Account) publish(e Event) {
	if e.At.IsZero() {
		e.At = a.now()
	}
	a.observers.publish(e)
}
