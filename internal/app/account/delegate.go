package account

import (
	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/app/confirmations"
	"github.com/tutu-network/adrewards/internal/domain"
)

// delegate receives component callbacks. Callbacks always arrive while the
// account lock is held by the entry point that drove the component.
type delegate struct {
	a *Account
}

// ─── Refill ─────────────────────────────────────────────────────────────────

func (d *delegate) OnDidRefillUnblindedTokens() {
	if d.a.captchaShown {
		d.a.captchaShown = false
		d.a.publish(Event{Type: EventCaptchaCleared, WalletID: d.a.wallet.ID})
	}
}

func (d *delegate) OnFailedToRefillUnblindedTokens() {}

func (d *delegate) OnCaptchaRequiredToRefillUnblindedTokens(captchaID string) {
	d.a.captchaShown = true
	d.a.publish(Event{Type: EventCaptchaRequired, WalletID: d.a.wallet.ID, CaptchaID: captchaID})
}

// OnIssuersOutOfDate is shared by the refiller and the pipeline.
func (d *delegate) OnIssuersOutOfDate() {
	d.a.issuers.MarkOutOfDate()
	d.a.issuersOutOfDate = true
}

// ─── Confirmations ──────────────────────────────────────────────────────────

func (d *delegate) OnDidConfirm(txn domain.Transaction) {
	a := d.a
	fields := []zap.Field{
		zap.String("transaction_id", txn.ID),
		zap.String("ad_type", string(txn.AdType)),
		zap.String("confirmation_type", string(txn.ConfirmationType)),
	}
	// Logging context only; failures here do not affect the outcome.
	if n, err := a.store.CountUnblindedPaymentTokens(a.epoch.context()); err == nil {
		fields = append(fields, zap.Int("unblinded_payment_tokens", n))
	}
	if next, err := a.store.Time(a.epoch.context(), domain.PrefNextTokenRedemptionAt); err == nil && !next.IsZero() {
		fields = append(fields, zap.Time("next_redemption_at", next))
	}
	a.logger.Info("deposited funds", fields...)

	a.publish(Event{Type: EventDepositedFunds, Transaction: &txn})
	a.publish(Event{Type: EventStatementChanged})
	a.needsTopUp = true
}

func (d *delegate) OnFailedToConfirm(req confirmations.ConfirmRequest, err error) {
	d.a.publish(Event{
		Type:               EventFailedToDepositFunds,
		CreativeInstanceID: req.CreativeInstanceID,
		AdType:             req.AdType,
		ConfirmationType:   req.ConfirmationType,
	})
	d.a.needsTopUp = true
}

// ─── Redemption ─────────────────────────────────────────────────────────────

func (d *delegate) OnDidRedeemUnblindedPaymentTokens(tokens []domain.UnblindedPaymentToken) {
	d.a.publish(Event{Type: EventStatementChanged})
}

func (d *delegate) OnFailedToRedeemUnblindedPaymentTokens(err error) {}
