package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// RewardServer abstracts the remote reward server. Responses arrive already
// decoded into domain types; wire formats belong to the implementation.
type RewardServer interface {
	// GetIssuers fetches the current issuer set.
	GetIssuers(ctx context.Context) (IssuersInfo, error)

	// RequestSignedTokens asks the server to sign a batch of blinded tokens for
	// the wallet. Returns CaptchaRequiredError when a captcha must be solved first.
	RequestSignedTokens(ctx context.Context, wallet Wallet, blindedTokens []string) (SignedTokens, error)

	// SubmitConfirmation submits a confirmation and returns the signed payment
	// token. Definitive refusals are wrapped in RejectedError.
	SubmitConfirmation(ctx context.Context, confirmation Confirmation) (SignedTokens, error)

	// RedeemPaymentTokens redeems a whole batch of payment credentials. The
	// batch either succeeds or fails as a unit.
	RedeemPaymentTokens(ctx context.Context, wallet Wallet, credentials []PaymentCredential) error
}

// Preferences is durable key/value client state.
type Preferences interface {
	String(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
	Bool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
	Time(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	DeletePreference(ctx context.Context, key string) error
}

// CreativeAdStore resolves the value credited for a served creative.
type CreativeAdStore interface {
	GetCreativeAd(ctx context.Context, creativeInstanceID string) (CreativeAd, error)
}
