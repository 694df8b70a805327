// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture and depends on nothing.
package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"time"
)

// ─── Ad & Confirmation Types ────────────────────────────────────────────────

// AdType identifies the surface an ad was served on.
type AdType string

const (
	AdTypeUndefined         AdType = ""
	AdTypeAdNotification    AdType = "ad_notification"
	AdTypeNewTabPageAd      AdType = "new_tab_page_ad"
	AdTypePromotedContentAd AdType = "promoted_content_ad"
	AdTypeInlineContentAd   AdType = "inline_content_ad"
)

// IsValid reports whether t is one of the known, defined ad types.
func (t AdType) IsValid() bool {
	switch t {
	case AdTypeAdNotification, AdTypeNewTabPageAd, AdTypePromotedContentAd, AdTypeInlineContentAd:
		return true
	}
	return false
}

// ConfirmationType is the kind of user interaction being confirmed.
type ConfirmationType string

const (
	ConfirmationTypeUndefined   ConfirmationType = ""
	ConfirmationTypeClicked     ConfirmationType = "click"
	ConfirmationTypeDismissed   ConfirmationType = "dismiss"
	ConfirmationTypeViewed      ConfirmationType = "view"
	ConfirmationTypeServed      ConfirmationType = "served"
	ConfirmationTypeTransferred ConfirmationType = "landed"
	ConfirmationTypeFlagged     ConfirmationType = "flag"
	ConfirmationTypeUpvoted     ConfirmationType = "upvote"
	ConfirmationTypeDownvoted   ConfirmationType = "downvote"
	ConfirmationTypeConversion  ConfirmationType = "conversion"
)

// IsValid reports whether t is one of the known, defined confirmation types.
func (t ConfirmationType) IsValid() bool {
	switch t {
	case ConfirmationTypeClicked, ConfirmationTypeDismissed, ConfirmationTypeViewed,
		ConfirmationTypeServed, ConfirmationTypeTransferred, ConfirmationTypeFlagged,
		ConfirmationTypeUpvoted, ConfirmationTypeDownvoted, ConfirmationTypeConversion:
		return true
	}
	return false
}

// ─── Issuers ────────────────────────────────────────────────────────────────

// IssuerType is the token class an issuer signs for.
type IssuerType string

const (
	IssuerTypeUndefined     IssuerType = ""
	IssuerTypeConfirmations IssuerType = "confirmations"
	IssuerTypePayments      IssuerType = "payments"
)

// Issuer is the reward server's signing authority for one token class.
// PublicKeys maps a base64 public key to its denomination.
type Issuer struct {
	Type       IssuerType         `json:"name"`
	PublicKeys map[string]float64 `json:"public_keys"`
}

// IssuersInfo is the full issuer set reported by the reward server.
// Ping is the server-advised interval between issuer fetches.
type IssuersInfo struct {
	Ping    time.Duration `json:"ping"`
	Issuers []Issuer      `json:"issuers"`
}

// Equal compares two issuer sets structurally. Issuer order is irrelevant.
func (i IssuersInfo) Equal(other IssuersInfo) bool {
	if i.Ping != other.Ping || len(i.Issuers) != len(other.Issuers) {
		return false
	}

	a := sortedIssuers(i.Issuers)
	b := sortedIssuers(other.Issuers)
	for n := range a {
		if a[n].Type != b[n].Type || len(a[n].PublicKeys) != len(b[n].PublicKeys) {
			return false
		}
		for key, value := range a[n].PublicKeys {
			if v, ok := b[n].PublicKeys[key]; !ok || v != value {
				return false
			}
		}
	}
	return true
}

// IssuerForType returns the issuer of the given type, if present.
func (i IssuersInfo) IssuerForType(t IssuerType) (Issuer, bool) {
	for _, issuer := range i.Issuers {
		if issuer.Type == t {
			return issuer, true
		}
	}
	return Issuer{}, false
}

func sortedIssuers(in []Issuer) []Issuer {
	out := make([]Issuer, len(in))
	copy(out, in)
	sort.Slice(out, func(a, b int) bool { return out[a].Type < out[b].Type })
	return out
}

// ─── Wallet ─────────────────────────────────────────────────────────────────

// Wallet is the rewards identity. Seed is a base64 encoded 32 byte ed25519 seed.
type Wallet struct {
	ID   string `json:"id"`
	Seed string `json:"seed"`
}

// IsValid reports whether the wallet has an id and a decodable seed.
func (w Wallet) IsValid() bool {
	if w.ID == "" {
		return false
	}
	_, err := w.PrivateKey()
	return err == nil
}

// PrivateKey derives the wallet signing key from the seed.
func (w Wallet) PrivateKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(w.Seed)
	if err != nil {
		return nil, fmt.Errorf("decode wallet seed: %w", ErrInvalidWallet)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet seed is %d bytes, want %d: %w", len(seed), ed25519.SeedSize, ErrInvalidWallet)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs message with the wallet key.
func (w Wallet) Sign(message []byte) ([]byte, error) {
	key, err := w.PrivateKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, message), nil
}

// ─── Creative Ads ───────────────────────────────────────────────────────────

// CreativeAd is the catalog entry a served ad creative is credited against.
type CreativeAd struct {
	CreativeInstanceID string  `json:"creative_instance_id"`
	Value              float64 `json:"value"`
}

// ─── Statement ──────────────────────────────────────────────────────────────

// Statement is the user-facing summary of ad earnings.
type Statement struct {
	EstimatedPendingRewards float64   `json:"estimated_pending_rewards"`
	NextPaymentDate         time.Time `json:"next_payment_date"`
	AdsReceivedThisMonth    int       `json:"ads_received_this_month"`
	EarningsThisMonth       float64   `json:"earnings_this_month"`
	EarningsLastMonth       float64   `json:"earnings_last_month"`
}

// ─── Preference Keys ────────────────────────────────────────────────────────

const (
	PrefRewardsEnabled        = "rewards.enabled"
	PrefWalletID              = "wallet.id"
	PrefWalletSeed            = "wallet.seed"
	PrefIssuerPing            = "issuers.ping"
	PrefNextTokenRedemptionAt = "redemption.next_token_redemption_at"
	PrefLegacyRewardsMigrated = "migration.legacy_rewards_migrated"
	PrefCaptchaID             = "refill.captcha_id"
)
