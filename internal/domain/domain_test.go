package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ─── Type Validity Tests ────────────────────────────────────────────────────

func TestAdType_IsValid(t *testing.T) {
	tests := []struct {
		adType AdType
		want   bool
	}{
		{AdTypeAdNotification, true},
		{AdTypeNewTabPageAd, true},
		{AdTypePromotedContentAd, true},
		{AdTypeInlineContentAd, true},
		{AdTypeUndefined, false},
		{AdType("banner"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.adType), func(t *testing.T) {
			if got := tt.adType.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfirmationType_IsValid(t *testing.T) {
	if !ConfirmationTypeViewed.IsValid() {
		t.Error("view should be valid")
	}
	if ConfirmationTypeUndefined.IsValid() {
		t.Error("undefined should not be valid")
	}
	if ConfirmationType("purchase").IsValid() {
		t.Error("unknown type should not be valid")
	}
}

// ─── Issuers Tests ──────────────────────────────────────────────────────────

func buildIssuers(ping time.Duration) IssuersInfo {
	return IssuersInfo{
		Ping: ping,
		Issuers: []Issuer{
			{Type: IssuerTypeConfirmations, PublicKeys: map[string]float64{"a": 0.1, "b": 0.2}},
			{Type: IssuerTypePayments, PublicKeys: map[string]float64{"c": 0.0, "d": 0.1}},
		},
	}
}

func TestIssuersInfo_Equal(t *testing.T) {
	a := buildIssuers(time.Hour)

	reordered := IssuersInfo{Ping: time.Hour, Issuers: []Issuer{a.Issuers[1], a.Issuers[0]}}
	if !a.Equal(reordered) {
		t.Error("issuer order should not matter")
	}

	if a.Equal(buildIssuers(2 * time.Hour)) {
		t.Error("different ping should not be equal")
	}

	changed := buildIssuers(time.Hour)
	changed.Issuers[0].PublicKeys = map[string]float64{"a": 0.1, "b": 0.3}
	if a.Equal(changed) {
		t.Error("different denomination should not be equal")
	}

	missing := buildIssuers(time.Hour)
	missing.Issuers = missing.Issuers[:1]
	if a.Equal(missing) {
		t.Error("missing issuer should not be equal")
	}
}

func TestIssuersInfo_IssuerForType(t *testing.T) {
	issuers := buildIssuers(time.Hour)
	if _, ok := issuers.IssuerForType(IssuerTypePayments); !ok {
		t.Error("payments issuer not found")
	}
	if _, ok := (IssuersInfo{}).IssuerForType(IssuerTypePayments); ok {
		t.Error("empty issuers should not contain payments issuer")
	}
}

// ─── Wallet Tests ───────────────────────────────────────────────────────────

func testSeed(b byte) string {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return base64.StdEncoding.EncodeToString(seed)
}

func TestWallet_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		wallet Wallet
		want   bool
	}{
		{"valid", Wallet{ID: "27a39b2f-9b2e-4eb0-bbb2-2f84447496e7", Seed: testSeed(7)}, true},
		{"empty id", Wallet{Seed: testSeed(7)}, false},
		{"bad base64", Wallet{ID: "id", Seed: "!!!"}, false},
		{"short seed", Wallet{ID: "id", Seed: base64.StdEncoding.EncodeToString([]byte("short"))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.wallet.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWallet_PrivateKey_InvalidSeedWrapsSentinel(t *testing.T) {
	_, err := Wallet{ID: "id", Seed: "AAAA"}.PrivateKey()
	if !errors.Is(err, ErrInvalidWallet) {
		t.Errorf("err = %v, want ErrInvalidWallet", err)
	}
}

func TestWallet_Sign_Deterministic(t *testing.T) {
	w := Wallet{ID: "id", Seed: testSeed(1)}
	a, err := w.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	b, _ := w.Sign([]byte("payload"))
	if string(a) != string(b) {
		t.Error("ed25519 signatures should be deterministic")
	}
}

// ─── Token & Transaction Tests ──────────────────────────────────────────────

func TestUnblindedToken_IsExpired(t *testing.T) {
	now := time.Date(2020, 11, 5, 0, 0, 0, 0, time.UTC)

	if (UnblindedToken{}).IsExpired(now) {
		t.Error("zero expiry should never expire")
	}
	if !(UnblindedToken{ExpiresAt: now}).IsExpired(now) {
		t.Error("token should be expired at its expiry instant")
	}
	if (UnblindedToken{ExpiresAt: now.Add(time.Second)}).IsExpired(now) {
		t.Error("token should not be expired before its expiry")
	}
}

func TestTransaction_IsPending(t *testing.T) {
	tx := Transaction{ID: "t1", Value: 0.01, CreatedAt: time.Now()}
	if !tx.IsPending() {
		t.Error("transaction without redeemed_at should be pending")
	}
	tx.RedeemedAt = tx.CreatedAt.Add(time.Hour)
	if tx.IsPending() {
		t.Error("redeemed transaction should not be pending")
	}
}

func TestConfirmation_IsValid(t *testing.T) {
	c := Confirmation{
		ID:                  "c1",
		TransactionID:       "t1",
		CreativeInstanceID:  "creative",
		AdType:              AdTypeAdNotification,
		Type:                ConfirmationTypeViewed,
		Token:               UnblindedToken{Token: "tok", PublicKey: "pk"},
		BlindedPaymentToken: "blinded",
		Credential:          "cred",
	}
	if !c.IsValid() {
		t.Fatal("confirmation should be valid")
	}

	noToken := c
	noToken.Token = UnblindedToken{}
	if noToken.IsValid() {
		t.Error("confirmation without token should be invalid")
	}

	noCredential := c
	noCredential.Credential = ""
	if noCredential.IsValid() {
		t.Error("confirmation without credential should be invalid")
	}
}

// ─── Error Tests ────────────────────────────────────────────────────────────

func TestIsRejected(t *testing.T) {
	err := fmt.Errorf("submit: %w", RejectedError{Err: errors.New("bad credential")})
	if !IsRejected(err) {
		t.Error("wrapped RejectedError should be detected")
	}
	if IsRejected(ResponseError{StatusCode: 500}) {
		t.Error("ResponseError should not be a rejection")
	}
}

func TestCaptchaRequiredError(t *testing.T) {
	var err error = fmt.Errorf("refill: %w", CaptchaRequiredError{CaptchaID: "captcha-1"})
	var captcha CaptchaRequiredError
	if !errors.As(err, &captcha) {
		t.Fatal("errors.As should find CaptchaRequiredError")
	}
	if captcha.CaptchaID != "captcha-1" {
		t.Errorf("CaptchaID = %q, want %q", captcha.CaptchaID, "captcha-1")
	}
}
