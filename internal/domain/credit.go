package domain

import "time"

// ─── Token Types ────────────────────────────────────────────────────────────
// Tokens are wallet-scoped credits. Unblinded tokens pay for confirmations;
// unblinded payment tokens are what a confirmed ad interaction earns and are
// later redeemed in batch for payout.

// UnblindedToken is a spendable confirmation credit.
type UnblindedToken struct {
	Token     string    `json:"unblinded_token"`
	PublicKey string    `json:"public_key"`
	Value     float64   `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the token can no longer be spent at now.
// A zero ExpiresAt never expires.
func (t UnblindedToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// UnblindedPaymentToken is post-confirmation value awaiting redemption.
type UnblindedPaymentToken struct {
	Token            string           `json:"unblinded_token"`
	PublicKey        string           `json:"public_key"`
	Value            float64          `json:"value"`
	TransactionID    string           `json:"transaction_id"`
	AdType           AdType           `json:"ad_type"`
	ConfirmationType ConfirmationType `json:"confirmation_type"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SignedTokens is a reward server signing response: blind signatures over a
// batch of blinded tokens together with the DLEQ batch proof binding them to
// PublicKey.
type SignedTokens struct {
	PublicKey    string   `json:"public_key"`
	SignedTokens []string `json:"signed_tokens"`
	BatchProof   string   `json:"batch_proof"`
}

// PaymentCredential proves possession of one unblinded payment token.
type PaymentCredential struct {
	PublicKey  string `json:"public_key"`
	Credential string `json:"credential"`
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Transaction is one credited ad interaction in the ledger. It is immutable
// except for RedeemedAt, which is set exactly once. A zero RedeemedAt means
// the transaction is still pending.
type Transaction struct {
	ID                 string           `json:"id"`
	CreativeInstanceID string           `json:"creative_instance_id"`
	Value              float64          `json:"value"`
	AdType             AdType           `json:"ad_type"`
	ConfirmationType   ConfirmationType `json:"confirmation_type"`
	CreatedAt          time.Time        `json:"created_at"`
	RedeemedAt         time.Time        `json:"redeemed_at,omitempty"`
}

// IsPending reports whether the transaction has not been redeemed yet.
func (t Transaction) IsPending() bool {
	return t.RedeemedAt.IsZero()
}

// ─── Confirmations ──────────────────────────────────────────────────────────

// Confirmation is the cryptographic receipt submitted for one ad interaction.
//
// PaymentToken holds the locally generated, not yet signed payment token
// (preimage and blinding scalar) and BlindedPaymentToken its blinded form
// sent to the server; the server's signature over it becomes the
// UnblindedPaymentToken on success.
type Confirmation struct {
	ID                  string           `json:"id"`
	TransactionID       string           `json:"transaction_id"`
	CreativeInstanceID  string           `json:"creative_instance_id"`
	AdType              AdType           `json:"ad_type"`
	Type                ConfirmationType `json:"type"`
	Token               UnblindedToken   `json:"token"`
	PaymentToken        string           `json:"payment_token"`
	BlindedPaymentToken string           `json:"blinded_payment_token"`
	Payload             string           `json:"payload"`
	Credential          string           `json:"credential"`
	Value               float64          `json:"value"`
	CreatedAt           time.Time        `json:"created_at"`
	Attempts            int              `json:"attempts"`
	LastError           string           `json:"last_error,omitempty"`
}

// IsValid reports whether the confirmation carries everything needed for
// submission: identity, defined types, a token and a credential.
func (c Confirmation) IsValid() bool {
	return c.ID != "" &&
		c.TransactionID != "" &&
		c.CreativeInstanceID != "" &&
		c.AdType.IsValid() &&
		c.Type.IsValid() &&
		c.Token.Token != "" &&
		c.Token.PublicKey != "" &&
		c.BlindedPaymentToken != "" &&
		c.Credential != ""
}

// ConfirmationPayload is the signed body of a confirmation submission.
type ConfirmationPayload struct {
	TransactionID        string           `json:"transactionId"`
	CreativeInstanceID   string           `json:"creativeInstanceId"`
	Type                 ConfirmationType `json:"type"`
	AdType               AdType           `json:"adType"`
	PublicKey            string           `json:"publicKey"`
	BlindedPaymentTokens []string         `json:"blindedPaymentTokens"`
}

// ConfirmationBuilder turns a withdrawn token into a ready-to-submit
// confirmation.
type ConfirmationBuilder func(token UnblindedToken) (Confirmation, error)
