package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Token errors
	ErrNoUnblindedTokens = errors.New("no unblinded tokens available")
	ErrInvalidToken      = errors.New("malformed token")

	// ErrAlreadyRedeemed marks a redemption the server has already paid.
	ErrAlreadyRedeemed = errors.New("payment token already redeemed")

	// Issuer errors
	ErrIssuerNotFound    = errors.New("issuer not found")
	ErrPublicKeyNotFound = errors.New("public key not found for issuer")

	// Wallet errors
	ErrInvalidWallet = errors.New("invalid wallet")

	// Ledger errors
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCreativeAdNotFound  = errors.New("creative ad not found")

	// Migration errors
	ErrMalformedLegacyJSON = errors.New("malformed legacy rewards json")
)

// ─── Typed Errors ───────────────────────────────────────────────────────────

// CaptchaRequiredError indicates the reward server refuses to sign tokens
// until the user solves the captcha identified by CaptchaID.
type CaptchaRequiredError struct {
	CaptchaID string
}

func (e CaptchaRequiredError) Error() string {
	return fmt.Sprintf("captcha %s required", e.CaptchaID)
}

// RejectedError indicates the reward server definitively rejected a request.
// Retrying the same request will not succeed.
type RejectedError struct {
	Err error
}

func (e RejectedError) Error() string {
	return "rejected: " + e.Err.Error()
}

func (e RejectedError) Unwrap() error {
	return e.Err
}

// ResponseError is an unexpected reward server response. It is transient.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e ResponseError) Error() string {
	return fmt.Sprintf("unexpected response status %d: %s", e.StatusCode, e.Body)
}

// IsRejected reports whether err is a definitive rejection.
func IsRejected(err error) bool {
	var rejected RejectedError
	return errors.As(err, &rejected)
}
