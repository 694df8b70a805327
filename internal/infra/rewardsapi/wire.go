// Package rewardsapi is the HTTP client for the reward server. It owns the
// JSON wire format and maps responses onto domain types and errors.
package rewardsapi

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Wire Types ─────────────────────────────────────────────────────────────

// IssuersResponse is the body of GET /v1/issuers/. Ping is in milliseconds.
type IssuersResponse struct {
	Ping    int64         `json:"ping"`
	Issuers []IssuerEntry `json:"issuers"`
}

// IssuerEntry is one issuer in an IssuersResponse.
type IssuerEntry struct {
	Name       string           `json:"name"`
	PublicKeys []PublicKeyEntry `json:"publicKeys"`
}

// PublicKeyEntry pairs a public key with its denomination, as a decimal string.
type PublicKeyEntry struct {
	PublicKey       string `json:"publicKey"`
	AssociatedValue string `json:"associatedValue"`
}

// TokenRequest is the body of a refill request.
type TokenRequest struct {
	BlindedTokens []string `json:"blindedTokens"`
}

// SignedTokensResponse carries a signed batch.
type SignedTokensResponse struct {
	PublicKey    string   `json:"publicKey"`
	SignedTokens []string `json:"signedTokens"`
	BatchProof   string   `json:"batchProof"`
}

// CaptchaResponse is returned with 401 when the server requires a captcha.
type CaptchaResponse struct {
	CaptchaID string `json:"captcha_id"`
}

// ConfirmationResponse is the body of an accepted confirmation.
type ConfirmationResponse struct {
	ID           string               `json:"id"`
	PaymentToken SignedTokensResponse `json:"paymentToken"`
}

// RedeemRequest is the body of a payment token redemption.
type RedeemRequest struct {
	Payload            string                   `json:"payload"`
	PaymentCredentials []PaymentCredentialEntry `json:"paymentCredentials"`
}

// RedeemPayload is the signed payload of a redemption.
type RedeemPayload struct {
	PaymentID string `json:"paymentId"`
}

// PaymentCredentialEntry is one credential in a RedeemRequest.
type PaymentCredentialEntry struct {
	Credential string `json:"credential"`
	PublicKey  string `json:"publicKey"`
}

// ErrorResponse is a JSON error body.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ─── Conversion ─────────────────────────────────────────────────────────────

// ToDomain converts the wire issuer set. Unknown issuer names and
// unparseable denominations fail the whole response.
func (r IssuersResponse) ToDomain() (domain.IssuersInfo, error) {
	info := domain.IssuersInfo{Ping: time.Duration(r.Ping) * time.Millisecond}
	for _, entry := range r.Issuers {
		typ := domain.IssuerType(entry.Name)
		if typ != domain.IssuerTypeConfirmations && typ != domain.IssuerTypePayments {
			return domain.IssuersInfo{}, fmt.Errorf("unknown issuer %q", entry.Name)
		}
		issuer := domain.Issuer{Type: typ, PublicKeys: make(map[string]float64, len(entry.PublicKeys))}
		for _, pk := range entry.PublicKeys {
			if pk.PublicKey == "" {
				return domain.IssuersInfo{}, fmt.Errorf("issuer %s: empty public key", entry.Name)
			}
			value, err := decimal.NewFromString(pk.AssociatedValue)
			if err != nil {
				return domain.IssuersInfo{}, fmt.Errorf("issuer %s: associated value %q: %w", entry.Name, pk.AssociatedValue, err)
			}
			issuer.PublicKeys[pk.PublicKey] = value.InexactFloat64()
		}
		info.Issuers = append(info.Issuers, issuer)
	}
	return info, nil
}

// IssuersFromDomain converts a domain issuer set to the wire format.
func IssuersFromDomain(info domain.IssuersInfo) IssuersResponse {
	resp := IssuersResponse{Ping: info.Ping.Milliseconds(), Issuers: []IssuerEntry{}}
	for _, issuer := range info.Issuers {
		entry := IssuerEntry{Name: string(issuer.Type)}
		for key, value := range issuer.PublicKeys {
			entry.PublicKeys = append(entry.PublicKeys, PublicKeyEntry{
				PublicKey:       key,
				AssociatedValue: decimal.NewFromFloat(value).String(),
			})
		}
		resp.Issuers = append(resp.Issuers, entry)
	}
	return resp
}

func (r SignedTokensResponse) toDomain() domain.SignedTokens {
	return domain.SignedTokens{
		PublicKey:    r.PublicKey,
		SignedTokens: r.SignedTokens,
		BatchProof:   r.BatchProof,
	}
}
