// Package rewardstest provides an in-memory reward server for tests. It signs
// blinded tokens and verifies credentials for real, and can be switched into
// captcha, transient-failure and rejection modes.
package rewardstest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/privacy"
	"github.com/tutu-network/adrewards/internal/infra/rewardsapi"
)

// Denominations used by the fake issuers.
const (
	ConfirmationsValue = 0.0
	PaymentsValue      = 0.1
	DefaultPing        = 2 * time.Hour
)

// Server is a fake reward server.
type Server struct {
	tb testing.TB

	mu            sync.Mutex
	confirmations *privacy.Issuer
	payments      *privacy.Issuer
	ping          time.Duration

	captchaID         string
	failRemaining     int
	rejectSubmissions bool
	rejectRedemptions bool

	spent    map[string]bool
	redeemed map[string]bool

	SignedTokenCount int
	Submissions      int
	Redemptions      int
}

var _ domain.RewardServer = (*Server)(nil)

// NewServer creates a fake with fresh issuer keys.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		tb:       tb,
		ping:     DefaultPing,
		spent:    map[string]bool{},
		redeemed: map[string]bool{},
	}
	s.confirmations = s.newIssuer()
	s.payments = s.newIssuer()
	return s
}

func (s *Server) newIssuer() *privacy.Issuer {
	issuer, err := privacy.NewIssuer()
	if err != nil {
		s.tb.Fatalf("new issuer: %v", err)
	}
	return issuer
}

// ─── Switches ───────────────────────────────────────────────────────────────

// RequireCaptcha makes refills fail with a captcha challenge until cleared
// with an empty id.
func (s *Server) RequireCaptcha(captchaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captchaID = captchaID
}

// FailNext makes the next n calls of any kind fail with a 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
}

// RejectSubmissions makes confirmation submissions fail definitively.
func (s *Server) RejectSubmissions(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSubmissions = reject
}

// RejectRedemptions makes redemptions fail definitively.
func (s *Server) RejectRedemptions(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRedemptions = reject
}

// RotateConfirmationsKey replaces the confirmations issuer key. Tokens signed
// under the old key are no longer accepted.
func (s *Server) RotateConfirmationsKey() {
	issuer := s.newIssuer()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmations = issuer
}

// RotatePaymentsKey replaces the payments issuer key. Confirmations are
// signed under the new key from then on.
func (s *Server) RotatePaymentsKey() {
	issuer := s.newIssuer()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = issuer
}

// Issuers returns the issuer set the server currently reports.
func (s *Server) Issuers() domain.IssuersInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuersLocked()
}

func (s *Server) issuersLocked() domain.IssuersInfo {
	return domain.IssuersInfo{
		Ping: s.ping,
		Issuers: []domain.Issuer{
			{Type: domain.IssuerTypeConfirmations, PublicKeys: map[string]float64{s.confirmations.PublicKey(): ConfirmationsValue}},
			{Type: domain.IssuerTypePayments, PublicKeys: map[string]float64{s.payments.PublicKey(): PaymentsValue}},
		},
	}
}

func (s *Server) failLocked() error {
	if s.failRemaining > 0 {
		s.failRemaining--
		return domain.ResponseError{StatusCode: http.StatusServiceUnavailable, Body: "unavailable"}
	}
	return nil
}

// ─── domain.RewardServer ────────────────────────────────────────────────────

func (s *Server) GetIssuers(ctx context.Context) (domain.IssuersInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(); err != nil {
		return domain.IssuersInfo{}, err
	}
	return s.issuersLocked(), nil
}

func (s *Server) RequestSignedTokens(ctx context.Context, wallet domain.Wallet, blindedTokens []string) (domain.SignedTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(); err != nil {
		return domain.SignedTokens{}, err
	}
	if s.captchaID != "" {
		return domain.SignedTokens{}, domain.CaptchaRequiredError{CaptchaID: s.captchaID}
	}
	if !wallet.IsValid() {
		return domain.SignedTokens{}, domain.RejectedError{Err: domain.ErrInvalidWallet}
	}

	signed, proof, err := s.confirmations.SignBlindedTokens(blindedTokens)
	if err != nil {
		return domain.SignedTokens{}, domain.RejectedError{Err: err}
	}
	s.SignedTokenCount += len(signed)
	return domain.SignedTokens{PublicKey: s.confirmations.PublicKey(), SignedTokens: signed, BatchProof: proof}, nil
}

func (s *Server) SubmitConfirmation(ctx context.Context, confirmation domain.Confirmation) (domain.SignedTokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Submissions++
	if err := s.failLocked(); err != nil {
		return domain.SignedTokens{}, err
	}
	if s.rejectSubmissions {
		return domain.SignedTokens{}, domain.RejectedError{Err: errors.New("confirmation rejected")}
	}

	var payload domain.ConfirmationPayload
	if err := json.Unmarshal([]byte(confirmation.Payload), &payload); err != nil {
		return domain.SignedTokens{}, domain.RejectedError{Err: fmt.Errorf("payload: %w", err)}
	}
	preimage, err := s.confirmations.VerifyCredential(confirmation.Credential, confirmation.Payload)
	if err != nil {
		return domain.SignedTokens{}, domain.RejectedError{Err: err}
	}
	if s.spent[preimage] {
		return domain.SignedTokens{}, domain.RejectedError{Err: errors.New("token already spent")}
	}

	signed, proof, err := s.payments.SignBlindedTokens(payload.BlindedPaymentTokens)
	if err != nil {
		return domain.SignedTokens{}, domain.RejectedError{Err: err}
	}
	s.spent[preimage] = true
	return domain.SignedTokens{PublicKey: s.payments.PublicKey(), SignedTokens: signed, BatchProof: proof}, nil
}

func (s *Server) RedeemPaymentTokens(ctx context.Context, wallet domain.Wallet, credentials []domain.PaymentCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(); err != nil {
		return err
	}
	if s.rejectRedemptions {
		return domain.RejectedError{Err: errors.New("redemption rejected")}
	}

	payload, err := rewardsapi.RedeemPayloadFor(wallet)
	if err != nil {
		return err
	}
	preimages := make([]string, 0, len(credentials))
	for _, cred := range credentials {
		preimage, err := s.payments.VerifyCredential(cred.Credential, payload)
		if err != nil {
			return domain.RejectedError{Err: err}
		}
		preimages = append(preimages, preimage)
	}
	// Fresh tokens in a batch are paid even when some were redeemed before.
	replayed := false
	for _, p := range preimages {
		replayed = replayed || s.redeemed[p]
		s.redeemed[p] = true
	}
	if replayed {
		return domain.RejectedError{Err: domain.ErrAlreadyRedeemed}
	}
	s.Redemptions++
	return nil
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

// Handler serves the reward server wire protocol backed by s.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/v1/issuers/", func(w http.ResponseWriter, r *http.Request) {
		info, err := s.GetIssuers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rewardsapi.IssuersFromDomain(info))
	})

	r.Post("/v3/confirmation/token/{walletID}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Signature") == "" {
			writeJSON(w, http.StatusUnauthorized, rewardsapi.ErrorResponse{Code: 401, Message: "missing signature"})
			return
		}
		var req rewardsapi.TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, rewardsapi.ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		s.mu.Lock()
		captchaID := s.captchaID
		s.mu.Unlock()
		if captchaID != "" {
			writeJSON(w, http.StatusUnauthorized, rewardsapi.CaptchaResponse{CaptchaID: captchaID})
			return
		}
		// The seed never leaves the client; a placeholder with the same id
		// passes the in-memory validity check.
		wallet := domain.Wallet{ID: chi.URLParam(r, "walletID"), Seed: placeholderSeed}
		signed, err := s.RequestSignedTokens(r.Context(), wallet, req.BlindedTokens)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rewardsapi.SignedTokensResponse{
			PublicKey: signed.PublicKey, SignedTokens: signed.SignedTokens, BatchProof: signed.BatchProof,
		})
	})

	r.Post("/v2/confirmation/{id}/{credential}", func(w http.ResponseWriter, r *http.Request) {
		credential, err := url.PathUnescape(chi.URLParam(r, "credential"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, rewardsapi.ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		body, _ := io.ReadAll(r.Body)
		confirmation := domain.Confirmation{
			ID:         chi.URLParam(r, "id"),
			Credential: credential,
			Payload:    string(body),
		}
		signed, err := s.SubmitConfirmation(r.Context(), confirmation)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rewardsapi.ConfirmationResponse{
			ID: confirmation.ID,
			PaymentToken: rewardsapi.SignedTokensResponse{
				PublicKey: signed.PublicKey, SignedTokens: signed.SignedTokens, BatchProof: signed.BatchProof,
			},
		})
	})

	r.Put("/v3/confirmation/payment/{walletID}", func(w http.ResponseWriter, r *http.Request) {
		var req rewardsapi.RedeemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, rewardsapi.ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		creds := make([]domain.PaymentCredential, len(req.PaymentCredentials))
		for i, c := range req.PaymentCredentials {
			creds[i] = domain.PaymentCredential{Credential: c.Credential, PublicKey: c.PublicKey}
		}
		wallet := domain.Wallet{ID: chi.URLParam(r, "walletID"), Seed: placeholderSeed}
		if err := s.RedeemPaymentTokens(r.Context(), wallet, creds); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	return r
}

var placeholderSeed = base64.StdEncoding.EncodeToString(make([]byte, 32))

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var captcha domain.CaptchaRequiredError
	var resp domain.ResponseError
	switch {
	case errors.As(err, &captcha):
		writeJSON(w, http.StatusUnauthorized, rewardsapi.CaptchaResponse{CaptchaID: captcha.CaptchaID})
	case errors.Is(err, domain.ErrAlreadyRedeemed):
		writeJSON(w, http.StatusConflict, rewardsapi.ErrorResponse{Code: 409, Message: err.Error()})
	case domain.IsRejected(err):
		writeJSON(w, http.StatusBadRequest, rewardsapi.ErrorResponse{Code: 400, Message: err.Error()})
	case errors.As(err, &resp):
		writeJSON(w, resp.StatusCode, rewardsapi.ErrorResponse{Code: resp.StatusCode, Message: resp.Body})
	default:
		writeJSON(w, http.StatusInternalServerError, rewardsapi.ErrorResponse{Code: 500, Message: err.Error()})
	}
}
