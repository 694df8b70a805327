package rewardsapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
)

const maxResponseBody = 1 << 20

// Client talks to the reward server. It implements domain.RewardServer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ domain.RewardServer = (*Client)(nil)

// New creates a client for the reward server at baseURL. The timeout bounds
// every request.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("rewardsapi"),
	}
}

// GetIssuers fetches the current issuer set.
func (c *Client) GetIssuers(ctx context.Context) (domain.IssuersInfo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/issuers/", nil, domain.Wallet{})
	if err != nil {
		return domain.IssuersInfo{}, err
	}
	if status != http.StatusOK {
		return domain.IssuersInfo{}, domain.ResponseError{StatusCode: status, Body: string(body)}
	}

	var resp IssuersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.IssuersInfo{}, fmt.Errorf("decode issuers: %w", err)
	}
	return resp.ToDomain()
}

// RequestSignedTokens asks the server to sign blindedTokens for wallet.
func (c *Client) RequestSignedTokens(ctx context.Context, wallet domain.Wallet, blindedTokens []string) (domain.SignedTokens, error) {
	payload, err := json.Marshal(TokenRequest{BlindedTokens: blindedTokens})
	if err != nil {
		return domain.SignedTokens{}, err
	}

	status, body, err := c.do(ctx, http.MethodPost, "/v3/confirmation/token/"+url.PathEscape(wallet.ID), payload, wallet)
	if err != nil {
		return domain.SignedTokens{}, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		var resp SignedTokensResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return domain.SignedTokens{}, fmt.Errorf("decode signed tokens: %w", err)
		}
		return resp.toDomain(), nil
	case http.StatusUnauthorized:
		var captcha CaptchaResponse
		if json.Unmarshal(body, &captcha) == nil && captcha.CaptchaID != "" {
			return domain.SignedTokens{}, domain.CaptchaRequiredError{CaptchaID: captcha.CaptchaID}
		}
	}
	return domain.SignedTokens{}, domain.ResponseError{StatusCode: status, Body: string(body)}
}

// SubmitConfirmation submits a confirmation and returns the signed payment
// token. 4xx responses other than 429 are definitive rejections.
func (c *Client) SubmitConfirmation(ctx context.Context, confirmation domain.Confirmation) (domain.SignedTokens, error) {
	path := "/v2/confirmation/" + url.PathEscape(confirmation.ID) + "/" + url.PathEscape(confirmation.Credential)
	status, body, err := c.do(ctx, http.MethodPost, path, []byte(confirmation.Payload), domain.Wallet{})
	if err != nil {
		return domain.SignedTokens{}, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var resp ConfirmationResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return domain.SignedTokens{}, fmt.Errorf("decode confirmation: %w", err)
		}
		return resp.PaymentToken.toDomain(), nil
	case isRejection(status):
		return domain.SignedTokens{}, domain.RejectedError{Err: domain.ResponseError{StatusCode: status, Body: string(body)}}
	}
	return domain.SignedTokens{}, domain.ResponseError{StatusCode: status, Body: string(body)}
}

// RedeemPaymentTokens redeems a batch of payment credentials for wallet.
func (c *Client) RedeemPaymentTokens(ctx context.Context, wallet domain.Wallet, credentials []domain.PaymentCredential) error {
	payload, err := RedeemPayloadFor(wallet)
	if err != nil {
		return err
	}
	req := RedeemRequest{Payload: payload}
	for _, cred := range credentials {
		req.PaymentCredentials = append(req.PaymentCredentials, PaymentCredentialEntry{
			Credential: cred.Credential,
			PublicKey:  cred.PublicKey,
		})
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}

	status, body, err := c.do(ctx, http.MethodPut, "/v3/confirmation/payment/"+url.PathEscape(wallet.ID), raw, wallet)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusConflict:
		return domain.RejectedError{Err: fmt.Errorf("%w: %w", domain.ErrAlreadyRedeemed,
			domain.ResponseError{StatusCode: status, Body: string(body)})}
	case isRejection(status):
		return domain.RejectedError{Err: domain.ResponseError{StatusCode: status, Body: string(body)}}
	}
	return domain.ResponseError{StatusCode: status, Body: string(body)}
}

// RedeemPayloadFor returns the payload each payment credential signs.
func RedeemPayloadFor(wallet domain.Wallet) (string, error) {
	raw, err := json.Marshal(RedeemPayload{PaymentID: wallet.ID})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ─── Transport ──────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, body []byte, wallet domain.Wallet) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if wallet.ID != "" {
		if err := signRequest(req, body, wallet); err != nil {
			return 0, nil, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", redactPath(path)),
			zap.Error(err))
		return 0, nil, fmt.Errorf("%s %s: %w", method, redactPath(path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("request complete",
		zap.String("method", method),
		zap.String("path", redactPath(path)),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, respBody, nil
}

// DigestHeader returns the Digest header value for body.
func DigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// signRequest signs the body digest with the wallet key.
func signRequest(req *http.Request, body []byte, wallet domain.Wallet) error {
	digest := DigestHeader(body)
	sig, err := wallet.Sign([]byte("digest: " + digest))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="primary",algorithm="ed25519",headers="digest",signature="%s"`,
		base64.StdEncoding.EncodeToString(sig)))
	return nil
}

func isRejection(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// redactPath keeps credentials out of logs.
func redactPath(path string) string {
	if strings.HasPrefix(path, "/v2/confirmation/") {
		parts := strings.SplitN(path, "/", 5)
		if len(parts) == 5 {
			return strings.Join(parts[:4], "/") + "/<credential>"
		}
	}
	return path
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || domain.IsRejected(err) {
		return false
	}
	var captcha domain.CaptchaRequiredError
	return !errors.As(err, &captcha)
}
