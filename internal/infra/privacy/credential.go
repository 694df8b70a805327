package privacy

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var verificationKeyInfo = []byte("adrewards token verification key")

// Credential proves possession of an unblinded token over a payload without
// revealing the token's OPRF output.
type Credential struct {
	// Signature is the HMAC over the payload under the token's verification key.
	Signature string `json:"signature"`
	// Preimage is the token preimage; the issuer recomputes the output from it.
	Preimage string `json:"t"`
}

// SignCredential derives the verification key of unblindedToken and signs
// payload with it. The result is base64 encoded JSON.
func SignCredential(unblindedToken, payload string) (string, error) {
	preimage, output, err := splitUnblinded(unblindedToken)
	if err != nil {
		return "", err
	}
	sig, err := sign(output, []byte(payload))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(Credential{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Preimage:  base64.StdEncoding.EncodeToString(preimage),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseCredential decodes a credential produced by SignCredential.
func ParseCredential(s string) (Credential, []byte, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Credential{}, nil, nil, fmt.Errorf("credential: %w", ErrMalformed)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, nil, nil, fmt.Errorf("credential: %w", ErrMalformed)
	}
	preimage, err := base64.StdEncoding.DecodeString(c.Preimage)
	if err != nil || len(preimage) != PreimageSize {
		return Credential{}, nil, nil, fmt.Errorf("credential preimage: %w", ErrMalformed)
	}
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return Credential{}, nil, nil, fmt.Errorf("credential signature: %w", ErrMalformed)
	}
	return c, preimage, sig, nil
}

// ValidUnblindedToken reports whether s has the shape of an unblinded token.
func ValidUnblindedToken(s string) bool {
	_, _, err := splitUnblinded(s)
	return err == nil
}

func splitUnblinded(s string) (preimage, output []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) <= PreimageSize {
		return nil, nil, fmt.Errorf("unblinded token: %w", ErrMalformed)
	}
	return raw[:PreimageSize], raw[PreimageSize:], nil
}

func sign(output, payload []byte) ([]byte, error) {
	key := make([]byte, sha512.Size)
	if _, err := io.ReadFull(hkdf.New(sha512.New, output, nil, verificationKeyInfo), key); err != nil {
		return nil, fmt.Errorf("derive verification key: %w", err)
	}
	mac := hmac.New(sha512.New, key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

func verify(output, payload, sig []byte) error {
	want, err := sign(output, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, sig) {
		return VerificationError{Err: errors.New("credential signature mismatch")}
	}
	return nil
}
