package privacy

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/oprf"
)

// Issuer holds a signing key and evaluates blinded tokens. The reward server
// plays this role; the client only needs it in tests and fakes.
type Issuer struct {
	server    oprf.VerifiableServer
	publicKey string
}

// NewIssuer generates a fresh issuer key.
func NewIssuer() (*Issuer, error) {
	key, err := oprf.GenerateKey(suite, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}
	raw, err := key.Public().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal issuer public key: %w", err)
	}
	return &Issuer{
		server:    oprf.NewVerifiableServer(suite, key),
		publicKey: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// PublicKey returns the base64 encoded public key.
func (i *Issuer) PublicKey() string {
	return i.publicKey
}

// SignBlindedTokens evaluates a batch of blinded tokens and returns the
// signed tokens with their batch proof.
func (i *Issuer) SignBlindedTokens(blindedTokens []string) (signed []string, batchProof string, err error) {
	elements, err := decodeElements(blindedTokens)
	if err != nil {
		return nil, "", err
	}
	eval, err := i.server.Evaluate(&oprf.EvaluationRequest{Elements: elements})
	if err != nil {
		return nil, "", fmt.Errorf("evaluate blinded tokens: %w", err)
	}
	signed, err = encodeElements(eval.Elements)
	if err != nil {
		return nil, "", err
	}
	proof, err := eval.Proof.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("marshal batch proof: %w", err)
	}
	return signed, base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyCredential checks that credential was produced by a token this
// issuer signed, over payload. It returns the token preimage so callers can
// reject reuse.
func (i *Issuer) VerifyCredential(credential, payload string) (string, error) {
	c, preimage, sig, err := ParseCredential(credential)
	if err != nil {
		return "", err
	}
	output, err := i.server.FullEvaluate(preimage)
	if err != nil {
		return "", fmt.Errorf("evaluate preimage: %w", err)
	}
	if err := verify(output, []byte(payload), sig); err != nil {
		return "", err
	}
	return c.Preimage, nil
}
