// Package privacy implements the blinded token capability: generating token
// preimages, blinding them for signing, unblinding signed batches after
// checking the batch proof, and deriving credentials from unblinded tokens.
//
// Tokens use the verifiable OPRF over ristretto255. The issuer's signature
// over a blinded token is an OPRF evaluation; unblinding yields the OPRF
// output, from which a per-token HMAC verification key is derived.
package privacy

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"github.com/cloudflare/circl/zk/dleq"
)

var suite = oprf.SuiteRistretto255

const (
	// PreimageSize is the size of a token's random preimage.
	PreimageSize = 64
	scalarSize   = 32
)

// ErrMalformed is returned for any value that does not decode.
var ErrMalformed = errors.New("malformed privacy value")

// VerificationError indicates a signature or credential failed to verify.
type VerificationError struct {
	Err error
}

func (e VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %v", e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// ─── Token ──────────────────────────────────────────────────────────────────

// Token is an unsigned token: a random preimage plus the scalar it is
// blinded with. The blind is kept so the token can be re-blinded identically
// when the signed batch comes back, possibly after a restart.
type Token struct {
	preimage []byte
	blind    group.Scalar
}

// GenerateTokens returns n fresh random tokens.
func GenerateTokens(n int) ([]Token, error) {
	g := suite.Group()
	tokens := make([]Token, n)
	for i := range tokens {
		preimage := make([]byte, PreimageSize)
		if _, err := rand.Read(preimage); err != nil {
			return nil, fmt.Errorf("generate preimage: %w", err)
		}
		tokens[i] = Token{preimage: preimage, blind: g.RandomScalar(rand.Reader)}
	}
	return tokens, nil
}

// String encodes the token for storage.
func (t Token) String() string {
	blind, _ := t.blind.MarshalBinary()
	return base64.StdEncoding.EncodeToString(append(bytes.Clone(t.preimage), blind...))
}

// ParseToken decodes a token produced by Token.String.
func ParseToken(s string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != PreimageSize+scalarSize {
		return Token{}, fmt.Errorf("token: %w", ErrMalformed)
	}
	blind := suite.Group().NewScalar()
	if err := blind.UnmarshalBinary(raw[PreimageSize:]); err != nil {
		return Token{}, fmt.Errorf("token blind: %w", ErrMalformed)
	}
	return Token{preimage: raw[:PreimageSize], blind: blind}, nil
}

// ─── Blinding ───────────────────────────────────────────────────────────────

func splitTokens(tokens []Token) ([][]byte, []oprf.Blind) {
	inputs := make([][]byte, len(tokens))
	blinds := make([]oprf.Blind, len(tokens))
	for i, t := range tokens {
		inputs[i] = t.preimage
		blinds[i] = t.blind
	}
	return inputs, blinds
}

// BlindTokens blinds tokens for signing under the issuer key publicKey.
func BlindTokens(publicKey string, tokens []Token) ([]string, error) {
	pk, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	inputs, blinds := splitTokens(tokens)
	_, req, err := oprf.NewVerifiableClient(suite, pk).DeterministicBlind(inputs, blinds)
	if err != nil {
		return nil, fmt.Errorf("blind tokens: %w", err)
	}
	return encodeElements(req.Elements)
}

// UnblindTokens checks the batch proof in signed against publicKey and
// returns one unblinded token per input token, in order. signed must cover
// exactly the blinded forms of tokens.
func UnblindTokens(publicKey string, tokens []Token, signedTokens []string, batchProof string) ([]string, error) {
	if len(tokens) == 0 || len(signedTokens) != len(tokens) {
		return nil, fmt.Errorf("got %d signed tokens for %d tokens: %w", len(signedTokens), len(tokens), ErrMalformed)
	}
	pk, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	elements, err := decodeElements(signedTokens)
	if err != nil {
		return nil, err
	}
	proof := new(dleq.Proof)
	rawProof, err := base64.StdEncoding.DecodeString(batchProof)
	if err != nil {
		return nil, fmt.Errorf("batch proof: %w", ErrMalformed)
	}
	if err := proof.UnmarshalBinary(suite.Group(), rawProof); err != nil {
		return nil, fmt.Errorf("batch proof: %w", ErrMalformed)
	}

	client := oprf.NewVerifiableClient(suite, pk)
	inputs, blinds := splitTokens(tokens)
	finData, _, err := client.DeterministicBlind(inputs, blinds)
	if err != nil {
		return nil, fmt.Errorf("re-blind tokens: %w", err)
	}
	outputs, err := client.Finalize(finData, &oprf.Evaluation{Elements: elements, Proof: proof})
	if err != nil {
		return nil, VerificationError{Err: err}
	}

	unblinded := make([]string, len(tokens))
	for i, out := range outputs {
		unblinded[i] = base64.StdEncoding.EncodeToString(append(bytes.Clone(inputs[i]), out...))
	}
	return unblinded, nil
}

// ─── Encoding ───────────────────────────────────────────────────────────────

func parsePublicKey(s string) (*oprf.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", ErrMalformed)
	}
	pk := new(oprf.PublicKey)
	if err := pk.UnmarshalBinary(suite, raw); err != nil {
		return nil, fmt.Errorf("public key: %w", ErrMalformed)
	}
	return pk, nil
}

func encodeElements(elements []group.Element) ([]string, error) {
	out := make([]string, len(elements))
	for i, e := range elements {
		raw, err := e.MarshalBinaryCompress()
		if err != nil {
			return nil, fmt.Errorf("encode element: %w", err)
		}
		out[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return out, nil
}

func decodeElements(encoded []string) ([]group.Element, error) {
	g := suite.Group()
	out := make([]group.Element, len(encoded))
	for i, s := range encoded {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, ErrMalformed)
		}
		e := g.NewElement()
		if err := e.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, ErrMalformed)
		}
		out[i] = e
	}
	return out, nil
}
