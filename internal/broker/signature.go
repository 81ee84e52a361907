package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SignatureHeader carries the signed token on every callback request
const SignatureHeader = "Upstash-Signature"

const (
	signatureIssuer   = "Upstash"
	signatureLifetime = 5 * time.Minute
)

// ErrInvalidSignature is returned when no signing key accepts a callback
var ErrInvalidSignature = errors.New("invalid broker signature")

// signatureClaims binds a token to the request URL and a digest of its body
type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Signer produces callback signatures with a single HMAC key
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a signer for key
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), now: time.Now}
}

// Sign returns a token for a request of body to url
func (s *Signer) Sign(url string, body []byte) (string, error) {
	if len(s.key) == 0 {
		return "", errors.New("signing key is empty")
	}

	now := s.now()
	claims := signatureClaims{
		Body: bodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(signatureLifetime)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign broker message: %w", err)
	}
	return signed, nil
}

// Verifier checks callback signatures against the current signing key and,
// during rotation, the next one.
type Verifier struct {
	keys   [][]byte
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithVerifierClock sets the time used to check token lifetimes
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier. Empty keys are ignored.
func NewVerifier(currentKey, nextKey string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		leeway: time.Minute,
		now:    time.Now,
	}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify checks that token was issued for a request of body. url is compared
// with the token subject when non-empty.
func (v *Verifier) Verify(token, url string, body []byte) error {
	if token == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if len(v.keys) == 0 {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		claims, err := v.parse(token, key)
		if err != nil {
			lastErr = err
			continue
		}
		if url != "" && claims.Subject != url {
			return fmt.Errorf("%w: signed for %q", ErrInvalidSignature, claims.Subject)
		}
		if subtle.ConstantTimeCompare([]byte(claims.Body), []byte(bodyDigest(body))) != 1 {
			return fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
		}
		return nil
	}

	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) parse(token string, key []byte) (*signatureClaims, error) {
	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
