package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer produces the identity headers the platform attaches to
// outbound requests. Its main consumer is test and tooling code that
// exercises a Verifier end to end.
type Signer struct {
	key ed25519.PrivateKey
	kid string
	ttl time.Duration
}

// NewSigner generates a fresh ed25519 key pair and returns a Signer for
// it together with the serialised public key to configure on verifiers.
func NewSigner() (*Signer, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("identity: generate key: %w", err)
	}
	kid := SerialiseKey(pub)
	return &Signer{key: priv, kid: kid, ttl: 5 * time.Minute}, kid, nil
}

// SignRequest returns the identity headers for a request to path.
func (s *Signer) SignRequest(path string) (map[string]string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{NormalisePath(path)},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("identity: sign token: %w", err)
	}
	return map[string]string{
		SignatureSchemeHeader: SchemeV1,
		JWTHeader:             signed,
	}, nil
}
