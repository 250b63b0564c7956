package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

const (
	// SignatureSchemeHeader carries the scheme the caller signed with.
	SignatureSchemeHeader = "x-restate-signature-scheme"
	// JWTHeader carries the v1 signature token.
	JWTHeader = "x-restate-jwt-v1"

	SchemeV1       = "v1"
	SchemeUnsigned = "unsigned"

	keyPrefix = "publickeyv1_"
)

var (
	ErrUnsignedRequest  = errors.New("identity: request is unsigned but a key set is configured")
	ErrMalformedToken   = errors.New("identity: malformed signature token")
	ErrUnknownKey       = errors.New("identity: token signed with a key outside the configured set")
	ErrSignatureInvalid = errors.New("identity: token signature verification failed")
	ErrClaimRejected    = errors.New("identity: token claims rejected")
)

// ParseKey decodes a serialised public key of the form
// "publickeyv1_<base58>" into its raw ed25519 form.
func ParseKey(serialised string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(serialised, keyPrefix)
	if !ok {
		return nil, fmt.Errorf("identity: key %q does not start with %q", serialised, keyPrefix)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: key %q is not valid base58: %w", serialised, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: key %q decodes to %d bytes, want %d", serialised, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// SerialiseKey renders a raw ed25519 public key in the serialised
// "publickeyv1_<base58>" form used as the JWT kid.
func SerialiseKey(key ed25519.PublicKey) string {
	return keyPrefix + base58.Encode(key)
}

type keySet struct {
	keys map[string]ed25519.PublicKey
}

// Verifier checks request signatures against a set of trusted public
// keys. The set can be swapped at runtime without interrupting in-flight
// verifications.
type Verifier struct {
	set atomic.Pointer[keySet]
}

// NewVerifier builds a Verifier trusting the given serialised keys. An
// empty key list yields a verifier that accepts every request.
func NewVerifier(serialisedKeys []string) (*Verifier, error) {
	v := &Verifier{}
	if err := v.Rotate(serialisedKeys); err != nil {
		return nil, err
	}
	return v, nil
}

// Rotate atomically replaces the trusted key set.
func (v *Verifier) Rotate(serialisedKeys []string) error {
	set := &keySet{keys: make(map[string]ed25519.PublicKey, len(serialisedKeys))}
	for _, s := range serialisedKeys {
		key, err := ParseKey(s)
		if err != nil {
			return err
		}
		set.keys[s] = key
	}
	v.set.Store(set)
	return nil
}

// Verify checks the identity headers of a request for the given path.
// With no keys configured every request passes, signed or not.
func (v *Verifier) Verify(headers map[string]string, path string) error {
	set := v.set.Load()
	if len(set.keys) == 0 {
		return nil
	}

	switch scheme := headers[SignatureSchemeHeader]; scheme {
	case SchemeV1:
		return v.verifyV1(set, headers[JWTHeader], path)
	case SchemeUnsigned, "":
		return ErrUnsignedRequest
	default:
		return fmt.Errorf("%w: unexpected signature scheme %q", ErrMalformedToken, scheme)
	}
}

func (v *Verifier) verifyV1(set *keySet, token, path string) error {
	if token == "" {
		return fmt.Errorf("%w: missing %s header", ErrMalformedToken, JWTHeader)
	}

	keyfunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: token has no kid header", ErrMalformedToken)
		}
		key, ok := set.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
		}
		return key, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc,
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithAudience(NormalisePath(path)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(0),
	)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownKey), errors.Is(err, ErrMalformedToken):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrClaimRejected, err)
	}
	if !parsed.Valid {
		return ErrSignatureInvalid
	}
	// exp is verified above; iat and nbf must be present as well.
	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat claim", ErrClaimRejected)
	}
	if claims.NotBefore == nil {
		return fmt.Errorf("%w: missing nbf claim", ErrClaimRejected)
	}
	return nil
}

// NormalisePath reduces a request path to the audience form used in
// signatures, so deployments mounted behind different URL prefixes all
// verify against the same claim.
func NormalisePath(path string) string {
	if i := strings.LastIndex(path, "/invoke/"); i >= 0 {
		return path[i:]
	}
	if strings.HasSuffix(path, "/discover") {
		return "/discover"
	}
	if strings.HasSuffix(path, "/health") {
		return "/health"
	}
	return path
}
