// Package auth mints and validates login tokens. A token binds a
// connection to an entity identity: the subject claim carries the
// entity id, the signature proves possession of the node's signing
// key, and a freshness window on the issued-at claim keeps replayed
// tokens from living forever.
package auth

import (
	"crypto/ed25519"
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// FreshnessWindow bounds how old a token's iat may be. Tokens older
// than this are rejected even when exp has not passed.
const FreshnessWindow = time.Hour

const tokenIssuer = "cloud-node"

type loginClaims struct {
	jwt.RegisteredClaims
}

// Issuer mints login tokens for local identities.
type Issuer struct {
	key ed25519.PrivateKey
	now func() time.Time
}

// NewIssuer returns an Issuer signing with the given key.
func NewIssuer(key ed25519.PrivateKey) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Issuer", "New", "signing key size check")
	}
	return &Issuer{key: key, now: time.Now}, nil
}

// Issue mints a token for the given identity, valid for the freshness
// window starting now.
func (i *Issuer) Issue(id identity.EntityID) (string, error) {
	now := i.now().UTC()
	claims := loginClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(FreshnessWindow)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", errors.Wrap(err, "Issuer", "Issue", "token signing")
	}
	return signed, nil
}

// Verifier validates login tokens against a trusted public key.
type Verifier struct {
	key ed25519.PublicKey
	now func() time.Time
}

// NewVerifier returns a Verifier trusting the given public key.
func NewVerifier(key ed25519.PublicKey) (*Verifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Verifier", "New", "public key size check")
	}
	return &Verifier{key: key, now: time.Now}, nil
}

// Validate checks signature, issuer and freshness and returns the
// identity the token was minted for. Every failure maps to
// ErrLoginFailed so callers never leak which check tripped.
func (v *Verifier) Validate(token string) (identity.EntityID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.Zero, errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "empty token")
	}

	var parsed loginClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return identity.Zero, mapJWTError(err)
	}

	if parsed.IssuedAt == nil {
		return identity.Zero, errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "missing iat")
	}
	if v.now().UTC().Sub(parsed.IssuedAt.Time.UTC()) > FreshnessWindow {
		return identity.Zero, errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "stale token")
	}

	id, err := identity.Parse(parsed.Subject)
	if err != nil {
		return identity.Zero, errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "subject parse")
	}
	return id, nil
}

func mapJWTError(err error) error {
	switch {
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid), stderrors.Is(err, jwt.ErrEd25519Verification):
		return errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "signature check")
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "expiry check")
	default:
		return errors.WrapInvalid(errors.ErrLoginFailed, "Verifier", "Validate", "token parse")
	}
}
