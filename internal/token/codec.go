// Package token signs and verifies the short-lived JWTs the broker hands
// out in place of the long-lived upstream API key.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired means the signature checked out but the token is past
	// its expiry. Callers recover from this by rotating.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid means the token is malformed or the signature does not
	// verify. Callers treat this as tampering and reject.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the payload carried by every broker token: the upstream API key
// plus the registered time claims.
type Claims struct {
	UpstreamKey string `json:"key"`
	jwt.RegisteredClaims
}

// DeriveSecret produces the process-wide signing secret from the operator's
// passphrase: the hex SHA-256 of the trimmed value. It is computed once at
// startup and never rotated; rotating it would invalidate every outstanding
// token.
func DeriveSecret(passphrase string) []byte {
	h := sha256.Sum256([]byte(strings.TrimSpace(passphrase)))
	return []byte(hex.EncodeToString(h[:]))
}

// Codec signs and verifies broker tokens with a fixed HS256 secret.
type Codec struct {
	secret []byte
}

// NewCodec creates a Codec around an already-derived signing secret.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret}
}

// Sign mints a token embedding upstreamKey, valid for ttl from now.
func (c *Codec) Sign(upstreamKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UpstreamKey: upstreamKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

// Verify checks signature and expiry. Expiry is reported as ErrTokenExpired,
// every other failure as ErrTokenInvalid; the two drive different rotation
// decisions upstream.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// PeekClaims parses the claims of an expired-but-authentically-signed token.
// The signature must still verify; only the expiry check is skipped. Used by
// the rotation path to recover the upstream key claim from a stale token.
func (c *Codec) PeekClaims(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
