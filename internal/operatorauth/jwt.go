package operatorauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims holds the custom fields embedded in a self-issued operator token.
type claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// JWTValidator issues and verifies HMAC-signed bearer tokens for operators
// who don't go through an external identity provider — the "bootstrap"
// path, with tokens minted by Issue. A shared secret is sufficient
// here because the same process both mints and verifies these tokens;
// there is no second party that needs the public half of a key pair.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator returns a JWTValidator signing and verifying with the
// given shared secret under the given issuer.
func NewJWTValidator(secret []byte, issuer string) (*JWTValidator, error) {
	if len(secret) == 0 {
		return nil, errors.New("operatorauth: jwt secret must not be empty")
	}
	return &JWTValidator{secret: secret, issuer: issuer}, nil
}

// Issue mints a signed token for subject, valid for ttl, carrying scopes.
func (v *JWTValidator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("operatorauth: signing token: %w", err)
	}
	return signed, nil
}

// Validate implements TokenValidator.
func (v *JWTValidator) Validate(_ context.Context, token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(
		token,
		&claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("operatorauth: unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	return &Identity{Subject: c.Subject, Scopes: c.Scopes}, nil
}
