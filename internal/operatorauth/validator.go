// Package operatorauth authenticates the operators driving the control
// server's admin API and operator bridge. It is a thin boundary — bearer
// token in, Identity out — because operator login/session orchestration
// (password storage, refresh-token rotation, JIT provisioning) is out of
// scope for this system; only the verification step is carried, in the
// shape of the teacher's two-provider AuthProvider split.
package operatorauth

import (
	"context"
	"errors"
)

// ErrTokenInvalid is returned when a token is malformed, unsigned, or
// signed by an untrusted key.
var ErrTokenInvalid = errors.New("operatorauth: token invalid")

// ErrTokenExpired is returned when a token's expiry has passed.
var ErrTokenExpired = errors.New("operatorauth: token expired")

// Identity is the authenticated caller behind a bearer token.
type Identity struct {
	// Subject identifies the operator, e.g. an email or a provider-specific
	// subject claim.
	Subject string

	// Scopes carries coarse authorization hints (e.g. "agents:write").
	// The admin API treats an empty slice as "no restriction" — this system
	// does not implement per-route scope enforcement, only the carrier.
	Scopes []string
}

// TokenValidator verifies a bearer token presented to the admin API and
// returns the Identity it authenticates. Two implementations exist:
// *JWTValidator (HMAC tokens minted by JWTValidator.Issue) and
// *OIDCValidator (ID tokens issued by an external identity provider).
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}
