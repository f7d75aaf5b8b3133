package operatorauth

import (
	"context"
	"fmt"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// OIDCValidator verifies operator bearer tokens as ID tokens issued by an
// external identity provider. Unlike the teacher's OIDCAuthProvider, this
// implementation never drives the Authorization Code exchange itself —
// operators obtain their ID token out of band (e.g. via their IdP's CLI
// device flow) and present it directly as a bearer token, so only the
// verification half of the teacher's provider is carried.
type OIDCValidator struct {
	verifier *gooidc.IDTokenVerifier
}

// NewOIDCValidator discovers the issuer's OIDC configuration and returns a
// validator that accepts tokens minted for clientID.
func NewOIDCValidator(ctx context.Context, issuerURL, clientID string) (*OIDCValidator, error) {
	provider, err := gooidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("operatorauth: initializing OIDC provider for issuer %q: %w", issuerURL, err)
	}

	return &OIDCValidator{
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
	}, nil
}

// Validate implements TokenValidator.
func (v *OIDCValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	var claims struct {
		Subject string   `json:"sub"`
		Scopes  []string `json:"scopes"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("operatorauth: extracting OIDC claims: %w", err)
	}

	return &Identity{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}
