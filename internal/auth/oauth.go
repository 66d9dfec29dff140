// Package auth verifies OIDC bearer tokens for the VisionForge API. The
// service is a pure resource server: it never initiates a login flow, it
// only checks tokens minted by the configured issuer.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider verifies tokens against an OIDC issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the audience tokens must be issued for
	ClientID string

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// NewProvider creates a provider, fetching the issuer's discovery document.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
	}, nil
}

// VerifyToken verifies a signed ID token and returns its claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = stripBearer(rawToken)

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	// exp is numeric in the raw claims; take it from the parsed token.
	claims.expiry = idToken.Expiry

	return &claims, nil
}

// VerifyAccessToken validates an opaque access token against the issuer's
// userinfo endpoint. Used when the bearer token is not a JWT.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = stripBearer(accessToken)

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject: userInfo.Subject,
		Email:   userInfo.Email,
	}
	var extra struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}
	if err := userInfo.Claims(&extra); err == nil {
		claims.Name = extra.Name
		claims.Roles = extra.Roles
	}

	return claims, nil
}

func stripBearer(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	return strings.TrimPrefix(token, "bearer ")
}

// Claims are the token claims the middleware acts on.
type Claims struct {
	Subject string   `json:"sub"`
	Name    string   `json:"name,omitempty"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles,omitempty"`

	expiry time.Time
}

// HasRole reports whether the token carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired reports whether the token has expired. Tokens verified through
// the userinfo endpoint have no local expiry and never report expired here.
func (c *Claims) IsExpired() bool {
	if c.expiry.IsZero() {
		return false
	}
	return time.Now().After(c.expiry)
}
