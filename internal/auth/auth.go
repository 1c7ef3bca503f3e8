// Package auth resolves the caller of an HTTP request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	ModeNone   = "none"
	ModeHeader = "header"
	ModeOIDC   = "oidc"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode         string `mapstructure:"mode"`
	Header       string `mapstructure:"header"`
	OIDCIssuer   string `mapstructure:"oidc_issuer"`
	OIDCClientID string `mapstructure:"oidc_client_id"`
	EmailClaim   string `mapstructure:"email_claim"`
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone:
	case ModeHeader:
		if strings.TrimSpace(c.Header) == "" {
			return errors.New("auth header name is required in header mode")
		}
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuer) == "" {
			return errors.New("oidc issuer is required in oidc mode")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("oidc client id is required in oidc mode")
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Mode)
	}
	return nil
}

// Enforcing reports whether requests must carry an identity.
func (c Config) Enforcing() bool {
	return c.Mode != ModeNone
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// New builds the authenticator for cfg.Mode. OIDC discovery happens here,
// so ctx bounds the provider lookup.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeHeader:
		return &HeaderAuthenticator{Header: cfg.Header}, nil
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	default:
		return AnonymousAuthenticator{}, nil
	}
}

// AnonymousAuthenticator lets every request through without an identity.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{}, nil
}

// HeaderAuthenticator trusts an upstream gateway to set the subject header.
type HeaderAuthenticator struct {
	Header string
}

func (a *HeaderAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(a.Header))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Subject: subject}, nil
}

// OIDCAuthenticator verifies bearer ID tokens against an OpenID provider.
type OIDCAuthenticator struct {
	verifier   *oidc.IDTokenVerifier
	emailClaim string
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return newOIDCAuthenticator(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}), cfg.EmailClaim), nil
}

func newOIDCAuthenticator(verifier *oidc.IDTokenVerifier, emailClaim string) *OIDCAuthenticator {
	if emailClaim == "" {
		emailClaim = "email"
	}
	return &OIDCAuthenticator{verifier: verifier, emailClaim: emailClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	email, _ := claims[a.emailClaim].(string)

	return Identity{Subject: idToken.Subject, Email: email}, nil
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
