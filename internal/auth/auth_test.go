package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Mode: ModeNone}, false},
		{"header", Config{Mode: ModeHeader, Header: "X-User"}, false},
		{"header without name", Config{Mode: ModeHeader}, true},
		{"oidc", Config{Mode: ModeOIDC, OIDCIssuer: "https://id.example", OIDCClientID: "ledger"}, false},
		{"oidc without issuer", Config{Mode: ModeOIDC, OIDCClientID: "ledger"}, true},
		{"oidc without client", Config{Mode: ModeOIDC, OIDCIssuer: "https://id.example"}, true},
		{"unknown", Config{Mode: "basic"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	a, err := New(context.Background(), Config{Mode: ModeHeader, Header: "X-User"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	if _, err := a.Authenticate(req.Context(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Authenticate() without header err = %v, want ErrUnauthenticated", err)
	}

	req.Header.Set("X-User", " alice ")
	id, err := a.Authenticate(req.Context(), req)
	if err != nil || id.Subject != "alice" {
		t.Errorf("Authenticate() = %+v, %v; want alice", id, err)
	}
}

type testAuthenticator struct {
	identity Identity
	err      error
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, a.err
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		authn      *testAuthenticator
		path       string
		wantStatus int
		wantError  string
		wantCalled bool
	}{
		{"unauthenticated", &testAuthenticator{err: ErrUnauthenticated}, "/api/templates", http.StatusUnauthorized, "unauthorized", false},
		{"bad token", &testAuthenticator{err: errors.New("expired")}, "/api/templates", http.StatusUnauthorized, "invalid_token", false},
		{"skipped prefix", &testAuthenticator{err: ErrUnauthenticated}, "/healthz", http.StatusOK, "", true},
		{"authenticated", &testAuthenticator{identity: Identity{Subject: "bob"}}, "/api/templates", http.StatusOK, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen Identity
			called := false
			h := Middleware{Authenticator: tt.authn, SkipPrefixes: []string{"/healthz"}}.Wrap(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					called = true
					seen, _ = IdentityFromContext(r.Context())
					w.WriteHeader(http.StatusOK)
				}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if called != tt.wantCalled {
				t.Fatalf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if tt.wantError != "" {
				var body map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("unmarshal response: %v", err)
				}
				if body["error"] != tt.wantError {
					t.Errorf("error = %v, want %s", body["error"], tt.wantError)
				}
			}
			if called && seen.Subject != tt.authn.identity.Subject {
				t.Errorf("identity in context = %+v, want %+v", seen, tt.authn.identity)
			}
		})
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signingInput + "." + enc.EncodeToString(sig)
}

func TestOIDCAuthenticator(t *testing.T) {
	const issuer = "https://id.example.test"
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verifier := oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "template-ledger"})
	a := newOIDCAuthenticator(verifier, "")

	now := time.Now()
	valid := signRS256(t, key, map[string]any{
		"iss":   issuer,
		"aud":   "template-ledger",
		"sub":   "user-42",
		"email": "u42@example.test",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	wrongAudience := signRS256(t, key, map[string]any{
		"iss": issuer,
		"aud": "someone-else",
		"sub": "user-42",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/templates", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	id, err := a.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate(valid) failed: %v", err)
	}
	if id.Subject != "user-42" || id.Email != "u42@example.test" {
		t.Errorf("identity = %+v", id)
	}

	req.Header.Set("Authorization", "Bearer "+wrongAudience)
	if _, err := a.Authenticate(context.Background(), req); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Authenticate(wrong audience) err = %v, want verification error", err)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := a.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Authenticate(basic) err = %v, want ErrUnauthenticated", err)
	}
}
