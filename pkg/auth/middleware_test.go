package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAPIKeyStore(t *testing.T) {
	s := NewAPIKeyStore("alpha-key:billing, beta-key , :nameless")
	if s.Empty() {
		t.Fatalf("store should hold keys")
	}

	p, err := s.Authenticate("alpha-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "svc:billing" || !HasAnyRole(p, "service") {
		t.Fatalf("unexpected principal: %+v", p)
	}

	p, err = s.Authenticate("beta-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "svc:service" {
		t.Fatalf("keys without a client name default to service, got %+v", p)
	}

	if _, err := s.Authenticate("wrong-key"); err == nil || err.Code != CodeInvalidAPIKey {
		t.Fatalf("expected %s, got %v", CodeInvalidAPIKey, err)
	}
	if _, err := s.Authenticate(""); err == nil {
		t.Fatalf("empty key must be rejected")
	}
}

func TestAuthenticateBearerWinsOverAPIKey(t *testing.T) {
	a := &Authenticator{
		Verifier: NewVerifier(testSecret, nil),
		APIKeys:  NewAPIKeyStore("svc-key:jobs"),
	}
	r := httptest.NewRequest("POST", "/v1/query", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, baseClaims("user-1")))
	r.Header.Set("X-API-Key", "svc-key")

	p, bearer, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "user-1" {
		t.Fatalf("bearer token must win, got %+v", p)
	}
	if bearer == "" {
		t.Fatalf("raw bearer token must be returned for propagation")
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := &Authenticator{
		Verifier: NewVerifier(testSecret, nil),
		APIKeys:  NewAPIKeyStore("svc-key:jobs"),
	}
	r := httptest.NewRequest("POST", "/v1/query", nil)
	r.Header.Set("X-API-Key", "svc-key")

	p, bearer, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "svc:jobs" || bearer != "" {
		t.Fatalf("unexpected result: %+v bearer=%q", p, bearer)
	}
}

func TestAuthenticateNoCredentialIsAnonymous(t *testing.T) {
	a := &Authenticator{Verifier: NewVerifier(testSecret, nil), APIKeys: NewAPIKeyStore("")}
	r := httptest.NewRequest("POST", "/v1/query", nil)

	p, _, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("no credential must not error, got %v", err)
	}
	if !p.IsAnonymous() {
		t.Fatalf("expected anonymous, got %+v", p)
	}
}

func TestAuthenticateInvalidTokenNotDowngraded(t *testing.T) {
	a := &Authenticator{Verifier: NewVerifier(testSecret, nil)}
	claims := baseClaims("user-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	r := httptest.NewRequest("POST", "/v1/query", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, claims))

	_, _, err := a.Authenticate(r)
	if err == nil || err.Code != CodeExpired {
		t.Fatalf("expired token must fail with %s, got %v", CodeExpired, err)
	}
}

func TestAuthenticateMalformedAuthorizationHeader(t *testing.T) {
	a := &Authenticator{Verifier: NewVerifier(testSecret, nil), APIKeys: NewAPIKeyStore("")}
	r := httptest.NewRequest("POST", "/v1/query", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	p, _, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("non-bearer scheme falls through: %v", err)
	}
	if !p.IsAnonymous() {
		t.Fatalf("expected anonymous, got %+v", p)
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	a := &Authenticator{Disabled: true}
	r := httptest.NewRequest("POST", "/v1/query", nil)
	p, _, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.Subject != "dev" || !HasAnyRole(p, "admin") {
		t.Fatalf("unexpected dev principal: %+v", p)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	ctx := WithPrincipal(r.Context(), Principal{Subject: "user-1", Roles: []string{"Admin"}})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Subject != "user-1" {
		t.Fatalf("round trip failed: %+v ok=%v", p, ok)
	}
	if !HasAnyRole(p, "admin") {
		t.Fatalf("role match must be case-insensitive")
	}
	if _, ok := PrincipalFromContext(r.Context()); ok {
		t.Fatalf("empty context must miss")
	}
}
