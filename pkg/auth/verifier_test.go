package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("unit-test-secret")

func signHS256(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func baseClaims(subject string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerifyHS256(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	claims := baseClaims("user-1")
	claims.Roles = []string{"admin"}
	claims.Email = "user-1@example.com"

	p, err := v.Verify(context.Background(), signHS256(t, claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "user-1" || p.Email != "user-1@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !HasAnyRole(p, "admin") {
		t.Fatalf("expected admin role")
	}
	if p.IsAnonymous() {
		t.Fatalf("verified principal must not be anonymous")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	claims := baseClaims("user-1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := v.Verify(context.Background(), signHS256(t, claims))
	if err == nil || err.Code != CodeExpired {
		t.Fatalf("expected %s, got %v", CodeExpired, err)
	}
}

func TestVerifyMissingExpiry(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
	if _, err := v.Verify(context.Background(), signHS256(t, claims)); err == nil {
		t.Fatalf("token without exp must be rejected")
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	_, err := v.Verify(context.Background(), "not.a.token")
	if err == nil || err.Code != CodeMalformed {
		t.Fatalf("expected %s, got %v", CodeMalformed, err)
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	_, err := v.Verify(context.Background(), "  ")
	if err == nil || err.Code != CodeUnauthenticated {
		t.Fatalf("expected %s, got %v", CodeUnauthenticated, err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewVerifier([]byte("other-secret"), nil)
	_, err := v.Verify(context.Background(), signHS256(t, baseClaims("user-1")))
	if err == nil || err.Code != CodeMalformed {
		t.Fatalf("expected %s, got %v", CodeMalformed, err)
	}
}

func TestVerifyAlgorithmAllowList(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	v.Algorithms = []string{"RS256"}
	_, err := v.Verify(context.Background(), signHS256(t, baseClaims("user-1")))
	if err == nil || err.Code != CodeMalformed {
		t.Fatalf("disallowed algorithm must be rejected, got %v", err)
	}
}

func TestVerifyNoSubject(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	claims := baseClaims("")
	_, err := v.Verify(context.Background(), signHS256(t, claims))
	if err == nil || err.Code != CodeMalformed {
		t.Fatalf("subject-less token must be rejected, got %v", err)
	}
}

func TestVerifyIssuerAudience(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	v.Issuer = "https://issuer.example.com"
	v.Audience = "meshgate"

	claims := baseClaims("user-1")
	claims.Issuer = "https://issuer.example.com"
	claims.Audience = jwt.ClaimStrings{"meshgate"}
	if _, err := v.Verify(context.Background(), signHS256(t, claims)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	claims.Audience = jwt.ClaimStrings{"someone-else"}
	if _, err := v.Verify(context.Background(), signHS256(t, claims)); err == nil {
		t.Fatalf("wrong audience must be rejected")
	}
}

func jwksHandler(key *rsa.PublicKey, kid string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]interface{}{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	raw, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestVerifyRS256ViaKeySet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ts := httptest.NewServer(jwksHandler(&key.PublicKey, "kid-7"))
	defer ts.Close()

	ks := NewKeySet(ts.URL, ts.Client())
	v := NewVerifier(nil, ks)

	p, verr := v.Verify(context.Background(), signRS256(t, key, "kid-7", baseClaims("user-9")))
	if verr != nil {
		t.Fatalf("verify: %v", verr)
	}
	if p.Subject != "user-9" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestVerifyUnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ts := httptest.NewServer(jwksHandler(&key.PublicKey, "kid-7"))
	defer ts.Close()

	ks := NewKeySet(ts.URL, ts.Client())
	v := NewVerifier(nil, ks)

	_, verr := v.Verify(context.Background(), signRS256(t, key, "kid-other", baseClaims("user-9")))
	if verr == nil || verr.Code != CodeKeyUnresolvable {
		t.Fatalf("expected %s, got %v", CodeKeyUnresolvable, verr)
	}
}

func TestVerifyKeySetUnreachable(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := NewKeySet("http://127.0.0.1:1/jwks.json", &http.Client{Timeout: 100 * time.Millisecond})
	v := NewVerifier(nil, ks)

	_, verr := v.Verify(context.Background(), signRS256(t, key, "kid-7", baseClaims("user-9")))
	if verr == nil || verr.Code != CodeKeyUnresolvable {
		t.Fatalf("expected %s, got %v", CodeKeyUnresolvable, verr)
	}
}

func TestKeySetCoalescesConcurrentFetches(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches atomic.Int64
	handler := jwksHandler(&key.PublicKey, "kid-7")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		handler(w, r)
	}))
	defer ts.Close()

	ks := NewKeySet(ts.URL, ts.Client())
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ks.ResolveKey(context.Background(), "kid-7")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
}

func TestKeySetEvictionBound(t *testing.T) {
	keys := make([]map[string]string, 0, 8)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	for i := 0; i < 8; i++ {
		keys = append(keys, map[string]string{
			"kid": fmt.Sprintf("kid-%d", i),
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
		})
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
	}))
	defer ts.Close()

	ks := NewKeySet(ts.URL, ts.Client())
	ks.MaxEntries = 4
	// The fetch populates all eight kids; eviction must trim to the bound
	// whether or not the requested kid survives it.
	_, _ = ks.ResolveKey(context.Background(), "kid-0")
	ks.mu.RLock()
	size := len(ks.keys)
	ks.mu.RUnlock()
	if size == 0 || size > 4 {
		t.Fatalf("cache must be bounded to MaxEntries, got %d entries", size)
	}
}
