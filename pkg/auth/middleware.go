package auth

import (
	"net/http"
	"strings"
)

// Authenticator establishes a principal for each request. Credential order
// is fixed: a Bearer token wins over X-API-Key; with neither present the
// request proceeds anonymously and downstream policy decides whether that
// is acceptable for the operation.
type Authenticator struct {
	Verifier *Verifier
	APIKeys  *APIKeyStore
	// Disabled bypasses verification entirely. Development only; the
	// gateway refuses to start with this set in production mode.
	Disabled bool
}

// Authenticate inspects the request credentials. It returns the established
// principal, the raw bearer token for upstream propagation, and a non-nil
// *Error only when a credential was presented and failed verification.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, string, *Error) {
	if a.Disabled {
		return Principal{Subject: "dev", Roles: []string{"admin"}, Permissions: []string{"read", "write"}}, "", nil
	}
	if raw, ok := bearerToken(r); ok {
		if a.Verifier == nil {
			return Principal{}, "", newError(CodeMalformed, "token verification not configured", nil)
		}
		p, err := a.Verifier.Verify(r.Context(), raw)
		if err != nil {
			return Principal{}, "", err
		}
		return p, raw, nil
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		p, err := a.APIKeys.Authenticate(key)
		if err != nil {
			return Principal{}, "", err
		}
		return p, "", nil
	}
	return Anonymous(), "", nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
