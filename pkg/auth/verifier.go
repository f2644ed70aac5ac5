package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload the gateway understands. Everything else in
// the token rides along in Principal.Claims untouched.
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens. HS256 tokens verify against the shared
// Secret; RS256 tokens resolve their signing key through the key set by kid.
// Any algorithm outside the allow list is rejected before signature checks.
type Verifier struct {
	Secret     []byte
	Keys       *KeySet
	Issuer     string
	Audience   string
	Algorithms []string
}

func NewVerifier(secret []byte, keys *KeySet) *Verifier {
	return &Verifier{
		Secret:     secret,
		Keys:       keys,
		Algorithms: []string{"HS256", "RS256"},
	}
}

// Verify parses and validates the raw token and maps it to a principal.
// Failures carry a stable Code; a failed verification is never downgraded
// to anonymous.
func (v *Verifier) Verify(ctx context.Context, raw string) (Principal, *Error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, newError(CodeUnauthenticated, "missing bearer token", nil)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.Algorithms),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(v.Secret) == 0 {
				return nil, errors.New("hmac verification not configured")
			}
			return v.Secret, nil
		case *jwt.SigningMethodRSA:
			if v.Keys == nil {
				return nil, fmt.Errorf("%w: key set not configured", ErrKeyUnresolvable)
			}
			kid, _ := t.Header["kid"].(string)
			return v.Keys.ResolveKey(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
	})
	if err != nil {
		return Principal{}, classify(err)
	}
	if !token.Valid {
		return Principal{}, newError(CodeMalformed, "token failed validation", nil)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, newError(CodeMalformed, "token has no subject", nil)
	}
	return Principal{
		Subject:     claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		OrgID:       claims.OrgID,
		Claims:      rawClaims(token),
	}, nil
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(CodeExpired, "token expired", err)
	case errors.Is(err, ErrKeyUnresolvable):
		return newError(CodeKeyUnresolvable, "signing key could not be resolved", err)
	default:
		return newError(CodeMalformed, "token invalid", err)
	}
}

func rawClaims(token *jwt.Token) map[string]any {
	if mc, ok := token.Claims.(jwt.MapClaims); ok {
		return map[string]any(mc)
	}
	return nil
}
