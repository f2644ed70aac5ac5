// Package auth verifies bearer credentials against a remotely fetched
// signing-key set and maps them to request-scoped principals. A secondary
// API-key path covers service-to-service callers.
package auth

import (
	"context"
	"strings"
)

// Principal is the identity established for one request. It is derived once
// from a verified credential and never persisted.
type Principal struct {
	Subject     string         `json:"subject"`
	Email       string         `json:"email,omitempty"`
	Name        string         `json:"name,omitempty"`
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	OrgID       string         `json:"org_id,omitempty"`
	Claims      map[string]any `json:"-"`
}

// Anonymous is the principal attached to public operations served without a
// credential: no roles, no permissions.
func Anonymous() Principal {
	return Principal{Subject: "anonymous"}
}

func (p Principal) IsAnonymous() bool {
	return p.Subject == "" || p.Subject == "anonymous"
}

type contextKey string

const principalContextKey contextKey = "meshgate.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// HasAnyRole reports whether the principal holds at least one of the
// required roles. Matching is case-insensitive; an empty requirement always
// passes.
func HasAnyRole(p Principal, required ...string) bool {
	return intersects(p.Roles, required)
}

// HasAnyPermission is HasAnyRole over the permission set.
func HasAnyPermission(p Principal, required ...string) bool {
	return intersects(p.Permissions, required)
}

func intersects(held, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(held))
	for _, h := range held {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; ok {
			return true
		}
	}
	return false
}
