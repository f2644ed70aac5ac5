// Package policy decides whether an established principal may invoke a
// named operation. Rules are static configuration loaded at startup; the
// decision itself is pure and cheap enough to sit on the hot path.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"meshgate/pkg/auth"
)

// Rule is the access requirement for one operation. Each non-empty list is
// an any-of requirement; a rule listing both roles and permissions requires
// one match from each.
type Rule struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed bool
	// Status is the HTTP status to serve on denial: 401 for anonymous
	// callers on private operations, 403 for authenticated callers that
	// lack the requirement.
	Status int
	Code   string
	Reason string
}

var allow = Decision{Allowed: true}

// Engine holds the operation rules and the public allow list.
type Engine struct {
	// Disabled turns every evaluation into an allow. Development only.
	Disabled bool

	rules  map[string]Rule
	public map[string]struct{}
}

// New builds an engine from an operation->rule map and the list of public
// operation names. Operation matching is exact on the parsed operation name;
// lookups are case-sensitive.
func New(rules map[string]Rule, public []string) *Engine {
	e := &Engine{rules: map[string]Rule{}, public: map[string]struct{}{}}
	for op, rule := range rules {
		op = strings.TrimSpace(op)
		if op != "" {
			e.rules[op] = rule
		}
	}
	for _, op := range public {
		op = strings.TrimSpace(op)
		if op != "" {
			e.public[op] = struct{}{}
		}
	}
	return e
}

// ParseRules decodes the JSON rule map used by the MESHGATE_POLICY_RULES
// setting, e.g. {"deleteUser":{"roles":["admin"]}}.
func ParseRules(raw string) (map[string]Rule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]Rule{}, nil
	}
	var rules map[string]Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	return rules, nil
}

// Public reports whether the operation may be served without a credential.
// The match is exact against the parsed operation name only.
func (e *Engine) Public(operation string) bool {
	if e == nil {
		return false
	}
	_, ok := e.public[operation]
	return ok
}

// Evaluate checks the principal against the operation's rule.
func (e *Engine) Evaluate(p auth.Principal, operation string) Decision {
	if e == nil || e.Disabled {
		return allow
	}
	if e.Public(operation) {
		return allow
	}
	if p.IsAnonymous() {
		return Decision{
			Status: 401,
			Code:   "UNAUTHENTICATED",
			Reason: "operation requires authentication",
		}
	}
	rule, ok := e.rules[operation]
	if !ok {
		// Authenticated callers may invoke operations with no explicit rule.
		return allow
	}
	if auth.HasAnyRole(p, rule.Roles...) && auth.HasAnyPermission(p, rule.Permissions...) {
		return allow
	}
	return Decision{
		Status: 403,
		Code:   "FORBIDDEN",
		Reason: fmt.Sprintf("operation %q requires role %s", operation, strings.Join(rule.Roles, "|")),
	}
}
