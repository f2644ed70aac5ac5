package policy

import (
	"testing"

	"meshgate/pkg/auth"
)

func engineForTest() *Engine {
	return New(map[string]Rule{
		"deleteUser": {Roles: []string{"admin"}},
		"exportData": {Roles: []string{"admin"}, Permissions: []string{"export"}},
		"readThing":  {Permissions: []string{"read"}},
	}, []string{"introspect", "healthQuery"})
}

func TestPublicExactMatchOnly(t *testing.T) {
	e := engineForTest()
	if !e.Public("introspect") {
		t.Fatalf("listed operation must be public")
	}
	// Matching is exact on the parsed operation name; neither substrings
	// nor case variants qualify.
	for _, op := range []string{"introspectAll", "intro", "Introspect", "xintrospect"} {
		if e.Public(op) {
			t.Fatalf("%q must not be public", op)
		}
	}
}

func TestAnonymousOnPublicAllowed(t *testing.T) {
	e := engineForTest()
	d := e.Evaluate(auth.Anonymous(), "introspect")
	if !d.Allowed {
		t.Fatalf("anonymous caller must pass on a public operation: %+v", d)
	}
}

func TestAnonymousOnPrivateIs401(t *testing.T) {
	e := engineForTest()
	d := e.Evaluate(auth.Anonymous(), "deleteUser")
	if d.Allowed || d.Status != 401 || d.Code != "UNAUTHENTICATED" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRoleRequirement(t *testing.T) {
	e := engineForTest()
	admin := auth.Principal{Subject: "u1", Roles: []string{"admin"}}
	viewer := auth.Principal{Subject: "u2", Roles: []string{"viewer"}}

	if d := e.Evaluate(admin, "deleteUser"); !d.Allowed {
		t.Fatalf("admin must pass: %+v", d)
	}
	d := e.Evaluate(viewer, "deleteUser")
	if d.Allowed || d.Status != 403 || d.Code != "FORBIDDEN" {
		t.Fatalf("viewer must be forbidden: %+v", d)
	}
}

func TestRoleAndPermissionBothRequired(t *testing.T) {
	e := engineForTest()
	adminNoPerm := auth.Principal{Subject: "u1", Roles: []string{"admin"}}
	if d := e.Evaluate(adminNoPerm, "exportData"); d.Allowed {
		t.Fatalf("role alone must not satisfy a rule that also lists permissions")
	}
	full := auth.Principal{Subject: "u1", Roles: []string{"admin"}, Permissions: []string{"export"}}
	if d := e.Evaluate(full, "exportData"); !d.Allowed {
		t.Fatalf("role plus permission must pass: %+v", d)
	}
}

func TestPermissionOnlyRule(t *testing.T) {
	e := engineForTest()
	reader := auth.Principal{Subject: "u1", Permissions: []string{"read"}}
	if d := e.Evaluate(reader, "readThing"); !d.Allowed {
		t.Fatalf("permission holder must pass: %+v", d)
	}
}

func TestUnruledOperationAllowsAuthenticated(t *testing.T) {
	e := engineForTest()
	p := auth.Principal{Subject: "u1"}
	if d := e.Evaluate(p, "listWidgets"); !d.Allowed {
		t.Fatalf("authenticated caller must pass an unruled operation: %+v", d)
	}
	if d := e.Evaluate(auth.Anonymous(), "listWidgets"); d.Allowed {
		t.Fatalf("anonymous caller must not pass an unruled private operation")
	}
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	e := engineForTest()
	e.Disabled = true
	if d := e.Evaluate(auth.Anonymous(), "deleteUser"); !d.Allowed {
		t.Fatalf("disabled engine must allow: %+v", d)
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules(`{"deleteUser":{"roles":["admin"]},"export":{"permissions":["export"]}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 2 || rules["deleteUser"].Roles[0] != "admin" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if _, err := ParseRules("{broken"); err == nil {
		t.Fatalf("expected parse error")
	}
	empty, err := ParseRules("  ")
	if err != nil || len(empty) != 0 {
		t.Fatalf("blank spec must yield empty rules: %v %+v", err, empty)
	}
}
