package complexity

import "testing"

const nestedQuery = `query GetUser($id: ID!) {
  user(id: $id) {
    name
    email
    orders {
      id
      total
      items {
        sku
        price
      }
    }
  }
}`

func TestAnalyzeCountsFieldsAndDepth(t *testing.T) {
	s := Analyze(nestedQuery)
	if s.Fields != 9 {
		t.Fatalf("expected 9 fields, got %d (%+v)", s.Fields, s)
	}
	if s.MaxDepth != 4 {
		t.Fatalf("expected depth 4, got %d", s.MaxDepth)
	}
	if s.Score != 9*4 {
		t.Fatalf("score must be fields*depth, got %d", s.Score)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	first := Analyze(nestedQuery)
	for i := 0; i < 10; i++ {
		if got := Analyze(nestedQuery); got != first {
			t.Fatalf("analysis must be deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestAnalyzeIgnoresStringsAndComments(t *testing.T) {
	q := `query {
  # a comment with { braces } everywhere
  search(term: "curly {braces} inside") {
    id
  }
}`
	s := Analyze(q)
	if s.MaxDepth != 2 {
		t.Fatalf("braces in strings/comments must not count, got depth %d", s.MaxDepth)
	}
	if s.Fields != 2 {
		t.Fatalf("expected 2 fields (search, id), got %d", s.Fields)
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	s := Analyze("")
	if s.Score != 0 || s.Fields != 0 || s.MaxDepth != 0 {
		t.Fatalf("empty query must score zero, got %+v", s)
	}
}

func TestGuardCeiling(t *testing.T) {
	g := NewGuard(10)
	if _, ok := g.Evaluate(`query { a b }`); !ok {
		t.Fatalf("small query must pass")
	}
	if score, ok := g.Evaluate(nestedQuery); ok {
		t.Fatalf("query scoring %d must exceed ceiling 10", score.Score)
	}
}

func TestGuardDefaultCeiling(t *testing.T) {
	g := NewGuard(0)
	if g.Ceiling != 1000 {
		t.Fatalf("unexpected default ceiling %d", g.Ceiling)
	}
}

func TestOperationName(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"query GetUser { user { id } }", "GetUser"},
		{"  mutation DeleteUser($id: ID!) { deleteUser(id: $id) }", "DeleteUser"},
		{"subscription OnEvent { events }", "OnEvent"},
		{"query { user { id } }", ""},
		{"{ user { id } }", ""},
		{"queryGetUser { x }", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := OperationName(tc.query); got != tc.want {
			t.Fatalf("OperationName(%q) = %q, want %q", tc.query, got, tc.want)
		}
	}
}
