// Package complexity scores query documents before dispatch so a single
// pathological request cannot fan out into unbounded subgraph work. The
// score is computed from the raw query text alone, so an identical query
// always scores identically.
package complexity

import (
	"strings"
	"unicode"
)

// Score is the structural cost of one query document.
type Score struct {
	Score    int `json:"score"`
	Fields   int `json:"fields"`
	MaxDepth int `json:"max_depth"`
}

// Guard rejects queries whose score exceeds Ceiling. DepthFactor weights
// nesting: score = fields * max(1, maxDepth * DepthFactor).
type Guard struct {
	Ceiling     int
	DepthFactor int
}

func NewGuard(ceiling int) *Guard {
	if ceiling <= 0 {
		ceiling = 1000
	}
	return &Guard{Ceiling: ceiling, DepthFactor: 1}
}

// Evaluate scores the query and reports whether it fits under the ceiling.
func (g *Guard) Evaluate(query string) (Score, bool) {
	s := Analyze(query)
	return s, s.Score <= g.Ceiling
}

// Analyze walks the query text once, counting selected fields and tracking
// brace depth. String literals and comments are skipped so braces inside
// them do not count.
func Analyze(query string) Score {
	var (
		fields   int
		depth    int
		maxDepth int
		inString bool
		inComment bool
		prevWord bool
	)
	for i := 0; i < len(query); i++ {
		c := query[i]
		if inComment {
			if c == '\n' {
				inComment = false
			}
			continue
		}
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			prevWord = false
		case c == '#':
			inComment = true
			prevWord = false
		case c == '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			prevWord = false
		case c == '}':
			if depth > 0 {
				depth--
			}
			prevWord = false
		case c == '(':
			// Arguments do not add fields; skip to the matching paren.
			i = skipArguments(query, i)
			prevWord = false
		case isWordByte(c):
			// Count the first byte of each identifier inside a selection set.
			if !prevWord && depth > 0 {
				fields++
			}
			prevWord = true
		default:
			prevWord = false
		}
	}
	weight := maxDepth
	if weight < 1 {
		weight = 1
	}
	return Score{Score: fields * weight, Fields: fields, MaxDepth: maxDepth}
}

func skipArguments(query string, open int) int {
	level := 0
	inString := false
	for i := open; i < len(query); i++ {
		c := query[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '(':
			level++
		case ')':
			level--
			if level == 0 {
				return i
			}
		}
	}
	return len(query) - 1
}

func isWordByte(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

// OperationName extracts the name of the executable operation from the
// query text, e.g. "query GetUser { ... }" yields "GetUser". Anonymous
// operations yield "". Used only when the request carries no explicit
// operationName field.
func OperationName(query string) string {
	trimmed := strings.TrimSpace(query)
	for _, kw := range []string{"query", "mutation", "subscription"} {
		if !strings.HasPrefix(trimmed, kw) {
			continue
		}
		rest := trimmed[len(kw):]
		if rest == "" {
			return ""
		}
		if !unicode.IsSpace(rune(rest[0])) {
			continue
		}
		rest = strings.TrimSpace(rest)
		end := 0
		for end < len(rest) && isWordByte(rest[end]) {
			end++
		}
		return rest[:end]
	}
	return ""
}
