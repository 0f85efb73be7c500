// Package filter implements the per-subscriber FilterCriteria match
// semantics: creator is byte-exact, symbol is ASCII case-folded, and
// nameContains is an ASCII case-folded substring test. All three compose
// with AND; an absent/empty criterion matches everything.
package filter

import (
	"strings"

	"pumpfeed/internal/types"
)

// asciiLower folds only ASCII letters, matching the spec's "case-insensitive
// ASCII fold" wording exactly rather than strings.ToLower's Unicode rules
// (which would, e.g., fold the Kelvin sign into "k").
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Criteria is one subscriber's filter. The zero value matches every event.
type Criteria struct {
	Creator      string `json:"creator,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	NameContains string `json:"nameContains,omitempty"`
}

// Empty reports whether c has no active criteria.
func (c Criteria) Empty() bool {
	return c.Creator == "" && c.Symbol == "" && c.NameContains == ""
}

// Match reports whether event satisfies c. Each present field must match;
// an empty field is not evaluated.
func Match(c Criteria, event *types.TokenCreatedEvent) bool {
	if c.Creator != "" && event.Token.Creator != c.Creator {
		return false
	}
	if c.Symbol != "" && asciiLower(event.Token.Symbol) != asciiLower(c.Symbol) {
		return false
	}
	if c.NameContains != "" {
		if !strings.Contains(asciiLower(event.Token.Name), asciiLower(c.NameContains)) {
			return false
		}
	}
	return true
}
