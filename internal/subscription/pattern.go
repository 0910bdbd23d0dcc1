// Package subscription resolves whether a user's group subscription
// patterns grant visibility of a device group.
package subscription

import (
	"encoding/json"
	"strings"
)

// Wildcard is the pattern value that matches every group tag.
const Wildcard = "*"

// PatternKind discriminates pattern variants.
type PatternKind int

const (
	// KindExact matches a single group tag verbatim.
	KindExact PatternKind = iota
	// KindUniversal matches every group tag.
	KindUniversal
)

// Pattern is a single subscription pattern, either universal or exact.
type Pattern struct {
	Kind PatternKind // Pattern variant.
	Tag  string      // Group tag for exact patterns.
}

// ParsePattern converts a raw subscription string into a Pattern.
func ParsePattern(raw string) Pattern {
	trimmed := strings.TrimSpace(raw)
	if trimmed == Wildcard {
		return Pattern{Kind: KindUniversal}
	}
	return Pattern{Kind: KindExact, Tag: trimmed}
}

// Matches reports whether the pattern covers the group tag.
func (p Pattern) Matches(groupTag string) bool {
	if p.Kind == KindUniversal {
		return true
	}
	return p.Tag == groupTag
}

// Patterns is an ordered subscription pattern set.
type Patterns []Pattern

// ParsePatterns converts raw subscription strings into a pattern set.
func ParsePatterns(raw []string) Patterns {
	out := make(Patterns, 0, len(raw))
	for _, item := range raw {
		out = append(out, ParsePattern(item))
	}
	return out
}

// ParsePatternsJSON decodes a JSON string array into a pattern set.
// Malformed payloads yield an empty set rather than an error: a user with
// unreadable subscriptions sees nothing, which is the safe default.
func ParsePatternsJSON(raw []byte) Patterns {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if errUnmarshal := json.Unmarshal(raw, &items); errUnmarshal != nil {
		return nil
	}
	return ParsePatterns(items)
}

// Matches reports whether any pattern in the set covers the group tag.
// An empty set matches nothing.
func (ps Patterns) Matches(groupTag string) bool {
	for _, p := range ps {
		if p.Matches(groupTag) {
			return true
		}
	}
	return false
}
