// Package filter implements the keyword filter language applied to
// sidechannel message text before it is delivered to a bridge client.
//
// A filter string is a list of groups separated by "|". Tokens inside a
// group are separated by any run of "+", "," or whitespace. A group matches
// when every one of its tokens occurs in the text; a filter matches when any
// group does. The empty filter matches everything.
//
//	code+dev|design   matches "Senior Dev, Code Review" and "Design only"
package filter

import (
	"strings"
	"unicode"
)

// Group is an ordered set of lowercase tokens joined with AND.
type Group []string

// Filter is an ordered list of groups joined with OR. The zero value is the
// empty filter. Filters are immutable once parsed.
type Filter struct {
	raw    string
	groups []Group
}

// isSeparator reports whether r splits tokens within a group.
func isSeparator(r rune) bool {
	return r == '+' || r == ',' || unicode.IsSpace(r)
}

// Parse turns a raw filter string into a Filter. Empty tokens and groups
// with no tokens left after cleaning are dropped.
func Parse(raw string) Filter {
	f := Filter{raw: raw}
	if raw == "" {
		return f
	}
	for _, part := range strings.Split(raw, "|") {
		var group Group
		for _, field := range strings.FieldsFunc(part, isSeparator) {
			token := strings.ToLower(strings.TrimSpace(field))
			if token == "" {
				continue
			}
			group = append(group, token)
		}
		if len(group) > 0 {
			f.groups = append(f.groups, group)
		}
	}
	return f
}

// Matches reports whether text satisfies f.
func Matches(f Filter, text string) bool {
	if len(f.groups) == 0 {
		return true
	}
	haystack := strings.ToLower(text)
	for _, group := range f.groups {
		if group.matches(haystack) {
			return true
		}
	}
	return false
}

// Matches is the method form of the package-level Matches.
func (f Filter) Matches(text string) bool {
	return Matches(f, text)
}

// Empty reports whether f has no groups and therefore matches everything.
func (f Filter) Empty() bool {
	return len(f.groups) == 0
}

// Groups returns a copy of the parsed groups.
func (f Filter) Groups() []Group {
	out := make([]Group, len(f.groups))
	for i, g := range f.groups {
		out[i] = append(Group(nil), g...)
	}
	return out
}

// Raw returns the string the filter was parsed from.
func (f Filter) Raw() string {
	return f.raw
}

// String renders the normalized form, e.g. "code+dev|design".
func (f Filter) String() string {
	parts := make([]string, len(f.groups))
	for i, g := range f.groups {
		parts[i] = strings.Join(g, "+")
	}
	return strings.Join(parts, "|")
}

func (g Group) matches(haystack string) bool {
	for _, token := range g {
		if !strings.Contains(haystack, token) {
			return false
		}
	}
	return true
}
