package dispatcher

import "strings"

// MakePatternMatcher returns a func(pattern, name) reporting whether an event
// name matches a subscription pattern. Names are split on "/". A "+" or "*"
// segment matches exactly one segment and a final "#" matches any remainder,
// including none.
func MakePatternMatcher() func(pattern, name string) bool {
	return func(pattern, name string) bool {
		if pattern == name {
			return true
		}
		return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
	}
}

func matchSegments(patternParts, nameParts []string) bool {
	pLen, nLen := len(patternParts), len(nameParts)
	pi, ni := 0, 0

	for pi < pLen && ni < nLen {
		part := patternParts[pi]
		if part == "#" {
			return pi == pLen-1
		}
		if part != nameParts[ni] && part != "+" && part != "*" {
			return false
		}
		pi++
		ni++
	}
	if pi == pLen && ni == nLen {
		return true
	}
	// "account/#" matches "account"
	if pi == pLen-1 && patternParts[pi] == "#" {
		return ni == nLen
	}
	return false
}
