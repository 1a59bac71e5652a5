package introspect

import "strings"

// isEmpty reports whether s is empty or consists only of whitespace.
// Adapted from the teacher's h.go.
func isEmpty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// isNotEmpty is the negation of isEmpty.
func isNotEmpty(s string) bool {
	return !isEmpty(s)
}
