// Package textx provides small text utilities shared by the loaders.
// Government CSV extracts carry stray control characters and uneven
// whitespace; records are normalized once at read time.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab, newline and CR and
// trims surrounding whitespace.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseSpaces reduces every run of whitespace to a single space and
// trims the result.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
