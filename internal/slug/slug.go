// Package slug derives normalized identifiers from free-text display names.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Separator joins the alphanumeric runs of a slug.
const Separator = '_'

// Make lower-cases name, folds accents and collapses every run of non-alphanumeric
// characters into a single Separator. Leading and trailing separators are dropped,
// so "  Table 5 " and "table_5" both yield "table_5".
func Make(name string) string {
	folded := fold(name)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteRune(Separator)
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Equal reports whether two display names collapse onto the same slug.
func Equal(a, b string) bool {
	return Make(a) == Make(b)
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
