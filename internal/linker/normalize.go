package linker

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks so that accented and plain spellings
// of the same name normalize identically.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normName lowercases a name part and keeps only letters, folding
// diacritics away first.
func normName(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normPhone keeps digits and a single leading plus sign.
func normPhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normToken trims and lowercases identifier-like values (ABHA, MRN,
// email) without touching their internal structure.
func normToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
