package models

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// StripAccents removes diacritical marks by NFD decomposition, dropping
// combining characters. Source headers and location references mix accented
// and unaccented spellings of the same names.
func StripAccents(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}
