package search

import (
	"strings"
	"unicode"
)

// Tokenize normalizes text for BM25: lowercase, anything outside word
// characters, whitespace and Hangul syllables becomes a space, then split on
// whitespace dropping empties.
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if keepRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

func keepRune(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	// \w equivalent: letters, digits, underscore.
	if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	// Hangul syllable block.
	return r >= 0xAC00 && r <= 0xD7A3
}
