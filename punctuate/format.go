// Package punctuate applies a fixed, naive punctuation pass to recognized
// speech before it is published.
package punctuate

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Conjunctions that get a comma in front of them, applied in this order.
// Each pass sees the output of the previous one.
var Conjunctions = []string{" e ", " mas ", " porém ", " entao ", " então "}

// Format lowercases text, puts a comma before each conjunction and
// capitalizes the first letter. It is pure and never fails.
func Format(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	for _, c := range Conjunctions {
		s = strings.ReplaceAll(s, c, ", "+strings.TrimSpace(c)+" ")
	}
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	s = string(unicode.ToUpper(r)) + s[size:]
	return strings.TrimSpace(s)
}
