package keyword

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const minWordLen = 3

var (
	parenGroupRe  = regexp.MustCompile(`\([^)]*\)`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// ProductPattern is derived once per product name.
type ProductPattern struct {
	Tokens     []string
	FullPhrase string
}

// NormalizeName strips parenthesised groups, collapses whitespace and case-folds.
func NormalizeName(name string) string {
	cleaned := strings.TrimSpace(parenGroupRe.ReplaceAllString(name, ""))
	if cleaned == "" {
		return ""
	}
	return strings.ToLower(whitespaceRun.ReplaceAllString(cleaned, " "))
}

// ExtractKeywords returns the pattern for a product name, or false when nothing searchable remains.
func ExtractKeywords(name string) (ProductPattern, bool) {
	full := NormalizeName(name)
	if full == "" {
		return ProductPattern{}, false
	}
	var p ProductPattern
	if utf8.RuneCountInString(full) >= minWordLen {
		p.FullPhrase = full
	}
	seen := make(map[string]struct{})
	for _, w := range words(full) {
		if utf8.RuneCountInString(w) < minWordLen || isDigits(w) {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		p.Tokens = append(p.Tokens, w)
	}
	if len(p.Tokens) == 0 && p.FullPhrase == "" {
		return ProductPattern{}, false
	}
	return p, true
}

// words splits on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
