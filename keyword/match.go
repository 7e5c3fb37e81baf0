package keyword

import (
	"strings"
	"unicode/utf8"
)

// FuzzyThreshold is the similarity at which a token counts as present in a text word.
const FuzzyThreshold = 85.0

type Hit struct {
	Found           bool
	Score           float64
	MatchedKeywords []string
	FullMatch       bool
}

// Match scores text against one product pattern.
func Match(text string, p ProductPattern, productName string) Hit {
	if len(p.Tokens) == 0 && p.FullPhrase == "" {
		return Hit{}
	}
	lower := strings.ToLower(text)

	if name := NormalizeName(productName); name != "" && strings.Contains(lower, name) {
		return Hit{Found: true, Score: 100, MatchedKeywords: []string{name}, FullMatch: true}
	}
	if p.FullPhrase != "" && strings.Contains(lower, p.FullPhrase) {
		return Hit{Found: true, Score: 100, MatchedKeywords: []string{p.FullPhrase}, FullMatch: true}
	}

	var (
		matched   []string
		textWords []string
		split     bool
	)
	for _, tok := range p.Tokens {
		if strings.Contains(lower, tok) {
			matched = append(matched, tok)
			continue
		}
		if !split {
			textWords = words(lower)
			split = true
		}
		for _, w := range textWords {
			if utf8.RuneCountInString(w) < minWordLen {
				continue
			}
			if Ratio(tok, w) >= FuzzyThreshold {
				matched = append(matched, tok)
				break
			}
		}
	}
	if len(matched) == 0 || len(p.Tokens) == 0 {
		return Hit{}
	}

	ratio := float64(len(matched)) / float64(len(p.Tokens))
	var score float64
	switch {
	case ratio >= 0.6:
		score = 85 + (ratio-0.6)*15
	case ratio >= 0.3:
		score = 35 + (ratio-0.3)*50
	default:
		return Hit{}
	}
	return Hit{Found: true, Score: score, MatchedKeywords: matched}
}
