package diff

import (
	"strings"
	"unicode"
)

// Category is a heuristic tag used to weight and filter changes.
type Category string

const (
	CategoryFinancial    Category = "financial"
	CategoryLegal        Category = "legal"
	CategoryDefinitional Category = "definitional"
	CategoryTemporal     Category = "temporal"
	CategoryGeneral      Category = "general"
)

var legalTerms = []string{
	"shall", "liability", "indemnif", "warrant", "terminat", "breach",
	"governing law", "jurisdiction", "confidential", "arbitrat",
}

var temporalTerms = []string{
	"day", "month", "year", "week", "quarter", "deadline", "date",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
}

func categorize(before, after string) Category {
	text := strings.ToLower(before + " " + after)

	if containsDigit(text) {
		return CategoryFinancial
	}
	for _, term := range legalTerms {
		if strings.Contains(text, term) {
			return CategoryLegal
		}
	}
	if strings.Contains(before, `"`) || strings.Contains(after, `"`) {
		return CategoryDefinitional
	}
	for _, term := range temporalTerms {
		if strings.Contains(text, term) {
			return CategoryTemporal
		}
	}
	return CategoryGeneral
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

var categoryWeights = map[Category]float64{
	CategoryFinancial:    0.9,
	CategoryLegal:        0.8,
	CategoryDefinitional: 0.7,
	CategoryTemporal:     0.6,
	CategoryGeneral:      0.3,
}

// significance blends the change's size with its category weight so short
// numeric edits still outrank long editorial rewording.
func significance(c Change) float64 {
	size := runeLen(c.Before) + runeLen(c.After)
	sizeFactor := float64(size) / 160
	if sizeFactor > 1 {
		sizeFactor = 1
	}
	return 0.6*categoryWeights[c.Category] + 0.4*sizeFactor
}

// SignificanceThreshold marks the boundary for the "significant changes"
// subset surfaced to reviewers.
const SignificanceThreshold = 0.5
