// Package allocator mints supplier codes. A code is a prefix chosen by
// (classification, currency) followed by a zero-padded sequence number.
package allocator

import (
	"strings"

	"github.com/pitabwire/onboarding/model"
)

// CodeLength is the fixed length of every supplier code.
const CodeLength = 7

// prefixTable maps classification to currency to the ordered list of
// acceptable prefixes. The first prefix is the one auto-allocation uses.
// The table is never mutated after init.
var prefixTable = map[string]map[string][]string{
	model.ClassificationDM: {
		"RMB": {"810"},
		"USD": {"610", "613"},
		"EUR": {"610", "613", "247"},
		"GBP": {"610", "613"},
		"KRW": {"610", "613", "617"},
		"THB": {"610", "613", "618"},
		"JPY": {"610", "613", "619"},
	},
	model.ClassificationIDM: {
		"RMB": {"813"},
		"USD": {"610", "613"},
		"EUR": {"610", "613", "247"},
		"GBP": {"610", "613"},
		"THB": {"610", "613", "614"},
		"JPY": {"610", "613", "615"},
	},
}

var currencyAliases = map[string]string{
	"CNY": "RMB",
}

// NormalizeCurrency trims and uppercases a currency code and folds aliases
// onto their table key.
func NormalizeCurrency(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if alias, ok := currencyAliases[c]; ok {
		return alias
	}
	return c
}

// NormalizeClassification trims and uppercases a classification.
func NormalizeClassification(classification string) string {
	return strings.ToUpper(strings.TrimSpace(classification))
}

// Prefixes returns a copy of the allowed prefixes for the pair, or nil when
// the combination is unknown.
func Prefixes(classification, currency string) []string {
	byCurrency, ok := prefixTable[NormalizeClassification(classification)]
	if !ok {
		return nil
	}
	prefixes, ok := byCurrency[NormalizeCurrency(currency)]
	if !ok {
		return nil
	}
	out := make([]string, len(prefixes))
	copy(out, prefixes)
	return out
}

// ResolvePrefixes is Prefixes that fails with UNSUPPORTED_COMBINATION when
// the pair has no prefixes.
func ResolvePrefixes(classification, currency string) ([]string, error) {
	prefixes := Prefixes(classification, currency)
	if len(prefixes) == 0 {
		return nil, model.NewUnsupportedCombinationError(classification, currency)
	}
	return prefixes, nil
}

// SupportedCurrencies lists every currency accepted for classification,
// including aliases.
func SupportedCurrencies(classification string) []string {
	byCurrency := prefixTable[NormalizeClassification(classification)]
	out := make([]string, 0, len(byCurrency)+len(currencyAliases))
	for c := range byCurrency {
		out = append(out, c)
	}
	for alias, target := range currencyAliases {
		if _, ok := byCurrency[target]; ok {
			out = append(out, alias)
		}
	}
	return out
}
