// Package normalize parses noisy cell values into canonical scalar types.
// All functions are pure, never panic and never return errors: any parse
// failure degrades to the documented default for the type.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// currencySymbols are stripped from money strings before parsing.
var currencySymbols = strings.NewReplacer("$", "", "£", "", "€", "")

// numberPattern extracts the first contiguous decimal-number substring.
var numberPattern = regexp.MustCompile(`[0-9.]+`)

// truthy is the accepted set of affirmative boolean spellings.
var truthy = map[string]struct{}{
	"1": {}, "true": {}, "t": {}, "yes": {}, "y": {}, "auto": {}, "automatic": {},
}

// ParseAmount parses a money value: thousands separators and the currency
// symbols $, £, € are stripped, the remainder is parsed as a decimal number.
// Returns 0.0 for missing cells and on any parse failure.
func ParseAmount(c domain.Cell) float64 {
	if c.Kind == domain.CellNumber {
		return c.Number
	}
	if c.IsMissing() {
		return 0.0
	}

	s := strings.TrimSpace(strings.ReplaceAll(c.Text, ",", ""))
	s = currencySymbols.Replace(s)

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0.0
	}
	return v
}

// ParseBool reports whether the cell holds an affirmative value
// (case-insensitive match against 1/true/t/yes/y/auto/automatic).
// Missing cells and anything else are false.
func ParseBool(c domain.Cell) bool {
	if c.IsMissing() {
		return false
	}
	s := strings.ToLower(strings.TrimSpace(c.String()))
	_, ok := truthy[s]
	return ok
}

// ParseNumber parses a loosely-typed numeric value: a direct decimal parse
// first, then the first contiguous number-looking substring. Returns 0.0
// for missing cells and when neither attempt succeeds.
func ParseNumber(c domain.Cell) float64 {
	if c.Kind == domain.CellNumber {
		return c.Number
	}
	if c.IsMissing() {
		return 0.0
	}

	s := strings.TrimSpace(c.Text)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}

	m := numberPattern.FindString(s)
	if m == "" {
		return 0.0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		// e.g. a bare "." or "1.2.3" fragment
		return 0.0
	}
	return v
}
