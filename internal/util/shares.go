package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reGroupedDot   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+$`)
	reGroupedComma = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+$`)
)

// ParseShareCount reads a share amount as written in registry exports:
// "1 000", "1.000", "1,000", "12,5" and "12.5" are all accepted.
// It reports false when the input is empty or not a number.
func ParseShareCount(input string) (decimal.Decimal, bool) {
	token := normalizeNumericToken(input)
	if token == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func normalizeNumericToken(token string) string {
	compact := strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "").Replace(strings.TrimSpace(token))
	if reGroupedDot.MatchString(compact) {
		return strings.ReplaceAll(compact, ".", "")
	}
	if reGroupedComma.MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}

// OwnershipPct returns shares/total as a percentage rounded to 4 places.
func OwnershipPct(shares, total decimal.Decimal) (decimal.Decimal, bool) {
	if total.IsZero() {
		return decimal.Zero, false
	}
	return shares.Div(total).Mul(decimal.NewFromInt(100)).Round(4), true
}
