package currency

import (
	"math"
	"strings"
)

// exponents maps supported currency codes to their minor-unit exponent. All
// currencies the gateway routes today use two decimals; the table exists so
// adding a zero-decimal currency is a one-line change.
var exponents = map[string]int{
	"USD": 2,
	"EUR": 2,
	"PHP": 2,
}

// Normalize returns the canonical uppercase currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Supported reports whether the gateway has a merchant route for the code.
func Supported(code string) bool {
	_, ok := exponents[Normalize(code)]
	return ok
}

// ToMinor converts a decimal major-unit amount from the wire into the minor
// units used internally.
func ToMinor(amount float64, code string) int64 {
	return int64(math.Round(amount * factor(code)))
}

// ToDecimal converts internal minor units into the decimal major-unit amount
// the gateway API expects.
func ToDecimal(minor int64, code string) float64 {
	return float64(minor) / factor(code)
}

func factor(code string) float64 {
	exp, ok := exponents[Normalize(code)]
	if !ok {
		exp = 2
	}
	return math.Pow(10, float64(exp))
}
