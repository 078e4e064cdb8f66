// README: Common money value object used across modules.
package types

import (
	"math"
	"strconv"
)

type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// RoundCents rounds half-up to two decimals. Amounts are never negative here, so
// half-up and half-away-from-zero agree. The cent value is snapped to six decimals first
// so binary noise such as 2.675*100 = 267.49999999999997 still rounds up.
func RoundCents(v float64) float64 {
	cents, err := strconv.ParseFloat(strconv.FormatFloat(v*100, 'f', 6, 64), 64)
	if err != nil {
		cents = v * 100
	}
	return math.Floor(cents+0.5) / 100
}
