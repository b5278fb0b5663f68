package decoder

import (
	"math"
	"math/big"
	"strconv"
)

// roundFixed rounds v to places decimals the way the field gateway does:
// the exact binary value is scaled, ties go away from zero, and the decimal
// text is parsed back to the nearest float64. strconv's own formatting
// rounds ties to even, which disagrees on values such as 0.0625.
func roundFixed(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= 1e21 {
		return v
	}

	neg := v < 0
	r := new(big.Rat).SetFloat64(math.Abs(v))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))

	// floor(r + 1/2)
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	n := new(big.Int).Quo(num, den)

	digits := n.String()
	for len(digits) <= places {
		digits = "0" + digits
	}
	text := digits
	if places > 0 {
		text = digits[:len(digits)-places] + "." + digits[len(digits)-places:]
	}
	if neg {
		text = "-" + text
	}

	out, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return v
	}
	return out
}
