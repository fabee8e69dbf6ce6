package pricing

import (
	"strconv"
	"strings"
)

// RoundHalfUp rounds v to the given number of decimals using arithmetic
// (round-half-up) semantics, away from zero on ties. Financial totals must
// round 33.885 to 33.89, which plain float math gets wrong because the
// binary representation of 33.885 sits just below the tie. Rounding is done
// on the shortest decimal form of the value, so ties behave the way they
// read when printed.
func RoundHalfUp(v float64, decimals int) float64 {
	s := strconv.FormatFloat(v, 'f', -1, 64)

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if len(fracPart) <= decimals {
		return v
	}

	digits := []byte(intPart + fracPart[:decimals])
	if fracPart[decimals] >= '5' {
		i := len(digits) - 1
		for ; i >= 0; i-- {
			if digits[i] < '9' {
				digits[i]++
				break
			}
			digits[i] = '0'
		}
		if i < 0 {
			digits = append([]byte{'1'}, digits...)
		}
	}

	cut := len(digits) - decimals
	out := string(digits[:cut])
	if decimals > 0 {
		out += "." + string(digits[cut:])
	}
	if neg {
		out = "-" + out
	}

	f, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return v
	}
	return f
}
