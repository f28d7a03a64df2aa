package codec

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// sqrtPrec is the big.Float mantissa width used for square roots; it
// comfortably exceeds the decimal scale anything downstream keeps.
const sqrtPrec = 256

// sqrtScale is the decimal truncation scale of square-root results.
const sqrtScale = 18

// two48 lifts target square roots into the same 2^48-scaled coordinate system
// the compressed rate parameters decode into.
var two48 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), scaleBits), 0)

// Sqrt returns the square root of a non-negative decimal, computed on
// arbitrary-precision floats and truncated to 18 decimal places. Negative
// input yields zero; callers in the reward path never produce one.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	f := new(big.Float).SetPrec(sqrtPrec).SetRat(d.Rat())
	r := new(big.Float).SetPrec(sqrtPrec).Sqrt(f)
	out, err := decimal.NewFromString(r.Text('f', sqrtScale+2))
	if err != nil {
		// Text('f', n) always renders a parseable plain decimal.
		panic(err)
	}
	return out.Truncate(sqrtScale)
}

// ScaledSqrt converts a target price into the scaled square-root form used
// for eligibility boundary comparison:
//
//	sqrt(price * 10^baseDecimals / 10^quoteDecimals) * 2^48
//
// The inverse-direction variant swaps the two decimal counts before the same
// transform.
func ScaledSqrt(price decimal.Decimal, baseDecimals, quoteDecimals int32) decimal.Decimal {
	adjusted := price.Shift(baseDecimals - quoteDecimals)
	return Sqrt(adjusted).Mul(two48)
}
