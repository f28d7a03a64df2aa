// Package codec handles the packed fixed-point encoding used for strategy
// rate-curve parameters. A compressed rate is a single non-negative integer
// holding a 48-bit mantissa and a shift exponent: value = mantissa * 2^exponent.
package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// scaleBits is the mantissa width of the packed representation.
const scaleBits = 48

// maxExponentBits caps the decompressed magnitude. The encoding theoretically
// admits exponents up to 2^48, far beyond anything observed on chain; shifting
// a mantissa by that many bits would exhaust memory, so anything past this cap
// is rejected as corrupt input.
const maxExponentBits = 1 << 20

var (
	// scaleFactor is K = 2^48, the mantissa modulus.
	scaleFactor = new(big.Int).Lsh(big.NewInt(1), scaleBits)

	ErrNegativeRate  = errors.New("compressed rate must be non-negative")
	ErrRateTooLarge  = errors.New("compressed rate exponent exceeds supported range")
	ErrMalformedRate = errors.New("malformed compressed rate")
)

// Decompress splits a compressed rate into mantissa and exponent and returns
// the exact decoded value mantissa * 2^exponent. The result is always a
// non-negative integer, so the shift is performed on a big.Int and lifted into
// a decimal without loss.
func Decompress(compressed *big.Int) (decimal.Decimal, error) {
	if compressed.Sign() < 0 {
		return decimal.Zero, ErrNegativeRate
	}

	mantissa := new(big.Int)
	exponent := new(big.Int)
	exponent.QuoRem(compressed, scaleFactor, mantissa)

	if !exponent.IsUint64() || exponent.Uint64() > maxExponentBits {
		return decimal.Zero, ErrRateTooLarge
	}

	value := new(big.Int).Lsh(mantissa, uint(exponent.Uint64()))
	return decimal.NewFromBigInt(value, 0), nil
}

// DecompressString decodes a compressed rate given as a decimal integer
// string, the form in which rates arrive inside event order payloads.
func DecompressString(compressed string) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(compressed, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformedRate, compressed)
	}
	return Decompress(n)
}

// Compress packs mantissa and exponent back into the single-integer form:
// compressed = exponent * 2^48 + mantissa. The mantissa must fit in 48 bits.
func Compress(mantissa, exponent *big.Int) (*big.Int, error) {
	if mantissa.Sign() < 0 || exponent.Sign() < 0 {
		return nil, ErrNegativeRate
	}
	if mantissa.Cmp(scaleFactor) >= 0 {
		return nil, fmt.Errorf("%w: mantissa %s does not fit in %d bits", ErrMalformedRate, mantissa, scaleBits)
	}
	out := new(big.Int).Mul(exponent, scaleFactor)
	return out.Add(out, mantissa), nil
}
