// Package partition splits an integer duration into a seeded, reproducible
// sequence of bounded sub-intervals. It drives sub-epoch snapshot timing: the
// schedule must be unpredictable without the seed salt yet exactly
// reproducible given it, so both the generator and the retry policy here are
// pinned and must not drift.
package partition

import (
	"errors"
	"fmt"
)

// maxAttempts bounds the tail-piece retry loop. The greedy pass keeps every
// piece feasible, so only the final remainder can violate adjacency; in
// practice a handful of attempts suffice and hitting the cap indicates a
// pathological bound combination.
const maxAttempts = 1000

var (
	ErrInvalidBounds = errors.New("partition: minPiece must be strictly less than maxPiece")
	ErrInfeasible    = errors.New("partition: no piece count can cover the duration within bounds")
	ErrExhausted     = errors.New("partition: retry budget exhausted without a valid sequence")
)

// Feasible reports whether total can be split into pieces within
// [minPiece, maxPiece] at all, under the same adjacency rule Partition
// enforces. Callers use it to reject a schedule up front instead of
// discovering the failure seed by seed.
func Feasible(total, minPiece, maxPiece int64) bool {
	if total <= 0 || minPiece <= 0 || minPiece >= maxPiece {
		return false
	}

	nMin := (total + maxPiece - 1) / maxPiece
	nMax := total / minPiece
	for n := nMin; n <= nMax; n++ {
		// A count whose only composition is n equal pieces cannot satisfy
		// the adjacency rule.
		if n == 1 || (total != n*minPiece && total != n*maxPiece) {
			return true
		}
	}
	return false
}

// Partition splits total into a sequence of pieces such that the pieces sum
// exactly to total, every piece lies in [minPiece, maxPiece], and no two
// adjacent pieces are equal. The same seed always yields the same sequence.
func Partition(total, minPiece, maxPiece int64, seed uint64) ([]int64, error) {
	if minPiece >= maxPiece {
		return nil, ErrInvalidBounds
	}
	if total <= 0 || minPiece <= 0 {
		return nil, fmt.Errorf("partition: duration and bounds must be positive (total=%d, min=%d)", total, minPiece)
	}

	// Feasible piece-count window.
	nMin := (total + maxPiece - 1) / maxPiece
	nMax := total / minPiece
	if nMin > nMax {
		return nil, fmt.Errorf("%w: total=%d bounds=[%d,%d]", ErrInfeasible, total, minPiece, maxPiece)
	}

	g := newLCG(seed)

	// Retries continue the generator stream; rewinding it would break seed
	// reproducibility against the reference recurrence.
	for attempt := 0; attempt < maxAttempts; attempt++ {
		pieces, ok := tryPartition(g, total, minPiece, maxPiece, nMin, nMax)
		if ok {
			return pieces, nil
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrExhausted, maxAttempts)
}

// tryPartition builds one candidate sequence. Every draw is bounded so the
// remaining sum stays coverable by the remaining pieces; only the forced final
// remainder can fail, by repeating its predecessor.
func tryPartition(g *lcg, total, minPiece, maxPiece, nMin, nMax int64) ([]int64, bool) {
	n := g.intn(nMin, nMax)
	pieces := make([]int64, 0, n)
	remaining := total

	var prev int64 = -1
	for i := int64(0); i < n-1; i++ {
		left := n - 1 - i // pieces still to assign after this one

		lo := remaining - left*maxPiece
		if lo < minPiece {
			lo = minPiece
		}
		hi := remaining - left*minPiece
		if hi > maxPiece {
			hi = maxPiece
		}

		piece := drawDistinct(g, lo, hi, prev)
		pieces = append(pieces, piece)
		remaining -= piece
		prev = piece
	}

	// The tail is the exact remainder, not a draw.
	if remaining < minPiece || remaining > maxPiece {
		return nil, false
	}
	if n > 1 && remaining == prev {
		return nil, false
	}
	return append(pieces, remaining), true
}

// drawDistinct picks uniformly from [lo, hi], excluding prev whenever the
// range offers an alternative.
func drawDistinct(g *lcg, lo, hi, prev int64) int64 {
	if prev >= lo && prev <= hi && hi > lo {
		// Draw from the range with prev removed, then shift past it.
		v := lo + int64(g.next()%uint64(hi-lo))
		if v >= prev {
			v++
		}
		return v
	}
	return g.intn(lo, hi)
}
