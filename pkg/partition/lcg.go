package partition

// The sub-epoch schedule must be reproducible bit-for-bit across independent
// implementations, so the generator is a pinned linear-congruential recurrence
// rather than anything from math/rand. State arithmetic stays in uint64 so the
// multiply never overflows before the modulus is applied.
const (
	lcgModulus    uint64 = 1 << 31
	lcgMultiplier uint64 = 1103515245
	lcgIncrement  uint64 = 12345
)

// lcg is the seeded generator backing Partition. Its state survives across
// retry attempts inside a single Partition call, which is part of the pinned
// algorithm: a retry continues the stream, it does not rewind it.
type lcg struct {
	state uint64
}

func newLCG(seed uint64) *lcg {
	return &lcg{state: seed % lcgModulus}
}

// next advances the recurrence and returns the new state in [0, 2^31).
func (g *lcg) next() uint64 {
	g.state = (g.state*lcgMultiplier + lcgIncrement) % lcgModulus
	return g.state
}

// intn returns a value in [lo, hi] driven by the next generator step.
// Requires lo <= hi.
func (g *lcg) intn(lo, hi int64) int64 {
	span := uint64(hi - lo + 1)
	return lo + int64(g.next()%span)
}
