// Package strategy reconstructs per-strategy AMM order state from the event
// log. States are plain value records owned by whoever holds them: every epoch
// simulation works on its own clone, never on a shared reference, which is
// what keeps concurrent campaign processing and speculative per-epoch replay
// from leaking state into each other.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is one side of a strategy. Y is raw liquidity, Z capacity, A and B
// the decompressed rate-curve parameters. The compressed forms ride along
// untouched because persisted output echoes them verbatim.
type Order struct {
	Y decimal.Decimal
	Z decimal.Decimal
	A decimal.Decimal
	B decimal.Decimal

	ACompressed string
	BCompressed string
}

func zeroOrder() Order {
	return Order{
		Y:           decimal.Zero,
		Z:           decimal.Zero,
		A:           decimal.Zero,
		B:           decimal.Zero,
		ACompressed: "0",
		BCompressed: "0",
	}
}

// State is one strategy's current position on one pair. Token0/Token1 are the
// canonical (lexicographically ordered) pair tokens; Order0 always belongs to
// canonical Token0 regardless of the on-chain token order of any event.
type State struct {
	StrategyID string
	PairID     string

	Token0    string
	Token1    string
	Decimals0 int32
	Decimals1 int32

	Order0 Order
	Order1 Order

	CurrentOwner   string
	CreationWallet string

	LastBlockID   uint64
	LastTimestamp time.Time

	// Deleted strategies linger with zeroed orders so historical queries stay
	// consistent; downstream snapshots exclude them.
	Deleted bool
}

// Clone returns a fully independent copy. Decimal values are immutable, so a
// field-wise copy of the orders is a deep copy in every way that matters.
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

// Map holds the working state of every strategy on a pair, keyed by strategy
// id.
type Map map[string]*State

// Clone deep-copies the whole map so per-epoch simulation never mutates the
// campaign baseline.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for id, st := range m {
		out[id] = st.Clone()
	}
	return out
}

// Live returns the number of non-deleted strategies.
func (m Map) Live() int {
	n := 0
	for _, st := range m {
		if !st.Deleted {
			n++
		}
	}
	return n
}
