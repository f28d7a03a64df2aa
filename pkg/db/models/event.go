package models

import "time"

// Event type discriminators. The four on-chain streams land in separate
// ClickHouse tables; once loaded they are merged into one ordered stream
// tagged with these types.
const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventDeleted  = "deleted"
	EventTransfer = "transfer"
)

// StrategyEvent is one row of the append-only strategy event log. Created,
// updated and deleted events carry the full order payloads; transfer events
// carry only the new owner. Ordering within the log is always
// (timestamp, block_id, transaction_index, log_index).
type StrategyEvent struct {
	Type       string `ch:"-" json:"type"`
	StrategyID string `ch:"strategy_id" json:"strategy_id"`
	PairID     string `ch:"pair_id" json:"pair_id"`

	// Raw token references exactly as emitted on chain. Canonical side
	// assignment happens in the state store, not here.
	Token0    string `ch:"token0" json:"token0"`
	Token1    string `ch:"token1" json:"token1"`
	Decimals0 int32  `ch:"decimals0" json:"decimals0"`
	Decimals1 int32  `ch:"decimals1" json:"decimals1"`

	// Serialized order payloads: JSON objects with y, z, A, B decimal strings.
	Order0 string `ch:"order0" json:"order0"`
	Order1 string `ch:"order1" json:"order1"`

	// Owner is the creating wallet on created events and the receiving wallet
	// on transfer events.
	Owner  string `ch:"owner" json:"owner"`
	Reason int32  `ch:"reason" json:"reason"`

	BlockID          uint64    `ch:"block_id" json:"block_id"`
	TransactionIndex uint32    `ch:"transaction_index" json:"transaction_index"`
	LogIndex         uint32    `ch:"log_index" json:"log_index"`
	TransactionHash  string    `ch:"transaction_hash" json:"transaction_hash"`
	Timestamp        time.Time `ch:"timestamp" json:"timestamp"`
}

// Before reports whether e is strictly earlier than other under the canonical
// event ordering (timestamp, block id, transaction index, log index).
func (e *StrategyEvent) Before(other *StrategyEvent) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	if e.BlockID != other.BlockID {
		return e.BlockID < other.BlockID
	}
	if e.TransactionIndex != other.TransactionIndex {
		return e.TransactionIndex < other.TransactionIndex
	}
	return e.LogIndex < other.LogIndex
}
