package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/codec"
	"github.com/driftmark/rewards/pkg/db/models"
)

// orderPayload is the loosely-typed wire form of one order side. All fields
// are decimal strings; A and B are compressed rates.
type orderPayload struct {
	Y string `json:"y"`
	Z string `json:"z"`
	A string `json:"A"`
	B string `json:"B"`
}

// ParseOrder eagerly converts a serialized order payload into a typed Order,
// decompressing the rate parameters and keeping the compressed originals.
// Malformed payloads are an error, not something to carry forward untyped.
func ParseOrder(raw string) (Order, error) {
	var p orderPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Order{}, fmt.Errorf("parse order payload: %w", err)
	}

	y, err := decimal.NewFromString(p.Y)
	if err != nil {
		return Order{}, fmt.Errorf("parse order y %q: %w", p.Y, err)
	}
	z, err := decimal.NewFromString(p.Z)
	if err != nil {
		return Order{}, fmt.Errorf("parse order z %q: %w", p.Z, err)
	}
	a, err := codec.DecompressString(p.A)
	if err != nil {
		return Order{}, fmt.Errorf("decompress A: %w", err)
	}
	b, err := codec.DecompressString(p.B)
	if err != nil {
		return Order{}, fmt.Errorf("decompress B: %w", err)
	}

	return Order{
		Y:           y,
		Z:           z,
		A:           a,
		B:           b,
		ACompressed: p.A,
		BCompressed: p.B,
	}, nil
}

// canonicalOrder reports whether the event's raw token0 is also the canonical
// token0, i.e. whether its address sorts lexicographically before token1.
// This comparison is made once per strategy at creation and then matched by
// address on later events, never re-derived from event token positions.
func canonicalOrder(token0, token1 string) bool {
	return strings.ToLower(token0) <= strings.ToLower(token1)
}

func sameToken(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Apply mutates the map according to one event. Events referencing strategy
// ids that are not present (for anything but creation) are silently ignored;
// they belong to a different pair or scope and carry no information here.
func (m Map) Apply(ev *models.StrategyEvent) error {
	switch ev.Type {
	case models.EventCreated:
		return m.applyCreated(ev)
	case models.EventUpdated:
		return m.applyUpdated(ev)
	case models.EventDeleted:
		m.applyDeleted(ev)
		return nil
	case models.EventTransfer:
		m.applyTransfer(ev)
		return nil
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// applyCreated builds a new state. First write wins: a duplicate created
// event for a known strategy changes nothing.
func (m Map) applyCreated(ev *models.StrategyEvent) error {
	if _, exists := m[ev.StrategyID]; exists {
		return nil
	}

	order0, err := ParseOrder(ev.Order0)
	if err != nil {
		return fmt.Errorf("strategy %s created: %w", ev.StrategyID, err)
	}
	order1, err := ParseOrder(ev.Order1)
	if err != nil {
		return fmt.Errorf("strategy %s created: %w", ev.StrategyID, err)
	}

	st := &State{
		StrategyID:     ev.StrategyID,
		PairID:         ev.PairID,
		CurrentOwner:   ev.Owner,
		CreationWallet: ev.Owner,
		LastBlockID:    ev.BlockID,
		LastTimestamp:  ev.Timestamp,
	}

	if canonicalOrder(ev.Token0, ev.Token1) {
		st.Token0, st.Token1 = ev.Token0, ev.Token1
		st.Decimals0, st.Decimals1 = ev.Decimals0, ev.Decimals1
		st.Order0, st.Order1 = order0, order1
	} else {
		st.Token0, st.Token1 = ev.Token1, ev.Token0
		st.Decimals0, st.Decimals1 = ev.Decimals1, ev.Decimals0
		st.Order0, st.Order1 = order1, order0
	}

	m[ev.StrategyID] = st
	return nil
}

// applyUpdated replaces liquidity and rate fields, preserving ownership. The
// event's own token order is mapped onto the canonical sides by address
// equality against the mapping fixed at creation.
func (m Map) applyUpdated(ev *models.StrategyEvent) error {
	st, exists := m[ev.StrategyID]
	if !exists || st.Deleted {
		return nil
	}

	order0, err := ParseOrder(ev.Order0)
	if err != nil {
		return fmt.Errorf("strategy %s updated: %w", ev.StrategyID, err)
	}
	order1, err := ParseOrder(ev.Order1)
	if err != nil {
		return fmt.Errorf("strategy %s updated: %w", ev.StrategyID, err)
	}

	if sameToken(ev.Token0, st.Token0) {
		st.Order0, st.Order1 = order0, order1
	} else {
		st.Order0, st.Order1 = order1, order0
	}
	st.LastBlockID = ev.BlockID
	st.LastTimestamp = ev.Timestamp
	return nil
}

// applyDeleted zeroes the state and flags it. The entry is never removed from
// the map so point-in-time queries after the deletion stay consistent.
func (m Map) applyDeleted(ev *models.StrategyEvent) {
	st, exists := m[ev.StrategyID]
	if !exists {
		return
	}
	st.Order0 = zeroOrder()
	st.Order1 = zeroOrder()
	st.Deleted = true
	st.LastBlockID = ev.BlockID
	st.LastTimestamp = ev.Timestamp
}

func (m Map) applyTransfer(ev *models.StrategyEvent) {
	st, exists := m[ev.StrategyID]
	if !exists || st.Deleted {
		return
	}
	st.CurrentOwner = ev.Owner
}
