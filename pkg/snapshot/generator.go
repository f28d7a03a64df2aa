// Package snapshot advances a simulated clock through one epoch and captures
// point-in-time views of strategy state at partitioner-chosen instants. The
// cardinal rule here is temporal isolation: a snapshot at time T reflects
// exactly the events with timestamp <= T and nothing later, no matter what
// else the surrounding batch or epoch contains.
package snapshot

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/codec"
	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/epoch"
	"github.com/driftmark/rewards/pkg/partition"
	"github.com/driftmark/rewards/pkg/strategy"
)

// Sub-epoch length bounds in seconds. Protocol constants; snapshot timing
// must replay bit-identically.
const (
	SubEpochMinSeconds = 240
	SubEpochMaxSeconds = 360
)

// Snapshot is an immutable point-in-time view of every live strategy on the
// campaign's pair, together with the scaled target square roots used for
// eligibility comparison. IntervalSeconds is the partitioner interval the
// snapshot opens; budgets are prorated by it.
type Snapshot struct {
	Timestamp       time.Time
	IntervalSeconds int64

	Price0      decimal.Decimal
	Price1      decimal.Decimal
	TargetSqrt0 decimal.Decimal
	TargetSqrt1 decimal.Decimal

	States strategy.Map
}

// OrderedStates returns the snapshot's states sorted by strategy id, so that
// downstream accumulation order is deterministic.
func (s *Snapshot) OrderedStates() []*strategy.State {
	ids := make([]string, 0, len(s.States))
	for id := range s.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*strategy.State, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.States[id])
	}
	return out
}

// PriceSource resolves a token's USD rate nearest to an instant. A false
// return means no observation exists; the snapshot at that instant is skipped
// and its reward allocation forfeited, which is expected control flow rather
// than an error.
type PriceSource interface {
	Rate(token string, at time.Time) (decimal.Decimal, bool)
}

// Generator produces sub-epoch snapshots for one campaign.
type Generator struct {
	seeder partition.Seeder
}

func NewGenerator(seeder partition.Seeder) *Generator {
	return &Generator{seeder: seeder}
}

// Generate simulates one epoch over a clone of baseline.
//
// The baseline is the campaign state as of the batch start. Events are sorted
// internally into canonical order, pre-rolled up to the epoch start (bounded
// below by the campaign start so stray earlier events can never leak in), and
// then applied as the clock crosses their timestamps. The clock advances by
// partitioner intervals derived from the epoch's seed; horizon caps
// simulation at the batch boundary so an in-progress epoch never runs ahead
// of the data that has been fetched.
func (g *Generator) Generate(
	ep *epoch.Config,
	campaign *models.Campaign,
	baseline strategy.Map,
	events []models.StrategyEvent,
	prices PriceSource,
	horizon time.Time,
) ([]*Snapshot, error) {
	seed := g.seeder.EpochSeed(campaign.ID, ep.Number, campaign.StartTime, campaign.EndTime, ep.Start, ep.End)
	intervals, err := partition.Partition(ep.DurationSeconds(), SubEpochMinSeconds, SubEpochMaxSeconds, seed)
	if err != nil {
		return nil, fmt.Errorf("partition epoch %d of campaign %s: %w", ep.Number, campaign.ID, err)
	}

	working := baseline.Clone()

	// Sorting is the generator's responsibility; callers may hand events in
	// any order.
	ordered := make([]*models.StrategyEvent, 0, len(events))
	for i := range events {
		ordered = append(ordered, &events[i])
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})

	next := 0
	applyThrough := func(cutoff time.Time) {
		for next < len(ordered) && !ordered[next].Timestamp.After(cutoff) {
			ev := ordered[next]
			next++
			if ev.Timestamp.Before(campaign.StartTime) {
				continue
			}
			// Malformed payloads are skipped, not propagated; the strategy
			// simply keeps its previous state.
			_ = working.Apply(ev)
		}
	}

	// Pre-roll everything strictly before the epoch.
	applyThrough(ep.Start.Add(-time.Second))

	end := ep.End
	if campaign.EndTime.Before(end) {
		end = campaign.EndTime
	}

	var snaps []*Snapshot
	current := ep.Start
	for _, interval := range intervals {
		if !current.Before(end) || current.After(horizon) {
			break
		}

		applyThrough(current)

		// A missing rate on either side skips this snapshot; the clock still
		// advances so later snapshots keep their scheduled instants.
		usd0, ok0 := prices.Rate(campaign.Token0, current)
		usd1, ok1 := prices.Rate(campaign.Token1, current)
		if ok0 && ok1 && usd0.Sign() > 0 && usd1.Sign() > 0 {
			price0 := quo(usd0, usd1)
			price1 := quo(usd1, usd0)
			snaps = append(snaps, &Snapshot{
				Timestamp:       current,
				IntervalSeconds: interval,
				Price0:          price0,
				Price1:          price1,
				TargetSqrt0:     codec.ScaledSqrt(price0, campaign.Decimals0, campaign.Decimals1),
				TargetSqrt1:     codec.ScaledSqrt(price1, campaign.Decimals1, campaign.Decimals0),
				States:          working.Clone(),
			})
		}

		current = current.Add(time.Duration(interval) * time.Second)
	}

	return snaps, nil
}

// priceScale is the truncation scale of derived target prices.
const priceScale = 18

func quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, priceScale)
	return q
}
