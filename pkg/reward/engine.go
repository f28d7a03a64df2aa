// Package reward turns sub-epoch snapshots into per-strategy reward shares.
// All arithmetic runs on arbitrary-precision decimals; divisions truncate at
// a fixed scale so that partial sums can never exceed the budget they are
// carved from.
package reward

import (
	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/codec"
	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/epoch"
	"github.com/driftmark/rewards/pkg/snapshot"
	"github.com/driftmark/rewards/pkg/strategy"
)

// tolerancePercentage widens the reward-eligible zone around the target
// price. A protocol constant; reward outputs must replay bit-identically.
const tolerancePercentage = "0.02"

// shareScale is the truncation scale for budget splits and per-strategy
// shares.
const shareScale = 18

// Engine computes eligibility and distributes snapshot budgets. The tolerance
// factor is sqrt(1 - tolerance) and is only parameterized for tests; the
// production value comes from NewEngine.
type Engine struct {
	weights         Weights
	toleranceFactor decimal.Decimal
}

// NewEngine builds the production engine for one deployment's weight table.
func NewEngine(weights Weights) *Engine {
	one := decimal.NewFromInt(1)
	tolerance := decimal.RequireFromString(tolerancePercentage)
	return &Engine{
		weights:         weights,
		toleranceFactor: codec.Sqrt(one.Sub(tolerance)),
	}
}

// NewEngineWithTolerance builds an engine with an explicit tolerance factor.
func NewEngineWithTolerance(weights Weights, toleranceFactor decimal.Decimal) *Engine {
	return &Engine{weights: weights, toleranceFactor: toleranceFactor}
}

// EligibleLiquidity returns the portion of one order side's raw liquidity
// that sits inside the reward zone around the scaled target sqrt price.
func (e *Engine) EligibleLiquidity(ord strategy.Order, targetSqrt decimal.Decimal) decimal.Decimal {
	boundary := e.toleranceFactor.Mul(targetSqrt)

	if boundary.Cmp(ord.B) <= 0 {
		return ord.Y
	}
	if boundary.Cmp(ord.A.Add(ord.B)) >= 0 {
		return decimal.Zero
	}
	if ord.A.IsZero() {
		return decimal.Zero
	}

	ineligible, _ := ord.Z.Mul(boundary.Sub(ord.B)).QuoRem(ord.A, shareScale)
	eligible := ord.Y.Sub(ineligible)
	if eligible.IsNegative() {
		return decimal.Zero
	}
	return eligible
}

// Share is one strategy's cut of one snapshot.
type Share struct {
	StrategyID string
	Owner      string
	Amount     decimal.Decimal
	Eligible0  decimal.Decimal
	Eligible1  decimal.Decimal
	State      *strategy.State
}

// DistributeSnapshot splits a snapshot's budget across strategies. The budget
// is first divided between the two token sides in proportion to their
// configured weights, then within a side each strategy receives its
// weighted-eligible share. A snapshot with no eligible liquidity on either
// side returns nothing and its budget is forfeited.
func (e *Engine) DistributeSnapshot(snap *snapshot.Snapshot, budget decimal.Decimal, campaign *models.Campaign) []Share {
	if budget.Sign() <= 0 {
		return nil
	}

	w0 := e.weights.For(campaign.Token0)
	w1 := e.weights.For(campaign.Token1)
	weightTotal := w0.Add(w1)
	if weightTotal.Sign() == 0 {
		return nil
	}

	budget0 := mulDiv(budget, w0, weightTotal)
	budget1 := mulDiv(budget, w1, weightTotal)

	type eligibility struct {
		st        *strategy.State
		weighted0 decimal.Decimal
		weighted1 decimal.Decimal
		eligible0 decimal.Decimal
		eligible1 decimal.Decimal
	}

	var rows []eligibility
	total0 := decimal.Zero
	total1 := decimal.Zero
	for _, st := range snap.OrderedStates() {
		if st.Deleted {
			continue
		}
		e0 := e.EligibleLiquidity(st.Order0, snap.TargetSqrt0)
		e1 := e.EligibleLiquidity(st.Order1, snap.TargetSqrt1)
		if e0.Sign() == 0 && e1.Sign() == 0 {
			continue
		}
		row := eligibility{
			st:        st,
			eligible0: e0,
			eligible1: e1,
			weighted0: e0.Mul(w0),
			weighted1: e1.Mul(w1),
		}
		rows = append(rows, row)
		total0 = total0.Add(row.weighted0)
		total1 = total1.Add(row.weighted1)
	}

	if total0.Sign() == 0 && total1.Sign() == 0 {
		return nil
	}

	shares := make([]Share, 0, len(rows))
	for _, row := range rows {
		amount := decimal.Zero
		if total0.Sign() > 0 && row.weighted0.Sign() > 0 {
			amount = amount.Add(mulDiv(budget0, row.weighted0, total0))
		}
		if total1.Sign() > 0 && row.weighted1.Sign() > 0 {
			amount = amount.Add(mulDiv(budget1, row.weighted1, total1))
		}
		if amount.Sign() == 0 {
			continue
		}
		shares = append(shares, Share{
			StrategyID: row.st.StrategyID,
			Owner:      row.st.CurrentOwner,
			Amount:     amount,
			Eligible0:  row.eligible0,
			Eligible1:  row.eligible1,
			State:      row.st,
		})
	}
	return shares
}

// DistributeEpoch converts an epoch's snapshots into persistable reward rows.
// Each snapshot's budget is the epoch allocation prorated by the interval the
// snapshot covers, so the sum over all snapshots never exceeds the epoch
// total.
func (e *Engine) DistributeEpoch(ep *epoch.Config, snaps []*snapshot.Snapshot, campaign *models.Campaign) []*models.RewardRow {
	epochSeconds := decimal.NewFromInt(ep.DurationSeconds())
	if epochSeconds.Sign() <= 0 {
		return nil
	}

	var rows []*models.RewardRow
	for _, snap := range snaps {
		budget := mulDiv(ep.TotalRewards, decimal.NewFromInt(snap.IntervalSeconds), epochSeconds)
		for _, share := range e.DistributeSnapshot(snap, budget, campaign) {
			rows = append(rows, &models.RewardRow{
				StrategyID:        share.StrategyID,
				CampaignID:        campaign.ID,
				Deployment:        campaign.Deployment,
				SubEpochTimestamp: snap.Timestamp,
				EpochNumber:       ep.Number,
				Owner:             share.Owner,
				RewardAmount:      share.Amount,
				Eligible0:         share.Eligible0,
				Eligible1:         share.Eligible1,
				Liquidity0:        share.State.Order0.Y,
				Liquidity1:        share.State.Order1.Y,
				Order0ACompressed: share.State.Order0.ACompressed,
				Order0BCompressed: share.State.Order0.BCompressed,
				Order1ACompressed: share.State.Order1.ACompressed,
				Order1BCompressed: share.State.Order1.BCompressed,
			})
		}
	}
	return rows
}

// mulDiv computes a*b/c truncated at the share scale. Truncation keeps the
// sum of carved shares at or below the amount they were carved from.
func mulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, shareScale)
	return q
}
