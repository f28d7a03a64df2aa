package reward

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/epoch"
	"github.com/driftmark/rewards/pkg/snapshot"
	"github.com/driftmark/rewards/pkg/strategy"
)

const (
	token0 = "0x1111111111111111111111111111111111111111"
	token1 = "0xffffffffffffffffffffffffffffffffffffffff"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(y, z, a, b string) strategy.Order {
	return strategy.Order{
		Y: d(y), Z: d(z), A: d(a), B: d(b),
		ACompressed: a, BCompressed: b,
	}
}

// tolerance 0.99 mirrors the reference worked examples: boundary = 0.99 * target.
func testEngine() *Engine {
	return NewEngineWithTolerance(DefaultWeights(), d("0.99"))
}

func TestEligibleLiquidityBoundaries(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name       string
		ord        strategy.Order
		targetSqrt string
		expected   string
	}{
		{
			// boundary = 990 <= B(2000): fully eligible
			name:       "boundary below B is fully eligible",
			ord:        order("1000", "1000", "1000", "2000"),
			targetSqrt: "1000",
			expected:   "1000",
		},
		{
			// boundary = 4950 >= A+B(3000): fully ineligible
			name:       "boundary above A+B is fully ineligible",
			ord:        order("1000", "1000", "1000", "2000"),
			targetSqrt: "5000",
			expected:   "0",
		},
		{
			name:       "degenerate A=0 is ineligible",
			ord:        order("1000", "1000", "0", "2000"),
			targetSqrt: "2500",
			expected:   "0",
		},
		{
			// boundary = 2475; ineligible = 1000*(2475-2000)/1000 = 475
			name:       "mid-range is partially eligible",
			ord:        order("1000", "1000", "1000", "2000"),
			targetSqrt: "2500",
			expected:   "525",
		},
		{
			// ineligible exceeds y: clamp at zero
			name:       "clamped at zero",
			ord:        order("100", "1000", "1000", "2000"),
			targetSqrt: "2500",
			expected:   "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.EligibleLiquidity(tt.ord, d(tt.targetSqrt))
			assert.True(t, d(tt.expected).Equal(got), "expected %s got %s", tt.expected, got)
		})
	}
}

func TestEligibleLiquidityMidRangeStrictlyBetween(t *testing.T) {
	e := testEngine()
	got := e.EligibleLiquidity(order("1000", "1000", "1000", "2000"), d("2500"))
	assert.True(t, got.GreaterThan(decimal.Zero))
	assert.True(t, got.LessThan(d("1000")))
}

func testSnapshot(states strategy.Map, targetSqrt string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Timestamp:       time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC),
		IntervalSeconds: 300,
		TargetSqrt0:     d(targetSqrt),
		TargetSqrt1:     d(targetSqrt),
		States:          states,
	}
}

func stateWith(id string, ord strategy.Order) *strategy.State {
	return &strategy.State{
		StrategyID:   id,
		Token0:       token0,
		Token1:       token1,
		CurrentOwner: "0x" + id,
		Order0:       ord,
		Order1:       ord,
	}
}

func distCampaign() *models.Campaign {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return &models.Campaign{
		ID: "c1", Deployment: "ethereum", PairID: "pair-1",
		Token0: token0, Token1: token1,
		RewardAmount: d("1000"),
		StartTime:    start, EndTime: start.Add(4 * time.Hour),
	}
}

func TestDistributeSnapshotProportionalShares(t *testing.T) {
	e := testEngine()

	// Both strategies fully eligible; s1 holds twice the liquidity of s2.
	states := strategy.Map{
		"s1": stateWith("s1", order("2000", "2000", "1000", "2000")),
		"s2": stateWith("s2", order("1000", "1000", "1000", "2000")),
	}
	snap := testSnapshot(states, "1000")

	shares := e.DistributeSnapshot(snap, d("90"), distCampaign())
	require.Len(t, shares, 2)

	byID := map[string]Share{}
	for _, s := range shares {
		byID[s.StrategyID] = s
	}
	assert.True(t, byID["s1"].Amount.Equal(d("60")), "got %s", byID["s1"].Amount)
	assert.True(t, byID["s2"].Amount.Equal(d("30")), "got %s", byID["s2"].Amount)
	assert.Equal(t, "0xs1", byID["s1"].Owner)
}

func TestDistributeSnapshotRespectsTokenWeights(t *testing.T) {
	// token1 weighted zero: its side is excluded, whole budget goes to side 0.
	weights := NewWeights(d("1"), map[string]decimal.Decimal{token1: decimal.Zero})
	e := NewEngineWithTolerance(weights, d("0.99"))

	states := strategy.Map{"s1": stateWith("s1", order("1000", "1000", "1000", "2000"))}
	shares := e.DistributeSnapshot(testSnapshot(states, "1000"), d("90"), distCampaign())

	require.Len(t, shares, 1)
	assert.True(t, shares[0].Amount.Equal(d("90")), "got %s", shares[0].Amount)
}

func TestDistributeSnapshotZeroTotalWeight(t *testing.T) {
	weights := NewWeights(decimal.Zero, nil)
	e := NewEngineWithTolerance(weights, d("0.99"))

	states := strategy.Map{"s1": stateWith("s1", order("1000", "1000", "1000", "2000"))}
	shares := e.DistributeSnapshot(testSnapshot(states, "1000"), d("90"), distCampaign())
	assert.Empty(t, shares, "zero total weight distributes nothing")
}

func TestDistributeSnapshotForfeitsWhenNothingEligible(t *testing.T) {
	e := testEngine()

	states := strategy.Map{"s1": stateWith("s1", order("1000", "1000", "1000", "2000"))}
	shares := e.DistributeSnapshot(testSnapshot(states, "5000"), d("90"), distCampaign())
	assert.Empty(t, shares)
}

func TestDistributeSnapshotExcludesDeleted(t *testing.T) {
	e := testEngine()

	deleted := stateWith("s1", order("0", "0", "0", "0"))
	deleted.Deleted = true
	states := strategy.Map{
		"s1": deleted,
		"s2": stateWith("s2", order("1000", "1000", "1000", "2000")),
	}

	shares := e.DistributeSnapshot(testSnapshot(states, "1000"), d("90"), distCampaign())
	require.Len(t, shares, 1)
	assert.Equal(t, "s2", shares[0].StrategyID)
}

func TestDistributeEpochConservation(t *testing.T) {
	e := testEngine()
	c := distCampaign()

	epochs, err := epoch.PlanAll(c)
	require.NoError(t, err)
	ep := &epochs[0]

	// Fully eligible liquidity at every snapshot; intervals covering the
	// epoch exactly. The distributed total must equal the epoch allocation.
	states := strategy.Map{
		"s1": stateWith("s1", order("2000", "2000", "1000", "2000")),
		"s2": stateWith("s2", order("1000", "1000", "1000", "2000")),
	}
	var snaps []*snapshot.Snapshot
	at := ep.Start
	for covered := int64(0); covered < ep.DurationSeconds(); covered += 300 {
		snap := testSnapshot(states, "1000")
		snap.Timestamp = at
		snaps = append(snaps, snap)
		at = at.Add(300 * time.Second)
	}

	rows := e.DistributeEpoch(ep, snaps, c)
	require.NotEmpty(t, rows)

	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.RewardAmount)
		assert.Equal(t, "c1", row.CampaignID)
		assert.Equal(t, ep.Number, row.EpochNumber)
		assert.Equal(t, "1000", row.Order0ACompressed)
	}
	assert.True(t, sum.LessThanOrEqual(ep.TotalRewards),
		"distributed %s must never exceed the epoch allocation %s", sum, ep.TotalRewards)
	dust := ep.TotalRewards.Sub(sum)
	assert.True(t, dust.LessThan(d("0.000000001")),
		"fully eligible epochs conserve to rounding dust, lost %s", dust)
}

func TestParseWeightTable(t *testing.T) {
	raw := `{"ethereum": {"default": "1", "tokens": {"` + token0 + `": "2", "` + token1 + `": "0"}}}`
	table, err := ParseWeightTable(raw)
	require.NoError(t, err)

	w := table.For("ethereum")
	assert.True(t, w.For(token0).Equal(d("2")))
	assert.True(t, w.For(token1).IsZero())
	assert.True(t, w.For("0xabc").Equal(d("1")), "unlisted tokens get the default")

	other := table.For("base")
	assert.True(t, other.For(token0).Equal(d("1")), "unconfigured deployments weigh everything at 1")
}

func TestParseWeightTableRejectsBadInput(t *testing.T) {
	_, err := ParseWeightTable(`{"ethereum": {"tokens": {"0xabc": "-1"}}}`)
	assert.Error(t, err)

	_, err = ParseWeightTable(`{bad json`)
	assert.Error(t, err)
}
