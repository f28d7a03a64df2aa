package epoch

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/rewards/pkg/db/models"
)

func testCampaign(duration time.Duration, reward string) *models.Campaign {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	amount, err := decimal.NewFromString(reward)
	if err != nil {
		panic(err)
	}
	return &models.Campaign{
		ID:           "c1",
		Deployment:   "ethereum",
		PairID:       "pair-1",
		RewardAmount: amount,
		StartTime:    start,
		EndTime:      start.Add(duration),
	}
}

func TestPlanAllCountAndContiguity(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected int
	}{
		{"exactly one epoch", 4 * time.Hour, 1},
		{"one week", 7 * 24 * time.Hour, 42},
		{"unaligned tail", 10 * time.Hour, 3},
		{"shorter than one epoch", 90 * time.Minute, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCampaign(tt.duration, "1000000")
			epochs, err := PlanAll(c)
			require.NoError(t, err)
			assert.Len(t, epochs, tt.expected)
			assert.NoError(t, Validate(c, epochs))
		})
	}
}

func TestPlanAllConservesRewards(t *testing.T) {
	// 10h campaign: two full epochs plus a 2h tail; proration truncates and
	// the tail epoch absorbs the remainder exactly.
	c := testCampaign(10*time.Hour, "1000")
	epochs, err := PlanAll(c)
	require.NoError(t, err)
	require.Len(t, epochs, 3)

	sum := decimal.Zero
	for _, ep := range epochs {
		sum = sum.Add(ep.TotalRewards)
	}
	assert.True(t, sum.Equal(c.RewardAmount), "allocated %s of %s", sum, c.RewardAmount)

	perFull := c.RewardAmount.Mul(decimal.NewFromInt(14400)).
		DivRound(decimal.NewFromInt(36000), 18).Truncate(18)
	assert.True(t, epochs[0].TotalRewards.Equal(perFull))
	assert.True(t, epochs[1].TotalRewards.Equal(perFull))
	assert.True(t, epochs[2].End.Equal(c.EndTime))
	assert.Equal(t, int64(7200), epochs[2].DurationSeconds())
}

func TestPlanFiltersToRange(t *testing.T) {
	c := testCampaign(24*time.Hour, "600")

	// Second and third epochs overlap [5h, 9h).
	epochs, err := Plan(c, c.StartTime.Add(5*time.Hour), c.StartTime.Add(9*time.Hour))
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Equal(t, uint64(2), epochs[0].Number)
	assert.Equal(t, uint64(3), epochs[1].Number)
}

func TestPlanAfterCampaignEnd(t *testing.T) {
	c := testCampaign(8*time.Hour, "600")
	epochs, err := Plan(c, c.EndTime, c.EndTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, epochs, "ranges at or past campaign end plan nothing")
}

func TestValidateRejectsGaps(t *testing.T) {
	c := testCampaign(8*time.Hour, "600")
	epochs, err := PlanAll(c)
	require.NoError(t, err)
	require.Len(t, epochs, 2)

	broken := make([]Config, len(epochs))
	copy(broken, epochs)
	broken[1].Start = broken[1].Start.Add(time.Minute)
	assert.ErrorIs(t, Validate(c, broken), ErrNotContiguous)
}

func TestValidateRejectsBadTotals(t *testing.T) {
	c := testCampaign(8*time.Hour, "600")
	epochs, err := PlanAll(c)
	require.NoError(t, err)

	epochs[0].TotalRewards = epochs[0].TotalRewards.Add(decimal.NewFromInt(1))
	assert.Error(t, Validate(c, epochs))
}
