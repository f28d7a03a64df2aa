// Package epoch divides a campaign's lifetime into fixed-duration reward
// epochs. Planning always covers the entire lifetime and only then filters to
// the requested range: per-epoch rewards are carved out of the campaign total
// with the final epoch absorbing the rounding remainder, and that arithmetic
// is only exact when every epoch is planned together.
package epoch

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/db/models"
)

// Duration is a protocol constant. Changing it breaks bit-identical replay of
// historical reward outputs.
const Duration = 4 * time.Hour

// allocationScale is the decimal precision used when prorating the campaign
// total across epochs. Truncation (not rounding) keeps partial sums below the
// campaign total; the final epoch absorbs whatever truncation shaved off.
const allocationScale = 18

var ErrNotContiguous = errors.New("epoch: plan has a gap or overlap")

// Config is one fixed-duration slice of a campaign. Numbers are 1-based and
// contiguous; End of epoch n equals Start of epoch n+1.
type Config struct {
	Number       uint64
	Start        time.Time
	End          time.Time
	TotalRewards decimal.Decimal
}

// DurationSeconds is the epoch's own length, which for the final epoch of an
// unaligned campaign is shorter than the nominal duration.
func (c *Config) DurationSeconds() int64 {
	return int64(c.End.Sub(c.Start) / time.Second)
}

// Plan computes the campaign's full epoch partition and filters it to the
// epochs overlapping [rangeStart, rangeEnd). A range beginning at or after
// the campaign's end yields no epochs; the caller skips such ranges.
func Plan(campaign *models.Campaign, rangeStart, rangeEnd time.Time) ([]Config, error) {
	all, err := PlanAll(campaign)
	if err != nil {
		return nil, err
	}

	if !rangeStart.Before(campaign.EndTime) {
		return nil, nil
	}

	out := make([]Config, 0, len(all))
	for _, ep := range all {
		if ep.End.After(rangeStart) && ep.Start.Before(rangeEnd) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// PlanAll partitions the campaign's entire lifetime into epochs whose reward
// allocations sum exactly to the campaign's reward amount.
func PlanAll(campaign *models.Campaign) ([]Config, error) {
	total := campaign.Duration()
	if total <= 0 {
		return nil, fmt.Errorf("epoch: campaign %s has non-positive duration", campaign.ID)
	}

	count := int64(total / Duration)
	if total%Duration != 0 {
		count++
	}

	totalSeconds := decimal.NewFromInt(int64(total / time.Second))
	epochSeconds := decimal.NewFromInt(int64(Duration / time.Second))

	epochs := make([]Config, 0, count)
	allocated := decimal.Zero
	for i := int64(0); i < count; i++ {
		start := campaign.StartTime.Add(time.Duration(i) * Duration)
		end := start.Add(Duration)
		if end.After(campaign.EndTime) {
			end = campaign.EndTime
		}

		var rewards decimal.Decimal
		if i == count-1 {
			rewards = campaign.RewardAmount.Sub(allocated)
		} else {
			q, _ := campaign.RewardAmount.Mul(epochSeconds).QuoRem(totalSeconds, allocationScale)
			rewards = q
			allocated = allocated.Add(rewards)
		}

		epochs = append(epochs, Config{
			Number:       uint64(i) + 1,
			Start:        start,
			End:          end,
			TotalRewards: rewards,
		})
	}

	return epochs, nil
}

// Validate checks the full plan for gap/overlap-free coverage of the campaign
// lifetime and exact reward conservation. A failure here is a data-integrity
// violation: the whole campaign is skipped for the pass, never partially
// applied.
func Validate(campaign *models.Campaign, epochs []Config) error {
	if len(epochs) == 0 {
		return fmt.Errorf("%w: empty plan for campaign %s", ErrNotContiguous, campaign.ID)
	}
	if !epochs[0].Start.Equal(campaign.StartTime) {
		return fmt.Errorf("%w: first epoch starts at %s, campaign at %s",
			ErrNotContiguous, epochs[0].Start, campaign.StartTime)
	}
	if !epochs[len(epochs)-1].End.Equal(campaign.EndTime) {
		return fmt.Errorf("%w: last epoch ends at %s, campaign at %s",
			ErrNotContiguous, epochs[len(epochs)-1].End, campaign.EndTime)
	}

	sum := decimal.Zero
	for i, ep := range epochs {
		if ep.Number != uint64(i)+1 {
			return fmt.Errorf("%w: epoch %d numbered %d", ErrNotContiguous, i+1, ep.Number)
		}
		if !ep.Start.Before(ep.End) {
			return fmt.Errorf("%w: epoch %d is empty or inverted", ErrNotContiguous, ep.Number)
		}
		if i > 0 && !epochs[i-1].End.Equal(ep.Start) {
			return fmt.Errorf("%w: between epochs %d and %d", ErrNotContiguous, epochs[i-1].Number, ep.Number)
		}
		sum = sum.Add(ep.TotalRewards)
	}

	if !sum.Equal(campaign.RewardAmount) {
		return fmt.Errorf("epoch: plan allocates %s, campaign total is %s", sum, campaign.RewardAmount)
	}
	return nil
}
