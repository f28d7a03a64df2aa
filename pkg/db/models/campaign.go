package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is a reward program over one trading pair. Rows are owned by the
// campaign-management service; the rewards engine reads them and only ever
// writes back the is_active flag once processing has passed end_time.
type Campaign struct {
	ID           string          `json:"id"`
	Deployment   string          `json:"deployment"`
	PairID       string          `json:"pair_id"`
	Token0       string          `json:"token0"`
	Token1       string          `json:"token1"`
	Decimals0    int32           `json:"decimals0"`
	Decimals1    int32           `json:"decimals1"`
	RewardAmount decimal.Decimal `json:"reward_amount"`
	RewardToken  string          `json:"reward_token"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	IsActive     bool            `json:"is_active"`
}

// Duration is the campaign's total active lifetime.
func (c *Campaign) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}
