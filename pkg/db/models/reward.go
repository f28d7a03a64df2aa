package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsdRate is one USD price observation for a token.
type UsdRate struct {
	TokenAddress string          `ch:"token_address" json:"token_address"`
	Timestamp    time.Time       `ch:"ts" json:"ts"`
	Usd          decimal.Decimal `ch:"-" json:"usd"`
}

// RewardRow is one persisted sub-epoch reward for one strategy. Uniquely keyed
// by (strategy_id, campaign_id, sub_epoch_timestamp); SubEpochNumber is
// assigned per campaign the first time a timestamp is seen and preserved on
// reprocessing. The compressed rate parameters are echoed verbatim from the
// event log, untouched by the decompressed math.
type RewardRow struct {
	StrategyID        string    `json:"strategy_id"`
	CampaignID        string    `json:"campaign_id"`
	Deployment        string    `json:"deployment"`
	SubEpochTimestamp time.Time `json:"sub_epoch_timestamp"`
	SubEpochNumber    uint64    `json:"sub_epoch_number"`
	EpochNumber       uint64    `json:"epoch_number"`

	Owner        string          `json:"owner"`
	RewardAmount decimal.Decimal `json:"reward_amount"`

	Eligible0  decimal.Decimal `json:"eligible0"`
	Eligible1  decimal.Decimal `json:"eligible1"`
	Liquidity0 decimal.Decimal `json:"liquidity0"`
	Liquidity1 decimal.Decimal `json:"liquidity1"`

	Order0ACompressed string `json:"order0_a_compressed"`
	Order0BCompressed string `json:"order0_b_compressed"`
	Order1ACompressed string `json:"order1_a_compressed"`
	Order1BCompressed string `json:"order1_b_compressed"`
}
