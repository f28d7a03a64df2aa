package processor

import (
	"context"
	"time"

	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/epoch"
)

// EventSource is the read side: raw strategy events, block timestamps and USD
// rates landed in ClickHouse by the ingestion pipeline.
type EventSource interface {
	EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]models.StrategyEvent, error)
	CreatedStrategies(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error)
	LatestStrategyOrders(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error)
	LatestTransfers(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error)
	DeletedStrategyIDs(ctx context.Context, pairID string, asOfBlock uint64) ([]string, error)
	BlockTimestamp(ctx context.Context, blockID uint64) (time.Time, error)
	LastBlockBefore(ctx context.Context, t time.Time) (uint64, error)
	UsdRates(ctx context.Context, tokenAddresses []string, start, end time.Time) ([]models.UsdRate, error)
}

// RewardStore is the write side: campaign directory, finalized reward rows
// and processing checkpoints in PostgreSQL.
type RewardStore interface {
	ActiveCampaigns(ctx context.Context, deployment string) ([]*models.Campaign, error)
	MarkCampaignsInactive(ctx context.Context, deployment string, ids []string, upTo time.Time) error
	GetOrInitCheckpoint(ctx context.Context, deployment string) (uint64, error)
	UpdateCheckpoint(ctx context.Context, deployment string, block uint64) error
	PersistEpoch(ctx context.Context, campaign *models.Campaign, ep *epoch.Config, rows []*models.RewardRow) error
}
