// Package rewards is the PostgreSQL write side of the engine: finalized
// sub-epoch reward rows, the per-campaign sub-epoch number ledger, processing
// checkpoints and the campaign directory.
package rewards

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/db/postgres"
)

// DB wraps the shared PostgreSQL client with reward-domain operations.
type DB struct {
	*postgres.Client
}

// New builds the store and ensures its tables exist.
func New(ctx context.Context, client *postgres.Client) (*DB, error) {
	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// InitializeDB ensures the required tables exist, creating them in parallel.
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"campaigns", db.initCampaigns},
		{"epoch_rewards", db.initEpochRewards},
		{"campaign_sub_epochs", db.initCampaignSubEpochs},
		{"processing_checkpoints", db.initProcessingCheckpoints},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		return err
	}

	db.Logger.Info("Rewards database initialized",
		zap.Duration("duration", time.Since(initStart)))
	return nil
}

func (db *DB) initCampaigns(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			deployment TEXT NOT NULL,
			pair_id TEXT NOT NULL,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			decimals0 INTEGER NOT NULL,
			decimals1 INTEGER NOT NULL,
			reward_amount NUMERIC NOT NULL,
			reward_token TEXT NOT NULL,
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			end_time TIMESTAMP WITH TIME ZONE NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initEpochRewards(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS epoch_rewards (
			strategy_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			deployment TEXT NOT NULL,
			sub_epoch_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			sub_epoch_number BIGINT NOT NULL,
			epoch_number BIGINT NOT NULL,
			owner TEXT NOT NULL,
			reward_amount NUMERIC NOT NULL,
			eligible0 NUMERIC NOT NULL,
			eligible1 NUMERIC NOT NULL,
			liquidity0 NUMERIC NOT NULL,
			liquidity1 NUMERIC NOT NULL,
			order0_a_compressed TEXT NOT NULL,
			order0_b_compressed TEXT NOT NULL,
			order1_a_compressed TEXT NOT NULL,
			order1_b_compressed TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (strategy_id, campaign_id, sub_epoch_timestamp)
		)
	`
	if err := db.Exec(ctx, query); err != nil {
		return err
	}
	return db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_epoch_rewards_campaign_epoch
		ON epoch_rewards (campaign_id, epoch_number)
	`)
}

func (db *DB) initCampaignSubEpochs(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS campaign_sub_epochs (
			campaign_id TEXT NOT NULL,
			sub_epoch_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			sub_epoch_number BIGINT NOT NULL,
			PRIMARY KEY (campaign_id, sub_epoch_timestamp)
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initProcessingCheckpoints(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS processing_checkpoints (
			deployment TEXT PRIMARY KEY,
			last_block BIGINT NOT NULL DEFAULT 0,
			last_processed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}
