package rewards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/epoch"
)

// ErrRewardCapExceeded means persisting an epoch would push the campaign's
// total distributed rewards past its funded amount. The epoch is rolled back
// untouched; the caller logs and moves on.
var ErrRewardCapExceeded = errors.New("rewards: campaign reward cap exceeded")

// PersistEpoch atomically replaces an epoch's reward rows. The epoch's
// previous rows are deleted first, so reprocessing the same block range is
// idempotent; sub-epoch numbers are read from the campaign_sub_epochs ledger
// and survive the replacement. Before writing, the campaign's persisted total
// plus the new rows is checked against the funded reward amount.
func (db *DB) PersistEpoch(ctx context.Context, campaign *models.Campaign, ep *epoch.Config, rows []*models.RewardRow) error {
	return db.BeginFunc(ctx, func(tx pgx.Tx) error {
		txCtx := db.WithTx(ctx, tx)

		if err := db.deleteEpoch(txCtx, campaign.ID, ep.Number); err != nil {
			return err
		}

		newTotal := decimal.Zero
		for _, row := range rows {
			newTotal = newTotal.Add(row.RewardAmount)
		}

		persisted, err := db.persistedTotal(txCtx, campaign.ID)
		if err != nil {
			return err
		}
		if persisted.Add(newTotal).GreaterThan(campaign.RewardAmount) {
			return fmt.Errorf("%w: campaign %s epoch %d would distribute %s on top of %s (cap %s)",
				ErrRewardCapExceeded, campaign.ID, ep.Number,
				newTotal.String(), persisted.String(), campaign.RewardAmount.String())
		}

		if len(rows) == 0 {
			return nil
		}

		if err := db.assignSubEpochNumbers(txCtx, campaign.ID, rows); err != nil {
			return err
		}

		return db.insertRewardRows(txCtx, rows)
	})
}

func (db *DB) deleteEpoch(ctx context.Context, campaignID string, epochNumber uint64) error {
	query := `
		DELETE FROM epoch_rewards WHERE campaign_id = $1 AND epoch_number = $2
	`
	if err := db.Exec(ctx, query, campaignID, epochNumber); err != nil {
		return fmt.Errorf("delete epoch rows: %w", err)
	}
	return nil
}

func (db *DB) persistedTotal(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(reward_amount), 0)::text FROM epoch_rewards WHERE campaign_id = $1
	`

	var total string
	if err := db.QueryRow(ctx, query, campaignID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum persisted rewards: %w", err)
	}
	return decimal.NewFromString(total)
}

// assignSubEpochNumbers fills in SubEpochNumber on every row. A timestamp
// already in the ledger reuses its number; unseen timestamps get max+1 in
// ascending timestamp order, then join the ledger.
func (db *DB) assignSubEpochNumbers(ctx context.Context, campaignID string, rows []*models.RewardRow) error {
	timestampSet := make(map[time.Time]struct{})
	for _, row := range rows {
		timestampSet[row.SubEpochTimestamp.UTC()] = struct{}{}
	}
	timestamps := make([]time.Time, 0, len(timestampSet))
	for ts := range timestampSet {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	existing, err := db.existingSubEpochNumbers(ctx, campaignID, timestamps)
	if err != nil {
		return err
	}

	var maxNumber uint64
	query := `
		SELECT COALESCE(MAX(sub_epoch_number), 0) FROM campaign_sub_epochs WHERE campaign_id = $1
	`
	if err := db.QueryRow(ctx, query, campaignID).Scan(&maxNumber); err != nil {
		return fmt.Errorf("max sub-epoch number: %w", err)
	}

	assigned := make(map[time.Time]uint64, len(timestamps))
	batch := &pgx.Batch{}
	insert := `
		INSERT INTO campaign_sub_epochs (campaign_id, sub_epoch_timestamp, sub_epoch_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, sub_epoch_timestamp) DO NOTHING
	`
	for _, ts := range timestamps {
		number, ok := existing[ts]
		if !ok {
			maxNumber++
			number = maxNumber
			batch.Queue(insert, campaignID, ts, number)
		}
		assigned[ts] = number
	}

	if batch.Len() > 0 {
		if err := db.GetExecutor(ctx).SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert sub-epoch numbers: %w", err)
		}
	}

	for _, row := range rows {
		row.SubEpochNumber = assigned[row.SubEpochTimestamp.UTC()]
	}
	return nil
}

func (db *DB) existingSubEpochNumbers(ctx context.Context, campaignID string, timestamps []time.Time) (map[time.Time]uint64, error) {
	query := `
		SELECT sub_epoch_timestamp, sub_epoch_number
		FROM campaign_sub_epochs
		WHERE campaign_id = $1 AND sub_epoch_timestamp = ANY($2)
	`

	rows, err := db.Query(ctx, query, campaignID, timestamps)
	if err != nil {
		return nil, fmt.Errorf("query sub-epoch numbers: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]uint64)
	for rows.Next() {
		var ts time.Time
		var number uint64
		if err := rows.Scan(&ts, &number); err != nil {
			return nil, fmt.Errorf("scan sub-epoch number: %w", err)
		}
		out[ts.UTC()] = number
	}
	return out, rows.Err()
}

func (db *DB) insertRewardRows(ctx context.Context, rows []*models.RewardRow) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO epoch_rewards (
			strategy_id, campaign_id, deployment,
			sub_epoch_timestamp, sub_epoch_number, epoch_number,
			owner, reward_amount,
			eligible0, eligible1, liquidity0, liquidity1,
			order0_a_compressed, order0_b_compressed,
			order1_a_compressed, order1_b_compressed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (strategy_id, campaign_id, sub_epoch_timestamp) DO UPDATE SET
			deployment = EXCLUDED.deployment,
			sub_epoch_number = EXCLUDED.sub_epoch_number,
			epoch_number = EXCLUDED.epoch_number,
			owner = EXCLUDED.owner,
			reward_amount = EXCLUDED.reward_amount,
			eligible0 = EXCLUDED.eligible0,
			eligible1 = EXCLUDED.eligible1,
			liquidity0 = EXCLUDED.liquidity0,
			liquidity1 = EXCLUDED.liquidity1,
			order0_a_compressed = EXCLUDED.order0_a_compressed,
			order0_b_compressed = EXCLUDED.order0_b_compressed,
			order1_a_compressed = EXCLUDED.order1_a_compressed,
			order1_b_compressed = EXCLUDED.order1_b_compressed,
			updated_at = NOW()
	`

	for _, row := range rows {
		batch.Queue(query,
			row.StrategyID, row.CampaignID, row.Deployment,
			row.SubEpochTimestamp, row.SubEpochNumber, row.EpochNumber,
			row.Owner, row.RewardAmount.String(),
			row.Eligible0.String(), row.Eligible1.String(),
			row.Liquidity0.String(), row.Liquidity1.String(),
			row.Order0ACompressed, row.Order0BCompressed,
			row.Order1ACompressed, row.Order1BCompressed)
	}

	if err := db.GetExecutor(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert reward rows: %w", err)
	}
	return nil
}

// EpochTotals returns the persisted reward sum per epoch for a campaign.
// Used by reporting and by operators verifying conservation after a backfill.
func (db *DB) EpochTotals(ctx context.Context, campaignID string) (map[uint64]decimal.Decimal, error) {
	query := `
		SELECT epoch_number, COALESCE(SUM(reward_amount), 0)::text
		FROM epoch_rewards
		WHERE campaign_id = $1
		GROUP BY epoch_number
	`

	rows, err := db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query epoch totals: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]decimal.Decimal)
	for rows.Next() {
		var number uint64
		var total string
		if err := rows.Scan(&number, &total); err != nil {
			return nil, fmt.Errorf("scan epoch total: %w", err)
		}
		out[number], err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("epoch %d total: %w", number, err)
		}
	}
	return out, rows.Err()
}
