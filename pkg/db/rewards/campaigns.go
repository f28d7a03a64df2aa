package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/db/models"
)

// ActiveCampaigns returns the campaigns still marked active for a deployment,
// oldest first.
func (db *DB) ActiveCampaigns(ctx context.Context, deployment string) ([]*models.Campaign, error) {
	query := `
		SELECT id, deployment, pair_id, token0, token1, decimals0, decimals1,
		       reward_amount::text, reward_token, start_time, end_time, is_active
		FROM campaigns
		WHERE deployment = $1 AND is_active = TRUE
		ORDER BY start_time ASC, id ASC
	`

	rows, err := db.Query(ctx, query, deployment)
	if err != nil {
		return nil, fmt.Errorf("query active campaigns: %w", err)
	}
	defer rows.Close()

	var out []*models.Campaign
	for rows.Next() {
		var c models.Campaign
		var rewardAmount string
		if err := rows.Scan(&c.ID, &c.Deployment, &c.PairID, &c.Token0, &c.Token1,
			&c.Decimals0, &c.Decimals1, &rewardAmount, &c.RewardToken,
			&c.StartTime, &c.EndTime, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c.RewardAmount, err = decimal.NewFromString(rewardAmount)
		if err != nil {
			return nil, fmt.Errorf("campaign %s reward_amount: %w", c.ID, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpsertCampaign inserts or refreshes a campaign row. Used by fixtures and by
// the campaign-management sync.
func (db *DB) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, deployment, pair_id, token0, token1, decimals0, decimals1,
			reward_amount, reward_token, start_time, end_time, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			deployment = EXCLUDED.deployment,
			pair_id = EXCLUDED.pair_id,
			token0 = EXCLUDED.token0,
			token1 = EXCLUDED.token1,
			decimals0 = EXCLUDED.decimals0,
			decimals1 = EXCLUDED.decimals1,
			reward_amount = EXCLUDED.reward_amount,
			reward_token = EXCLUDED.reward_token,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`
	return db.Exec(ctx, query,
		c.ID, c.Deployment, c.PairID, c.Token0, c.Token1, c.Decimals0, c.Decimals1,
		c.RewardAmount.String(), c.RewardToken, c.StartTime, c.EndTime, c.IsActive)
}

// MarkCampaignsInactive clears the active flag for campaigns whose end time
// has passed the processed horizon. Only the listed campaigns are touched so a
// campaign added mid-pass is never deactivated by a stale horizon.
func (db *DB) MarkCampaignsInactive(ctx context.Context, deployment string, ids []string, upTo time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE campaigns
		SET is_active = FALSE, updated_at = NOW()
		WHERE deployment = $1 AND id = ANY($2) AND end_time <= $3
	`
	return db.Exec(ctx, query, deployment, ids, upTo)
}
