package rewards

import (
	"context"
	"fmt"

	"github.com/driftmark/rewards/pkg/db/postgres"
)

// GetOrInitCheckpoint returns the last processed block for a deployment,
// creating a zero row the first time a deployment is seen.
func (db *DB) GetOrInitCheckpoint(ctx context.Context, deployment string) (uint64, error) {
	query := `
		SELECT last_block FROM processing_checkpoints WHERE deployment = $1
	`

	var lastBlock uint64
	err := db.QueryRow(ctx, query, deployment).Scan(&lastBlock)
	if err == nil {
		return lastBlock, nil
	}
	if !postgres.IsNoRows(err) {
		return 0, fmt.Errorf("query checkpoint: %w", err)
	}

	insert := `
		INSERT INTO processing_checkpoints (deployment, last_block)
		VALUES ($1, 0)
		ON CONFLICT (deployment) DO NOTHING
	`
	if err := db.Exec(ctx, insert, deployment); err != nil {
		return 0, fmt.Errorf("init checkpoint: %w", err)
	}
	return 0, nil
}

// UpdateCheckpoint advances the checkpoint. GREATEST keeps it monotonic when
// two processors race.
func (db *DB) UpdateCheckpoint(ctx context.Context, deployment string, block uint64) error {
	query := `
		INSERT INTO processing_checkpoints (deployment, last_block, last_processed_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (deployment) DO UPDATE SET
			last_block = GREATEST(processing_checkpoints.last_block, EXCLUDED.last_block),
			last_processed_at = NOW(),
			updated_at = NOW()
	`
	return db.Exec(ctx, query, deployment, block)
}
