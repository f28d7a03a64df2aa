package events

import (
	"context"
	"fmt"
	"time"
)

// BlockTimestamp resolves one block's timestamp.
func (db *DB) BlockTimestamp(ctx context.Context, blockID uint64) (time.Time, error) {
	query := fmt.Sprintf(`SELECT timestamp FROM %s WHERE id = ? LIMIT 1`, BlocksTable)

	rows, err := db.Query(ctx, query, blockID)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %d timestamp: %w", blockID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return time.Time{}, fmt.Errorf("block %d not found", blockID)
	}
	var ts time.Time
	if err := rows.Scan(&ts); err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), rows.Err()
}

// BlockTimestamps resolves timestamps for a set of blocks in one query.
func (db *DB) BlockTimestamps(ctx context.Context, blockIDs []uint64) (map[uint64]time.Time, error) {
	if len(blockIDs) == 0 {
		return map[uint64]time.Time{}, nil
	}

	query := fmt.Sprintf(`SELECT id, timestamp FROM %s WHERE id IN (?)`, BlocksTable)
	rows, err := db.Query(ctx, query, blockIDs)
	if err != nil {
		return nil, fmt.Errorf("block timestamps: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]time.Time, len(blockIDs))
	for rows.Next() {
		var id uint64
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts.UTC()
	}
	return out, rows.Err()
}

// LastBlockBefore returns the highest block whose timestamp is strictly
// before t, or 0 when none exists. Used to rebuild campaign state as of an
// epoch boundary after a restart.
func (db *DB) LastBlockBefore(ctx context.Context, t time.Time) (uint64, error) {
	query := fmt.Sprintf(`SELECT max(id) FROM %s WHERE timestamp < ?`, BlocksTable)

	rows, err := db.Query(ctx, query, t)
	if err != nil {
		return 0, fmt.Errorf("last block before %s: %w", t, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, rows.Err()
	}
	var id uint64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}

// LatestBlock returns the highest ingested block, or 0 when the table is
// empty.
func (db *DB) LatestBlock(ctx context.Context) (uint64, error) {
	query := fmt.Sprintf(`SELECT max(id) FROM %s`, BlocksTable)

	rows, err := db.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, rows.Err()
	}
	var id uint64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}
