// Package events queries the raw strategy event log out of ClickHouse. The
// four on-chain streams land in separate tables, written by the ingestion
// service; everything here is read-only.
package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/db/clickhouse"
	"github.com/driftmark/rewards/pkg/db/models"
)

// Table names, shared with the ingestion service's schema.
const (
	CreatedTable   = "strategy_created_events"
	UpdatedTable   = "strategy_updated_events"
	DeletedTable   = "strategy_deleted_events"
	TransfersTable = "voucher_transfer_events"
	BlocksTable    = "blocks"
	UsdRatesTable  = "usd_rates"
)

// DB exposes the event-log queries the rewards engine needs.
type DB struct {
	*clickhouse.Client
}

func NewDB(client *clickhouse.Client) *DB {
	return &DB{Client: client}
}

const orderColumns = `
	strategy_id, pair_id, token0, token1, decimals0, decimals1,
	order0, order1, owner,
	block_id, transaction_index, log_index, transaction_hash, timestamp`

// The updated stream additionally records why the orders changed.
const updatedColumns = `
	strategy_id, pair_id, token0, token1, decimals0, decimals1,
	order0, order1, owner, reason,
	block_id, transaction_index, log_index, transaction_hash, timestamp`

const transferColumns = `
	strategy_id, pair_id, owner,
	block_id, transaction_index, log_index, transaction_hash, timestamp`

// EventsInRange fetches every event of all four streams for a block range,
// merged into one slice tagged with event types. The result has no guaranteed
// order; the snapshot generator sorts it.
func (db *DB) EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]models.StrategyEvent, error) {
	var out []models.StrategyEvent

	streams := []struct {
		table     string
		columns   string
		eventType string
	}{
		{CreatedTable, orderColumns, models.EventCreated},
		{UpdatedTable, updatedColumns, models.EventUpdated},
		{DeletedTable, orderColumns, models.EventDeleted},
		{TransfersTable, transferColumns, models.EventTransfer},
	}

	for _, stream := range streams {
		var rows []models.StrategyEvent
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE block_id >= ? AND block_id <= ?`, stream.columns, stream.table)
		if err := db.Select(ctx, &rows, query, fromBlock, toBlock); err != nil {
			return nil, fmt.Errorf("fetch %s in [%d,%d]: %w", stream.table, fromBlock, toBlock, err)
		}
		for i := range rows {
			rows[i].Type = stream.eventType
			out = append(out, rows[i])
		}
	}

	db.Logger.Debug("Fetched event batch",
		zap.Uint64("from_block", fromBlock),
		zap.Uint64("to_block", toBlock),
		zap.Int("events", len(out)))
	return out, nil
}

// LatestStrategyOrders returns, per strategy on the pair, the most recent
// created-or-updated event at or before asOfBlock under descending
// (block id, transaction index, log index) order.
func (db *DB) LatestStrategyOrders(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	query := fmt.Sprintf(`
		SELECT %[1]s FROM (
			SELECT %[1]s FROM %[2]s WHERE pair_id = ? AND block_id <= ?
			UNION ALL
			SELECT %[1]s FROM %[3]s WHERE pair_id = ? AND block_id <= ?
		)
		ORDER BY strategy_id, block_id DESC, transaction_index DESC, log_index DESC
		LIMIT 1 BY strategy_id`, orderColumns, CreatedTable, UpdatedTable)

	var rows []models.StrategyEvent
	if err := db.Select(ctx, &rows, query, pairID, asOfBlock, pairID, asOfBlock); err != nil {
		return nil, fmt.Errorf("latest strategy orders for pair %s: %w", pairID, err)
	}
	for i := range rows {
		rows[i].Type = models.EventUpdated
	}
	return rows, nil
}

// CreatedStrategies returns each strategy's creating event at or before
// asOfBlock, used for creation-wallet attribution.
func (db *DB) CreatedStrategies(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE pair_id = ? AND block_id <= ?
		ORDER BY strategy_id, block_id ASC, transaction_index ASC, log_index ASC
		LIMIT 1 BY strategy_id`, orderColumns, CreatedTable)

	var rows []models.StrategyEvent
	if err := db.Select(ctx, &rows, query, pairID, asOfBlock); err != nil {
		return nil, fmt.Errorf("created strategies for pair %s: %w", pairID, err)
	}
	for i := range rows {
		rows[i].Type = models.EventCreated
	}
	return rows, nil
}

// LatestTransfers returns each strategy's most recent ownership transfer at
// or before asOfBlock.
func (db *DB) LatestTransfers(ctx context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE pair_id = ? AND block_id <= ?
		ORDER BY strategy_id, block_id DESC, transaction_index DESC, log_index DESC
		LIMIT 1 BY strategy_id`, transferColumns, TransfersTable)

	var rows []models.StrategyEvent
	if err := db.Select(ctx, &rows, query, pairID, asOfBlock); err != nil {
		return nil, fmt.Errorf("latest transfers for pair %s: %w", pairID, err)
	}
	for i := range rows {
		rows[i].Type = models.EventTransfer
	}
	return rows, nil
}

// DeletedStrategyIDs returns the ids of strategies deleted at or before
// asOfBlock.
func (db *DB) DeletedStrategyIDs(ctx context.Context, pairID string, asOfBlock uint64) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT strategy_id FROM %s
		WHERE pair_id = ? AND block_id <= ?`, DeletedTable)

	rows, err := db.Query(ctx, query, pairID, asOfBlock)
	if err != nil {
		return nil, fmt.Errorf("deleted strategies for pair %s: %w", pairID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
