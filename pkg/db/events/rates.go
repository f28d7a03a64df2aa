package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/db/models"
)

// UsdRates fetches USD rate observations for a set of tokens over a time
// window. Rates are stored as fixed-point decimals and scanned through their
// string rendering so no float ever touches the money path.
func (db *DB) UsdRates(ctx context.Context, tokenAddresses []string, start, end time.Time) ([]models.UsdRate, error) {
	if len(tokenAddresses) == 0 {
		return nil, nil
	}

	tokens := make([]string, 0, len(tokenAddresses))
	for _, t := range tokenAddresses {
		tokens = append(tokens, strings.ToLower(t))
	}

	query := fmt.Sprintf(`
		SELECT token_address, ts, toString(usd) AS usd
		FROM %s
		WHERE lower(token_address) IN (?) AND ts >= ? AND ts <= ?
		ORDER BY token_address, ts`, UsdRatesTable)

	rows, err := db.Query(ctx, query, tokens, start, end)
	if err != nil {
		return nil, fmt.Errorf("usd rates: %w", err)
	}
	defer rows.Close()

	var out []models.UsdRate
	for rows.Next() {
		var (
			token string
			ts    time.Time
			usd   string
		)
		if err := rows.Scan(&token, &ts, &usd); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(usd)
		if err != nil {
			return nil, fmt.Errorf("malformed usd rate %q for %s: %w", usd, token, err)
		}
		out = append(out, models.UsdRate{
			TokenAddress: token,
			Timestamp:    ts.UTC(),
			Usd:          value,
		})
	}
	return out, rows.Err()
}
