// Package pricing caches USD rate observations for nearest-timestamp lookup
// during snapshot generation. A cache is built once per batch from the rate
// store and then read concurrently by every campaign worker, so the token
// index is an xsync map while the per-token series stay immutable after
// construction.
package pricing

import (
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"

	"github.com/driftmark/rewards/pkg/db/models"
)

// Cache resolves the USD rate of a token nearest to a requested instant.
type Cache struct {
	byToken *xsync.Map[string, []models.UsdRate]
}

// NewCache indexes rate observations by token. Observations sharing the exact
// same timestamp are collapsed to the higher value, and each series is sorted
// ascending by time; both rules exist so lookups are deterministic no matter
// how the source returned its rows.
func NewCache(rates []models.UsdRate) *Cache {
	grouped := make(map[string]map[int64]models.UsdRate)
	for _, r := range rates {
		token := strings.ToLower(r.TokenAddress)
		series, ok := grouped[token]
		if !ok {
			series = make(map[int64]models.UsdRate)
			grouped[token] = series
		}
		key := r.Timestamp.Unix()
		if existing, ok := series[key]; !ok || r.Usd.GreaterThan(existing.Usd) {
			series[key] = r
		}
	}

	byToken := xsync.NewMap[string, []models.UsdRate]()
	for token, series := range grouped {
		sorted := make([]models.UsdRate, 0, len(series))
		for _, r := range series {
			sorted = append(sorted, r)
		}
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		byToken.Store(token, sorted)
	}

	return &Cache{byToken: byToken}
}

// Rate returns the observation nearest to at. On an exact distance tie the
// later observation wins. The second return is false when the cache holds no
// observations at all for the token; that is the "missing price" condition
// that skips a snapshot rather than erroring.
func (c *Cache) Rate(token string, at time.Time) (decimal.Decimal, bool) {
	series, ok := c.byToken.Load(strings.ToLower(token))
	if !ok || len(series) == 0 {
		return decimal.Zero, false
	}

	// First observation at or after `at`.
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(at)
	})

	if i == 0 {
		return series[0].Usd, true
	}
	if i == len(series) {
		return series[len(series)-1].Usd, true
	}

	before := series[i-1]
	after := series[i]
	distBefore := at.Sub(before.Timestamp)
	distAfter := after.Timestamp.Sub(at)
	if distAfter <= distBefore {
		return after.Usd, true
	}
	return before.Usd, true
}

// Tokens returns how many tokens have at least one observation.
func (c *Cache) Tokens() int {
	return c.byToken.Size()
}
