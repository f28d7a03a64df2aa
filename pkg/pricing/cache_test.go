package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftmark/rewards/pkg/db/models"
)

func rate(token string, at time.Time, usd string) models.UsdRate {
	return models.UsdRate{
		TokenAddress: token,
		Timestamp:    at,
		Usd:          decimal.RequireFromString(usd),
	}
}

func TestNearestLookup(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache([]models.UsdRate{
		rate("0xAAA", base, "100"),
		rate("0xaaa", base.Add(10*time.Minute), "110"),
		rate("0xaaa", base.Add(30*time.Minute), "120"),
	})

	tests := []struct {
		name     string
		at       time.Time
		expected string
	}{
		{"exact hit", base.Add(10 * time.Minute), "110"},
		{"closer to earlier", base.Add(13 * time.Minute), "110"},
		{"closer to later", base.Add(28 * time.Minute), "120"},
		{"before first", base.Add(-time.Hour), "100"},
		{"after last", base.Add(2 * time.Hour), "120"},
		{"equidistant prefers later", base.Add(20 * time.Minute), "120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Rate("0xAaA", tt.at)
			require.True(t, ok)
			assert.Equal(t, tt.expected, got.String())
		})
	}
}

func TestDuplicateTimestampKeepsHigherValue(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache([]models.UsdRate{
		rate("0xaaa", at, "99"),
		rate("0xaaa", at, "101"),
		rate("0xaaa", at, "100"),
	})

	got, ok := c.Rate("0xaaa", at)
	require.True(t, ok)
	assert.Equal(t, "101", got.String())
}

func TestMissingToken(t *testing.T) {
	c := NewCache(nil)
	_, ok := c.Rate("0xbbb", time.Now())
	assert.False(t, ok)
	assert.Zero(t, c.Tokens())
}
