package reward

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Weights is the per-deployment token weighting table. Tables are built once
// at startup and never mutated afterwards; campaign workers read them
// concurrently.
type Weights struct {
	byToken map[string]decimal.Decimal
	def     decimal.Decimal
}

// NewWeights builds a table from explicit entries. Token addresses are
// case-insensitive. A zero weight excludes a token side from rewards
// entirely; unlisted tokens get the default weight.
func NewWeights(def decimal.Decimal, byToken map[string]decimal.Decimal) Weights {
	normalized := make(map[string]decimal.Decimal, len(byToken))
	for token, w := range byToken {
		normalized[strings.ToLower(token)] = w
	}
	return Weights{byToken: normalized, def: def}
}

// DefaultWeights weighs every token equally at 1.
func DefaultWeights() Weights {
	return NewWeights(decimal.NewFromInt(1), nil)
}

// For returns the weight of a token.
func (w Weights) For(token string) decimal.Decimal {
	if v, ok := w.byToken[strings.ToLower(token)]; ok {
		return v
	}
	return w.def
}

// WeightTable maps deployment keys to their weighting tables.
type WeightTable map[string]Weights

// For returns the deployment's table, or the equal-weight default for
// deployments with no explicit configuration.
func (t WeightTable) For(deployment string) Weights {
	if w, ok := t[deployment]; ok {
		return w
	}
	return DefaultWeights()
}

// weightTableConfig is the wire form of the table:
//
//	{"ethereum": {"default": "1", "tokens": {"0xabc...": "2", "0xdef...": "0"}}}
type weightTableConfig map[string]struct {
	Default string            `json:"default"`
	Tokens  map[string]string `json:"tokens"`
}

// ParseWeightTable decodes the JSON weighting configuration.
func ParseWeightTable(raw string) (WeightTable, error) {
	if raw == "" {
		return WeightTable{}, nil
	}

	var cfg weightTableConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse token weights: %w", err)
	}

	table := make(WeightTable, len(cfg))
	for deployment, entry := range cfg {
		def := decimal.NewFromInt(1)
		if entry.Default != "" {
			d, err := decimal.NewFromString(entry.Default)
			if err != nil {
				return nil, fmt.Errorf("parse default weight for %s: %w", deployment, err)
			}
			def = d
		}

		byToken := make(map[string]decimal.Decimal, len(entry.Tokens))
		for token, s := range entry.Tokens {
			w, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("parse weight for %s token %s: %w", deployment, token, err)
			}
			if w.IsNegative() {
				return nil, fmt.Errorf("negative weight for %s token %s", deployment, token)
			}
			byToken[token] = w
		}
		table[deployment] = NewWeights(def, byToken)
	}
	return table, nil
}
