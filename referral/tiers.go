/*
tiers.go - Tier rate table and reward calculator

PURPOSE:
  The TierTable maps chain position (tier) to a payout rate and bounds the
  chain depth. The calculator is a pure function: same input, same output,
  no side effects - safe to call any number of times for the same job.

JSON SCHEMA:
  {
    "max_depth": 3,
    "round_places": 2,
    "rates": ["0.10", "0.05", "0.025"]
  }

  Rates are strings to avoid float drift in configuration files.

DEFAULTS:
  tier1=0.10, tier2=0.05, tier3=0.025, depth 3, round half-up to 2 places.
  base 100 therefore pays 10.00 / 5.00 / 2.50 up the chain.

SEE ALSO:
  - chain.go: Uses MaxDepth to bound chain walks
  - distributor.go: Calls ComputeReward inside the credit operation
*/
package referral

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIER TABLE - Process-wide, loaded once, immutable thereafter
// =============================================================================

// TierTable maps tier number to payout rate. Rates[i] is the rate for
// tier i+1. len(Rates) == MaxDepth.
type TierTable struct {
	Rates       []decimal.Decimal
	MaxDepth    int
	RoundPlaces int32
}

// DefaultTierTable returns the standard three-tier table:
// 10% / 5% / 2.5%, rounded half-up to 2 decimal places.
func DefaultTierTable() TierTable {
	return TierTable{
		Rates: []decimal.Decimal{
			decimal.NewFromFloat(0.10),
			decimal.NewFromFloat(0.05),
			decimal.NewFromFloat(0.025),
		},
		MaxDepth:    3,
		RoundPlaces: 2,
	}
}

// tierTableJSON is the JSON representation of a tier table.
type tierTableJSON struct {
	MaxDepth    int      `json:"max_depth"`
	RoundPlaces int32    `json:"round_places"`
	Rates       []string `json:"rates"`
}

// ParseTierTable builds a TierTable from its JSON configuration.
// Missing fields fall back to the defaults.
func ParseTierTable(data []byte) (TierTable, error) {
	var cfg tierTableJSON
	if err := json.Unmarshal(data, &cfg); err != nil {
		return TierTable{}, fmt.Errorf("parse tier table: %w", err)
	}

	table := DefaultTierTable()
	if len(cfg.Rates) > 0 {
		rates := make([]decimal.Decimal, 0, len(cfg.Rates))
		for i, s := range cfg.Rates {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return TierTable{}, fmt.Errorf("parse tier table: rate %d: %w", i+1, err)
			}
			if d.IsNegative() {
				return TierTable{}, fmt.Errorf("parse tier table: rate %d is negative", i+1)
			}
			rates = append(rates, d)
		}
		table.Rates = rates
		table.MaxDepth = len(rates)
	}
	if cfg.MaxDepth > 0 {
		if cfg.MaxDepth != len(table.Rates) {
			return TierTable{}, fmt.Errorf("parse tier table: max_depth %d does not match %d rates",
				cfg.MaxDepth, len(table.Rates))
		}
		table.MaxDepth = cfg.MaxDepth
	}
	if cfg.RoundPlaces > 0 {
		table.RoundPlaces = cfg.RoundPlaces
	}
	return table, nil
}

// Rate returns the payout rate for a tier.
func (t TierTable) Rate(tier int) (decimal.Decimal, error) {
	if tier < 1 || tier > t.MaxDepth {
		return decimal.Zero, &InvalidTierError{Tier: tier, MaxDepth: t.MaxDepth}
	}
	return t.Rates[tier-1], nil
}

// =============================================================================
// REWARD CALCULATOR - Pure, deterministic
// =============================================================================

// ComputeReward maps (base amount, tier) to the reward amount:
// round(base * rate[tier], RoundPlaces). Returns InvalidTierError when the
// tier exceeds the configured depth.
func (t TierTable) ComputeReward(base Amount, tier int) (Amount, error) {
	rate, err := t.Rate(tier)
	if err != nil {
		return ZeroAmount(), err
	}
	return base.Mul(rate).Round(t.RoundPlaces), nil
}
