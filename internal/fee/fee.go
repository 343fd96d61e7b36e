// Package fee computes the fee charged on a single fill.
//
// Fees are computed in shopspring/decimal rather than float64 so a buy
// and a sell of identical size never drift apart due to binary
// floating-point rounding — the same concern the other retrieved trading
// engines in this codebase's lineage (polybot's execution engine, the
// agentic-crypto-browser's trading package) use decimal.Decimal to avoid.
// The result is rounded to 8 fractional digits and converted back to
// float64 at the boundary, matching the rest of the core's monetary
// representation.
package fee

import (
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Policy is the configured fee schedule.
type Policy struct {
	PlatformFeeBps float64
	TakerFeeBps    float64
}

// Compute returns the fee owed on a fill. Paper mode applies only the
// platform component; live mode applies both, stacked additively.
func Compute(grossNotionalUsd float64, side types.Side, mode types.Mode, policy Policy) float64 {
	gross := decimal.NewFromFloat(grossNotionalUsd)
	bps := decimal.NewFromFloat(policy.PlatformFeeBps)
	if mode == types.ModeLive {
		bps = bps.Add(decimal.NewFromFloat(policy.TakerFeeBps))
	}

	fee := gross.Mul(bps).Div(decimal.NewFromInt(10000))
	return fee.Round(8).InexactFloat64()
}
