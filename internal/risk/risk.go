// Package risk is the pure, deterministic risk evaluator every trade
// intent passes through before it is allowed to fill.
//
// Evaluate has no side effects and performs no I/O: it is a function of
// its arguments alone, so the same (agent, intent, price, time) always
// produces the same decision. This is a deliberate split from the
// teacher's risk.Manager, which combined order-level limit checks with a
// stateful, channel-driven kill switch; here the kill switch lives
// separately in the guard package, and this package keeps only the
// ordered, named-reason limit checks, generalized from a two-asset
// (YES/NO) exposure model to an arbitrary multi-symbol one.
package risk

import (
	"time"

	"tradecore/pkg/types"
)

// Decision is the outcome of evaluating a trade intent against an
// agent's risk limits.
type Decision struct {
	Approved            bool
	Reason              string
	ComputedNotionalUsd float64
	ComputedQuantity    float64
}

func deny(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// Evaluate runs the ordered risk checks from the rules doc: notional
// derivation, max order notional, projected gross exposure, daily loss
// cap, drawdown guard, and cooldown. The first rule that denies wins.
//
// allPricesUsd must contain a price for every symbol in agent.Positions
// plus intent.Symbol; a missing price is treated as 0 for that symbol's
// contribution to gross exposure (the Execution Service guarantees the
// traded symbol's price is present before calling Evaluate).
func Evaluate(agent *types.Agent, intent *types.TradeIntent, priceUsd float64, allPricesUsd map[string]float64, now time.Time) Decision {
	notional, quantity, ok := deriveNotional(intent, priceUsd)
	if !ok {
		return deny("invalid_order")
	}

	if notional > agent.RiskLimits.MaxOrderNotionalUsd {
		return deny("max_order_notional_exceeded")
	}

	projectedExposure := projectedGrossExposure(agent, intent, notional, allPricesUsd)
	if projectedExposure > agent.RiskLimits.MaxGrossExposureUsd {
		return deny("gross_exposure_cap_exceeded")
	}

	todayKey := dayKey(now)
	if agent.DailyRealizedPnlUsd[todayKey] <= -agent.RiskLimits.DailyLossCapUsd {
		return deny("daily_loss_cap_reached")
	}

	equity := agent.Equity(func(symbol string) float64 { return allPricesUsd[symbol] })
	if agent.PeakEquityUsd > 0 {
		drawdown := (agent.PeakEquityUsd - equity) / agent.PeakEquityUsd
		if drawdown > agent.RiskLimits.MaxDrawdownPct {
			return deny("drawdown_guard_triggered")
		}
	}

	if agent.LastTradeAt != nil {
		elapsed := now.Sub(*agent.LastTradeAt)
		if elapsed < time.Duration(agent.RiskLimits.CooldownSeconds)*time.Second {
			return deny("cooldown_active")
		}
	}

	return Decision{Approved: true, Reason: "", ComputedNotionalUsd: notional, ComputedQuantity: quantity}
}

// deriveNotional computes (notional, quantity) from whichever of
// intent.Quantity / intent.NotionalUsd was provided. Returns ok=false if
// neither was set or price is non-positive.
func deriveNotional(intent *types.TradeIntent, priceUsd float64) (notional, quantity float64, ok bool) {
	if priceUsd <= 0 {
		return 0, 0, false
	}
	switch {
	case intent.Quantity != nil:
		q := *intent.Quantity
		return q * priceUsd, q, true
	case intent.NotionalUsd != nil:
		n := *intent.NotionalUsd
		return n, n / priceUsd, true
	default:
		return 0, 0, false
	}
}

// projectedGrossExposure sums abs(position value) across every symbol the
// agent holds, adjusting intent.Symbol's contribution by notional in the
// direction of the trade before summing.
func projectedGrossExposure(agent *types.Agent, intent *types.TradeIntent, notional float64, allPricesUsd map[string]float64) float64 {
	var exposure float64
	touchedSymbol := false

	for symbol, pos := range agent.Positions {
		value := absFloat(pos.Quantity) * allPricesUsd[symbol]
		if symbol == intent.Symbol {
			touchedSymbol = true
			value = projectedSymbolExposure(pos.Quantity, allPricesUsd[symbol], intent.Side, notional)
		}
		exposure += value
	}

	if !touchedSymbol {
		exposure += notional
	}

	return exposure
}

func projectedSymbolExposure(currentQty, priceUsd float64, side types.Side, notional float64) float64 {
	currentValue := currentQty * priceUsd
	switch side {
	case types.Buy:
		return absFloat(currentValue + notional)
	default:
		return absFloat(currentValue - notional)
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
