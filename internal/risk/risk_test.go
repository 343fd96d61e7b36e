package risk

import (
	"testing"
	"time"

	"tradecore/pkg/types"
)

func baseAgent() *types.Agent {
	return &types.Agent{
		ID:                  "a1",
		CashUsd:              10000,
		PeakEquityUsd:        10000,
		Positions:            map[string]*types.Position{},
		DailyRealizedPnlUsd:  map[string]float64{},
		RiskLimits: types.RiskLimits{
			MaxPositionSizePct:  1,
			MaxOrderNotionalUsd: 2000,
			MaxGrossExposureUsd: 5000,
			DailyLossCapUsd:     500,
			MaxDrawdownPct:      0.2,
			CooldownSeconds:     2,
		},
	}
}

func qtyIntent(symbol string, side types.Side, qty float64) *types.TradeIntent {
	return &types.TradeIntent{Symbol: symbol, Side: side, Quantity: &qty}
}

func notionalIntent(symbol string, side types.Side, notional float64) *types.TradeIntent {
	return &types.TradeIntent{Symbol: symbol, Side: side, NotionalUsd: &notional}
}

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEvaluateRejectsMissingQuantityAndNotional(t *testing.T) {
	t.Parallel()
	d := Evaluate(baseAgent(), &types.TradeIntent{Symbol: "SOL", Side: types.Buy}, 100, nil, now)
	if d.Approved || d.Reason != "invalid_order" {
		t.Fatalf("got %+v, want invalid_order", d)
	}
}

func TestEvaluateRejectsNonPositivePrice(t *testing.T) {
	t.Parallel()
	d := Evaluate(baseAgent(), qtyIntent("SOL", types.Buy, 1), 0, nil, now)
	if d.Approved || d.Reason != "invalid_order" {
		t.Fatalf("got %+v, want invalid_order", d)
	}
}

func TestEvaluateApprovesExactlyAtMaxOrderNotional(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 2000), 100, map[string]float64{"SOL": 100}, now)
	if !d.Approved {
		t.Fatalf("exact-limit order should be approved, got %+v", d)
	}
}

func TestEvaluateRejectsOneCentOverMaxOrderNotional(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 2000.01), 100, map[string]float64{"SOL": 100}, now)
	if d.Approved || d.Reason != "max_order_notional_exceeded" {
		t.Fatalf("got %+v, want max_order_notional_exceeded", d)
	}
}

func TestEvaluateRejectsGrossExposureCap(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	agent.Positions["ETH"] = &types.Position{Symbol: "ETH", Quantity: 10, AvgEntryPriceUsd: 400}
	prices := map[string]float64{"ETH": 400, "SOL": 100}
	// existing exposure 4000, + 1500 new = 5500 > 5000
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 1500), 100, prices, now)
	if d.Approved || d.Reason != "gross_exposure_cap_exceeded" {
		t.Fatalf("got %+v, want gross_exposure_cap_exceeded", d)
	}
}

func TestEvaluateRejectsDailyLossCapReached(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	agent.DailyRealizedPnlUsd[dayKey(now)] = -500
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 100), 100, map[string]float64{"SOL": 100}, now)
	if d.Approved || d.Reason != "daily_loss_cap_reached" {
		t.Fatalf("got %+v, want daily_loss_cap_reached", d)
	}
}

func TestEvaluateDrawdownExactlyAtLimitApproves(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	agent.PeakEquityUsd = 10000
	agent.CashUsd = 8000 // drawdown = (10000-8000)/10000 = 0.2, equal to limit
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 100), 100, map[string]float64{"SOL": 100}, now)
	if !d.Approved {
		t.Fatalf("drawdown exactly at limit should approve, got %+v", d)
	}
}

func TestEvaluateDrawdownOverLimitRejects(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	agent.PeakEquityUsd = 10000
	agent.CashUsd = 7999.99
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 100), 100, map[string]float64{"SOL": 100}, now)
	if d.Approved || d.Reason != "drawdown_guard_triggered" {
		t.Fatalf("got %+v, want drawdown_guard_triggered", d)
	}
}

func TestEvaluateCooldownBoundaryApprovesAtExactElapsed(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	last := now.Add(-2 * time.Second)
	agent.LastTradeAt = &last
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 100), 100, map[string]float64{"SOL": 100}, now)
	if !d.Approved {
		t.Fatalf("cooldown boundary should approve, got %+v", d)
	}
}

func TestEvaluateCooldownActiveRejectsBeforeElapsed(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	last := now.Add(-1 * time.Second)
	agent.LastTradeAt = &last
	d := Evaluate(agent, notionalIntent("SOL", types.Buy, 100), 100, map[string]float64{"SOL": 100}, now)
	if d.Approved || d.Reason != "cooldown_active" {
		t.Fatalf("got %+v, want cooldown_active", d)
	}
}

func TestEvaluateApprovalComputesNotionalFromQuantity(t *testing.T) {
	t.Parallel()
	agent := baseAgent()
	d := Evaluate(agent, qtyIntent("SOL", types.Buy, 2), 100, map[string]float64{"SOL": 100}, now)
	if !d.Approved {
		t.Fatalf("expected approval, got %+v", d)
	}
	if d.ComputedNotionalUsd != 200 {
		t.Errorf("ComputedNotionalUsd = %v, want 200", d.ComputedNotionalUsd)
	}
	if d.ComputedQuantity != 2 {
		t.Errorf("ComputedQuantity = %v, want 2", d.ComputedQuantity)
	}
}
