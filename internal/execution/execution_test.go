package execution

import (
	"testing"
	"time"

	"tradecore/internal/clock"
	"tradecore/internal/eventbus"
	"tradecore/internal/fee"
	"tradecore/internal/receipt"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

func qty(v float64) *float64      { return &v }
func notional(v float64) *float64 { return &v }

func almostEqual(a, b float64) bool {
	const eps = 1e-6
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}

type harness struct {
	svc    *Service
	store  *store.Store
	clk    *clock.Virtual
	bus    *eventbus.Bus
	events []string
}

func newHarness(t *testing.T, guardCfg GuardPolicy) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir(), "state.json")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	clk := clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New(nil)
	signer, _, err := receipt.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	feePolicy := fee.Policy{PlatformFeeBps: 8, TakerFeeBps: 2}

	h := &harness{store: st, clk: clk, bus: bus}
	bus.On(eventbus.Wildcard, func(name string, data any) {
		h.events = append(h.events, name)
	})
	h.svc = New(st, bus, clk, signer, feePolicy, guardCfg, nil)
	return h
}

func (h *harness) seedAgent(t *testing.T, agent *types.Agent) {
	t.Helper()
	if err := h.store.Transaction(func(st *types.AppState) error {
		st.Agents[agent.ID] = agent
		return nil
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func (h *harness) setPrice(t *testing.T, symbol string, price float64) {
	t.Helper()
	if err := h.store.Transaction(func(st *types.AppState) error {
		st.MarketPricesUsd[symbol] = price
		return nil
	}); err != nil {
		t.Fatalf("set price: %v", err)
	}
}

func (h *harness) seedIntent(t *testing.T, in *types.TradeIntent) {
	t.Helper()
	if err := h.store.Transaction(func(st *types.AppState) error {
		st.TradeIntents[in.ID] = in
		return nil
	}); err != nil {
		t.Fatalf("seed intent: %v", err)
	}
}

func baseAgent(id string) *types.Agent {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.Agent{
		ID:                     id,
		Name:                   id,
		CreatedAt:              now,
		UpdatedAt:              now,
		StartingCapitalUsd:     10000,
		CashUsd:                10000,
		PeakEquityUsd:          10000,
		Positions:              make(map[string]*types.Position),
		DailyRealizedPnlUsd:    make(map[string]float64),
		RiskRejectionsByReason: make(map[string]int64),
		RiskLimits: types.RiskLimits{
			MaxPositionSizePct:  1,
			MaxOrderNotionalUsd: 2000,
			MaxGrossExposureUsd: 50000,
			DailyLossCapUsd:     100000,
			MaxDrawdownPct:      0.9,
			CooldownSeconds:     0,
		},
	}
}

func generousGuardPolicy() GuardPolicy {
	return GuardPolicy{MaxDrawdownStopPct: 0.9, CooldownAfterConsecutiveFailures: 1000, CooldownMs: 60000}
}

func pendingIntent(id, agentID, symbol string, side types.Side, q, n *float64) *types.TradeIntent {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.TradeIntent{
		ID:            id,
		AgentID:       agentID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      q,
		NotionalUsd:   n,
		RequestedMode: types.ModePaper,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        types.IntentPending,
	}
}

func TestExecuteScenarioAPaperBuyThenSell(t *testing.T) {
	t.Parallel()
	h := newHarness(t, generousGuardPolicy())
	h.seedAgent(t, baseAgent("agent1"))
	h.setPrice(t, "SOL", 100)
	h.seedIntent(t, pendingIntent("intent-buy", "agent1", "SOL", types.Buy, nil, notional(100)))

	exec1, err := h.svc.Execute("intent-buy")
	if err != nil {
		t.Fatalf("Execute buy: %v", err)
	}
	if exec1 == nil {
		t.Fatal("exec1 is nil, want a filled execution")
	}
	if !almostEqual(exec1.FeeUsd, 0.08) {
		t.Errorf("buy feeUsd = %v, want 0.08", exec1.FeeUsd)
	}
	if !almostEqual(exec1.NetUsd, -100.08) {
		t.Errorf("buy netUsd = %v, want -100.08", exec1.NetUsd)
	}

	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	agent := snap.Agents["agent1"]
	if !almostEqual(agent.CashUsd, 9899.92) {
		t.Errorf("cash after buy = %v, want 9899.92", agent.CashUsd)
	}
	pos := agent.Positions["SOL"]
	if pos == nil || !almostEqual(pos.Quantity, 1) || !almostEqual(pos.AvgEntryPriceUsd, 100) {
		t.Fatalf("position after buy = %+v, want {qty:1 avg:100}", pos)
	}

	h.setPrice(t, "SOL", 110)
	h.seedIntent(t, pendingIntent("intent-sell", "agent1", "SOL", types.Sell, qty(1), nil))

	exec2, err := h.svc.Execute("intent-sell")
	if err != nil {
		t.Fatalf("Execute sell: %v", err)
	}
	if exec2 == nil {
		t.Fatal("exec2 is nil, want a filled execution")
	}
	if !almostEqual(exec2.FeeUsd, 0.088) {
		t.Errorf("sell feeUsd = %v, want 0.088", exec2.FeeUsd)
	}
	if !almostEqual(exec2.RealizedPnlUsd, 9.912) {
		t.Errorf("sell realizedPnlUsd = %v, want 9.912", exec2.RealizedPnlUsd)
	}

	snap, err = h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	agent = snap.Agents["agent1"]
	if !almostEqual(agent.CashUsd, 10009.832) {
		t.Errorf("cash after sell = %v, want 10009.832", agent.CashUsd)
	}
	if _, held := agent.Positions["SOL"]; held {
		t.Error("position still present after full sell, want removed")
	}

	r1 := snap.Receipts[exec1.ID]
	r2 := snap.Receipts[exec2.ID]
	if r1 == nil || r2 == nil {
		t.Fatal("missing receipts for one or both executions")
	}
	if r1.PrevReceiptHash != "" {
		t.Errorf("r1.PrevReceiptHash = %q, want empty (genesis)", r1.PrevReceiptHash)
	}
	if r2.PrevReceiptHash != r1.ReceiptHash {
		t.Errorf("r2.PrevReceiptHash = %q, want %q", r2.PrevReceiptHash, r1.ReceiptHash)
	}

	wantEvents := []string{"intent.executed", "intent.executed"}
	if len(h.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", h.events, wantEvents)
	}
}

func TestExecuteScenarioBRejectsOverMaxOrderNotional(t *testing.T) {
	t.Parallel()
	h := newHarness(t, generousGuardPolicy())
	agent := baseAgent("agent2")
	agent.RiskLimits.MaxOrderNotionalUsd = 2000
	h.seedAgent(t, agent)
	h.setPrice(t, "SOL", 100)
	h.seedIntent(t, pendingIntent("intent-over", "agent2", "SOL", types.Buy, nil, notional(2001)))

	exec, err := h.svc.Execute("intent-over")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec != nil {
		t.Fatalf("exec = %+v, want nil for a rejected intent", exec)
	}

	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	intent := snap.TradeIntents["intent-over"]
	if intent.Status != types.IntentRejected {
		t.Errorf("Status = %q, want rejected", intent.Status)
	}
	if intent.StatusReason != "max_order_notional_exceeded" {
		t.Errorf("StatusReason = %q, want max_order_notional_exceeded", intent.StatusReason)
	}
	if snap.Metrics.IntentsRejected != 1 {
		t.Errorf("IntentsRejected = %d, want 1", snap.Metrics.IntentsRejected)
	}
	if snap.Metrics.RejectReasonsGlobal["max_order_notional_exceeded"] != 1 {
		t.Errorf("RejectReasonsGlobal[...] = %d, want 1", snap.Metrics.RejectReasonsGlobal["max_order_notional_exceeded"])
	}
	if snap.Metrics.RejectReasonsByAgent["agent2"]["max_order_notional_exceeded"] != 1 {
		t.Error("RejectReasonsByAgent[agent2][...] not incremented")
	}
	resultAgent := snap.Agents["agent2"]
	if resultAgent.RiskRejectionsByReason["max_order_notional_exceeded"] != 1 {
		t.Error("agent.RiskRejectionsByReason[...] not incremented")
	}
	if len(resultAgent.Positions) != 0 {
		t.Errorf("Positions = %+v, want empty (no mutation on reject)", resultAgent.Positions)
	}
	if !almostEqual(resultAgent.CashUsd, 10000) {
		t.Errorf("CashUsd = %v, want unchanged 10000", resultAgent.CashUsd)
	}

	if len(h.events) != 1 || h.events[0] != "intent.rejected" {
		t.Fatalf("events = %v, want exactly one intent.rejected", h.events)
	}
}

func TestExecuteOversellFailsAsInsufficientPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, generousGuardPolicy())
	h.seedAgent(t, baseAgent("agent3"))
	h.setPrice(t, "SOL", 100)
	h.seedIntent(t, pendingIntent("intent-oversell", "agent3", "SOL", types.Sell, qty(1), nil))

	exec, err := h.svc.Execute("intent-oversell")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec != nil {
		t.Fatalf("exec = %+v, want nil for a failed intent", exec)
	}

	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	intent := snap.TradeIntents["intent-oversell"]
	if intent.Status != types.IntentFailed {
		t.Errorf("Status = %q, want failed", intent.Status)
	}
	if intent.StatusReason != "insufficient_position" {
		t.Errorf("StatusReason = %q, want insufficient_position", intent.StatusReason)
	}
	if snap.Metrics.IntentsFailed != 1 {
		t.Errorf("IntentsFailed = %d, want 1", snap.Metrics.IntentsFailed)
	}
	if len(snap.Executions) != 0 {
		t.Errorf("Executions = %+v, want none recorded for a failed intent", snap.Executions)
	}
}

func TestExecuteConsecutiveFailuresTriggerAutonomousCooldown(t *testing.T) {
	t.Parallel()
	guardCfg := GuardPolicy{MaxDrawdownStopPct: 0.9, CooldownAfterConsecutiveFailures: 2, CooldownMs: 60000}
	h := newHarness(t, guardCfg)
	h.seedAgent(t, baseAgent("agent5"))
	h.setPrice(t, "SOL", 100)

	h.seedIntent(t, pendingIntent("fail-1", "agent5", "SOL", types.Sell, qty(1), nil))
	if exec, err := h.svc.Execute("fail-1"); err != nil || exec != nil {
		t.Fatalf("Execute fail-1: exec=%+v err=%v, want nil exec, nil err", exec, err)
	}
	h.seedIntent(t, pendingIntent("fail-2", "agent5", "SOL", types.Sell, qty(1), nil))
	if exec, err := h.svc.Execute("fail-2"); err != nil || exec != nil {
		t.Fatalf("Execute fail-2: exec=%+v err=%v, want nil exec, nil err", exec, err)
	}

	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.AutonomousState["agent5"].ConsecutiveFailures != 2 {
		t.Fatalf("ConsecutiveFailures = %d, want 2 after two terminal failures", snap.AutonomousState["agent5"].ConsecutiveFailures)
	}

	h.seedIntent(t, pendingIntent("would-succeed", "agent5", "SOL", types.Buy, qty(1), nil))
	exec, err := h.svc.Execute("would-succeed")
	if err != nil {
		t.Fatalf("Execute would-succeed: %v", err)
	}
	if exec != nil {
		t.Fatalf("exec = %+v, want nil: the third call should trip the cooldown instead of filling", exec)
	}

	snap, err = h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	intent := snap.TradeIntents["would-succeed"]
	if intent.Status != types.IntentRejected {
		t.Errorf("Status = %q, want rejected", intent.Status)
	}
	if intent.StatusReason != "autonomous_cooldown" {
		t.Errorf("StatusReason = %q, want autonomous_cooldown", intent.StatusReason)
	}
	if snap.AutonomousState["agent5"].ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want reset to 0 once the cooldown engages", snap.AutonomousState["agent5"].ConsecutiveFailures)
	}
	if snap.AutonomousState["agent5"].CooldownUntilMs <= h.clk.NowMs() {
		t.Errorf("CooldownUntilMs = %d, want in the future of %d", snap.AutonomousState["agent5"].CooldownUntilMs, h.clk.NowMs())
	}
}

func TestExecuteEveryExecutedIntentHasExactlyOneExecutionRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, generousGuardPolicy())
	h.seedAgent(t, baseAgent("agent4"))
	h.setPrice(t, "SOL", 100)
	h.seedIntent(t, pendingIntent("intent-ok", "agent4", "SOL", types.Buy, qty(1), nil))

	exec, err := h.svc.Execute("intent-ok")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	snap, err := h.store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	count := 0
	for _, e := range snap.Executions {
		if e.IntentID == "intent-ok" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("executions linked to intent-ok = %d, want exactly 1", count)
	}
	if snap.TradeIntents["intent-ok"].Status != types.IntentExecuted {
		t.Errorf("Status = %q, want executed", snap.TradeIntents["intent-ok"].Status)
	}
	if exec == nil || snap.Executions[exec.ID] == nil {
		t.Fatal("returned execution not present in the store")
	}
}
