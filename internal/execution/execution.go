// Package execution is the Execution Service: turns one pending
// TradeIntent into a filled or failed ExecutionRecord, updating the
// agent's cash, position, and realized P&L along the way.
//
// The average-entry-price and realized-P&L arithmetic is adapted from the
// teacher's strategy.Inventory.applyYesFill/applyNoFill, generalized from
// a fixed two-token (YES/NO) binary market to an arbitrary multi-symbol
// position map, and from an in-memory-only tracker to one whose every
// mutation flows through store.Transaction.
package execution

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/clock"
	"tradecore/internal/errs"
	"tradecore/internal/eventbus"
	"tradecore/internal/fee"
	"tradecore/internal/guard"
	"tradecore/internal/receipt"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

// GuardPolicy carries the Autonomous Guard's tunables (spec §4.6),
// shared by every agent the core hosts.
type GuardPolicy struct {
	MaxDrawdownStopPct               float64
	CooldownAfterConsecutiveFailures int
	CooldownMs                       int64
}

// Service executes pending trade intents.
type Service struct {
	store     *store.Store
	bus       *eventbus.Bus
	clock     clock.Clock
	signer    *receipt.Signer
	feePolicy fee.Policy
	guardCfg  GuardPolicy
	logger    *slog.Logger
}

// New creates an Execution Service.
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock, signer *receipt.Signer, feePolicy fee.Policy, guardCfg GuardPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: bus, clock: clk, signer: signer, feePolicy: feePolicy, guardCfg: guardCfg, logger: logger.With("component", "execution")}
}

// Execute runs the full decision-and-fill pipeline for one pending
// intent and returns the resulting ExecutionRecord. Rejections and
// guard/risk denials are not Go errors: they are terminal intent states,
// recorded in the store and returned as nil, nil.
func (s *Service) Execute(intentID string) (*types.ExecutionRecord, error) {
	var record *types.ExecutionRecord
	var emitEvent map[string]any
	var eventName string

	txErr := s.store.Transaction(func(st *types.AppState) error {
		intent, ok := st.TradeIntents[intentID]
		if !ok {
			return errs.New(errs.IntentNotFound, "trade intent %q not found", intentID)
		}
		if intent.Status != types.IntentPending {
			return errs.New(errs.InvalidOrder, "trade intent %q is not pending (status=%s)", intentID, intent.Status)
		}

		now := time.UnixMilli(s.clock.NowMs()).UTC()

		agent, ok := st.Agents[intent.AgentID]
		if !ok {
			return s.terminalFailure(st, intent, now, "agent_not_found")
		}
		autoState := autonomousStateFor(st, agent.ID)

		priceUsd, ok := st.MarketPricesUsd[intent.Symbol]
		if !ok {
			guard.RecordFailure(autoState)
			return s.terminalFailure(st, intent, now, "market_price_unavailable")
		}

		equity := agent.Equity(func(sym string) float64 { return st.MarketPricesUsd[sym] })
		drawdownPct := 0.0
		if agent.PeakEquityUsd > 0 {
			drawdownPct = (agent.PeakEquityUsd - equity) / agent.PeakEquityUsd
		}

		guardDecision := guard.Evaluate(autoState, s.clock.NowMs(), drawdownPct,
			s.guardCfg.MaxDrawdownStopPct, s.guardCfg.CooldownAfterConsecutiveFailures, s.guardCfg.CooldownMs)
		if !guardDecision.Allowed {
			s.rejectIntent(st, agent, intent, now, guardDecision.Reason)
			eventName, emitEvent = "intent.rejected", rejectEventPayload(intent, guardDecision.Reason)
			return nil
		}

		riskDecision := risk.Evaluate(agent, intent, priceUsd, st.MarketPricesUsd, now)
		if !riskDecision.Approved {
			s.rejectIntent(st, agent, intent, now, riskDecision.Reason)
			guard.RecordFailure(autoState)
			eventName, emitEvent = "intent.rejected", rejectEventPayload(intent, riskDecision.Reason)
			return nil
		}

		exec, err := s.fill(st, agent, intent, priceUsd, riskDecision, now)
		if err != nil {
			guard.RecordFailure(autoState)
			if tradeErr, ok := err.(*errs.TradeError); ok && tradeErr.Kind == errs.InsufficientPosition {
				return s.terminalFailure(st, intent, now, string(errs.InsufficientPosition))
			}
			s.logger.Error("fill failed, marking intent failed", "intentId", intent.ID, "error", err)
			return s.terminalFailure(st, intent, now, "internal_error")
		}

		guard.RecordSuccess(autoState)
		record = exec
		eventName = "intent.executed"
		emitEvent = map[string]any{
			"executionId":      exec.ID,
			"intentId":         exec.IntentID,
			"agentId":          exec.AgentID,
			"symbol":           exec.Symbol,
			"side":             exec.Side,
			"quantity":         exec.Quantity,
			"priceUsd":         exec.PriceUsd,
			"grossNotionalUsd": exec.GrossNotionalUsd,
			"feeUsd":           exec.FeeUsd,
			"netUsd":           exec.NetUsd,
			"realizedPnlUsd":   exec.RealizedPnlUsd,
			"mode":             exec.Mode,
		}
		return nil
	})

	if txErr != nil {
		s.logger.Error("execution failed", "intentId", intentID, "error", txErr)
		return nil, txErr
	}
	if emitEvent != nil {
		s.bus.Emit(eventName, emitEvent)
	}
	return record, nil
}

// terminalFailure marks the intent failed without a fill (missing agent,
// missing price, oversell, internal error). It does not itself touch the
// position ledger.
func (s *Service) terminalFailure(st *types.AppState, intent *types.TradeIntent, now time.Time, reason string) error {
	intent.Status = types.IntentFailed
	intent.StatusReason = reason
	intent.UpdatedAt = now
	st.Metrics.IntentsFailed++
	return nil
}

func (s *Service) rejectIntent(st *types.AppState, agent *types.Agent, intent *types.TradeIntent, now time.Time, reason string) {
	intent.Status = types.IntentRejected
	intent.StatusReason = reason
	intent.UpdatedAt = now
	st.Metrics.IntentsRejected++
	st.Metrics.RejectReasonsGlobal[reason]++
	if st.Metrics.RejectReasonsByAgent[agent.ID] == nil {
		st.Metrics.RejectReasonsByAgent[agent.ID] = make(map[string]int64)
	}
	st.Metrics.RejectReasonsByAgent[agent.ID][reason]++
	agent.RiskRejectionsByReason[reason]++
}

func rejectEventPayload(intent *types.TradeIntent, reason string) map[string]any {
	return map[string]any{
		"intentId": intent.ID,
		"agentId":  intent.AgentID,
		"reason":   reason,
	}
}

// fill computes the trade's economics, updates the agent's position and
// cash, appends the ExecutionRecord, and stamps a chained receipt.
func (s *Service) fill(st *types.AppState, agent *types.Agent, intent *types.TradeIntent, priceUsd float64, decision risk.Decision, now time.Time) (*types.ExecutionRecord, error) {
	quantity := decision.ComputedQuantity
	grossNotional := decision.ComputedNotionalUsd
	feeUsd := fee.Compute(grossNotional, intent.Side, intent.RequestedMode, s.feePolicy)

	var netUsd, realizedPnl float64
	var err error
	switch intent.Side {
	case types.Buy:
		netUsd = -(grossNotional + feeUsd)
		applyBuy(agent, intent.Symbol, quantity, priceUsd)
		agent.CashUsd += netUsd
	default:
		realizedPnl, err = applySell(agent, intent.Symbol, quantity, priceUsd, feeUsd)
		if err != nil {
			return nil, err
		}
		netUsd = grossNotional - feeUsd
		agent.CashUsd += netUsd
	}

	todayKey := clock.DayKey(now)
	agent.RealizedPnlUsd += realizedPnl
	agent.DailyRealizedPnlUsd[todayKey] += realizedPnl
	newEquity := agent.Equity(func(sym string) float64 { return st.MarketPricesUsd[sym] })
	if newEquity > agent.PeakEquityUsd {
		agent.PeakEquityUsd = newEquity
	}
	agent.LastTradeAt = &now
	agent.UpdatedAt = now

	st.Treasury.TotalFeesCollectedUsd += feeUsd

	exec := &types.ExecutionRecord{
		ID:               uuid.NewString(),
		IntentID:         intent.ID,
		AgentID:          agent.ID,
		Symbol:           intent.Symbol,
		Side:             intent.Side,
		Quantity:         quantity,
		PriceUsd:         priceUsd,
		GrossNotionalUsd: grossNotional,
		FeeUsd:           feeUsd,
		NetUsd:           netUsd,
		RealizedPnlUsd:   realizedPnl,
		PnlSnapshotUsd:   agent.RealizedPnlUsd,
		Mode:             intent.RequestedMode,
		Status:           types.ExecFilled,
		CreatedAt:        now,
	}
	st.Executions[exec.ID] = exec

	intent.Status = types.IntentExecuted
	intent.UpdatedAt = now
	st.Metrics.IntentsExecuted++

	prevHash := st.LatestReceiptHash[agent.ID]
	r, err := s.signer.CreateReceipt(exec, prevHash)
	if err != nil {
		return nil, errs.New(errs.InternalError, "create receipt: %v", err)
	}
	st.Receipts[exec.ID] = r
	st.LatestReceiptHash[agent.ID] = r.ReceiptHash

	return exec, nil
}

// applyBuy grows (or opens) a position, folding the fill into the
// weighted average entry price.
func applyBuy(agent *types.Agent, symbol string, quantity, priceUsd float64) {
	pos, ok := agent.Positions[symbol]
	if !ok {
		agent.Positions[symbol] = &types.Position{Symbol: symbol, Quantity: quantity, AvgEntryPriceUsd: priceUsd}
		return
	}
	totalCost := pos.AvgEntryPriceUsd*pos.Quantity + priceUsd*quantity
	pos.Quantity += quantity
	if pos.Quantity > 0 {
		pos.AvgEntryPriceUsd = totalCost / pos.Quantity
	}
}

// applySell reduces a position and realizes P&L on the portion sold,
// attributing the full fee to the sell leg. Selling more than held is an
// InsufficientPosition error; the position is removed entirely once it
// reaches zero.
func applySell(agent *types.Agent, symbol string, quantity, priceUsd, feeUsd float64) (float64, error) {
	pos, ok := agent.Positions[symbol]
	if !ok || pos.Quantity < quantity {
		return 0, errs.New(errs.InsufficientPosition, "cannot sell %v %s: position not held or insufficient", quantity, symbol)
	}

	realizedPnl := quantity*(priceUsd-pos.AvgEntryPriceUsd) - feeUsd
	pos.Quantity -= quantity
	if pos.Quantity <= 0 {
		delete(agent.Positions, symbol)
	}
	return realizedPnl, nil
}

func autonomousStateFor(st *types.AppState, agentID string) *types.AutonomousAgentState {
	state, ok := st.AutonomousState[agentID]
	if !ok {
		state = &types.AutonomousAgentState{}
		st.AutonomousState[agentID] = state
	}
	return state
}
