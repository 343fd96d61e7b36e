// Package tradecore is the façade external collaborators (the HTTP/WS
// surface, dashboards, analytics and personality services — all out of
// core scope) are allowed to import. It wires every internal component
// into one running Core and re-exports the minimal surface named in
// spec.md §6.5: Store.Snapshot, the Trade Intent Service's
// Create/GetByID/ListPending, and the Event Bus's On/Emit. On top of that
// it offers SetPrice, RegisterAgent, ResetAgent, and the read-only
// Metrics reporter.
//
// Structured the way the teacher's cmd/bot/main.go wires engine.New: one
// constructor assembling every collaborator in dependency order, one
// Start, one cooperative Stop.
package tradecore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/clock"
	"tradecore/internal/config"
	"tradecore/internal/eventbus"
	"tradecore/internal/execution"
	"tradecore/internal/fee"
	"tradecore/internal/guard"
	"tradecore/internal/intent"
	"tradecore/internal/metrics"
	"tradecore/internal/receipt"
	"tradecore/internal/store"
	"tradecore/internal/worker"
	"tradecore/pkg/types"
)

// priceHistoryLimit bounds the per-symbol ring buffer from spec.md §3
// ("bounded ring buffer of (timestamp, priceUsd) samples").
const priceHistoryLimit = 500

// Core is one running instance of the trading platform's core: state
// store, event bus, risk/guard/fee/receipt engines, the trade intent and
// execution services, and the execution worker that drives them.
type Core struct {
	store   *store.Store
	bus     *eventbus.Bus
	clock   clock.Clock
	intents *intent.Service
	exec    *execution.Service
	worker  *worker.Worker
	metrics *metrics.Reporter
	logger  *slog.Logger
}

// Open builds a Core from cfg. It opens (or creates) the state store at
// cfg.Paths.DataDir/cfg.Paths.StateFile, loads or generates the receipt
// signing key, and wires the Risk Engine, Autonomous Guard, Fee Engine,
// Receipt Engine, Trade Intent Service, Execution Service, and Execution
// Worker together. It does not start the worker — call Start for that.
func Open(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.OpenWithLogger(cfg.Paths.DataDir, cfg.Paths.StateFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	signer, err := ensureSigner(st)
	if err != nil {
		return nil, fmt.Errorf("ensure receipt signer: %w", err)
	}

	bus := eventbus.New(logger)
	clk := clock.NewSystem()

	feePolicy := fee.Policy{
		PlatformFeeBps: cfg.Trading.PlatformFeeBps,
		TakerFeeBps:    cfg.Trading.TakerFeeBps,
	}
	guardPolicy := execution.GuardPolicy{
		MaxDrawdownStopPct:               cfg.Autonomous.MaxDrawdownStopPct,
		CooldownAfterConsecutiveFailures: cfg.Autonomous.CooldownAfterConsecutiveFailures,
		CooldownMs:                       cfg.Autonomous.Cooldown.Milliseconds(),
	}

	intents := intent.New(st, bus, clk, logger)
	exec := execution.New(st, bus, clk, signer, feePolicy, guardPolicy, logger)
	w := worker.New(intents, exec, clk, cfg.Worker.Interval.Milliseconds(), cfg.Worker.MaxBatchSize, logger)

	return &Core{
		store:   st,
		bus:     bus,
		clock:   clk,
		intents: intents,
		exec:    exec,
		worker:  w,
		metrics: metrics.New(st),
		logger:  logger.With("component", "tradecore"),
	}, nil
}

// ensureSigner loads the receipt signer key from state if one was already
// generated, otherwise generates one and persists it. This runs at most
// once per data directory's lifetime.
func ensureSigner(st *store.Store) (*receipt.Signer, error) {
	snap, err := st.Snapshot()
	if err != nil {
		return nil, err
	}
	if snap.ReceiptSignerKeyHex != "" {
		return receipt.NewSigner(snap.ReceiptSignerKeyHex)
	}

	signer, keyHex, err := receipt.GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := st.Transaction(func(s *types.AppState) error {
		s.ReceiptSignerKeyHex = keyHex
		return nil
	}); err != nil {
		return nil, fmt.Errorf("persist receipt signer key: %w", err)
	}
	return signer, nil
}

// Start launches the Execution Worker's background drain loop.
func (c *Core) Start() {
	c.worker.Start()
}

// Shutdown cooperatively stops the worker (letting any in-flight execution
// finish) and flushes the store to disk.
func (c *Core) Shutdown() error {
	c.worker.Stop()
	return c.store.Flush()
}

// Snapshot returns a deep copy of the current application state
// (spec.md §6.5, StateStore.snapshot).
func (c *Core) Snapshot() (*types.AppState, error) {
	return c.store.Snapshot()
}

// CreateIntent creates a new trade intent, or replays a prior result for a
// reused idempotency key with a matching payload (spec.md §6.5,
// TradeIntentService.create).
func (c *Core) CreateIntent(input intent.CreateInput, idempotencyKey string) (intent.CreateResult, error) {
	return c.intents.Create(input, idempotencyKey)
}

// IntentByID looks up one trade intent by id (spec.md §6.5,
// TradeIntentService.getById).
func (c *Core) IntentByID(id string) (*types.TradeIntent, error) {
	return c.intents.GetByID(id)
}

// PendingIntents lists up to limit pending trade intents, oldest first
// (spec.md §6.5, TradeIntentService.listPending).
func (c *Core) PendingIntents(limit int) ([]*types.TradeIntent, error) {
	return c.intents.ListPending(limit)
}

// On subscribes h to events named name, or every event via
// eventbus.Wildcard (spec.md §6.5, EventBus.on).
func (c *Core) On(name string, h eventbus.Handler) eventbus.Unsubscribe {
	return c.bus.On(name, h)
}

// Emit publishes an event with no internal owner (spec.md §6.5,
// EventBus.emit) — most callers want SetPrice instead of emitting
// "price.updated" directly, since SetPrice also updates the snapshot that
// Execute reads prices from.
func (c *Core) Emit(name string, data any) {
	c.bus.Emit(name, data)
}

// Metrics returns the read-only metrics reporter (spec.md §3/§8 counters).
func (c *Core) Metrics() *metrics.Reporter {
	return c.metrics
}

// ResetAgent clears an agent's autonomous halt and cooldown, the
// admin-only escape hatch spec.md §9 describes: a halted agent never
// resumes trading on its own (internal/guard.Evaluate never clears
// Halted), so this is the only way back into service.
func (c *Core) ResetAgent(agentID string) error {
	err := c.store.Transaction(func(s *types.AppState) error {
		state, ok := s.AutonomousState[agentID]
		if !ok {
			state = &types.AutonomousAgentState{}
			s.AutonomousState[agentID] = state
		}
		guard.Reset(state)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset agent: %w", err)
	}
	return nil
}

// SetPrice installs the latest price for symbol, appends it to the
// symbol's bounded price-history ring buffer (spec.md §3, Market
// Snapshot), and emits "price.updated" (spec.md §6.2). This is the only
// way external collaborators feed market data into the core — spec.md §1
// treats price updates as a pure input event, never something the core
// fetches itself.
func (c *Core) SetPrice(symbol string, priceUsd float64) error {
	symbol = strings.ToUpper(symbol)
	now := time.UnixMilli(c.clock.NowMs()).UTC()

	err := c.store.Transaction(func(s *types.AppState) error {
		s.MarketPricesUsd[symbol] = priceUsd
		s.MarketPriceHistoryUsd[symbol] = appendBounded(
			s.MarketPriceHistoryUsd[symbol],
			types.PriceSample{Timestamp: now, PriceUsd: priceUsd},
			priceHistoryLimit,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set price: %w", err)
	}

	c.bus.Emit("price.updated", map[string]any{"symbol": symbol, "priceUsd": priceUsd})
	return nil
}

func appendBounded(buf []types.PriceSample, sample types.PriceSample, limit int) []types.PriceSample {
	buf = append(buf, sample)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

// RegisterAgentInput is the caller-supplied request to onboard a new
// trading agent. Limits is optional; zero-valued fields fall back to the
// Core's configured risk defaults.
type RegisterAgentInput struct {
	Name               string
	StrategyID         string
	StartingCapitalUsd float64 // 0 uses the configured trading default
	Limits             types.RiskLimits
}

// RegisterAgent onboards a new agent with a freshly generated id and api
// key, seeded with starting cash and risk limits. Agent onboarding is not
// a named spec.md component — agents are part of the data model (§3) that
// something upstream of the core must populate — but the core is the only
// place that can safely assign ids/apiKeys under the store's write lock,
// so the facade provides this rather than leaving every external caller
// to hand-roll it.
func (c *Core) RegisterAgent(input RegisterAgentInput, defaults config.TradingConfig, defaultLimits config.RiskConfig) (*types.Agent, error) {
	capital := input.StartingCapitalUsd
	if capital <= 0 {
		capital = defaults.DefaultStartingCapitalUsd
	}
	limits := input.Limits
	if limits == (types.RiskLimits{}) {
		limits = types.RiskLimits{
			MaxPositionSizePct:  defaultLimits.MaxPositionSizePct,
			MaxOrderNotionalUsd: defaultLimits.MaxOrderNotionalUsd,
			MaxGrossExposureUsd: defaultLimits.MaxGrossExposureUsd,
			DailyLossCapUsd:     defaultLimits.DailyLossCapUsd,
			MaxDrawdownPct:      defaultLimits.MaxDrawdownPct,
			CooldownSeconds:     defaultLimits.CooldownSeconds,
		}
	}

	now := time.UnixMilli(c.clock.NowMs()).UTC()
	agent := &types.Agent{
		ID:                     uuid.NewString(),
		Name:                   input.Name,
		APIKey:                 uuid.NewString(),
		CreatedAt:              now,
		UpdatedAt:              now,
		StartingCapitalUsd:     capital,
		CashUsd:                capital,
		PeakEquityUsd:          capital,
		Positions:              make(map[string]*types.Position),
		DailyRealizedPnlUsd:    make(map[string]float64),
		RiskLimits:             limits,
		RiskRejectionsByReason: make(map[string]int64),
		StrategyID:             input.StrategyID,
	}

	if err := c.store.Transaction(func(s *types.AppState) error {
		s.Agents[agent.ID] = agent
		return nil
	}); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return agent, nil
}
