// Package errs defines the closed set of error kinds the core produces
// (spec §7) and the TradeError type that carries them to callers.
//
// Validation failures at intent creation surface a *TradeError to the
// caller (a 4xx-analogue). Risk/guard rejections and execution failures
// never surface as a Go error — they are terminal TradeIntent/Execution
// states plus events, per spec §7's propagation policy; TradeError exists
// only for the caller-visible half of that split.
package errs

import "fmt"

// Kind is one of the closed error kinds named in spec §7.
type Kind string

const (
	AgentNotFound         Kind = "agent_not_found"
	IntentNotFound        Kind = "intent_not_found"
	InvalidOrder          Kind = "invalid_order"
	IdempotencyKeyConflict Kind = "idempotency_key_conflict"

	MaxOrderNotionalExceeded Kind = "max_order_notional_exceeded"
	GrossExposureCapExceeded Kind = "gross_exposure_cap_exceeded"
	DailyLossCapReached      Kind = "daily_loss_cap_reached"
	DrawdownGuardTriggered   Kind = "drawdown_guard_triggered"
	CooldownActive           Kind = "cooldown_active"

	MarketPriceUnavailable Kind = "market_price_unavailable"
	InsufficientPosition   Kind = "insufficient_position"

	AutonomousHalted   Kind = "autonomous_halted"
	AutonomousCooldown Kind = "autonomous_cooldown"

	InternalError Kind = "internal_error"
)

// TradeError is the error kind + human-readable message every mutating
// call either avoids entirely (by succeeding) or returns in place of a
// created entity.
type TradeError struct {
	Kind    Kind
	Message string
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs a TradeError with a formatted message.
func New(kind Kind, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// As reports whether err is a *TradeError of the given kind.
func As(err error, kind Kind) bool {
	te, ok := err.(*TradeError)
	return ok && te.Kind == kind
}
