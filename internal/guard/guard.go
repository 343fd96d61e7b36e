// Package guard implements the Autonomous Guard: a per-agent kill switch
// and cooldown driven by drawdown and consecutive-failure streaks.
//
// Unlike the pure risk package, Guard is stateful — it owns the mutation
// of types.AutonomousAgentState across calls. It is adapted from the
// teacher's risk.Manager kill-switch fields (killSwitchActive,
// killSwitchUntil, cooldown-after-kill) and CooldownAfterKill timer,
// generalized from one global kill switch to one independent kill switch
// per agent, and from a goroutine-driven channel actor to a plain
// function called inline by the Execution Service.
package guard

import (
	"fmt"

	"tradecore/pkg/types"
)

// Decision is the outcome of evaluating an agent's autonomous state.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate applies the halt/cooldown rules against state in place and
// returns whether trading is currently allowed for the agent.
//
//   - If drawdownPct >= maxDrawdownStopPct, the agent is halted
//     permanently (until an external Reset).
//   - Else if consecutiveFailures >= cooldownAfterConsecutiveFailures, a
//     cooldown engages and the failure counter resets to 0.
//   - Else if still within an active cooldown window, trading is denied.
//   - Else trading is allowed.
func Evaluate(state *types.AutonomousAgentState, nowMs int64, drawdownPct float64, maxDrawdownStopPct float64, cooldownAfterConsecutiveFailures int, cooldownMs int64) Decision {
	if state.Halted {
		return Decision{Allowed: false, Reason: state.HaltReason}
	}

	if drawdownPct >= maxDrawdownStopPct {
		state.Halted = true
		state.HaltReason = fmt.Sprintf("drawdown %.4f at or above stop threshold %.4f", drawdownPct, maxDrawdownStopPct)
		return Decision{Allowed: false, Reason: state.HaltReason}
	}

	if state.ConsecutiveFailures >= cooldownAfterConsecutiveFailures {
		state.CooldownUntilMs = nowMs + cooldownMs
		state.ConsecutiveFailures = 0
		return Decision{Allowed: false, Reason: "autonomous_cooldown"}
	}

	if nowMs < state.CooldownUntilMs {
		return Decision{Allowed: false, Reason: fmt.Sprintf("cooldown until %d", state.CooldownUntilMs)}
	}

	return Decision{Allowed: true}
}

// RecordFailure increments the agent's consecutive failure counter.
func RecordFailure(state *types.AutonomousAgentState) {
	state.ConsecutiveFailures++
}

// RecordSuccess resets the agent's consecutive failure counter.
func RecordSuccess(state *types.AutonomousAgentState) {
	state.ConsecutiveFailures = 0
}

// Reset clears a halt and any cooldown, returning the agent to service.
// This is the only way a halted agent trades again — Evaluate never
// clears Halted on its own.
func Reset(state *types.AutonomousAgentState) {
	state.Halted = false
	state.HaltReason = ""
	state.ConsecutiveFailures = 0
	state.CooldownUntilMs = 0
}
