// Package intent is the Trade Intent Service: validates and creates
// TradeIntents, enforcing the idempotency-key replay/conflict rules, and
// serves read-only pending-intent queries to the Execution Worker.
//
// Structured the way the teacher's engine package wires a component
// around a *store.Store and an *eventbus.Bus: a thin struct holding its
// collaborators plus a logger tagged with its component name.
package intent

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/clock"
	"tradecore/internal/errs"
	"tradecore/internal/eventbus"
	"tradecore/internal/hash"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

// Service creates and queries TradeIntents.
type Service struct {
	store  *store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Trade Intent Service.
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: bus, clock: clk, logger: logger.With("component", "intent")}
}

// CreateInput is the caller-supplied request to create a trade intent.
type CreateInput struct {
	AgentID       string
	Symbol        string
	Side          types.Side
	Quantity      *float64
	NotionalUsd   *float64
	RequestedMode types.Mode
	Meta          map[string]any
}

// CreateResult wraps the created (or replayed) intent.
type CreateResult struct {
	Intent   *types.TradeIntent
	Replayed bool
}

// Create validates input and creates a new pending TradeIntent, or
// replays a prior result for a reused idempotency key with a matching
// fingerprint. A reused key with a different fingerprint is a conflict.
func (s *Service) Create(input CreateInput, idempotencyKey string) (CreateResult, error) {
	if err := validate(input); err != nil {
		return CreateResult{}, err
	}
	input.Symbol = strings.ToUpper(input.Symbol)

	fingerprint, err := fingerprintOf(input)
	if err != nil {
		return CreateResult{}, errs.New(errs.InternalError, "compute idempotency fingerprint: %v", err)
	}

	var result CreateResult
	txErr := s.store.Transaction(func(st *types.AppState) error {
		if idempotencyKey != "" {
			idemKey := idempotencyMapKey(input.AgentID, idempotencyKey)
			if existing, ok := st.Idempotency[idemKey]; ok {
				if existing.PayloadFingerprint != fingerprint {
					return errs.New(errs.IdempotencyKeyConflict, "idempotency key %q reused with a different payload", idempotencyKey)
				}
				existingIntent, found := st.TradeIntents[existing.IntentID]
				if !found {
					return errs.New(errs.InternalError, "idempotency record points at missing intent %q", existing.IntentID)
				}
				result = CreateResult{Intent: existingIntent.Clone(), Replayed: true}
				return nil
			}
		}

		now := s.clock.NowMs()
		createdAt := time.UnixMilli(now).UTC()
		newIntent := &types.TradeIntent{
			ID:            uuid.NewString(),
			AgentID:       input.AgentID,
			Symbol:        input.Symbol,
			Side:          input.Side,
			Quantity:      input.Quantity,
			NotionalUsd:   input.NotionalUsd,
			RequestedMode: input.RequestedMode,
			Meta:          input.Meta,
			CreatedAt:     createdAt,
			UpdatedAt:     createdAt,
			Status:        types.IntentPending,
		}
		st.TradeIntents[newIntent.ID] = newIntent
		st.Metrics.IntentsReceived++

		if idempotencyKey != "" {
			st.Idempotency[idempotencyMapKey(input.AgentID, idempotencyKey)] = &types.IdempotencyRecord{
				Key:                idempotencyKey,
				IntentID:           newIntent.ID,
				PayloadFingerprint: fingerprint,
				CreatedAt:          createdAt,
			}
		}

		result = CreateResult{Intent: newIntent.Clone(), Replayed: false}
		return nil
	})
	if txErr != nil {
		return CreateResult{}, txErr
	}

	if !result.Replayed {
		s.bus.Emit("intent.created", map[string]any{
			"intentId": result.Intent.ID,
			"agentId":  result.Intent.AgentID,
			"symbol":   result.Intent.Symbol,
			"side":     result.Intent.Side,
		})
	}
	return result, nil
}

// GetByID returns a deep copy of a trade intent, or an AgentNotFound-style
// IntentNotFound error if it does not exist.
func (s *Service) GetByID(id string) (*types.TradeIntent, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, errs.New(errs.InternalError, "snapshot: %v", err)
	}
	intent, ok := snap.TradeIntents[id]
	if !ok {
		return nil, errs.New(errs.IntentNotFound, "trade intent %q not found", id)
	}
	return intent, nil
}

// ListPending returns up to limit pending intents ordered by CreatedAt
// ascending (oldest first), the order the Execution Worker drains in.
func (s *Service) ListPending(limit int) ([]*types.TradeIntent, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, errs.New(errs.InternalError, "snapshot: %v", err)
	}

	pending := make([]*types.TradeIntent, 0, len(snap.TradeIntents))
	for _, it := range snap.TradeIntents {
		if it.Status == types.IntentPending {
			pending = append(pending, it)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func validate(input CreateInput) error {
	if input.AgentID == "" {
		return errs.New(errs.InvalidOrder, "agentId is required")
	}
	if strings.TrimSpace(input.Symbol) == "" {
		return errs.New(errs.InvalidOrder, "symbol is required")
	}
	if input.Side != types.Buy && input.Side != types.Sell {
		return errs.New(errs.InvalidOrder, "side must be buy or sell")
	}
	hasQty := input.Quantity != nil
	hasNotional := input.NotionalUsd != nil
	if hasQty == hasNotional {
		return errs.New(errs.InvalidOrder, "exactly one of quantity or notionalUsd is required")
	}
	if hasQty && *input.Quantity <= 0 {
		return errs.New(errs.InvalidOrder, "quantity must be > 0")
	}
	if hasNotional && *input.NotionalUsd <= 0 {
		return errs.New(errs.InvalidOrder, "notionalUsd must be > 0")
	}
	return nil
}

// fingerprintOf canonically hashes the fields that determine whether a
// replayed request is the "same" request: agent, symbol, side, and
// whichever of quantity/notionalUsd was given, plus the requested mode.
func fingerprintOf(input CreateInput) (string, error) {
	return hash.Hash(map[string]any{
		"agentId":     input.AgentID,
		"symbol":      strings.ToUpper(input.Symbol),
		"side":        input.Side,
		"quantity":    input.Quantity,
		"notionalUsd": input.NotionalUsd,
		"mode":        input.RequestedMode,
	})
}

func idempotencyMapKey(agentID, key string) string {
	return fmt.Sprintf("%s\x00%s", agentID, key)
}
