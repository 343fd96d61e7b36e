// Package store is the single source of truth for all mutable core state:
// agents, trade intents, executions, receipts, and derived metrics.
//
// All state lives in one in-memory types.AppState guarded by a single
// mutex. Every mutation runs inside Transaction, which serializes writers,
// deep-copies the state for the caller, invokes the caller's function
// against the working copy, and on success installs the mutated copy as
// the new state and persists it to disk before returning. A failed
// transaction leaves the prior state untouched. Snapshot returns a deep
// copy for read-only callers (the API layer, metrics reporters) so they
// never observe a partially-mutated state and never alias mutable memory.
//
// Persistence uses the teacher's write-to-temp-then-rename pattern,
// generalized from one file per market to a single state file holding the
// entire AppState.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"tradecore/pkg/types"
)

// Store owns the canonical AppState and serializes all access to it.
type Store struct {
	mu    sync.Mutex
	state *types.AppState

	dir    string // directory containing the state file
	path   string // full path to the state file
	logger *slog.Logger
}

// Open creates or restores a Store backed by a state file at
// filepath.Join(dir, stateFile). If the file does not exist, the store
// starts from a fresh types.NewAppState(); if it exists but cannot be
// decoded, the store logs a warning and starts from a fresh state too.
func Open(dir, stateFile string) (*Store, error) {
	return OpenWithLogger(dir, stateFile, nil)
}

// OpenWithLogger is Open with an explicit logger for flush failures. A nil
// logger falls back to slog.Default().
func OpenWithLogger(dir, stateFile string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, stateFile)

	s := &Store{dir: dir, path: path, logger: logger.With("component", "store")}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = types.NewAppState()
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	st := types.NewAppState()
	if err := json.Unmarshal(data, st); err != nil {
		s.logger.Warn("state file unreadable, starting from default state", "path", path, "error", err)
		st = types.NewAppState()
	}
	s.state = st
	return s, nil
}

// Close is a no-op; Store has no open handles between calls.
func (s *Store) Close() error {
	return nil
}

// Snapshot returns a deep copy of the current state. Safe to read and
// mutate freely; mutating it never affects the store.
func (s *Store) Snapshot() (*types.AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// Transaction runs fn against a deep copy of the current state. If fn
// returns nil, the copy becomes the new canonical state immediately,
// regardless of whether the flush to disk succeeds. A flush failure is
// logged and swallowed here, not returned to the caller: the next
// successful Transaction or explicit Flush persists the now-advanced
// state, so a transient disk error never fails an otherwise-valid trade.
// If fn returns an error, the state is left untouched and the error is
// returned unchanged.
func (s *Store) Transaction(fn func(*types.AppState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := cloneState(s.state)
	if err != nil {
		return fmt.Errorf("clone state: %w", err)
	}

	if err := fn(working); err != nil {
		return err
	}

	s.state = working
	if err := s.flushLocked(); err != nil {
		s.logger.Error("flush state failed, will retry on next transaction", "error", err)
	}
	return nil
}

// Flush writes the current state to disk outside of a Transaction. Most
// callers never need this directly since Transaction flushes on success;
// it exists for an explicit checkpoint before a graceful shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func cloneState(st *types.AppState) (*types.AppState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal for clone: %w", err)
	}
	clone := types.NewAppState()
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("unmarshal for clone: %w", err)
	}
	return clone, nil
}
