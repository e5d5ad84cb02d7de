// Package store persists the engine's metadata.
//
// Two backends live here:
//
//   - Snapshot store: named typed objects (strategies, open trades, virtual
//     balances, balance history, public strategies) written as atomic JSON
//     files. The engine marks keys dirty; a coalescing writer flushes the
//     dirty set after a short delay so bursts of mutations become one write.
//
//   - Transaction log: an append-only sqlite table of executed operations,
//     capped at a configured row count, with ULID primary keys so insertion
//     order and time order coincide.
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot keys. The engine registers a provider for each at startup.
const (
	KeyStrategies       = "strategies"
	KeyTradesOpen       = "trades_open"
	KeyVirtualBalances  = "virtual_balances"
	KeyBalanceHistory   = "balance_history"
	KeyPublicStrategies = "public_strategies"
	KeyVersion          = "version"
)

// flushDelay coalesces bursts of MarkDirty calls into one write pass.
const flushDelay = 100 * time.Millisecond

// Provider returns the current value for a snapshot key. Called by the flush
// goroutine; implementations must take their own locks.
type Provider func() (any, error)

// Store writes named snapshots to JSON files in a data directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	dirty     map[string]bool
	wake      chan struct{}
}

// Open creates a snapshot store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:       dir,
		logger:    logger.With("component", "store"),
		providers: make(map[string]Provider),
		dirty:     make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Register binds a snapshot key to its value provider.
func (s *Store) Register(key string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[key] = p
}

// MarkDirty schedules the given keys for the next coalesced flush.
func (s *Store) MarkDirty(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		s.dirty[k] = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the coalescing flush loop. Blocks until ctx is cancelled, then
// performs one final best-effort flush of whatever is still dirty.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.FlushAll()
			return
		case <-s.wake:
		}

		// Let a burst of mutations settle into one write pass.
		select {
		case <-ctx.Done():
			s.FlushAll()
			return
		case <-time.After(flushDelay):
		}

		s.flushDirty()
	}
}

// FlushAll writes every dirty key immediately. Used at shutdown.
func (s *Store) FlushAll() {
	s.flushDirty()
}

func (s *Store) flushDirty() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	s.dirty = make(map[string]bool)
	providers := make(map[string]Provider, len(keys))
	for _, k := range keys {
		providers[k] = s.providers[k]
	}
	s.mu.Unlock()

	for _, key := range keys {
		p := providers[key]
		if p == nil {
			continue
		}
		value, err := p()
		if err != nil {
			s.logger.Error("snapshot provider failed", "key", key, "error", err)
			continue
		}
		if err := s.save(key, value); err != nil {
			s.logger.Error("snapshot write failed", "key", key, "error", err)
		}
	}
}

// save atomically persists one snapshot value.
func (s *Store) save(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	path := filepath.Join(s.dir, key+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return os.Rename(tmp, path)
}

// Load restores a snapshot into out. Returns false, nil when the key has
// never been written (fresh install).
func (s *Store) Load(key string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
