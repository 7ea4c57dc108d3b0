// Package store provides crash-safe persistence for the risk ledger using
// a JSON file.
//
// The ledger carries the numbers that must survive a restart: realised PnL
// for the current UTC day (the daily loss limit would otherwise reset every
// crash), cumulative realised PnL, and the equity peak used for drawdown.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The risk manager calls
// Save after each recorded execution and Load on startup.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger is the persisted slice of risk state. Monetary fields are in
// reference-currency units.
type Ledger struct {
	Day           string          `json:"day"` // UTC date, YYYY-MM-DD
	DailyRealized decimal.Decimal `json:"daily_realized"`
	TotalRealized decimal.Decimal `json:"total_realized"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Store persists the ledger to a JSON file in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists the ledger. It writes to a .tmp file first, then
// renames over the target so the file is never left in a partial state.
func (s *Store) Save(l Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	path := filepath.Join(s.dir, "ledger.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the ledger from disk.
// Returns nil, nil if no saved ledger exists (fresh deployment).
func (s *Store) Load() (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "ledger.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return &l, nil
}
