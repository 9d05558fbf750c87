package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dario.cat/mergo"
)

// Store owns the single TradingDocument and guards it with one mutex,
// persisting a copy-on-write JSON snapshot after every mutation — the same
// discipline spec.md §5 requires of OrderLedger and PositionStore.
type Store struct {
	path string

	mu  sync.Mutex
	doc *TradingDocument
}

// NewStore creates a store backed by the JSON file at path. It does not
// load; call Load before use.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		doc:  DefaultTradingDocument(),
	}
}

// Load reads the document at path, if present, and deep-merges it over the
// defaults with mergo so that fields introduced by a newer default schema
// are filled in without clobbering persisted values. A missing file is not
// an error; the store keeps its defaults.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", s.path, err)
	}

	var loaded TradingDocument
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("config: parsing %s: %w", s.path, err)
	}

	merged := DefaultTradingDocument()
	if err := mergo.Merge(merged, loaded, mergo.WithOverride); err != nil {
		return fmt.Errorf("config: merging %s: %w", s.path, err)
	}

	s.doc = merged
	return nil
}

// Snapshot returns a deep copy of the current document for read-only use.
func (s *Store) Snapshot() (*TradingDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

// Mutate applies fn to the document under lock and persists the result
// atomically. fn mutates doc in place; an error from fn aborts without
// writing.
func (s *Store) Mutate(fn func(doc *TradingDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working, err := cloneDocument(s.doc)
	if err != nil {
		return err
	}

	if err := fn(working); err != nil {
		return err
	}

	if err := s.writeAtomic(working); err != nil {
		return err
	}

	s.doc = working
	return nil
}

// writeAtomic marshals doc and writes it via write-temp-then-rename, per
// spec.md §6.2 ("Written atomically").
func (s *Store) writeAtomic(doc *TradingDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".trading_state-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: renaming temp file: %w", err)
	}
	return nil
}

// PruneExecutionHistory drops execution records older than 7 days, the
// retention window named in spec.md §3 ("Retained for 7 days"), matching
// the housekeeping original_source's Config.clear_old_execution_history
// performs at startup.
func (s *Store) PruneExecutionHistory(now time.Time) error {
	return s.Mutate(func(doc *TradingDocument) error {
		cutoff := now.AddDate(0, 0, -7)
		for key, records := range doc.ExecutionHistory {
			kept := records[:0]
			for _, r := range records {
				if !r.Time.Before(cutoff) {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(doc.ExecutionHistory, key)
			} else {
				doc.ExecutionHistory[key] = kept
			}
		}
		return nil
	})
}

// cloneDocument round-trips through JSON to produce a deep copy; the
// document is small and mutated infrequently (on fills and restarts), so
// this is cheap relative to the correctness it buys over manual field-by-
// field copying.
func cloneDocument(doc *TradingDocument) (*TradingDocument, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: cloning document: %w", err)
	}
	var clone TradingDocument
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("config: cloning document: %w", err)
	}
	return &clone, nil
}
