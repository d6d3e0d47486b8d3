// Package store — in-memory Store implementation.
// Supports file-based snapshot persistence so memory survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Entries map[string]*models.MemoryEntry `json:"entries"` // key: tier/id
}

// MemoryStore implements Store with an in-memory map keyed by tier/id.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If OPSLEUTH_DATA_DIR is set, entries are persisted to a JSON file in
// that directory; when unset, the store is purely in-memory.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*models.MemoryEntry),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir := os.Getenv("OPSLEUTH_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "memory.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func storeKey(tier models.Tier, id string) string {
	return string(tier) + "/" + id
}

// cloneEntry makes a shallow copy. Scalar fields (strength, counters,
// timestamps, tier) are what callers mutate; Content is write-once at
// creation and safe to share.
func cloneEntry(e *models.MemoryEntry) *models.MemoryEntry {
	c := *e
	return &c
}

// Put inserts or replaces an entry. The store keeps its own copy, so the
// caller's pointer stays private and Put is the only way stored state
// changes.
func (m *MemoryStore) Put(_ context.Context, entry *models.MemoryEntry) error {
	m.mu.Lock()
	m.entries[storeKey(entry.Tier, entry.ID)] = cloneEntry(entry)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Get returns a copy of the entry stored under (tier, id). Mutating the
// returned entry does not affect stored state until it is Put back.
func (m *MemoryStore) Get(_ context.Context, tier models.Tier, id string) (*models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[storeKey(tier, id)]
	if !ok {
		return nil, &ErrNotFound{Tier: tier, ID: id}
	}
	return cloneEntry(entry), nil
}

// Delete removes the entry under (tier, id).
func (m *MemoryStore) Delete(_ context.Context, tier models.Tier, id string) error {
	key := storeKey(tier, id)

	m.mu.Lock()
	_, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if !ok {
		return &ErrNotFound{Tier: tier, ID: id}
	}
	m.requestSave()
	return nil
}

// List returns copies of all entries in a tier.
func (m *MemoryStore) List(_ context.Context, tier models.Tier) ([]*models.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.MemoryEntry
	for _, e := range m.entries {
		if e.Tier == tier {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Snapshot persistence ─────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all entries to disk as JSON, writing to a temp
// file then renaming for atomicity.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Entries: m.entries}, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal memory snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
	}
}

// loadSnapshot reads entries from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	for k, v := range snap.Entries {
		m.entries[k] = v
	}
	m.mu.Unlock()

	log.Info().Int("entries", len(snap.Entries)).Msg("Memory snapshot loaded")
}
