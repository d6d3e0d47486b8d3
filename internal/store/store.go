// Package store provides the keyed persistence layer backing the memory
// manager. Entries are addressed by (tier, id); the memory manager is the
// only writer. The interface is technology-agnostic — the in-memory
// implementation in this package is the default, with file snapshots so
// memory survives restarts.
package store

import (
	"context"

	"github.com/opsleuth/opsleuth/pkg/models"
)

// Store is the abstract keyed store for memory entries. Implementations
// own their entries: Get and List return copies, and Put copies the
// caller's entry in, so Put is the only mutation point and readers never
// observe a concurrent writer's partial update.
type Store interface {
	// Put inserts or replaces an entry under (entry.Tier, entry.ID).
	Put(ctx context.Context, entry *models.MemoryEntry) error

	// Get returns a copy of the entry stored under (tier, id).
	Get(ctx context.Context, tier models.Tier, id string) (*models.MemoryEntry, error)

	// Delete removes the entry under (tier, id). Returns ErrNotFound if
	// it does not exist.
	Delete(ctx context.Context, tier models.Tier, id string) error

	// List returns copies of all entries in a tier. Order is unspecified.
	List(ctx context.Context, tier models.Tier) ([]*models.MemoryEntry, error)

	// Close releases resources and flushes any pending snapshot.
	Close() error
}

// ErrNotFound is returned when a requested entry does not exist.
type ErrNotFound struct {
	Tier models.Tier
	ID   string
}

func (e *ErrNotFound) Error() string {
	return "memory entry not found: " + string(e.Tier) + "/" + e.ID
}
