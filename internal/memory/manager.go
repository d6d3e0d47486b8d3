// Package memory implements the three-tier memory manager: episodic,
// semantic, and conversational entries with importance-weighted retention,
// exponential decay, access reinforcement, and periodic consolidation.
//
// Retention model: an entry's effective strength is always recomputed as
//
//	strength = base * exp(-decay_rate * elapsed / reference_period)
//	         + min(0.5, reinforcement_count * 0.1)
//
// clamped to [0,1], where elapsed is measured from the last reinforcement
// (or creation). A retrieve hit reinforces the entry: the decayed base is
// folded forward with a +0.1 boost capped at 1.0, so strength is never
// persisted stale across a reinforcement event.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/internal/store"
	"github.com/opsleuth/opsleuth/pkg/models"
)

const (
	// reinforceBoost is the strength boost applied per retrieve hit.
	reinforceBoost = 0.1
	// maxReinforcementBonus caps the accumulated reinforcement bonus.
	maxReinforcementBonus = 0.5
)

// Config tunes the retention model.
type Config struct {
	// ReferencePeriod scales decay: elapsed time is measured in multiples
	// of it. Defaults to one hour.
	ReferencePeriod time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ReferencePeriod <= 0 {
		c.ReferencePeriod = time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Manager is the tiered memory store. Safe for concurrent store/retrieve
// across investigations: the store hands out entry copies, and mu
// serializes the read-modify-write paths (retrieval reinforcement and
// consolidation) so concurrent retrieves never lose a reinforcement.
type Manager struct {
	store store.Store
	cfg   Config

	// mu serializes reinforcement and consolidation sweeps.
	mu sync.Mutex
}

// NewManager creates a memory manager over the given keyed store.
func NewManager(s store.Store, cfg Config) *Manager {
	return &Manager{store: s, cfg: cfg.withDefaults()}
}

// Store persists a new entry and returns its id. The decay rate and
// initial base strength derive from importance: important memories start
// stronger and fade slower.
func (m *Manager) Store(ctx context.Context, tier models.Tier, key string, content map[string]interface{}, importance models.Importance) (string, error) {
	if !models.ValidTiers[tier] {
		return "", fmt.Errorf("invalid memory tier: %s", tier)
	}
	if importance < models.ImportanceTrivial || importance > models.ImportanceCritical {
		return "", fmt.Errorf("importance out of range: %d", importance)
	}

	now := m.cfg.Clock().UTC()
	entry := &models.MemoryEntry{
		ID:             uuid.New().String(),
		Tier:           tier,
		Key:            key,
		Content:        content,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
		DecayRate:      decayRateFor(importance),
		BaseStrength:   initialStrengthFor(importance),
	}
	if err := m.store.Put(ctx, entry); err != nil {
		return "", fmt.Errorf("store memory entry: %w", err)
	}

	log.Debug().
		Str("entry_id", entry.ID).
		Str("tier", string(tier)).
		Str("key", key).
		Int("importance", int(importance)).
		Msg("Memory entry stored")
	return entry.ID, nil
}

// Retrieve returns up to maxResults entries in a tier matching the query,
// strongest first. A query matches an entry when it equals the key, is a
// substring of the key, or appears in a string field of the content. Each
// hit is reinforced — reinforcement is an explicit side effect of
// retrieval, not a background process.
func (m *Manager) Retrieve(ctx context.Context, tier models.Tier, query string, maxResults int) ([]models.MemoryEntry, error) {
	// Reinforcement is a read-modify-write of strength and counters, so
	// the whole list-reinforce-put cycle runs under the manager lock.
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.List(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("list %s tier: %w", tier, err)
	}

	now := m.cfg.Clock().UTC()
	q := strings.ToLower(query)

	var hits []*models.MemoryEntry
	for _, e := range entries {
		if q == "" || matches(e, q) {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		si := m.strengthAt(hits[i], now)
		sj := m.strengthAt(hits[j], now)
		if si != sj {
			return si > sj
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	out := make([]models.MemoryEntry, 0, len(hits))
	for _, e := range hits {
		m.reinforce(e, now)
		e.AccessCount++
		if err := m.store.Put(ctx, e); err != nil {
			return nil, fmt.Errorf("persist reinforcement: %w", err)
		}
		out = append(out, *e)
	}
	return out, nil
}

// Get returns a single entry by id without reinforcing it.
func (m *Manager) Get(ctx context.Context, tier models.Tier, id string) (*models.MemoryEntry, error) {
	return m.store.Get(ctx, tier, id)
}

// Forget removes an entry by id, searching all tiers. Returns true if an
// entry was removed.
func (m *Manager) Forget(ctx context.Context, id string) bool {
	for tier := range models.ValidTiers {
		if err := m.store.Delete(ctx, tier, id); err == nil {
			log.Debug().Str("entry_id", id).Str("tier", string(tier)).Msg("Memory entry forgotten")
			return true
		}
	}
	return false
}

// Strength returns the entry's current effective strength.
func (m *Manager) Strength(e *models.MemoryEntry) float64 {
	return m.strengthAt(e, m.cfg.Clock().UTC())
}

// strengthAt computes effective strength at a point in time.
func (m *Manager) strengthAt(e *models.MemoryEntry, now time.Time) float64 {
	elapsed := now.Sub(e.LastAccessedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	periods := float64(elapsed) / float64(m.cfg.ReferencePeriod)
	s := e.BaseStrength * math.Exp(-e.DecayRate*periods)
	s += reinforcementBonus(e.ReinforcementCount)
	return clamp01(s)
}

// reinforce folds the decayed base forward with a bounded boost and
// restarts the decay clock. Strength immediately after reinforcement is
// never below strength immediately before it.
func (m *Manager) reinforce(e *models.MemoryEntry, now time.Time) {
	elapsed := now.Sub(e.LastAccessedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	periods := float64(elapsed) / float64(m.cfg.ReferencePeriod)
	decayed := e.BaseStrength * math.Exp(-e.DecayRate*periods)

	e.BaseStrength = clamp01(decayed + reinforceBoost)
	e.ReinforcementCount++
	e.LastAccessedAt = now
}

func reinforcementBonus(count int) float64 {
	return math.Min(maxReinforcementBonus, float64(count)*reinforceBoost)
}

func matches(e *models.MemoryEntry, q string) bool {
	if strings.Contains(strings.ToLower(e.Key), q) {
		return true
	}
	for _, v := range e.Content {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// decayRateFor maps importance to a per-reference-period decay rate:
// critical memories fade slowest.
func decayRateFor(imp models.Importance) float64 {
	switch imp {
	case models.ImportanceCritical:
		return 0.05
	case models.ImportanceHigh:
		return 0.10
	case models.ImportanceNormal:
		return 0.15
	case models.ImportanceLow:
		return 0.20
	default:
		return 0.25
	}
}

// initialStrengthFor maps importance to a starting base strength.
func initialStrengthFor(imp models.Importance) float64 {
	return clamp01(0.4 + 0.1*float64(imp))
}
