package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/opsleuth/opsleuth/internal/store"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// seedEntry writes an entry directly to the store with full control over
// retention fields.
func seedEntry(t *testing.T, s store.Store, e *models.MemoryEntry) {
	t.Helper()
	if err := s.Put(context.Background(), e); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

// ─── Promotion ───────────────────────────────────────────────

func TestConsolidatePromotesReinforcedEpisodic(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	seedEntry(t, s, &models.MemoryEntry{
		ID:                 "promote-me",
		Tier:               models.TierEpisodic,
		Key:                "pattern/db-failover",
		Importance:         models.ImportanceHigh,
		CreatedAt:          clock.Now(),
		LastAccessedAt:     clock.Now(),
		BaseStrength:       0.8,
		DecayRate:          0.1,
		ReinforcementCount: 4,
	})

	report, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if report.Promoted != 1 {
		t.Fatalf("Consolidate().Promoted = %d, want 1", report.Promoted)
	}

	if _, err := s.Get(ctx, models.TierSemantic, "promote-me"); err != nil {
		t.Errorf("entry not found in semantic tier after promotion: %v", err)
	}
	if _, err := s.Get(ctx, models.TierEpisodic, "promote-me"); err == nil {
		t.Error("entry still present in episodic tier after promotion; promotion must move, not copy")
	}
}

func TestConsolidateLeavesUnderReinforcedEpisodic(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	seedEntry(t, s, &models.MemoryEntry{
		ID:                 "stay-put",
		Tier:               models.TierEpisodic,
		Key:                "pattern/one-off",
		Importance:         models.ImportanceHigh,
		CreatedAt:          clock.Now(),
		LastAccessedAt:     clock.Now(),
		BaseStrength:       0.8,
		DecayRate:          0.1,
		ReinforcementCount: 2,
	})

	report, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if report.Promoted != 0 {
		t.Errorf("Consolidate().Promoted = %d, want 0", report.Promoted)
	}
}

func TestConsolidatePromotesImportantConversational(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	seedEntry(t, s, &models.MemoryEntry{
		ID:             "escalate",
		Tier:           models.TierConversational,
		Key:            "session/decision",
		Importance:     models.ImportanceCritical,
		CreatedAt:      clock.Now(),
		LastAccessedAt: clock.Now(),
		BaseStrength:   0.9,
		DecayRate:      0.05,
	})

	if _, err := m.Consolidate(ctx); err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if _, err := s.Get(ctx, models.TierEpisodic, "escalate"); err != nil {
		t.Errorf("entry not found in episodic tier after promotion: %v", err)
	}
}

// ─── Forgetting ──────────────────────────────────────────────

func TestConsolidateForgetsWeakOldEntries(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	created := clock.Now()
	clock.Advance(40 * time.Hour) // 40 reference periods

	seedEntry(t, s, &models.MemoryEntry{
		ID:             "fading",
		Tier:           models.TierEpisodic,
		Key:            "noise",
		Importance:     models.ImportanceLow,
		CreatedAt:      created,
		LastAccessedAt: created,
		BaseStrength:   0.5,
		DecayRate:      0.2, // exp(-8) after 40 periods: effectively zero
	})

	report, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if report.Forgotten != 1 {
		t.Errorf("Consolidate().Forgotten = %d, want 1", report.Forgotten)
	}
}

func TestConsolidateForgetsStaleTrivia(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	created := clock.Now()
	clock.Advance(8 * time.Hour) // past the trivial cutoff, strength still high

	seedEntry(t, s, &models.MemoryEntry{
		ID:             "trivia",
		Tier:           models.TierConversational,
		Key:            "smalltalk",
		Importance:     models.ImportanceTrivial,
		CreatedAt:      created,
		LastAccessedAt: clock.Now(),
		BaseStrength:   0.9,
		DecayRate:      0.25,
	})

	report, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate() error = %v", err)
	}
	if report.Forgotten != 1 {
		t.Errorf("Consolidate().Forgotten = %d, want 1", report.Forgotten)
	}
}

// ─── Idempotence ─────────────────────────────────────────────

func TestConsolidateIsIdempotent(t *testing.T) {
	m, clock, s := newTestManager(t)
	ctx := context.Background()

	seedEntry(t, s, &models.MemoryEntry{
		ID:                 "once",
		Tier:               models.TierEpisodic,
		Key:                "pattern/repeat",
		Importance:         models.ImportanceHigh,
		CreatedAt:          clock.Now(),
		LastAccessedAt:     clock.Now(),
		BaseStrength:       0.8,
		DecayRate:          0.1,
		ReinforcementCount: 5,
	})

	first, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("first Consolidate() error = %v", err)
	}
	if first.Promoted != 1 {
		t.Fatalf("first Consolidate().Promoted = %d, want 1", first.Promoted)
	}

	second, err := m.Consolidate(ctx)
	if err != nil {
		t.Fatalf("second Consolidate() error = %v", err)
	}
	if second.Promoted != 0 || second.Forgotten != 0 {
		t.Errorf("second Consolidate() = %+v, want nothing to do", second)
	}
}
