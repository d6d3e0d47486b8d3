// Memory consolidation: periodic promotion and forgetting.
//
// Promotion rules:
//   - episodic → semantic when importance >= HIGH and the entry has been
//     reinforced more than 3 times (repeated, important events become
//     general knowledge)
//   - conversational → episodic when importance >= HIGH
//
// Forgetting rules:
//   - effective strength < 0.1 and age > 30 reference periods
//   - importance == trivial and age > 7 reference periods
//
// Consolidation is idempotent: a second sweep with no intervening writes
// promotes and forgets nothing, because promotion moves the entry to its
// new tier and forgetting deletes it. A sweep holds the manager lock for
// its duration so it never interleaves with retrieval reinforcement.
package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/pkg/models"
)

const (
	forgetStrengthFloor  = 0.1
	forgetAgePeriods     = 30
	trivialAgePeriods    = 7
	promoteReinforcement = 3
)

// Consolidate runs one consolidation sweep across all tiers and reports
// how many entries were promoted and forgotten.
func (m *Manager) Consolidate(ctx context.Context) (models.ConsolidationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report models.ConsolidationReport
	now := m.cfg.Clock().UTC()

	// Forget first so a dying entry is never promoted in the same sweep.
	for tier := range models.ValidTiers {
		entries, err := m.store.List(ctx, tier)
		if err != nil {
			return report, err
		}
		for _, e := range entries {
			if m.shouldForget(e, now) {
				if err := m.store.Delete(ctx, tier, e.ID); err == nil {
					report.Forgotten++
				}
			}
		}
	}

	promoted, err := m.promoteTier(ctx, models.TierConversational, models.TierEpisodic, now, func(e *models.MemoryEntry) bool {
		return e.Importance >= models.ImportanceHigh
	})
	if err != nil {
		return report, err
	}
	report.Promoted += promoted

	promoted, err = m.promoteTier(ctx, models.TierEpisodic, models.TierSemantic, now, func(e *models.MemoryEntry) bool {
		return e.Importance >= models.ImportanceHigh && e.ReinforcementCount > promoteReinforcement
	})
	if err != nil {
		return report, err
	}
	report.Promoted += promoted

	if report.Promoted > 0 || report.Forgotten > 0 {
		log.Info().
			Int("promoted", report.Promoted).
			Int("forgotten", report.Forgotten).
			Msg("Memory consolidation sweep complete")
	}
	return report, nil
}

// promoteTier moves qualifying entries from one tier to the next. The
// entry keeps its id, content, and reinforcement history; only the tier
// changes, so re-running the sweep finds nothing left to promote.
func (m *Manager) promoteTier(ctx context.Context, from, to models.Tier, now time.Time, qualifies func(*models.MemoryEntry) bool) (int, error) {
	entries, err := m.store.List(ctx, from)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, e := range entries {
		if !qualifies(e) {
			continue
		}
		if err := m.store.Delete(ctx, from, e.ID); err != nil {
			continue
		}
		e.Tier = to
		if err := m.store.Put(ctx, e); err != nil {
			return promoted, err
		}
		promoted++
		log.Debug().
			Str("entry_id", e.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Memory entry promoted")
	}
	return promoted, nil
}

func (m *Manager) shouldForget(e *models.MemoryEntry, now time.Time) bool {
	agePeriods := float64(now.Sub(e.CreatedAt)) / float64(m.cfg.ReferencePeriod)
	if m.strengthAt(e, now) < forgetStrengthFloor && agePeriods > forgetAgePeriods {
		return true
	}
	if e.Importance == models.ImportanceTrivial && agePeriods > trivialAgePeriods {
		return true
	}
	return false
}

// ── Background consolidator ──────────────────────────────────

// Consolidator runs consolidation sweeps on an interval.
type Consolidator struct {
	manager  *Manager
	interval time.Duration
}

// NewConsolidator creates a consolidator. Intervals under a minute are
// raised to a minute to keep the sweep a genuinely periodic batch job.
func NewConsolidator(m *Manager, interval time.Duration) *Consolidator {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Consolidator{manager: m, interval: interval}
}

// Start runs the consolidator in the calling goroutine until ctx is
// canceled. Run it with `go c.Start(ctx)` from server bootstrap.
func (c *Consolidator) Start(ctx context.Context) {
	log.Info().Dur("interval", c.interval).Msg("Memory consolidator started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Memory consolidator stopped")
			return
		case <-ticker.C:
			if _, err := c.manager.Consolidate(ctx); err != nil {
				log.Warn().Err(err).Msg("Consolidation sweep failed")
			}
		}
	}
}
