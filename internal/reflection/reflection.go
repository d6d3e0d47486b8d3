// Package reflection scores aggregated step results against a quality
// threshold and, when quality falls short, derives an adapted plan for
// bounded re-execution.
//
// Assessment combines four dimensions — confidence, completeness,
// consistency, actionability — as a weighted average with configurable
// weights. Adaptation is a deterministic rule set and always returns a
// fresh plan value; earlier iterations are never mutated, so the history
// of a reflected investigation stays auditable.
package reflection

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/pkg/models"
)

// Weights controls how the four quality dimensions combine. They should
// sum to 1; NewEngine normalizes them if they don't.
type Weights struct {
	Confidence    float64
	Completeness  float64
	Consistency   float64
	Actionability float64
}

// DefaultWeights are the shipped dimension weights.
var DefaultWeights = Weights{
	Confidence:    0.35,
	Completeness:  0.30,
	Consistency:   0.20,
	Actionability: 0.15,
}

// Config tunes the reflection engine.
type Config struct {
	// Threshold below which an assessment recommends reflection.
	Threshold float64
	Weights   Weights
}

// Engine assesses results and adapts plans.
type Engine struct {
	cfg Config
}

// NewEngine creates a reflection engine. A zero threshold defaults to
// 0.8; zero weights default to DefaultWeights.
func NewEngine(cfg Config) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	w := cfg.Weights
	sum := w.Confidence + w.Completeness + w.Consistency + w.Actionability
	if sum == 0 {
		cfg.Weights = DefaultWeights
	} else if sum != 1 {
		cfg.Weights = Weights{
			Confidence:    w.Confidence / sum,
			Completeness:  w.Completeness / sum,
			Consistency:   w.Consistency / sum,
			Actionability: w.Actionability / sum,
		}
	}
	return &Engine{cfg: cfg}
}

// Assess scores one execution pass.
func (e *Engine) Assess(results []models.StepResult) models.QualityAssessment {
	a := models.QualityAssessment{
		Confidence:    meanConfidence(results),
		Completeness:  completeness(results),
		Consistency:   consistency(results),
		Actionability: actionability(results),
	}
	w := e.cfg.Weights
	a.OverallScore = w.Confidence*a.Confidence +
		w.Completeness*a.Completeness +
		w.Consistency*a.Consistency +
		w.Actionability*a.Actionability
	a.Issues = issues(results, a)
	a.ShouldReflect = a.OverallScore < e.cfg.Threshold
	return a
}

// meanConfidence averages confidence over succeeded steps; no successes
// means no confidence.
func meanConfidence(results []models.StepResult) float64 {
	sum, n := 0.0, 0
	for _, r := range results {
		if r.Status == models.StepSucceeded {
			sum += r.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// completeness is the fraction of planned steps that succeeded.
func completeness(results []models.StepResult) float64 {
	if len(results) == 0 {
		return 0
	}
	n := 0
	for _, r := range results {
		if r.Status == models.StepSucceeded {
			n++
		}
	}
	return float64(n) / float64(len(results))
}

// consistency is the fraction of succeeded steps that did not flag a
// contradiction with another step's result. With no successes it is 1 —
// nothing contradicts.
func consistency(results []models.StepResult) float64 {
	total, contradicted := 0, 0
	for _, r := range results {
		if r.Status != models.StepSucceeded {
			continue
		}
		total++
		if r.Payload != nil {
			if c, ok := r.Payload["contradicts"]; ok && c != nil && c != "" {
				contradicted++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(total-contradicted) / float64(total)
}

// actionability is 1 when at least one succeeded step reported findings,
// else 0.25 — an empty sweep still carries weak negative signal.
func actionability(results []models.StepResult) float64 {
	for _, r := range results {
		if r.Status == models.StepSucceeded && len(r.Findings()) > 0 {
			return 1
		}
	}
	return 0.25
}

func issues(results []models.StepResult, a models.QualityAssessment) []string {
	var out []string
	for _, r := range results {
		switch r.Status {
		case models.StepFailed:
			out = append(out, fmt.Sprintf("step %s (%s) failed: %s", r.StepID, r.Capability, r.Error))
		case models.StepSkipped:
			out = append(out, fmt.Sprintf("step %s (%s) skipped: %s", r.StepID, r.Capability, r.Error))
		}
	}
	if a.Confidence < 0.5 {
		out = append(out, "low confidence across succeeded steps")
	}
	if a.Actionability < 1 {
		out = append(out, "no actionable findings reported")
	}
	return out
}

// ── Adaptation ───────────────────────────────────────────────

// Adapt derives the next iteration's plan from the previous one. Rules,
// applied in order:
//
//  1. Incomplete: failed and skipped steps are re-added with relaxed
//     constraints (input flag "relaxed") and a fresh retry budget.
//  2. Low confidence: the lowest-confidence succeeded step has its data
//     scope widened (input flag "scope" = "wide").
//  3. Low actionability: one additional capability from the caller's
//     next-ranked candidates is appended as an independent step.
//
// The previous plan is never mutated; each iteration is a new value.
func (e *Engine) Adapt(plan *models.InvestigationPlan, a models.QualityAssessment, results []models.StepResult, candidates []string) *models.InvestigationPlan {
	next := plan.Clone()
	next.Iteration = plan.Iteration + 1
	next.CreatedAt = time.Now().UTC()

	byStep := make(map[string]models.StepResult, len(results))
	for _, r := range results {
		byStep[r.StepID] = r
	}

	// Rule 1: relax failed/skipped steps.
	if a.Completeness < 1 {
		for i := range next.Steps {
			r, ok := byStep[next.Steps[i].ID]
			if !ok || r.Status == models.StepSucceeded {
				continue
			}
			next.Steps[i].Input = withFlag(next.Steps[i].Input, "relaxed", true)
			next.Steps[i].Status = models.StepPending
		}
	}

	// Rule 2: widen scope on the weakest succeeded step.
	if a.Confidence < 0.5 {
		if id := lowestConfidence(results); id != "" {
			if s := next.Step(id); s != nil {
				s.Input = withFlag(s.Input, "scope", "wide")
			}
		}
	}

	// Rule 3: add the next-ranked unplanned capability.
	if a.Actionability < 1 {
		planned := make(map[string]bool, len(next.Steps))
		for _, s := range next.Steps {
			planned[s.Capability] = true
		}
		for _, cand := range candidates {
			if planned[cand] {
				continue
			}
			next.Steps = append(next.Steps, models.PlanStep{
				ID:         fmt.Sprintf("s%d-%s", len(next.Steps)+1, cand),
				Capability: cand,
				Status:     models.StepPending,
			})
			break
		}
	}

	log.Info().
		Str("investigation_id", plan.InvestigationID).
		Int("iteration", next.Iteration).
		Float64("score", a.OverallScore).
		Msg("Plan adapted for re-execution")
	return next
}

func lowestConfidence(results []models.StepResult) string {
	id, low := "", 2.0
	for _, r := range results {
		if r.Status == models.StepSucceeded && r.Confidence < low {
			id, low = r.StepID, r.Confidence
		}
	}
	return id
}

func withFlag(input map[string]interface{}, key string, val interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[key] = val
	return out
}
