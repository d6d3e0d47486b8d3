package reflection_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opsleuth/opsleuth/internal/reflection"
	"github.com/opsleuth/opsleuth/pkg/models"
)

func succeeded(id, cap string, confidence float64, findings ...interface{}) models.StepResult {
	payload := map[string]interface{}{}
	if len(findings) > 0 {
		payload["findings"] = findings
	}
	return models.StepResult{
		StepID:     id,
		Capability: cap,
		Status:     models.StepSucceeded,
		Confidence: confidence,
		Payload:    payload,
	}
}

func failed(id, cap string) models.StepResult {
	return models.StepResult{
		StepID:     id,
		Capability: cap,
		Status:     models.StepFailed,
		Error:      "boom",
	}
}

// ─── Assess ──────────────────────────────────────────────────

func TestAssessAllGood(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	a := e.Assess([]models.StepResult{
		succeeded("s1", "log-search", 0.9, "err pattern"),
		succeeded("s2", "timeline", 0.95, "deploy event"),
	})

	if a.Completeness != 1 {
		t.Errorf("Completeness = %v, want 1", a.Completeness)
	}
	if a.Actionability != 1 {
		t.Errorf("Actionability = %v, want 1", a.Actionability)
	}
	if a.ShouldReflect {
		t.Errorf("ShouldReflect = true with score %v, want false", a.OverallScore)
	}
}

func TestAssessPartialFailureRecommendsReflection(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	a := e.Assess([]models.StepResult{
		succeeded("s1", "log-search", 0.4),
		failed("s2", "timeline"),
		failed("s3", "correlation"),
	})

	if a.Completeness > 0.34 {
		t.Errorf("Completeness = %v, want 1/3", a.Completeness)
	}
	if !a.ShouldReflect {
		t.Errorf("ShouldReflect = false with score %v, want true", a.OverallScore)
	}
	if len(a.Issues) == 0 {
		t.Error("Issues is empty, want failed steps reported")
	}
}

func TestAssessContradictionsLowerConsistency(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	contradicting := succeeded("s2", "anomaly-scan", 0.9, "spike")
	contradicting.Payload["contradicts"] = "s1"

	a := e.Assess([]models.StepResult{
		succeeded("s1", "log-search", 0.9, "clean logs"),
		contradicting,
	})
	if a.Consistency != 0.5 {
		t.Errorf("Consistency = %v, want 0.5 with one of two steps contradicting", a.Consistency)
	}
}

func TestAssessNoResults(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	a := e.Assess(nil)
	if !a.ShouldReflect {
		t.Error("ShouldReflect = false for empty results, want true")
	}
	if a.Completeness != 0 {
		t.Errorf("Completeness = %v, want 0", a.Completeness)
	}
}

func TestAssessWeightsNormalize(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{
		Weights: reflection.Weights{Confidence: 2, Completeness: 2, Consistency: 2, Actionability: 2},
	})

	a := e.Assess([]models.StepResult{succeeded("s1", "log-search", 1, "f")})
	if a.OverallScore > 1 {
		t.Errorf("OverallScore = %v, want <= 1 after weight normalization", a.OverallScore)
	}
}

// ─── Adapt ───────────────────────────────────────────────────

func TestAdaptNeverMutatesPreviousPlan(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	prev := &models.InvestigationPlan{
		InvestigationID: "inv",
		Iteration:       0,
		Steps: []models.PlanStep{
			{ID: "s1", Capability: "log-search", Status: models.StepPending},
		},
	}
	snapshot := prev.Clone()

	results := []models.StepResult{failed("s1", "log-search")}
	a := e.Assess(results)
	next := e.Adapt(prev, a, results, []string{"anomaly-scan"})

	if diff := cmp.Diff(snapshot, prev); diff != "" {
		t.Errorf("previous plan mutated by Adapt (-before +after):\n%s", diff)
	}
	if next.Iteration != 1 {
		t.Errorf("next.Iteration = %d, want 1", next.Iteration)
	}
}

func TestAdaptRelaxesFailedSteps(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	prev := &models.InvestigationPlan{
		InvestigationID: "inv",
		Steps: []models.PlanStep{
			{ID: "ok", Capability: "timeline", Status: models.StepSucceeded},
			{ID: "bad", Capability: "log-search", Status: models.StepFailed},
		},
	}
	results := []models.StepResult{
		succeeded("ok", "timeline", 0.9, "f"),
		failed("bad", "log-search"),
	}
	a := e.Assess(results)
	next := e.Adapt(prev, a, results, nil)

	bad := next.Step("bad")
	if bad == nil {
		t.Fatal("failed step missing from adapted plan")
	}
	if bad.Input["relaxed"] != true {
		t.Errorf("failed step Input = %v, want relaxed flag", bad.Input)
	}
	if bad.Status != models.StepPending {
		t.Errorf("failed step Status = %q, want %q", bad.Status, models.StepPending)
	}

	ok := next.Step("ok")
	if ok.Input["relaxed"] == true {
		t.Error("succeeded step got relaxed flag, want untouched")
	}
}

func TestAdaptWidensLowestConfidenceStep(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	prev := &models.InvestigationPlan{
		InvestigationID: "inv",
		Steps: []models.PlanStep{
			{ID: "weak", Capability: "log-search"},
			{ID: "strong", Capability: "timeline"},
			{ID: "gone", Capability: "correlation"},
		},
	}
	results := []models.StepResult{
		succeeded("weak", "log-search", 0.1),
		succeeded("strong", "timeline", 0.6),
		failed("gone", "correlation"),
	}
	a := e.Assess(results)
	next := e.Adapt(prev, a, results, nil)

	if next.Step("weak").Input["scope"] != "wide" {
		t.Errorf("lowest-confidence step Input = %v, want widened scope", next.Step("weak").Input)
	}
	if next.Step("strong").Input["scope"] == "wide" {
		t.Error("higher-confidence step was widened, want only the weakest")
	}
}

func TestAdaptAddsNextRankedCapability(t *testing.T) {
	e := reflection.NewEngine(reflection.Config{})

	prev := &models.InvestigationPlan{
		InvestigationID: "inv",
		Steps: []models.PlanStep{
			{ID: "s1", Capability: "log-search"},
		},
	}
	// Succeeded but with no findings: actionability is low.
	results := []models.StepResult{succeeded("s1", "log-search", 0.9)}
	a := e.Assess(results)
	next := e.Adapt(prev, a, results, []string{"log-search", "anomaly-scan", "timeline"})

	var added []string
	for _, s := range next.Steps {
		if s.Capability != "log-search" {
			added = append(added, s.Capability)
		}
	}
	want := []string{"anomaly-scan"}
	if diff := cmp.Diff(want, added); diff != "" {
		t.Errorf("added capabilities mismatch (-want +got):\n%s", diff)
	}
}
