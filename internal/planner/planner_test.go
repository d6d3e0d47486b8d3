package planner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/opsleuth/opsleuth/internal/planner"
	"github.com/opsleuth/opsleuth/internal/protocol"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

type noopProvider struct {
	name string
}

func (p *noopProvider) Name() string             { return p.name }
func (p *noopProvider) CapabilityTags() []string { return nil }
func (p *noopProvider) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	return &models.StepResult{}, nil
}

func newTestPlanner() *planner.Planner {
	r := registry.New()
	r.Register("anomaly-scan", &noopProvider{name: "anomaly-scan"}, []string{"anomaly", "metrics"})
	r.Register("log-search", &noopProvider{name: "log-search"}, []string{"logs", "errors"})
	r.Register("timeline", &noopProvider{name: "timeline"}, []string{"timeline", "sequence"})
	r.Register("correlation", &noopProvider{name: "correlation"}, []string{"correlation"})
	r.Register("report", &noopProvider{name: "report"}, []string{"report", "summary"})
	return planner.New(r)
}

// ─── Explicit Plans ──────────────────────────────────────────

func TestPlanExplicitCapabilities(t *testing.T) {
	p := newTestPlanner()

	plan, err := p.Plan(models.InvestigationRequest{
		ID:           "inv-1",
		Capabilities: []string{"log-search", "report"},
		DependsOn:    map[string][]string{"report": {"log-search"}},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("Plan() produced %d steps, want 2", len(plan.Steps))
	}
	if len(plan.Steps[1].DependsOn) != 1 || plan.Steps[1].DependsOn[0] != plan.Steps[0].ID {
		t.Errorf("report step DependsOn = %v, want [%s]", plan.Steps[1].DependsOn, plan.Steps[0].ID)
	}
}

func TestPlanUnknownCapability(t *testing.T) {
	p := newTestPlanner()

	_, err := p.Plan(models.InvestigationRequest{
		ID:           "inv-2",
		Capabilities: []string{"log-search", "crystal-ball"},
	})

	var notFound *registry.CapabilityNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Plan() error = %v, want *CapabilityNotFoundError", err)
	}
}

func TestPlanDependencyOnUnplannedCapability(t *testing.T) {
	p := newTestPlanner()

	_, err := p.Plan(models.InvestigationRequest{
		ID:           "inv-3",
		Capabilities: []string{"report"},
		DependsOn:    map[string][]string{"report": {"log-search"}},
	})

	var invalid *planner.InvalidPlanError
	if !errors.As(err, &invalid) {
		t.Fatalf("Plan() error = %v, want *InvalidPlanError", err)
	}
}

// ─── Matched Plans ───────────────────────────────────────────

func TestPlanQuickStrategyLimitsSteps(t *testing.T) {
	p := newTestPlanner()

	plan, err := p.Plan(models.InvestigationRequest{
		ID:    "inv-4",
		Query: "correlate unusual error logs with the deploy timeline and summarize",
		Depth: 1,
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Strategy != models.StrategyQuick {
		t.Errorf("Plan().Strategy = %q, want %q", plan.Strategy, models.StrategyQuick)
	}
	if len(plan.Steps) > 3 {
		t.Errorf("quick plan has %d steps, want <= 3", len(plan.Steps))
	}
}

func TestPlanExhaustiveChainsSynthesisAfterDetectors(t *testing.T) {
	p := newTestPlanner()

	plan, err := p.Plan(models.InvestigationRequest{
		ID:    "inv-5",
		Query: "correlate unusual error logs with the deploy timeline and summarize",
		Depth: 3,
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Strategy != models.StrategyExhaustive {
		t.Fatalf("Plan().Strategy = %q, want %q", plan.Strategy, models.StrategyExhaustive)
	}

	var reportStep *models.PlanStep
	detectors := 0
	for i := range plan.Steps {
		if plan.Steps[i].Capability == "report" {
			reportStep = &plan.Steps[i]
		} else {
			detectors++
		}
	}
	if reportStep == nil {
		t.Fatal("exhaustive plan has no report step")
	}
	if len(reportStep.DependsOn) != detectors {
		t.Errorf("report step depends on %d steps, want all %d detectors", len(reportStep.DependsOn), detectors)
	}
}

func TestPlanNoMatchesIsInvalid(t *testing.T) {
	p := newTestPlanner()

	_, err := p.Plan(models.InvestigationRequest{ID: "inv-6", Query: "bake a cake"})

	var invalid *planner.InvalidPlanError
	if !errors.As(err, &invalid) {
		t.Fatalf("Plan() error = %v, want *InvalidPlanError", err)
	}
}

// ─── Validate ────────────────────────────────────────────────

func TestValidateRejectsCycle(t *testing.T) {
	plan := &models.InvestigationPlan{
		InvestigationID: "inv-7",
		Steps: []models.PlanStep{
			{ID: "a", Capability: "log-search", DependsOn: []string{"b"}},
			{ID: "b", Capability: "timeline", DependsOn: []string{"a"}},
		},
	}

	var invalid *planner.InvalidPlanError
	if err := planner.Validate(plan); !errors.As(err, &invalid) {
		t.Fatalf("Validate() error = %v, want *InvalidPlanError for cycle", err)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	plan := &models.InvestigationPlan{
		Steps: []models.PlanStep{
			{ID: "a", Capability: "log-search", DependsOn: []string{"a"}},
		},
	}

	var invalid *planner.InvalidPlanError
	if err := planner.Validate(plan); !errors.As(err, &invalid) {
		t.Fatalf("Validate() error = %v, want *InvalidPlanError for self-dependency", err)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	plan := &models.InvestigationPlan{
		Steps: []models.PlanStep{
			{ID: "a", Capability: "log-search"},
			{ID: "a", Capability: "timeline"},
		},
	}

	var invalid *planner.InvalidPlanError
	if err := planner.Validate(plan); !errors.As(err, &invalid) {
		t.Fatalf("Validate() error = %v, want *InvalidPlanError for duplicate id", err)
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	plan := &models.InvestigationPlan{
		Steps: []models.PlanStep{
			{ID: "root", Capability: "log-search"},
			{ID: "left", Capability: "timeline", DependsOn: []string{"root"}},
			{ID: "right", Capability: "anomaly-scan", DependsOn: []string{"root"}},
			{ID: "sink", Capability: "report", DependsOn: []string{"left", "right"}},
		},
	}
	if err := planner.Validate(plan); err != nil {
		t.Fatalf("Validate() error = %v, want nil for diamond DAG", err)
	}
}
