// Package planner turns an investigation request into a validated DAG of
// plan steps, matching capabilities through the registry when the request
// does not name them explicitly.
package planner

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// quickStepLimit caps the number of steps a quick-strategy plan takes
// from the ranked match.
const quickStepLimit = 3

// InvalidPlanError is returned for cyclic, dangling, or empty plans.
// Planning errors are fatal for the investigation.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return "invalid plan: " + e.Reason
}

// Planner builds investigation plans.
type Planner struct {
	registry *registry.Registry
}

// New creates a planner over the given capability registry.
func New(r *registry.Registry) *Planner {
	return &Planner{registry: r}
}

// Plan builds a validated plan for the request. When the request names
// capabilities explicitly, steps carry only the caller-declared
// dependencies; otherwise the ranked registry match decides the step set
// and the default dependency shape (detectors in parallel, synthesis
// capabilities chained after them).
func (p *Planner) Plan(req models.InvestigationRequest) (*models.InvestigationPlan, error) {
	var steps []models.PlanStep
	var strategy models.Strategy
	var err error

	if len(req.Capabilities) > 0 {
		steps, err = p.explicitSteps(req)
		strategy = models.StrategyQuick
		if req.Depth > 1 {
			strategy = models.StrategyExhaustive
		}
	} else {
		steps, strategy, err = p.matchedSteps(req)
	}
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, &InvalidPlanError{Reason: "no steps planned for request"}
	}

	plan := &models.InvestigationPlan{
		InvestigationID: req.ID,
		Steps:           steps,
		Strategy:        strategy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := Validate(plan); err != nil {
		return nil, err
	}

	log.Info().
		Str("investigation_id", req.ID).
		Int("steps", len(plan.Steps)).
		Str("strategy", string(plan.Strategy)).
		Msg("Investigation planned")
	return plan, nil
}

// explicitSteps builds one step per named capability, with only the
// caller-supplied dependencies.
func (p *Planner) explicitSteps(req models.InvestigationRequest) ([]models.PlanStep, error) {
	stepID := make(map[string]string, len(req.Capabilities))
	steps := make([]models.PlanStep, 0, len(req.Capabilities))

	for i, cap := range req.Capabilities {
		if _, err := p.registry.Resolve(cap); err != nil {
			return nil, err
		}
		id := fmt.Sprintf("s%d-%s", i+1, cap)
		stepID[cap] = id
		steps = append(steps, models.PlanStep{
			ID:         id,
			Capability: cap,
			Input:      req.Input,
			Status:     models.StepPending,
		})
	}

	for i := range steps {
		for _, depCap := range req.DependsOn[steps[i].Capability] {
			depID, ok := stepID[depCap]
			if !ok {
				return nil, &InvalidPlanError{Reason: fmt.Sprintf("step %s depends on unplanned capability %s", steps[i].Capability, depCap)}
			}
			steps[i].DependsOn = append(steps[i].DependsOn, depID)
		}
	}
	return steps, nil
}

// matchedSteps ranks capabilities against the free-text query. Quick
// plans take the top matches and run them in parallel; exhaustive plans
// take the full set and chain synthesis capabilities (tag "report")
// after everything they can draw on.
func (p *Planner) matchedSteps(req models.InvestigationRequest) ([]models.PlanStep, models.Strategy, error) {
	matched := p.registry.Match(req.Query)
	if len(matched) == 0 {
		return nil, "", &InvalidPlanError{Reason: fmt.Sprintf("no capability matches request %q", req.Query)}
	}

	strategy := models.StrategyQuick
	if req.Depth > 1 {
		strategy = models.StrategyExhaustive
	}
	if strategy == models.StrategyQuick && len(matched) > quickStepLimit {
		matched = matched[:quickStepLimit]
	}

	synthesis := make(map[string]bool)
	if strategy == models.StrategyExhaustive {
		for _, info := range p.registry.Capabilities() {
			for _, tag := range info.Tags {
				if tag == "report" {
					synthesis[info.Name] = true
				}
			}
		}
	}

	var detectorIDs []string
	steps := make([]models.PlanStep, 0, len(matched))
	for i, cap := range matched {
		id := fmt.Sprintf("s%d-%s", i+1, cap)
		steps = append(steps, models.PlanStep{
			ID:         id,
			Capability: cap,
			Input:      req.Input,
			Status:     models.StepPending,
		})
		if !synthesis[cap] {
			detectorIDs = append(detectorIDs, id)
		}
	}

	// Chain each synthesis step after all detector steps.
	for i := range steps {
		if synthesis[steps[i].Capability] && len(detectorIDs) > 0 {
			steps[i].DependsOn = append([]string(nil), detectorIDs...)
		}
	}
	return steps, strategy, nil
}

// Validate checks that every dependency references a planned step and
// that the dependency graph is acyclic. Plans are stored as an indexed
// step list with dependency id sets, checked once at build time.
func Validate(plan *models.InvestigationPlan) error {
	index := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		if _, dup := index[s.ID]; dup {
			return &InvalidPlanError{Reason: "duplicate step id " + s.ID}
		}
		index[s.ID] = i
	}

	indegree := make([]int, len(plan.Steps))
	dependents := make([][]int, len(plan.Steps))
	for i, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return &InvalidPlanError{Reason: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep)}
			}
			if j == i {
				return &InvalidPlanError{Reason: "step " + s.ID + " depends on itself"}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm: if anything remains unsorted there is a cycle.
	var queue []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(plan.Steps) {
		return &InvalidPlanError{Reason: "dependency cycle detected"}
	}
	return nil
}
