// Package models defines the shared data model for the OpSleuth
// investigation orchestration service: plans, steps, results, quality
// assessments, memory entries, and progress events.
package models

import (
	"time"
)

// ── Plan Steps ───────────────────────────────────────────────

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks a step that was never dispatched because one of
	// its dependencies failed or was itself skipped.
	StepSkipped StepStatus = "skipped"
)

// PlanStep is one unit of work in an investigation plan. Dependencies are
// expressed as step IDs that must reach a terminal status before this step
// may run.
type PlanStep struct {
	ID         string                 `json:"id"`
	Capability string                 `json:"capability"`
	Input      map[string]interface{} `json:"input,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Status     StepStatus             `json:"status"`
}

// ── Investigation Plan ───────────────────────────────────────

// Strategy tags how aggressively the planner expanded the request.
type Strategy string

const (
	// StrategyQuick plans a small set of parallel-only steps.
	StrategyQuick Strategy = "quick"
	// StrategyExhaustive plans the full matched capability set, with
	// dependent synthesis steps chained at the end.
	StrategyExhaustive Strategy = "exhaustive"
)

// InvestigationPlan is an immutable DAG of steps. The planner builds it,
// the reflection engine derives adjusted copies from it; nothing mutates a
// plan after construction.
type InvestigationPlan struct {
	InvestigationID string     `json:"investigation_id"`
	Steps           []PlanStep `json:"steps"`
	Strategy        Strategy   `json:"strategy"`
	// Iteration is 0 for the original plan and increments with each
	// reflection-driven adaptation.
	Iteration int       `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given ID, or nil.
func (p *InvestigationPlan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the plan. Adaptation always works on a
// clone so earlier iterations stay auditable.
func (p *InvestigationPlan) Clone() *InvestigationPlan {
	cp := *p
	cp.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		cs := s
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Input != nil {
			cs.Input = make(map[string]interface{}, len(s.Input))
			for k, v := range s.Input {
				cs.Input[k] = v
			}
		}
		cp.Steps[i] = cs
	}
	return &cp
}

// ── Investigation Request / Context ──────────────────────────

// InvestigationRequest is what callers submit. Either Capabilities is set
// (explicit plan) or Query is matched against the registry.
type InvestigationRequest struct {
	ID    string `json:"id,omitempty"`
	Query string `json:"query,omitempty"`

	// Capabilities, when non-empty, names the exact capabilities to run.
	// Dependencies between them may be declared in DependsOn, keyed by
	// capability name.
	Capabilities []string            `json:"capabilities,omitempty"`
	DependsOn    map[string][]string `json:"depends_on,omitempty"`

	// Depth selects the planning strategy: 0 plans the quick parallel-only
	// set, anything deeper plans the exhaustive set.
	Depth int `json:"depth,omitempty"`

	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// Input carries the raw material under investigation (series, log
	// records, events) and is passed through to every step.
	Input map[string]interface{} `json:"input,omitempty"`
}

// InvestigationContext is the read-shared per-investigation context. The
// orchestrator owns it for the lifetime of the investigation; providers
// receive it by value and never mutate it.
type InvestigationContext struct {
	InvestigationID string                 `json:"investigation_id"`
	SessionID       string                 `json:"session_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
}

// ── Step Results ─────────────────────────────────────────────

// StepResult is the outcome of one dispatched step.
type StepResult struct {
	StepID     string                 `json:"step_id"`
	Capability string                 `json:"capability"`
	Status     StepStatus             `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Confidence float64                `json:"confidence"`
	Error      string                 `json:"error,omitempty"`
	Attempts   int                    `json:"attempts"`
	Duration   time.Duration          `json:"duration"`
	Wave       int                    `json:"wave"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
}

// Findings extracts the "findings" list from the result payload, if the
// provider reported one.
func (r *StepResult) Findings() []interface{} {
	if r.Payload == nil {
		return nil
	}
	f, _ := r.Payload["findings"].([]interface{})
	return f
}

// ── Quality Assessment ───────────────────────────────────────

// QualityAssessment scores one execution pass across four dimensions.
// Scores are in [0,1].
type QualityAssessment struct {
	OverallScore  float64  `json:"overall_score"`
	Confidence    float64  `json:"confidence"`
	Completeness  float64  `json:"completeness"`
	Consistency   float64  `json:"consistency"`
	Actionability float64  `json:"actionability"`
	Issues        []string `json:"issues,omitempty"`
	ShouldReflect bool     `json:"should_reflect"`
}

// ── Investigation Result ─────────────────────────────────────

// InvestigationStatus is the terminal status of an investigation.
type InvestigationStatus string

const (
	// InvestigationCompleted means quality met the threshold.
	InvestigationCompleted InvestigationStatus = "completed"
	// InvestigationDegraded means the reflection budget was exhausted and
	// the best-scoring iteration's result was kept.
	InvestigationDegraded InvestigationStatus = "completed_degraded"
	// InvestigationFailed means planning failed, the run was cancelled,
	// or no step ever succeeded.
	InvestigationFailed InvestigationStatus = "failed"
)

// InvestigationResult is the final aggregate returned to callers.
type InvestigationResult struct {
	InvestigationID      string              `json:"investigation_id"`
	Status               InvestigationStatus `json:"status"`
	Steps                []StepResult        `json:"steps"`
	Assessment           QualityAssessment   `json:"assessment"`
	ReflectionIterations int                 `json:"reflection_iterations"`
	Error                string              `json:"error,omitempty"`
	StartedAt            time.Time           `json:"started_at"`
	CompletedAt          time.Time           `json:"completed_at"`
	Duration             time.Duration       `json:"duration"`
}

// ── Orchestrator State ───────────────────────────────────────

// InvestigationState is the orchestrator's state-machine phase.
type InvestigationState string

const (
	StatePlanning   InvestigationState = "planning"
	StateExecuting  InvestigationState = "executing"
	StateReflecting InvestigationState = "reflecting"
	StateFinalizing InvestigationState = "finalizing"
	StateDone       InvestigationState = "done"
)

// InvestigationStatusInfo is the live status exposed to the transport layer.
type InvestigationStatusInfo struct {
	InvestigationID string              `json:"investigation_id"`
	State           InvestigationState  `json:"state"`
	ProgressPercent float64             `json:"progress_percent"`
	CurrentWave     int                 `json:"current_wave"`
	Iteration       int                 `json:"iteration"`
	Status          InvestigationStatus `json:"status,omitempty"`
}

// ── Progress Events ──────────────────────────────────────────

// EventType describes what happened during an investigation.
type EventType string

const (
	EventPlanned           EventType = "planned"
	EventWaveStarted       EventType = "wave_started"
	EventStepFinished      EventType = "step_finished"
	EventWaveFinished      EventType = "wave_finished"
	EventReflecting        EventType = "reflecting"
	EventInvestigationDone EventType = "investigation_done"
)

// ProgressEvent is pushed to stream subscribers as the investigation runs.
// Streams are restartable from "now" only; late subscribers miss earlier
// events.
type ProgressEvent struct {
	Type            EventType              `json:"type"`
	InvestigationID string                 `json:"investigation_id"`
	State           InvestigationState     `json:"state,omitempty"`
	Wave            int                    `json:"wave,omitempty"`
	StepID          string                 `json:"step_id,omitempty"`
	Iteration       int                    `json:"iteration,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// ── Memory ───────────────────────────────────────────────────

// Tier is a memory tier.
type Tier string

const (
	TierEpisodic       Tier = "episodic"
	TierSemantic       Tier = "semantic"
	TierConversational Tier = "conversational"
)

// ValidTiers enumerates the allowed memory tiers.
var ValidTiers = map[Tier]bool{
	TierEpisodic:       true,
	TierSemantic:       true,
	TierConversational: true,
}

// Importance is an ordinal retention weight, 1 (trivial) to 5 (critical).
type Importance int

const (
	ImportanceTrivial  Importance = 1
	ImportanceLow      Importance = 2
	ImportanceNormal   Importance = 3
	ImportanceHigh     Importance = 4
	ImportanceCritical Importance = 5
)

// MemoryEntry is one retained item in the tiered memory store.
type MemoryEntry struct {
	ID                 string                 `json:"id"`
	Tier               Tier                   `json:"tier"`
	Key                string                 `json:"key"`
	Content            map[string]interface{} `json:"content"`
	Importance         Importance             `json:"importance"`
	CreatedAt          time.Time              `json:"created_at"`
	LastAccessedAt     time.Time              `json:"last_accessed_at"`
	AccessCount        int                    `json:"access_count"`
	DecayRate          float64                `json:"decay_rate"`
	ReinforcementCount int                    `json:"reinforcement_count"`
	// BaseStrength is the stored component of retention strength; the
	// effective strength is always recomputed from it (see memory.Manager).
	BaseStrength float64 `json:"base_strength"`
}

// ConsolidationReport counts what one consolidation sweep did.
type ConsolidationReport struct {
	Promoted  int `json:"promoted"`
	Forgotten int `json:"forgotten"`
}
