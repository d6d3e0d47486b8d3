// Package orchestrator drives an investigation through its lifecycle:
// planning, wave execution, bounded reflection, and finalization.
//
// One investigation id runs at most once concurrently. Each run holds a
// cancel func so callers can abort mid-flight; cancellation surfaces as
// a failed terminal status. When reflection exhausts its budget, the
// best-scoring iteration's results are kept and the investigation
// completes degraded rather than being thrown away.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsleuth/opsleuth/internal/coordinator"
	"github.com/opsleuth/opsleuth/internal/events"
	"github.com/opsleuth/opsleuth/internal/memory"
	"github.com/opsleuth/opsleuth/internal/planner"
	"github.com/opsleuth/opsleuth/internal/protocol"
	"github.com/opsleuth/opsleuth/internal/reflection"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// ── Errors ───────────────────────────────────────────────────

// AlreadyRunningError is returned when an investigation id is submitted
// while a run with the same id is still in flight.
type AlreadyRunningError struct {
	ID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("investigation %s is already running", e.ID)
}

// NotFoundError is returned for lookups of unknown investigation ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("investigation not found: %s", e.ID)
}

// ── Orchestrator ─────────────────────────────────────────────

// Config tunes the orchestrator.
type Config struct {
	// MaxReflectionLoops bounds re-execution passes. Default 3.
	MaxReflectionLoops int

	// ResultCap bounds how many finished results stay queryable. When
	// the cap is reached the oldest finished result is evicted first.
	ResultCap int
}

func (c Config) withDefaults() Config {
	if c.MaxReflectionLoops <= 0 {
		c.MaxReflectionLoops = 3
	}
	if c.ResultCap <= 0 {
		c.ResultCap = 1024
	}
	return c
}

// Orchestrator owns investigation lifecycles.
type Orchestrator struct {
	planner *planner.Planner
	coord   *coordinator.Coordinator
	engine  *reflection.Engine
	mem     *memory.Manager
	reg     *registry.Registry
	hub     *events.Hub
	cfg     Config
	tracer  trace.Tracer

	mu      sync.Mutex
	active  map[string]*run
	results map[string]*models.InvestigationResult
	// order tracks result insertion for oldest-first eviction at ResultCap.
	order []string
}

// run is one in-flight investigation.
type run struct {
	cancel context.CancelFunc

	mu         sync.Mutex
	info       models.InvestigationStatusInfo
	totalSteps int
	doneSteps  int
}

func (r *run) snapshot() models.InvestigationStatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.info
	if r.totalSteps > 0 {
		info.ProgressPercent = 100 * float64(r.doneSteps) / float64(r.totalSteps)
	}
	return info
}

// New wires an orchestrator from its collaborators.
func New(p *planner.Planner, c *coordinator.Coordinator, e *reflection.Engine, m *memory.Manager, reg *registry.Registry, hub *events.Hub, cfg Config) *Orchestrator {
	return &Orchestrator{
		planner: p,
		coord:   c,
		engine:  e,
		mem:     m,
		reg:     reg,
		hub:     hub,
		cfg:     cfg.withDefaults(),
		tracer:  otel.Tracer("opsleuth/orchestrator"),
		active:  make(map[string]*run),
		results: make(map[string]*models.InvestigationResult),
	}
}

// ── Public API ───────────────────────────────────────────────

// Submit starts an investigation asynchronously and returns its id.
// A request with no id gets one assigned. Submitting an id that is
// still running returns AlreadyRunningError; resubmitting a finished
// id starts a fresh run and replaces its stored result.
func (o *Orchestrator) Submit(req models.InvestigationRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	o.mu.Lock()
	if _, running := o.active[req.ID]; running {
		o.mu.Unlock()
		return "", &AlreadyRunningError{ID: req.ID}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cancel: cancel,
		info: models.InvestigationStatusInfo{
			InvestigationID: req.ID,
			State:           models.StatePlanning,
		},
	}
	o.active[req.ID] = r
	if _, ok := o.results[req.ID]; ok {
		delete(o.results, req.ID)
		o.dropFromOrder(req.ID)
	}
	o.mu.Unlock()

	log.Info().
		Str("investigation_id", req.ID).
		Str("query", req.Query).
		Int("depth", req.Depth).
		Msg("Investigation submitted")

	go o.run(runCtx, req, r)
	return req.ID, nil
}

// Cancel aborts a running investigation. It reports whether a run was
// actually cancelled.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	r, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	log.Info().Str("investigation_id", id).Msg("Investigation cancel requested")
	return true
}

// Status returns the live or terminal status of an investigation.
func (o *Orchestrator) Status(id string) (models.InvestigationStatusInfo, error) {
	o.mu.Lock()
	r, running := o.active[id]
	res, finished := o.results[id]
	o.mu.Unlock()

	if running {
		return r.snapshot(), nil
	}
	if finished {
		return models.InvestigationStatusInfo{
			InvestigationID: id,
			State:           models.StateDone,
			ProgressPercent: 100,
			Iteration:       res.ReflectionIterations,
			Status:          res.Status,
		}, nil
	}
	return models.InvestigationStatusInfo{}, &NotFoundError{ID: id}
}

// Result returns the terminal result of a finished investigation.
func (o *Orchestrator) Result(id string) (*models.InvestigationResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if res, ok := o.results[id]; ok {
		return res, nil
	}
	if _, running := o.active[id]; running {
		return nil, fmt.Errorf("investigation %s is still running", id)
	}
	return nil, &NotFoundError{ID: id}
}

// Subscribe returns a progress event stream for one investigation,
// delivering events published after this call only.
func (o *Orchestrator) Subscribe(id string) (<-chan models.ProgressEvent, func()) {
	return o.hub.Subscribe(id)
}

// ── Lifecycle ────────────────────────────────────────────────

// iteration is one execution pass kept for best-of selection.
type iteration struct {
	results    []models.StepResult
	assessment models.QualityAssessment
}

func (o *Orchestrator) run(ctx context.Context, req models.InvestigationRequest, r *run) {
	started := time.Now().UTC()
	ctx, span := o.tracer.Start(ctx, "investigation.run",
		trace.WithAttributes(attribute.String("investigation.id", req.ID)))
	defer span.End()

	result := &models.InvestigationResult{
		InvestigationID: req.ID,
		StartedAt:       started,
	}

	// Planning.
	plan, err := o.planner.Plan(req)
	if err != nil {
		log.Error().Err(err).Str("investigation_id", req.ID).Msg("Planning failed")
		result.Status = models.InvestigationFailed
		result.Error = err.Error()
		o.finalize(r, req, result, started)
		return
	}
	r.setState(models.StateExecuting, 0)
	r.setTotals(len(plan.Steps))
	o.hub.Publish(models.ProgressEvent{
		Type:            models.EventPlanned,
		InvestigationID: req.ID,
		State:           models.StatePlanning,
		Payload: map[string]interface{}{
			"steps":    len(plan.Steps),
			"strategy": string(plan.Strategy),
		},
		Timestamp: time.Now().UTC(),
	})

	// Ranked candidates for reflection rule 3, fixed at planning time.
	candidates := o.reg.Match(req.Query)

	// Execute / reflect loop.
	var best *iteration
	reflections := 0
	var cancelErr *protocol.CancelledError
	for {
		results, execErr := o.coord.Execute(ctx, plan, models.InvestigationContext{
			InvestigationID: req.ID,
			SessionID:       req.SessionID,
			Metadata:        req.Metadata,
			StartedAt:       started,
		}, o.emitFunc(r))
		if errors.As(execErr, &cancelErr) {
			break
		}

		assessment := o.engine.Assess(results)
		it := &iteration{results: results, assessment: assessment}
		if best == nil || assessment.OverallScore > best.assessment.OverallScore {
			best = it
		}
		log.Info().
			Str("investigation_id", req.ID).
			Int("iteration", reflections).
			Float64("score", assessment.OverallScore).
			Bool("should_reflect", assessment.ShouldReflect).
			Msg("Execution pass assessed")

		if !assessment.ShouldReflect || reflections >= o.cfg.MaxReflectionLoops {
			break
		}
		reflections++
		r.setState(models.StateReflecting, reflections)
		o.hub.Publish(models.ProgressEvent{
			Type:            models.EventReflecting,
			InvestigationID: req.ID,
			State:           models.StateReflecting,
			Iteration:       reflections,
			Payload:         map[string]interface{}{"score": assessment.OverallScore},
			Timestamp:       time.Now().UTC(),
		})
		plan = o.engine.Adapt(plan, assessment, results, candidates)
		r.setState(models.StateExecuting, reflections)
		r.setTotals(len(plan.Steps))
	}

	// Finalize.
	r.setState(models.StateFinalizing, reflections)
	result.ReflectionIterations = reflections
	switch {
	case cancelErr != nil:
		result.Status = models.InvestigationFailed
		result.Error = cancelErr.Error()
		if best != nil {
			result.Steps = best.results
			result.Assessment = best.assessment
		}
	case best.assessment.ShouldReflect:
		result.Status = models.InvestigationDegraded
		result.Steps = best.results
		result.Assessment = best.assessment
	default:
		result.Status = models.InvestigationCompleted
		result.Steps = best.results
		result.Assessment = best.assessment
	}
	o.finalize(r, req, result, started)
}

// finalize records the terminal result, writes an episodic memory of
// the outcome, emits the closing event, and releases the run slot.
func (o *Orchestrator) finalize(r *run, req models.InvestigationRequest, result *models.InvestigationResult, started time.Time) {
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(started)

	if o.mem != nil {
		imp := models.ImportanceNormal
		if result.Status == models.InvestigationCompleted {
			imp = models.ImportanceHigh
		}
		_, err := o.mem.Store(context.Background(), models.TierEpisodic,
			"investigation/"+req.ID,
			map[string]interface{}{
				"query":                 req.Query,
				"status":                string(result.Status),
				"overall_score":         result.Assessment.OverallScore,
				"reflection_iterations": result.ReflectionIterations,
				"steps":                 len(result.Steps),
			}, imp)
		if err != nil {
			log.Warn().Err(err).Str("investigation_id", req.ID).Msg("Failed to record investigation memory")
		}
	}

	o.mu.Lock()
	o.results[req.ID] = result
	o.order = append(o.order, req.ID)
	for len(o.order) > o.cfg.ResultCap {
		evicted := o.order[0]
		o.order = o.order[1:]
		delete(o.results, evicted)
		log.Debug().Str("investigation_id", evicted).Msg("Oldest result evicted at retention cap")
	}
	delete(o.active, req.ID)
	o.mu.Unlock()
	r.cancel()

	o.hub.Publish(models.ProgressEvent{
		Type:            models.EventInvestigationDone,
		InvestigationID: req.ID,
		State:           models.StateDone,
		Iteration:       result.ReflectionIterations,
		Payload: map[string]interface{}{
			"status": string(result.Status),
			"score":  result.Assessment.OverallScore,
		},
		Timestamp: time.Now().UTC(),
	})
	log.Info().
		Str("investigation_id", req.ID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Int("reflection_iterations", result.ReflectionIterations).
		Msg("Investigation finished")
}

// dropFromOrder removes one id from the eviction order. Caller holds o.mu.
func (o *Orchestrator) dropFromOrder(id string) {
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

// emitFunc adapts coordinator events into live status updates before
// fanning them out to subscribers.
func (o *Orchestrator) emitFunc(r *run) coordinator.EmitFunc {
	return func(ev models.ProgressEvent) {
		r.mu.Lock()
		switch ev.Type {
		case models.EventWaveStarted:
			r.info.CurrentWave = ev.Wave
		case models.EventStepFinished:
			r.doneSteps++
		}
		r.mu.Unlock()
		o.hub.Publish(ev)
	}
}

func (r *run) setState(s models.InvestigationState, iter int) {
	r.mu.Lock()
	r.info.State = s
	r.info.Iteration = iter
	r.mu.Unlock()
}

func (r *run) setTotals(total int) {
	r.mu.Lock()
	r.totalSteps = total
	r.doneSteps = 0
	r.mu.Unlock()
}
