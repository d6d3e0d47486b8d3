// Package coordinator walks an investigation plan wave by wave: steps
// with satisfied dependencies execute concurrently up to a parallelism
// bound, and the next wave never starts before every step in the current
// wave has reached a terminal status.
//
// Step failures never abort the investigation — a failed step degrades
// the quality assessment, and steps downstream of a failure are skipped
// rather than executed. Transient failures and timeouts are retried with
// exponential backoff; validation errors fail immediately.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opsleuth/opsleuth/internal/protocol"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// Config tunes wave execution.
type Config struct {
	// MaxParallel bounds how many steps of one wave run concurrently.
	MaxParallel int
	// StepTimeout is the per-attempt envelope deadline.
	StepTimeout time.Duration
	// MaxRetries is the retry budget for transient failures per step.
	MaxRetries int
	// RetryInterval seeds the exponential backoff between attempts.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	return c
}

// EmitFunc receives progress events as waves and steps finish. May be nil.
type EmitFunc func(models.ProgressEvent)

// Coordinator executes plans against the capability registry.
type Coordinator struct {
	registry *registry.Registry
	cfg      Config
}

// New creates a coordinator.
func New(r *registry.Registry, cfg Config) *Coordinator {
	return &Coordinator{registry: r, cfg: cfg.withDefaults()}
}

// Execute runs the plan to completion and returns one StepResult per plan
// step, in plan order. It returns an error only when the context is
// cancelled mid-run; per-step errors are recorded on their results.
// Exactly one Execute runs per investigation id — enforced by the
// orchestrator, not here.
func (c *Coordinator) Execute(ctx context.Context, plan *models.InvestigationPlan, ictx models.InvestigationContext, emit EmitFunc) ([]models.StepResult, error) {
	waves := Waves(plan)
	results := make(map[string]*models.StepResult, len(plan.Steps))
	var resultsMu sync.Mutex

	for waveNum, wave := range waves {
		select {
		case <-ctx.Done():
			return c.collect(plan, results), &protocol.CancelledError{InvestigationID: ictx.InvestigationID, Cause: ctx.Err()}
		default:
		}

		c.emit(emit, models.ProgressEvent{
			Type:            models.EventWaveStarted,
			InvestigationID: ictx.InvestigationID,
			Wave:            waveNum,
			Iteration:       plan.Iteration,
			Timestamp:       time.Now().UTC(),
		})

		sem := semaphore.NewWeighted(int64(c.cfg.MaxParallel))
		g, waveCtx := errgroup.WithContext(ctx)

		for _, step := range wave {
			step := step

			// A step whose dependency failed or was skipped never
			// dispatches; it contributes a skipped result instead.
			resultsMu.Lock()
			blocked := c.blockedBy(step, results)
			resultsMu.Unlock()
			if blocked != "" {
				res := &models.StepResult{
					StepID:     step.ID,
					Capability: step.Capability,
					Status:     models.StepSkipped,
					Error:      fmt.Sprintf("dependency %s did not succeed", blocked),
					Wave:       waveNum,
					StartedAt:  time.Now().UTC(),
					EndedAt:    time.Now().UTC(),
				}
				resultsMu.Lock()
				results[step.ID] = res
				resultsMu.Unlock()
				c.emitStep(emit, ictx.InvestigationID, plan.Iteration, res)
				continue
			}

			// Dependency outputs ride along so synthesis steps can read
			// what earlier waves produced. Deps always finish in earlier
			// waves, so the read here races with nothing.
			resultsMu.Lock()
			upstream := c.upstream(step, results)
			resultsMu.Unlock()

			g.Go(func() error {
				if err := sem.Acquire(waveCtx, 1); err != nil {
					return nil // cancelled before dispatch; collect marks it skipped
				}
				defer sem.Release(1)

				res := c.runStep(waveCtx, step, waveNum, ictx, upstream)
				resultsMu.Lock()
				results[step.ID] = res
				resultsMu.Unlock()
				c.emitStep(emit, ictx.InvestigationID, plan.Iteration, res)
				return nil
			})
		}

		// Wave barrier: wave N+1 never starts before every step of wave N
		// reached a terminal status.
		g.Wait()

		c.emit(emit, models.ProgressEvent{
			Type:            models.EventWaveFinished,
			InvestigationID: ictx.InvestigationID,
			Wave:            waveNum,
			Iteration:       plan.Iteration,
			Timestamp:       time.Now().UTC(),
		})

		if ctx.Err() != nil {
			return c.collect(plan, results), &protocol.CancelledError{InvestigationID: ictx.InvestigationID, Cause: ctx.Err()}
		}
	}

	return c.collect(plan, results), nil
}

// runStep dispatches one step with retry. Transient errors and timeouts
// retry with exponential backoff up to the configured budget; validation
// errors are permanent.
func (c *Coordinator) runStep(ctx context.Context, step models.PlanStep, waveNum int, ictx models.InvestigationContext, upstream map[string]interface{}) *models.StepResult {
	start := time.Now().UTC()
	result := &models.StepResult{
		StepID:     step.ID,
		Capability: step.Capability,
		Wave:       waveNum,
		StartedAt:  start,
	}

	provider, err := c.registry.Select(step.Capability)
	if err != nil {
		result.Status = models.StepFailed
		result.Error = err.Error()
		result.EndedAt = time.Now().UTC()
		return result
	}

	payload := step.Input
	if len(upstream) > 0 {
		payload = make(map[string]interface{}, len(step.Input)+1)
		for k, v := range step.Input {
			payload[k] = v
		}
		payload["upstream"] = upstream
	}

	attempts := 0
	operation := func() error {
		attempts++
		env := protocol.Envelope{
			Sender:           "coordinator",
			Recipient:        step.Capability,
			Action:           "process",
			Payload:          payload,
			InvestigationID:  ictx.InvestigationID,
			StepID:           step.ID,
			RequiresResponse: true,
			Deadline:         time.Now().Add(c.cfg.StepTimeout),
			Context:          ictx,
		}
		res, err := protocol.Send(ctx, provider, env)
		if err != nil {
			if !protocol.Retryable(err) {
				return backoff.Permanent(err)
			}
			log.Warn().
				Str("step", step.ID).
				Str("capability", step.Capability).
				Int("attempt", attempts).
				Err(err).
				Msg("Step attempt failed, will retry")
			return err
		}
		result.Payload = res.Payload
		result.Confidence = res.Confidence
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInterval
	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))

	result.Attempts = attempts
	result.EndedAt = time.Now().UTC()
	result.Duration = result.EndedAt.Sub(start)

	if err != nil {
		result.Status = models.StepFailed
		result.Error = err.Error()
		log.Error().
			Str("step", step.ID).
			Str("capability", step.Capability).
			Int("attempts", attempts).
			Err(err).
			Msg("Step failed")
		return result
	}

	result.Status = models.StepSucceeded
	log.Info().
		Str("step", step.ID).
		Str("capability", step.Capability).
		Float64("confidence", result.Confidence).
		Dur("duration", result.Duration).
		Msg("Step succeeded")
	return result
}

// upstream gathers succeeded dependency payloads keyed by step id.
func (c *Coordinator) upstream(step models.PlanStep, results map[string]*models.StepResult) map[string]interface{} {
	var out map[string]interface{}
	for _, dep := range step.DependsOn {
		res, ok := results[dep]
		if !ok || res.Status != models.StepSucceeded {
			continue
		}
		if out == nil {
			out = make(map[string]interface{}, len(step.DependsOn))
		}
		out[dep] = res.Payload
	}
	return out
}

// blockedBy returns the id of a dependency that did not succeed, or "".
func (c *Coordinator) blockedBy(step models.PlanStep, results map[string]*models.StepResult) string {
	for _, dep := range step.DependsOn {
		if res, ok := results[dep]; !ok || res.Status != models.StepSucceeded {
			return dep
		}
	}
	return ""
}

// collect orders results by plan order, synthesizing skipped results for
// steps that never ran (cancellation short-circuit).
func (c *Coordinator) collect(plan *models.InvestigationPlan, results map[string]*models.StepResult) []models.StepResult {
	out := make([]models.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if res, ok := results[step.ID]; ok {
			out = append(out, *res)
			continue
		}
		now := time.Now().UTC()
		out = append(out, models.StepResult{
			StepID:     step.ID,
			Capability: step.Capability,
			Status:     models.StepSkipped,
			Error:      "not executed",
			StartedAt:  now,
			EndedAt:    now,
		})
	}
	return out
}

func (c *Coordinator) emit(emit EmitFunc, ev models.ProgressEvent) {
	if emit != nil {
		emit(ev)
	}
}

func (c *Coordinator) emitStep(emit EmitFunc, investigationID string, iteration int, res *models.StepResult) {
	if emit == nil {
		return
	}
	emit(models.ProgressEvent{
		Type:            models.EventStepFinished,
		InvestigationID: investigationID,
		Wave:            res.Wave,
		StepID:          res.StepID,
		Iteration:       iteration,
		Payload: map[string]interface{}{
			"status":     string(res.Status),
			"confidence": res.Confidence,
		},
		Timestamp: time.Now().UTC(),
	})
}

// Waves groups plan steps into topological waves: a step's wave is one
// past the deepest wave among its dependencies. Steps within a wave have
// no ordering guarantee. Assumes the plan was validated acyclic.
func Waves(plan *models.InvestigationPlan) [][]models.PlanStep {
	depth := make(map[string]int, len(plan.Steps))
	index := make(map[string]models.PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		index[s.ID] = s
	}

	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range index[id].DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for _, s := range plan.Steps {
		if d := depthOf(s.ID); d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]models.PlanStep, maxDepth+1)
	for _, s := range plan.Steps {
		d := depth[s.ID]
		waves[d] = append(waves[d], s)
	}
	return waves
}
