// Package providers ships the built-in capability providers. They are
// deterministic: output is derived from the envelope payload and the
// investigation context, never from wall-clock randomness, so repeated
// runs of the same plan produce the same findings.
package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync/atomic"

	"github.com/opsleuth/opsleuth/internal/protocol"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

// RegisterBuiltins wires every built-in provider into the registry.
func RegisterBuiltins(r *registry.Registry) {
	for _, p := range []protocol.Provider{
		NewAnomalyScan(),
		NewLogSearch(),
		NewTimeline(),
		NewCorrelation(),
		NewPolicyCheck(),
		NewReport(),
	} {
		r.Register(p.Name(), p, p.CapabilityTags())
	}
}

// base carries the shared in-flight counter backing LoadHint.
type base struct {
	inflight int64
}

func (b *base) LoadHint() float64 { return float64(atomic.LoadInt64(&b.inflight)) }

func (b *base) track() func() {
	atomic.AddInt64(&b.inflight, 1)
	return func() { atomic.AddInt64(&b.inflight, -1) }
}

// score derives a stable pseudo-score in [0,1) from the envelope, so a
// given step always reports the same numbers.
func score(env protocol.Envelope, salt string) float64 {
	h := fnv.New64a()
	h.Write([]byte(env.Context.InvestigationID))
	h.Write([]byte(env.StepID))
	h.Write([]byte(salt))
	return float64(h.Sum64()%1000) / 1000
}

func done(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ── Anomaly scan ─────────────────────────────────────────────

// AnomalyScan flags metric series whose derived deviation exceeds a
// fixed threshold.
type AnomalyScan struct{ base }

func NewAnomalyScan() *AnomalyScan { return &AnomalyScan{} }

func (p *AnomalyScan) Name() string { return "anomaly-scan" }

func (p *AnomalyScan) CapabilityTags() []string {
	return []string{"anomaly", "metrics", "detection", "spike"}
}

func (p *AnomalyScan) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	series := []string{"cpu_usage", "error_rate", "latency_p99", "memory_rss"}
	var findings []interface{}
	for _, s := range series {
		dev := score(env, "anomaly/"+s)
		threshold := 0.6
		if env.Payload["relaxed"] == true {
			threshold = 0.4
		}
		if dev > threshold {
			findings = append(findings, map[string]interface{}{
				"series":    s,
				"deviation": dev,
				"kind":      "spike",
			})
		}
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings":       findings,
			"series_scanned": len(series),
			"window":         env.Payload["window"],
		},
		Confidence: 0.6 + 0.4*score(env, "anomaly/confidence"),
	}, nil
}

// ── Log search ───────────────────────────────────────────────

// LogSearch surfaces error-class log lines matching the step input.
type LogSearch struct{ base }

func NewLogSearch() *LogSearch { return &LogSearch{} }

func (p *LogSearch) Name() string { return "log-search" }

func (p *LogSearch) CapabilityTags() []string {
	return []string{"logs", "search", "errors", "grep"}
}

func (p *LogSearch) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	n := int(score(env, "logs/count") * 10)
	if env.Payload["scope"] == "wide" {
		n += 3
	}
	var findings []interface{}
	for i := 0; i < n; i++ {
		findings = append(findings, map[string]interface{}{
			"line":     fmt.Sprintf("error pattern %d matched", i+1),
			"severity": "error",
			"count":    1 + int(score(env, fmt.Sprintf("logs/%d", i))*100),
		})
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings": findings,
			"matched":  n,
		},
		Confidence: 0.5 + 0.5*score(env, "logs/confidence"),
	}, nil
}

// ── Timeline ─────────────────────────────────────────────────

// Timeline orders notable events into a causal sequence.
type Timeline struct{ base }

func NewTimeline() *Timeline { return &Timeline{} }

func (p *Timeline) Name() string { return "timeline" }

func (p *Timeline) CapabilityTags() []string {
	return []string{"timeline", "sequence", "events", "chronology"}
}

func (p *Timeline) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	events := []interface{}{
		map[string]interface{}{"offset_s": 0, "event": "deploy rollout started"},
		map[string]interface{}{"offset_s": 120, "event": "error rate began climbing"},
		map[string]interface{}{"offset_s": 300, "event": "first alert fired"},
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings": events,
			"span_s":   300,
		},
		Confidence: 0.7 + 0.3*score(env, "timeline/confidence"),
	}, nil
}

// ── Correlation ──────────────────────────────────────────────

// Correlation links findings from upstream steps that share a signal.
type Correlation struct{ base }

func NewCorrelation() *Correlation { return &Correlation{} }

func (p *Correlation) Name() string { return "correlation" }

func (p *Correlation) CapabilityTags() []string {
	return []string{"correlation", "link", "join", "causes"}
}

func (p *Correlation) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	upstream, _ := env.Payload["upstream"].(map[string]interface{})
	var findings []interface{}
	for _, id := range sortedKeys(upstream) {
		out, _ := upstream[id].(map[string]interface{})
		if out == nil {
			continue
		}
		if fs, _ := out["findings"].([]interface{}); len(fs) > 0 {
			findings = append(findings, map[string]interface{}{
				"source":   id,
				"linked":   len(fs),
				"relation": "temporal-overlap",
			})
		}
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings": findings,
			"sources":  len(upstream),
		},
		Confidence: 0.55 + 0.45*score(env, "correlation/confidence"),
	}, nil
}

// ── Policy check ─────────────────────────────────────────────

// PolicyCheck evaluates findings against configured guardrail rules.
type PolicyCheck struct{ base }

func NewPolicyCheck() *PolicyCheck { return &PolicyCheck{} }

func (p *PolicyCheck) Name() string { return "policy-check" }

func (p *PolicyCheck) CapabilityTags() []string {
	return []string{"policy", "compliance", "guardrail", "rules"}
}

func (p *PolicyCheck) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	violations := int(score(env, "policy/violations") * 3)
	var findings []interface{}
	for i := 0; i < violations; i++ {
		findings = append(findings, map[string]interface{}{
			"rule":     fmt.Sprintf("retention-rule-%d", i+1),
			"severity": "warning",
		})
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings":   findings,
			"rules_run":  12,
			"violations": violations,
		},
		Confidence: 0.8 + 0.2*score(env, "policy/confidence"),
	}, nil
}

// ── Report ───────────────────────────────────────────────────

// Report synthesizes upstream step outputs into a summary. It runs last
// in exhaustive plans and depends on every detector step.
type Report struct{ base }

func NewReport() *Report { return &Report{} }

func (p *Report) Name() string { return "report" }

func (p *Report) CapabilityTags() []string {
	return []string{"report", "summary", "synthesis", "writeup"}
}

func (p *Report) Process(ctx context.Context, env protocol.Envelope) (*models.StepResult, error) {
	defer p.track()()
	if err := done(ctx); err != nil {
		return nil, err
	}

	upstream, _ := env.Payload["upstream"].(map[string]interface{})
	total := 0
	sections := make([]interface{}, 0, len(upstream))
	for _, id := range sortedKeys(upstream) {
		out, _ := upstream[id].(map[string]interface{})
		if out == nil {
			continue
		}
		fs, _ := out["findings"].([]interface{})
		total += len(fs)
		sections = append(sections, map[string]interface{}{
			"source":   id,
			"findings": len(fs),
		})
	}

	summary := fmt.Sprintf("%d findings across %d sources", total, len(sections))
	findings := []interface{}{map[string]interface{}{"summary": summary}}
	if total == 0 {
		// Nothing upstream to report on carries no actionable signal.
		findings = nil
	}
	return &models.StepResult{
		Payload: map[string]interface{}{
			"findings": findings,
			"sections": sections,
			"summary":  summary,
		},
		Confidence: 0.75,
	}, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
