package providers_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opsleuth/opsleuth/internal/protocol"
	"github.com/opsleuth/opsleuth/internal/providers"
	"github.com/opsleuth/opsleuth/internal/registry"
	"github.com/opsleuth/opsleuth/pkg/models"
)

func envelope(stepID string, payload map[string]interface{}) protocol.Envelope {
	return protocol.Envelope{
		Sender:           "coordinator",
		StepID:           stepID,
		Payload:          payload,
		RequiresResponse: true,
		Context:          models.InvestigationContext{InvestigationID: "inv-fixed"},
	}
}

func TestRegisterBuiltinsWiresAllCapabilities(t *testing.T) {
	r := registry.New()
	providers.RegisterBuiltins(r)

	var names []string
	for _, c := range r.Capabilities() {
		names = append(names, c.Name)
	}
	want := []string{"anomaly-scan", "log-search", "timeline", "correlation", "policy-check", "report"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Capabilities() mismatch (-want +got):\n%s", diff)
	}
}

func TestProvidersAreDeterministic(t *testing.T) {
	r := registry.New()
	providers.RegisterBuiltins(r)

	for _, c := range r.Capabilities() {
		p, err := r.Resolve(c.Name)
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", c.Name, err)
		}

		env := envelope("s1-"+c.Name, map[string]interface{}{"window": "1h"})
		first, err := p.Process(context.Background(), env)
		if err != nil {
			t.Fatalf("%s.Process() error = %v", c.Name, err)
		}
		second, err := p.Process(context.Background(), env)
		if err != nil {
			t.Fatalf("%s.Process() second call error = %v", c.Name, err)
		}

		if diff := cmp.Diff(first.Payload, second.Payload); diff != "" {
			t.Errorf("%s payload differs across identical calls (-first +second):\n%s", c.Name, diff)
		}
		if first.Confidence != second.Confidence {
			t.Errorf("%s confidence differs: %v vs %v", c.Name, first.Confidence, second.Confidence)
		}
		if first.Confidence < 0 || first.Confidence > 1 {
			t.Errorf("%s confidence = %v, want within [0,1]", c.Name, first.Confidence)
		}
	}
}

func TestReportSynthesizesUpstreamFindings(t *testing.T) {
	p := providers.NewReport()

	env := envelope("s9-report", map[string]interface{}{
		"upstream": map[string]interface{}{
			"s1-log-search": map[string]interface{}{
				"findings": []interface{}{"err spike", "oom kill"},
			},
			"s2-timeline": map[string]interface{}{
				"findings": []interface{}{"deploy at t0"},
			},
		},
	})
	res, err := p.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if got := res.Payload["summary"]; got != "3 findings across 2 sources" {
		t.Errorf("summary = %v, want %q", got, "3 findings across 2 sources")
	}
	if len(res.Findings()) == 0 {
		t.Error("report with upstream findings produced none of its own")
	}
}

func TestReportWithoutUpstreamHasNoFindings(t *testing.T) {
	p := providers.NewReport()

	res, err := p.Process(context.Background(), envelope("s1-report", nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(res.Findings()) != 0 {
		t.Errorf("Findings() = %v, want none when nothing was produced upstream", res.Findings())
	}
}

func TestCorrelationLinksUpstreamSources(t *testing.T) {
	p := providers.NewCorrelation()

	env := envelope("s3-correlation", map[string]interface{}{
		"upstream": map[string]interface{}{
			"s1-anomaly-scan": map[string]interface{}{
				"findings": []interface{}{"cpu spike"},
			},
			"s2-log-search": map[string]interface{}{
				"findings": []interface{}{},
			},
		},
	})
	res, err := p.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Only the source with findings yields a link.
	if got := len(res.Findings()); got != 1 {
		t.Errorf("Findings() count = %d, want 1", got)
	}
}

func TestProvidersHonorCancellation(t *testing.T) {
	r := registry.New()
	providers.RegisterBuiltins(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, c := range r.Capabilities() {
		p, _ := r.Resolve(c.Name)
		if _, err := p.Process(ctx, envelope("s1", nil)); err == nil {
			t.Errorf("%s.Process() with cancelled ctx: expected error, got nil", c.Name)
		}
	}
}
