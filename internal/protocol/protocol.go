// Package protocol defines the message envelope exchanged between the
// execution coordinator and capability providers, the provider contract,
// and the step-level error kinds that drive retry policy.
//
// Envelopes are immutable once sent: all context travels by value or as a
// read-only handle. The protocol itself enforces deadlines but owns no
// retry policy — retries belong to the coordinator.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsleuth/opsleuth/pkg/models"
)

// Envelope is a single request from the coordinator to a provider.
type Envelope struct {
	Sender           string
	Recipient        string
	Action           string
	Payload          map[string]interface{}
	InvestigationID  string
	StepID           string
	RequiresResponse bool
	Deadline         time.Time
	Context          models.InvestigationContext
}

// Provider is the single interface all capability providers implement.
// Process must honor ctx cancellation and the envelope deadline, returning
// a result payload plus a confidence score in [0,1].
type Provider interface {
	// Name is the capability name the provider serves.
	Name() string

	// CapabilityTags advertises keyword tags used for free-text matching
	// at registration time.
	CapabilityTags() []string

	// Process handles one envelope. Errors are classified by the error
	// kinds below; anything unclassified is treated as transient.
	Process(ctx context.Context, env Envelope) (*models.StepResult, error)
}

// LoadReporter is optionally implemented by providers that can report a
// load hint (e.g. current queue depth). Higher means busier.
type LoadReporter interface {
	LoadHint() float64
}

// Send dispatches an envelope to a provider, enforcing the envelope
// deadline. When the deadline elapses the call fails with *TimeoutError;
// the caller decides whether to retry. When RequiresResponse is false the
// result is discarded and only the error is reported.
func Send(ctx context.Context, p Provider, env Envelope) (*models.StepResult, error) {
	if !env.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
		defer cancel()
	}

	res, err := p.Process(ctx, env)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Capability: p.Name(), StepID: env.StepID, Deadline: env.Deadline}
		}
		return nil, err
	}
	if !env.RequiresResponse {
		return nil, nil
	}
	if res == nil {
		return nil, &ValidationError{Capability: p.Name(), Reason: "provider returned no result"}
	}
	return res, nil
}

// ── Error kinds ──────────────────────────────────────────────

// TimeoutError means the envelope deadline elapsed before the provider
// responded. Retryable.
type TimeoutError struct {
	Capability string
	StepID     string
	Deadline   time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out on step %s", e.Capability, e.StepID)
}

// TransientError is a provider-signalled temporary failure. Retryable.
type TransientError struct {
	Capability string
	Cause      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("capability %s transient failure: %v", e.Capability, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ValidationError means the provider rejected the envelope's input.
// Never retried.
type ValidationError struct {
	Capability string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability %s rejected input: %s", e.Capability, e.Reason)
}

// CancelledError means work was aborted by cancellation, not by a
// failure. Never retried. Unwraps to the underlying context error so
// errors.Is(err, context.Canceled) keeps working for callers that only
// care about the context.
type CancelledError struct {
	InvestigationID string
	Cause           error
}

func (e *CancelledError) Error() string {
	if e.InvestigationID == "" {
		return "investigation cancelled"
	}
	return "investigation cancelled: " + e.InvestigationID
}

func (e *CancelledError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return context.Canceled
}

// Retryable reports whether an error from Send may be retried: timeouts
// and transient errors are, validation errors and cancellations are not.
// Unclassified errors count as transient so that flaky providers get
// their retries.
func Retryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
