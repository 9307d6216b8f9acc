package engine

import (
	"context"
	"time"
)

// CapabilityRequest is the input of one step execution.
type CapabilityRequest struct {
	// StepID is the executing step.
	StepID string

	// Kind is the step kind.
	Kind StepKind

	// Params are the step parameters.
	Params map[string]interface{}

	// Context is a copy of the running context. Capabilities may read it freely.
	Context map[string]interface{}

	// DryRun requests a side-effect-free simulation.
	DryRun bool
}

// Param returns a parameter, falling back to the running context when the step
// does not set it.
func (r CapabilityRequest) Param(key string) (interface{}, bool) {
	if v, ok := r.Params[key]; ok {
		return v, true
	}
	v, ok := r.Context[key]
	return v, ok
}

// CapabilityResult is the output of one step execution.
type CapabilityResult struct {
	// Output is merged into the running context.
	Output map[string]interface{}

	// Next overrides the successors to follow. Nil follows every step in Step.Next.
	Next []string

	// Simulated is true when no external call was made.
	Simulated bool
}

// Capability executes one step kind. Implementations own their timeouts.
// A capability that fails may still return a result carrying partial output.
type Capability interface {
	Execute(ctx context.Context, req CapabilityRequest) (*CapabilityResult, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, req CapabilityRequest) (*CapabilityResult, error)

// Execute calls f(ctx, req).
func (f CapabilityFunc) Execute(ctx context.Context, req CapabilityRequest) (*CapabilityResult, error) {
	return f(ctx, req)
}

// CapabilityResolver maps a step kind to its capability.
type CapabilityResolver interface {
	// Resolve returns the capability registered for kind.
	Resolve(kind StepKind) (Capability, error)
}

// EventPublisher receives execution events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives execution measurements.
type MetricsRecorder interface {
	// RecordRun records a finished run.
	RecordRun(trigger RunTrigger, status RunStatus, duration time.Duration)

	// RecordStep records a finished step.
	RecordStep(kind StepKind, status StepStatus, duration time.Duration)
}
