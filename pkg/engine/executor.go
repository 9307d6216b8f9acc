package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// StepsContextKey is the running-context key holding per-step outputs.
const StepsContextKey = "steps"

// ExecutorConfig holds the optional collaborators of an Executor.
type ExecutorConfig struct {
	// Logger receives run and step logs. The zero value discards them.
	Logger zerolog.Logger

	// Events receives execution events, if set.
	Events EventPublisher

	// Metrics receives run and step measurements, if set.
	Metrics MetricsRecorder

	// Tracer creates run and step spans. Defaults to a no-op tracer.
	Tracer trace.Tracer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// RunOptions controls a single execution.
type RunOptions struct {
	// RunID is the run identifier. Generated when empty.
	RunID string

	// PlaybookID is recorded on the run, if known.
	PlaybookID string

	// Version is the published version being run, 0 for drafts.
	Version int

	// DryRun makes every capability simulate instead of reaching outside the process.
	DryRun bool

	// Trigger records what started the run. Defaults to manual.
	Trigger RunTrigger

	// BindingID is the admitting binding, if any.
	BindingID string

	// AlertID is the triggering alert, if any.
	AlertID string
}

// Executor runs documents against a subject. It is safe for concurrent use;
// each run is executed sequentially on the calling goroutine.
type Executor struct {
	resolver CapabilityResolver
	logger   zerolog.Logger
	events   EventPublisher
	metrics  MetricsRecorder
	tracer   trace.Tracer
	now      func() time.Time
}

// NewExecutor creates an executor dispatching steps through resolver.
func NewExecutor(resolver CapabilityResolver, cfg ExecutorConfig) *Executor {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("playbook-executor")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		resolver: resolver,
		logger:   cfg.Logger,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
	}
}

// Run executes doc breadth-first from its entry in next order and returns the run
// record. Each step runs at most once even when reachable through several paths.
// Step failures are captured in the record and never returned; a failed step with
// onFail=stop ends the run and leaves every unvisited step out of the log.
func (e *Executor) Run(ctx context.Context, doc Document, subject Subject, opts RunOptions) *RunRecord {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	record := &RunRecord{
		ID:          opts.RunID,
		PlaybookID:  opts.PlaybookID,
		Version:     opts.Version,
		SubjectKind: subject.Kind,
		SubjectID:   subject.ID,
		Trigger:     opts.Trigger,
		BindingID:   opts.BindingID,
		AlertID:     opts.AlertID,
		DryRun:      opts.DryRun,
		Steps:       []StepRun{},
		Status:      RunStatusRunning,
		StartedAt:   e.now().UTC(),
	}

	ctx, span := e.tracer.Start(ctx, "playbook.run", trace.WithAttributes(
		attribute.String("run.id", record.ID),
		attribute.String("playbook.id", record.PlaybookID),
		attribute.Int("playbook.version", record.Version),
		attribute.Bool("run.dry_run", record.DryRun),
		attribute.String("run.trigger", string(record.Trigger)),
	))
	defer span.End()

	logger := e.logger.With().
		Str("run_id", record.ID).
		Str("playbook_id", record.PlaybookID).
		Bool("dry_run", record.DryRun).
		Logger()
	logger.Debug().Str("entry", doc.Entry).Int("steps", len(doc.Steps)).Msg("Run started")
	e.publishEvent(ctx, record.ID, "", EventTypeRunStarted, "Run started", "info")

	running := subject.Context()
	stepOutputs := make(map[string]interface{})
	running[StepsContextKey] = stepOutputs

	failed := false
	queue := []string{}
	queued := make(map[string]bool, len(doc.Steps))
	if doc.HasStep(doc.Entry) {
		queue = append(queue, doc.Entry)
		queued[doc.Entry] = true
	} else {
		logger.Warn().Str("entry", doc.Entry).Msg("Entry step does not exist, nothing to run")
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, _ := doc.StepByID(id)

		stepRun, result := e.executeStep(ctx, record.ID, step, running, opts.DryRun)
		record.Steps = append(record.Steps, stepRun)

		if stepRun.Output != nil {
			for k, v := range stepRun.Output {
				running[k] = CopyValue(v)
			}
			stepOutputs[step.ID] = CopyMap(stepRun.Output)
			running[StepsContextKey] = stepOutputs
		}

		if stepRun.Status == StepStatusFailed {
			failed = true
			logger.Info().Str("step_id", step.ID).Str("kind", string(step.Kind)).
				Str("on_fail", string(step.OnFail.Effective())).Str("error", stepRun.Error).
				Msg("Step failed")
			if step.OnFail.Effective() == FailStop {
				break
			}
		}

		successors := step.Next
		if result != nil && result.Next != nil {
			successors = selectSuccessors(step.Next, result.Next)
		}
		for _, n := range successors {
			if queued[n] || !doc.HasStep(n) {
				continue
			}
			queued[n] = true
			queue = append(queue, n)
		}
	}

	record.FinishedAt = e.now().UTC()
	record.Status = RunStatusSuccess
	if failed {
		record.Status = RunStatusFailed
	}

	duration := record.FinishedAt.Sub(record.StartedAt)
	if e.metrics != nil {
		e.metrics.RecordRun(record.Trigger, record.Status, duration)
	}
	span.SetAttributes(attribute.String("run.status", string(record.Status)), attribute.Int("run.steps", len(record.Steps)))
	if failed {
		span.SetStatus(codes.Error, "one or more steps failed")
		e.publishEvent(ctx, record.ID, "", EventTypeRunFailed, "Run finished with failed steps", "error")
	} else {
		span.SetStatus(codes.Ok, "")
		e.publishEvent(ctx, record.ID, "", EventTypeRunCompleted, "Run completed successfully", "info")
	}
	logger.Debug().Str("status", string(record.Status)).Dur("duration", duration).Int("executed", len(record.Steps)).
		Msg("Run finished")

	return record
}

// selectSuccessors keeps the next ids chosen by a capability, in next order. Chosen ids
// that are not next edges of the step are dropped.
func selectSuccessors(next, chosen []string) []string {
	selected := make([]string, 0, len(chosen))
	for _, id := range next {
		if containsID(chosen, id) {
			selected = append(selected, id)
		}
	}
	return selected
}

// executeStep invokes the capability of one step and converts any failure, including a
// panic inside the capability, into a failed step log entry.
func (e *Executor) executeStep(ctx context.Context, runID string, step Step, running map[string]interface{}, dryRun bool) (stepRun StepRun, result *CapabilityResult) {
	ctx, span := e.tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
		attribute.Bool("step.side_effects", step.Kind.HasSideEffects()),
	))
	defer span.End()

	start := e.now()
	stepRun = StepRun{
		StepID:    step.ID,
		Kind:      step.Kind,
		Name:      step.Name,
		StartedAt: start.UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			stepRun.Status = StepStatusFailed
			stepRun.Error = NewStepExecutionError(step.ID, step.Kind, fmt.Errorf("capability panicked: %v", r)).Error()
		}
		stepRun.Duration = e.now().Sub(start)
		if e.metrics != nil {
			e.metrics.RecordStep(step.Kind, stepRun.Status, stepRun.Duration)
		}
		if stepRun.Status == StepStatusFailed {
			span.SetStatus(codes.Error, stepRun.Error)
			e.publishEvent(ctx, runID, step.ID, EventTypeStepFailed, stepRun.Error, "error")
		} else {
			span.SetStatus(codes.Ok, "")
			e.publishEvent(ctx, runID, step.ID, EventTypeStepCompleted, "Step completed", "info")
		}
	}()

	capability, err := e.resolver.Resolve(step.Kind)
	if err != nil {
		stepRun.Status = StepStatusFailed
		stepRun.Error = NewStepExecutionError(step.ID, step.Kind, err).Error()
		return stepRun, nil
	}

	req := CapabilityRequest{
		StepID:  step.ID,
		Kind:    step.Kind,
		Params:  CopyMap(step.Params),
		Context: CopyMap(running),
		DryRun:  dryRun,
	}
	result, err = capability.Execute(ctx, req)
	if result != nil {
		stepRun.Output = CopyMap(result.Output)
		stepRun.Simulated = result.Simulated
	}
	if err != nil {
		stepRun.Status = StepStatusFailed
		stepRun.Error = NewStepExecutionError(step.ID, step.Kind, err).Error()
		span.RecordError(err)
		return stepRun, result
	}
	if dryRun && step.Kind.HasSideEffects() && (result == nil || !result.Simulated) {
		stepRun.Status = StepStatusFailed
		stepRun.Error = NewDryRunViolationError(step.ID, step.Kind).Error()
		return stepRun, nil
	}
	stepRun.Status = StepStatusSuccess
	return stepRun, result
}

// publishEvent publishes an execution event.
func (e *Executor) publishEvent(ctx context.Context, runID, stepID string, eventType EventType, message, level string) {
	if e.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: e.now().UTC(),
		RunID:     runID,
		StepID:    stepID,
		Message:   message,
		Level:     level,
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
