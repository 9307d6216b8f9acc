package guardrails

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// BindingSource lists the bindings evaluated against every alert.
type BindingSource interface {
	ListBindings(ctx context.Context) ([]*engine.PlaybookBinding, error)
}

// VersionResolver returns the version a binding runs.
type VersionResolver interface {
	Resolve(ctx context.Context, playbookID string, pinned int) (*engine.PlaybookVersion, error)
}

// Runner executes a document. *engine.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, doc engine.Document, subject engine.Subject, opts engine.RunOptions) *engine.RunRecord
}

// RunSink receives the results of admitted alerts.
type RunSink interface {
	// RunFinished is called from the dispatch goroutine once a dry_run or auto_run execution ends.
	RunFinished(ctx context.Context, alert engine.Alert, decision Decision, record *engine.RunRecord)

	// Suggested is called synchronously when a suggest binding admits an alert.
	Suggested(ctx context.Context, alert engine.Alert, decision Decision)
}

// Metrics receives guardrail measurements.
type Metrics interface {
	RecordDecision(mode engine.RunMode, outcome Outcome, reason RejectReason)
	AddInFlight(delta int)
}

// Config holds the optional collaborators of an Enforcer.
type Config struct {
	// Logger receives decision logs. The zero value discards them.
	Logger zerolog.Logger

	// Clock supplies admission time. Defaults to the wall clock.
	Clock Clock

	// Metrics receives decision and in-flight measurements, if set.
	Metrics Metrics

	// Sink receives run results and suggestions, if set.
	Sink RunSink
}

// Enforcer matches alerts to bindings, applies the guardrails of each binding and
// dispatches admitted runs. Admission is synchronous and never waits for step work;
// executions run on their own goroutines.
type Enforcer struct {
	bindings BindingSource
	versions VersionResolver
	runner   Runner
	logger   zerolog.Logger
	clock    Clock
	metrics  Metrics
	sink     RunSink

	mu     sync.RWMutex
	states map[string]*state

	wg sync.WaitGroup
}

// NewEnforcer creates an enforcer.
func NewEnforcer(bindings BindingSource, versions VersionResolver, runner Runner, cfg Config) *Enforcer {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Enforcer{
		bindings: bindings,
		versions: versions,
		runner:   runner,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		sink:     cfg.Sink,
		states:   make(map[string]*state),
	}
}

// Evaluate returns one decision per binding. The error is non-nil only when the
// bindings cannot be listed; rejections are decisions, not errors.
func (e *Enforcer) Evaluate(ctx context.Context, alert *engine.Alert) ([]Decision, error) {
	if alert == nil {
		return nil, fmt.Errorf("alert is required")
	}
	bindings, err := e.bindings.ListBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	decisions := make([]Decision, 0, len(bindings))
	for _, b := range bindings {
		decisions = append(decisions, e.EvaluateBinding(ctx, b, alert))
	}
	return decisions, nil
}

// EvaluateBinding evaluates a single binding against an alert.
func (e *Enforcer) EvaluateBinding(ctx context.Context, b *engine.PlaybookBinding, alert *engine.Alert) Decision {
	now := e.clock.Now()
	decision := Decision{
		BindingID:  b.ID,
		RuleID:     b.RuleID,
		PlaybookID: b.PlaybookID,
		Mode:       b.Mode,
		Outcome:    OutcomeUnmatched,
		DecidedAt:  now.UTC(),
	}
	logger := e.logger.With().
		Str("binding_id", b.ID).
		Str("alert_id", alert.ID).
		Str("mode", string(b.Mode)).
		Logger()

	if !Matches(b, alert) {
		e.recordDecision(decision)
		return decision
	}

	version, err := e.versions.Resolve(ctx, b.PlaybookID, b.PinnedVersion)
	if err != nil {
		decision.Outcome = OutcomeError
		decision.Error = err.Error()
		logger.Warn().Err(err).Str("playbook_id", b.PlaybookID).Msg("No runnable playbook version for binding")
		e.recordDecision(decision)
		return decision
	}
	decision.Version = version.Version

	st := e.stateFor(b.ID)
	hold := b.Mode.Executes()
	release, rejected := st.admit(b, now, hold)
	if rejected != nil {
		decision.Outcome = OutcomeRejected
		decision.Rejection = rejected
		logger.Debug().Str("reason", string(rejected.Reason)).Int("limit", rejected.Limit).
			Int("current", rejected.Current).Msg("Guardrail rejected run")
		e.recordDecision(decision)
		return decision
	}
	decision.Outcome = OutcomeAdmitted
	e.recordDecision(decision)

	if !hold {
		logger.Info().Str("playbook_id", b.PlaybookID).Int("version", version.Version).Msg("Playbook suggested")
		if e.sink != nil {
			e.sink.Suggested(ctx, *alert, decision)
		}
		return decision
	}

	decision.RunID = uuid.New().String()
	if e.metrics != nil {
		e.metrics.AddInFlight(1)
	}
	logger.Info().Str("playbook_id", b.PlaybookID).Int("version", version.Version).
		Str("run_id", decision.RunID).Msg("Run admitted")

	e.wg.Add(1)
	go e.dispatch(context.WithoutCancel(ctx), *alert, decision, version.Document.Clone(), release)

	return decision
}

// dispatch runs an admitted execution and always releases its in-flight slot.
func (e *Enforcer) dispatch(ctx context.Context, alert engine.Alert, decision Decision, doc engine.Document, release func()) {
	defer e.wg.Done()
	defer func() {
		release()
		if e.metrics != nil {
			e.metrics.AddInFlight(-1)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("run_id", decision.RunID).Str("binding_id", decision.BindingID).
				Interface("panic", r).Msg("Run panicked")
		}
	}()

	record := e.runner.Run(ctx, doc, alert.Subject, engine.RunOptions{
		RunID:      decision.RunID,
		PlaybookID: decision.PlaybookID,
		Version:    decision.Version,
		DryRun:     decision.Mode == engine.ModeDryRun,
		Trigger:    engine.TriggerBinding,
		BindingID:  decision.BindingID,
		AlertID:    alert.ID,
	})

	e.logger.Info().Str("run_id", record.ID).Str("binding_id", decision.BindingID).
		Str("status", string(record.Status)).Int("steps", len(record.Steps)).Msg("Run finished")
	if e.sink != nil {
		e.sink.RunFinished(ctx, alert, decision, record)
	}
}

// stateFor returns the guardrail state of a binding, creating it on first use.
func (e *Enforcer) stateFor(bindingID string) *state {
	e.mu.RLock()
	st, ok := e.states[bindingID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[bindingID]; ok {
		return st
	}
	st = &state{}
	e.states[bindingID] = st
	return st
}

// Forget destroys the guardrail state of a deleted binding. Runs already in flight
// release into the detached state and are no longer counted.
func (e *Enforcer) Forget(bindingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, bindingID)
}

// Counters returns the current guardrail counters of a binding.
func (e *Enforcer) Counters(bindingID string) (Counters, bool) {
	e.mu.RLock()
	st, ok := e.states[bindingID]
	e.mu.RUnlock()
	if !ok {
		return Counters{}, false
	}
	return st.snapshot(e.clock.Now()), true
}

// Wait blocks until every dispatched run has finished.
func (e *Enforcer) Wait() {
	e.wg.Wait()
}

func (e *Enforcer) recordDecision(d Decision) {
	if e.metrics == nil {
		return
	}
	var reason RejectReason
	if d.Rejection != nil {
		reason = d.Rejection.Reason
	}
	e.metrics.RecordDecision(d.Mode, d.Outcome, reason)
}
