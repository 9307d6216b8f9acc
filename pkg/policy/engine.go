package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
)

// Engine evaluates Rego policies against bindings and playbook documents.
// It satisfies guardrails.BindingPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

var _ guardrails.BindingPolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithData exposes data to policies under data.froyo, e.g. {"limits": {"maxPerMinute": 60}}.
func WithData(data map[string]interface{}) Option {
	return func(e *Engine) {
		e.store = inmem.NewFromObject(map[string]interface{}{"froyo": data})
	}
}

// WithClock overrides the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	if input.Context == nil {
		input.Context = &Context{Timestamp: e.now().UTC()}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		denies, err := e.evaluateSet(ctx, cp, cp.deny, input, cp.policy.Severity)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		warns, err := e.evaluateSet(ctx, cp, cp.warn, input, SeverityWarning)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range denies {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
				continue
			}
			result.Warnings = append(result.Warnings, v)
		}
		result.Warnings = append(result.Warnings, warns...)
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("operation", input.Context.Operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// CheckBinding lints a binding before it is written. Blocking violations return a
// validation error carrying every finding; otherwise the warnings are returned.
func (e *Engine) CheckBinding(ctx context.Context, b *engine.PlaybookBinding) ([]string, error) {
	result, err := e.Evaluate(ctx, &Input{
		Binding: b,
		Context: &Context{Operation: "binding", Timestamp: e.now().UTC()},
	})
	if err != nil {
		return nil, engine.NewInternalError("policy evaluation failed", err).WithOperation("binding")
	}
	findings := result.Findings()
	if !result.Allowed {
		return findings.Warnings, engine.NewValidationError(findings).WithResource(b.ID).WithOperation("policy")
	}
	return findings.Warnings, nil
}

// CheckDocument lints a playbook document. Blocking violations are reported as errors.
func (e *Engine) CheckDocument(ctx context.Context, doc engine.Document) (engine.ValidationResult, error) {
	result, err := e.Evaluate(ctx, &Input{
		Document: &doc,
		Context:  &Context{Operation: "document", Timestamp: e.now().UTC()},
	})
	if err != nil {
		return engine.ValidationResult{}, engine.NewInternalError("policy evaluation failed", err).WithOperation("document")
	}
	return result.Findings(), nil
}

// evaluateSet evaluates one deny or warn set of a compiled policy.
func (e *Engine) evaluateSet(ctx context.Context, cp *compiledPolicy, query rego.PreparedEvalQuery, input *Input, severity Severity) ([]Violation, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				violations = append(violations, createViolation(cp.policy, item, severity))
			}
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from one element of a deny or warn set.
func createViolation(policy *Policy, item interface{}, severity Severity) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := item.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && severity != SeverityWarning {
			violation.Severity = Severity(sev)
		}
		if target, ok := v["target"].(string); ok {
			violation.Target = target
		}
	default:
		violation.Message = fmt.Sprintf("%v", item)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu or own e exclusively.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	pkg := module.Package.Path.String()
	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.ParsedModule(module),
			rego.Store(e.store),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return fmt.Errorf("failed to prepare deny query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return fmt.Errorf("failed to prepare warn query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return nil
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps every non-builtin policy for the given set. On a compile
// failure the engine keeps its previous policies.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}

	for i := range policies {
		p := policies[i]
		if cp, exists := e.policies[p.Name]; exists && cp.policy.Builtin {
			e.policies = previous
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
