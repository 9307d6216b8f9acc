// Package service wires the playbook engine, version store, guardrails, policies and
// persistence into the operations exposed by the froyo-playbook CLI.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/draft"
	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
	"github.com/openfroyo/playbooks/pkg/policy"
	"github.com/openfroyo/playbooks/pkg/stores"
	"github.com/openfroyo/playbooks/pkg/telemetry"
	"github.com/openfroyo/playbooks/pkg/versions"
)

// Options holds the collaborators of a Service.
type Options struct {
	// Store persists playbooks, versions, bindings, runs and audit entries. Required.
	Store stores.Store

	// Capabilities resolves step kinds. Required.
	Capabilities engine.CapabilityResolver

	// Policy lints bindings and documents, if set.
	Policy *policy.Engine

	// Drafts generates AI drafts, if set.
	Drafts *draft.Service

	// Telemetry supplies the logger, tracer, metrics and events, if set.
	Telemetry *telemetry.Telemetry

	// Logger is used when Telemetry is nil.
	Logger zerolog.Logger

	// VersionCacheSize bounds the resolved version cache.
	VersionCacheSize int

	// Clock drives guardrail windows and timestamps. Defaults to the wall clock.
	Clock guardrails.Clock
}

// Service is the playbook automation facade.
type Service struct {
	store    stores.Store
	versions *versions.Store
	executor *engine.Executor
	enforcer *guardrails.Enforcer
	bindings *guardrails.BindingService
	policy   *policy.Engine
	drafts   *draft.Service
	parser   *config.Parser
	logger   zerolog.Logger
	clock    guardrails.Clock

	syncMu       sync.Mutex
	fileBindings map[string]bool
}

// New assembles a service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Capabilities == nil {
		return nil, fmt.Errorf("capability resolver is required")
	}
	if opts.Clock == nil {
		opts.Clock = guardrails.SystemClock()
	}

	logger := opts.Logger
	execCfg := engine.ExecutorConfig{Now: opts.Clock.Now}
	guardCfg := guardrails.Config{Clock: opts.Clock}
	if tel := opts.Telemetry; tel != nil {
		logger = tel.Logger.Zerolog()
		execCfg.Tracer = tel.Tracer.Tracer()
		if tel.Metrics != nil {
			execCfg.Metrics = tel.Metrics
			guardCfg.Metrics = tel.Metrics
		}
		if tel.Events != nil {
			execCfg.Events = tel.Events
		}
	}
	execCfg.Logger = logger.With().Str("component", "executor").Logger()
	guardCfg.Logger = logger.With().Str("component", "guardrails").Logger()

	vs, err := versions.NewStore(opts.Store, versions.Config{
		CacheSize: opts.VersionCacheSize,
		Logger:    logger.With().Str("component", "versions").Logger(),
		Now:       opts.Clock.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:        opts.Store,
		versions:     vs,
		executor:     engine.NewExecutor(opts.Capabilities, execCfg),
		policy:       opts.Policy,
		drafts:       opts.Drafts,
		parser:       config.NewParser(),
		logger:       logger.With().Str("component", "service").Logger(),
		clock:        opts.Clock,
		fileBindings: make(map[string]bool),
	}

	guardCfg.Sink = newRunSink(opts.Store, logger, opts.Clock.Now)
	s.enforcer = guardrails.NewEnforcer(opts.Store, vs, s.executor, guardCfg)

	var bindingPolicy guardrails.BindingPolicy
	if opts.Policy != nil {
		bindingPolicy = opts.Policy
	}
	s.bindings = guardrails.NewBindingService(opts.Store, vs, bindingPolicy, s.enforcer,
		logger.With().Str("component", "bindings").Logger())
	return s, nil
}

// Parser returns the source parser used for imports.
func (s *Service) Parser() *config.Parser {
	return s.parser
}

// Enforcer returns the guardrail enforcer.
func (s *Service) Enforcer() *guardrails.Enforcer {
	return s.enforcer
}

// Validate runs the validator and, when configured, the document policies.
// Blocking policy violations are reported as errors.
func (s *Service) Validate(ctx context.Context, doc engine.Document) (engine.ValidationResult, error) {
	result := engine.Validate(doc)
	if s.policy == nil {
		return result, nil
	}
	findings, err := s.policy.CheckDocument(ctx, doc)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, findings.Errors...)
	result.Warnings = append(result.Warnings, findings.Warnings...)
	return result, nil
}

// Create creates a draft playbook. A nil document seeds the template.
func (s *Service) Create(ctx context.Context, name, description, actor string, doc *engine.Document) (*engine.Playbook, error) {
	return s.versions.Create(ctx, versions.CreateRequest{
		Name:        name,
		Description: description,
		CreatedBy:   actor,
		Document:    doc,
	})
}

// Get returns a playbook.
func (s *Service) Get(ctx context.Context, id string) (*engine.Playbook, error) {
	return s.versions.Get(ctx, id)
}

// List returns every playbook.
func (s *Service) List(ctx context.Context) ([]*engine.Playbook, error) {
	return s.versions.List(ctx)
}

// UpdateDocument saves a new live document without validating it.
func (s *Service) UpdateDocument(ctx context.Context, id string, doc engine.Document, actor string) (*engine.Playbook, error) {
	return s.versions.UpdateDocument(ctx, id, doc, actor)
}

// Publish publishes doc, or the live document when doc is nil, as the next version.
// Validator and blocking policy findings both prevent the publish.
func (s *Service) Publish(ctx context.Context, id string, doc *engine.Document, actor, notes string) (_ *engine.PlaybookVersion, err error) {
	op := telemetry.StartOperation(ctx, "publish", telemetry.AttrPlaybookID.String(id))
	defer func() { op.End(err) }()

	target := engine.Document{}
	if doc != nil {
		target = doc.Clone()
	} else {
		pb, err := s.versions.Get(op.Ctx, id)
		if err != nil {
			return nil, err
		}
		target = pb.Document.Clone()
	}

	result, err := s.Validate(op.Ctx, target)
	if err != nil {
		return nil, err
	}
	if !result.CanPublish() {
		return nil, engine.NewValidationError(result).WithResource(id).WithOperation("publish")
	}
	return s.versions.Publish(op.Ctx, id, target, versions.PublishOptions{Actor: actor, ReleaseNotes: notes})
}

// Rollback restores the live document from a published version.
func (s *Service) Rollback(ctx context.Context, id string, version int, actor string) (*engine.Playbook, error) {
	return s.versions.Rollback(ctx, id, version, actor)
}

// Versions lists the published versions of a playbook, newest first.
func (s *Service) Versions(ctx context.Context, id string) ([]engine.PlaybookVersion, error) {
	return s.versions.ListVersions(ctx, id)
}

// GetVersion returns one published version.
func (s *Service) GetVersion(ctx context.Context, id string, version int) (*engine.PlaybookVersion, error) {
	return s.versions.GetVersion(ctx, id, version)
}

// TestRun executes doc in dry-run against subject. No guardrails apply and the
// document does not need to be valid. The record is stored under playbookID when set.
func (s *Service) TestRun(ctx context.Context, doc engine.Document, subject engine.Subject, playbookID string) *engine.RunRecord {
	record := s.executor.Run(ctx, doc, subject, engine.RunOptions{
		PlaybookID: playbookID,
		DryRun:     true,
		Trigger:    engine.TriggerTest,
	})
	if playbookID != "" {
		if err := s.store.SaveRun(ctx, record); err != nil {
			s.logger.Warn().Err(err).Str("run_id", record.ID).Msg("Failed to store test run")
		}
	}
	return record
}

// RunVersion executes a published version for real against subject.
func (s *Service) RunVersion(ctx context.Context, id string, version int, subject engine.Subject, dryRun bool) (*engine.RunRecord, error) {
	v, err := s.versions.Resolve(ctx, id, version)
	if err != nil {
		return nil, err
	}
	record := s.executor.Run(ctx, v.Document, subject, engine.RunOptions{
		PlaybookID: id,
		Version:    v.Version,
		DryRun:     dryRun,
		Trigger:    engine.TriggerManual,
	})
	if err := s.store.SaveRun(ctx, record); err != nil {
		return record, fmt.Errorf("failed to store run: %w", err)
	}
	return record, nil
}

// Runs lists stored run records.
func (s *Service) Runs(ctx context.Context, filter stores.RunFilter) ([]*engine.RunRecord, error) {
	return s.store.ListRuns(ctx, filter)
}

// Enrichments lists the auto_run records attached to an alert.
func (s *Service) Enrichments(ctx context.Context, alertID string) ([]stores.Enrichment, error) {
	return s.store.ListEnrichments(ctx, alertID)
}

// ImportResult describes an import.
type ImportResult struct {
	Playbook   *engine.Playbook        `json:"playbook"`
	Validation engine.ValidationResult `json:"validation"`
	Renamed    map[string]string       `json:"renamed,omitempty"`
}

// Import creates a draft from bundle, or merges its document into the playbook
// into when set. Validation findings are reported, never enforced.
func (s *Service) Import(ctx context.Context, bundle engine.Bundle, into, actor string) (_ *ImportResult, err error) {
	op := telemetry.StartOperation(ctx, "import", telemetry.AttrPlaybookID.String(into))
	defer func() { op.End(err) }()

	if into == "" {
		name := bundle.Name
		if name == "" {
			name = "Imported playbook"
		}
		pb, err := s.Create(op.Ctx, name, bundle.Description, actor, &bundle.Document)
		if err != nil {
			return nil, err
		}
		result, err := s.Validate(op.Ctx, pb.Document)
		if err != nil {
			return nil, err
		}
		return &ImportResult{Playbook: pb, Validation: result}, nil
	}

	existing, err := s.versions.Get(op.Ctx, into)
	if err != nil {
		return nil, err
	}
	merged, renamed := engine.MergeDocuments(existing.Document, bundle.Document)
	pb, err := s.versions.UpdateDocument(op.Ctx, into, merged, actor)
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(op.Ctx, pb.Document)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Playbook: pb, Validation: result, Renamed: renamed}, nil
}

// ImportFile parses a CUE, YAML or JSON source and imports it.
func (s *Service) ImportFile(ctx context.Context, path, into, actor string) (*ImportResult, []config.ValidationError, error) {
	bundle, diags, err := s.parser.LoadBundle(path)
	if err != nil {
		return nil, diags, err
	}
	result, err := s.Import(ctx, bundle, into, actor)
	return result, nil, err
}

// Export renders the live document of a playbook as a portable bundle.
func (s *Service) Export(ctx context.Context, id string) ([]byte, error) {
	pb, err := s.versions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return engine.ExportPlaybook(*pb, s.clock.Now())
}

// DOT renders a document for Graphviz.
func (s *Service) DOT(doc engine.Document) string {
	return engine.ToDOT(doc)
}

// Draft generates and validates an AI draft.
func (s *Service) Draft(ctx context.Context, prompt string) (*draft.Result, error) {
	if s.drafts == nil {
		return nil, fmt.Errorf("draft generation is not configured")
	}
	return s.drafts.Draft(ctx, prompt)
}

// Evaluate runs an alert through every binding. Dispatched runs continue in the
// background; call Wait to block until they finish.
func (s *Service) Evaluate(ctx context.Context, alert *engine.Alert) (_ []guardrails.Decision, err error) {
	op := telemetry.StartOperation(ctx, "evaluate", telemetry.AttrAlertID.String(alertID(alert)))
	defer func() { op.End(err) }()

	if alert != nil && alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = s.clock.Now().UTC()
	}
	return s.enforcer.Evaluate(op.Ctx, alert)
}

func alertID(alert *engine.Alert) string {
	if alert == nil {
		return ""
	}
	return alert.ID
}

// Wait blocks until every dispatched run has finished.
func (s *Service) Wait() {
	s.enforcer.Wait()
}

// WaitTimeout waits for dispatched runs up to d and reports whether they all finished.
func (s *Service) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.enforcer.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
