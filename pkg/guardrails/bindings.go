package guardrails

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// BindingRepository persists bindings and their audit trail.
// Implementations return engine not-found errors for unknown ids.
type BindingRepository interface {
	BindingSource
	CreateBinding(ctx context.Context, b *engine.PlaybookBinding) error
	UpdateBinding(ctx context.Context, b *engine.PlaybookBinding) error
	DeleteBinding(ctx context.Context, id string) error
	GetBinding(ctx context.Context, id string) (*engine.PlaybookBinding, error)
	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
}

// PlaybookGetter checks that a bound playbook exists.
type PlaybookGetter interface {
	Get(ctx context.Context, id string) (*engine.Playbook, error)
}

// BindingPolicy lints a binding before it is written. A non-nil error blocks the write;
// warnings are advisory.
type BindingPolicy interface {
	CheckBinding(ctx context.Context, b *engine.PlaybookBinding) (warnings []string, err error)
}

// BindingService implements binding CRUD with write-time validation.
type BindingService struct {
	repo      BindingRepository
	playbooks PlaybookGetter
	policy    BindingPolicy
	enforcer  *Enforcer
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBindingService creates a binding service. policy and enforcer may be nil.
func NewBindingService(repo BindingRepository, playbooks PlaybookGetter, policy BindingPolicy, enforcer *Enforcer, logger zerolog.Logger) *BindingService {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &BindingService{
		repo:      repo,
		playbooks: playbooks,
		policy:    policy,
		enforcer:  enforcer,
		validate:  v,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate checks a binding's fields without writing it.
func (s *BindingService) Validate(b *engine.PlaybookBinding) error {
	err := s.validate.Struct(b)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate binding: %w", err)
	}
	result := engine.ValidationResult{Errors: []string{}, Warnings: []string{}}
	for _, fe := range verrs {
		result.Errors = append(result.Errors, describeFieldError(fe))
	}
	return engine.NewValidationError(result).WithResource(b.ID).WithOperation("binding")
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// Create validates and stores a new binding.
func (s *BindingService) Create(ctx context.Context, b engine.PlaybookBinding, actor string) (*engine.PlaybookBinding, []string, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	warnings, err := s.check(ctx, &b)
	if err != nil {
		return nil, warnings, err
	}
	now := s.now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := s.repo.CreateBinding(ctx, &b); err != nil {
		return nil, warnings, fmt.Errorf("failed to create binding: %w", err)
	}
	s.audit(ctx, engine.AuditBindingCreated, actor, &b)
	s.logger.Info().Str("binding_id", b.ID).Str("playbook_id", b.PlaybookID).Str("mode", string(b.Mode)).
		Msg("Binding created")
	return &b, warnings, nil
}

// Update validates and replaces an existing binding. Guardrail counters survive updates.
func (s *BindingService) Update(ctx context.Context, b engine.PlaybookBinding, actor string) (*engine.PlaybookBinding, []string, error) {
	existing, err := s.repo.GetBinding(ctx, b.ID)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := s.check(ctx, &b)
	if err != nil {
		return nil, warnings, err
	}
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateBinding(ctx, &b); err != nil {
		return nil, warnings, fmt.Errorf("failed to update binding: %w", err)
	}
	s.audit(ctx, engine.AuditBindingUpdated, actor, &b)
	return &b, warnings, nil
}

// Delete removes a binding and destroys its guardrail state.
func (s *BindingService) Delete(ctx context.Context, id, actor string) error {
	b, err := s.repo.GetBinding(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBinding(ctx, id); err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if s.enforcer != nil {
		s.enforcer.Forget(id)
	}
	s.audit(ctx, engine.AuditBindingDeleted, actor, b)
	s.logger.Info().Str("binding_id", id).Msg("Binding deleted")
	return nil
}

// Get returns a binding.
func (s *BindingService) Get(ctx context.Context, id string) (*engine.PlaybookBinding, error) {
	return s.repo.GetBinding(ctx, id)
}

// List returns every binding.
func (s *BindingService) List(ctx context.Context) ([]*engine.PlaybookBinding, error) {
	return s.repo.ListBindings(ctx)
}

func (s *BindingService) check(ctx context.Context, b *engine.PlaybookBinding) ([]string, error) {
	if err := s.Validate(b); err != nil {
		return nil, err
	}
	if s.playbooks != nil {
		if _, err := s.playbooks.Get(ctx, b.PlaybookID); err != nil {
			return nil, err
		}
	}
	if s.policy == nil {
		return nil, nil
	}
	return s.policy.CheckBinding(ctx, b)
}

func (s *BindingService) audit(ctx context.Context, action, actor string, b *engine.PlaybookBinding) {
	if actor == "" {
		actor = "system"
	}
	entry := &engine.AuditEntry{
		Action:   action,
		Actor:    actor,
		TargetID: b.ID,
		Details: map[string]interface{}{
			"ruleId":     b.RuleID,
			"playbookId": b.PlaybookID,
			"mode":       string(b.Mode),
		},
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}
