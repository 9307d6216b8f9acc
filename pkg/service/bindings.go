package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// bindingsFileActor is the audit actor for changes made by SyncBindings.
const bindingsFileActor = "bindings-file"

// CreateBinding validates and stores a binding. Policy warnings are returned.
func (s *Service) CreateBinding(ctx context.Context, b engine.PlaybookBinding, actor string) (*engine.PlaybookBinding, []string, error) {
	return s.bindings.Create(ctx, b, actor)
}

// UpdateBinding replaces a binding, keeping its guardrail counters.
func (s *Service) UpdateBinding(ctx context.Context, b engine.PlaybookBinding, actor string) (*engine.PlaybookBinding, []string, error) {
	return s.bindings.Update(ctx, b, actor)
}

// DeleteBinding removes a binding and its guardrail state.
func (s *Service) DeleteBinding(ctx context.Context, id, actor string) error {
	return s.bindings.Delete(ctx, id, actor)
}

// GetBinding returns a binding.
func (s *Service) GetBinding(ctx context.Context, id string) (*engine.PlaybookBinding, error) {
	return s.bindings.Get(ctx, id)
}

// ListBindings returns every binding.
func (s *Service) ListBindings(ctx context.Context) ([]*engine.PlaybookBinding, error) {
	return s.bindings.List(ctx)
}

// SyncBindings makes the store match a bindings file. Every entry needs an id; existing
// bindings are updated, new ones created, and bindings an earlier sync created but the
// file no longer lists are deleted. Bindings created through other paths are left alone.
// Every entry is attempted; the errors are joined.
func (s *Service) SyncBindings(ctx context.Context, bindings []engine.PlaybookBinding) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(bindings))

	for _, b := range bindings {
		if b.ID == "" {
			errs = append(errs, engine.NewSchemaError(fmt.Sprintf("binding for rule %s has no id", b.RuleID), nil))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, engine.NewConflictError(fmt.Sprintf("binding %s is listed twice", b.ID), nil).WithResource(b.ID))
			continue
		}
		seen[b.ID] = true

		_, err := s.bindings.Get(ctx, b.ID)
		switch {
		case err == nil:
			_, _, err = s.bindings.Update(ctx, b, bindingsFileActor)
		case engine.IsNotFound(err):
			_, _, err = s.bindings.Create(ctx, b, bindingsFileActor)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", b.ID, err))
			continue
		}
		s.fileBindings[b.ID] = true
	}

	for id := range s.fileBindings {
		if seen[id] {
			continue
		}
		if err := s.bindings.Delete(ctx, id, bindingsFileActor); err != nil && !engine.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("binding %s: %w", id, err))
			continue
		}
		delete(s.fileBindings, id)
	}

	s.logger.Info().Int("bindings", len(bindings)).Int("errors", len(errs)).Msg("Bindings file synced")
	return errors.Join(errs...)
}
