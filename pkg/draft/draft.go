// Package draft turns a free-text prompt into a candidate playbook document.
//
// A Generator produces the document and the Service runs the validator over it.
// Drafts are created like any other playbook and must pass validation to publish.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// ErrEmptyPrompt is returned when the prompt is blank.
var ErrEmptyPrompt = errors.New("draft prompt is empty")

// Generator produces a candidate document from a prompt.
type Generator interface {
	Draft(ctx context.Context, prompt string) (*engine.Document, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (*engine.Document, error)

// Draft calls f.
func (f GeneratorFunc) Draft(ctx context.Context, prompt string) (*engine.Document, error) {
	return f(ctx, prompt)
}

// Result is a generated document with its validation findings.
type Result struct {
	Document   engine.Document         `json:"document"`
	Validation engine.ValidationResult `json:"validation"`
}

// Service validates generated drafts.
type Service struct {
	generator Generator
	logger    zerolog.Logger
}

// NewService creates a draft service.
func NewService(generator Generator, logger zerolog.Logger) *Service {
	return &Service{
		generator: generator,
		logger:    logger.With().Str("component", "draft").Logger(),
	}
}

// Draft generates a document for prompt and validates it. Generation failures are
// returned as plain errors; a document that fails validation is still returned.
func (s *Service) Draft(ctx context.Context, prompt string) (*Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	doc, err := s.generator.Draft(ctx, prompt)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Draft generation failed")
		return nil, fmt.Errorf("draft generation failed: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("draft generation returned no document")
	}

	result := &Result{
		Document:   doc.Clone(),
		Validation: engine.Validate(*doc),
	}
	s.logger.Info().
		Int("steps", len(result.Document.Steps)).
		Int("errors", len(result.Validation.Errors)).
		Int("warnings", len(result.Validation.Warnings)).
		Msg("Draft generated")
	return result, nil
}
