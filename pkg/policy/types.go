package policy

import (
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are surfaced but never block a write.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the write.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the write and should page someone.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
// The module's deny set yields violations at the policy severity; its warn set yields warnings.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for deny results.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Target is the binding or step id the finding is about.
	Target string `json:"target,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the finding severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists deny results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warn results and non-blocking deny results.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluatedPolicies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Findings converts the result into validator-style findings.
func (r *Result) Findings() engine.ValidationResult {
	findings := engine.ValidationResult{Errors: []string{}, Warnings: []string{}}
	for _, v := range r.Violations {
		findings.Errors = append(findings.Errors, v.Message)
	}
	for _, v := range r.Warnings {
		findings.Warnings = append(findings.Warnings, v.Message)
	}
	return findings
}

// Input is the document handed to Rego as input.
type Input struct {
	// Binding is set when a binding is being written.
	Binding *engine.PlaybookBinding `json:"binding,omitempty"`

	// Document is set when a playbook document is being linted.
	Document *engine.Document `json:"document,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is "binding" or "document".
	Operation string `json:"operation"`

	// Actor is the user performing the operation, if known.
	Actor string `json:"actor,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
