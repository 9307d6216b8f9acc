package engine

import (
	"time"
)

// Step is one node of a playbook graph.
type Step struct {
	// ID is unique within a document.
	ID string `json:"id"`

	// Kind selects the capability the step invokes.
	Kind StepKind `json:"type"`

	// Name is an optional display label.
	Name string `json:"name,omitempty"`

	// Params are interpreted by the step kind.
	Params map[string]interface{} `json:"params,omitempty"`

	// OnFail decides what happens to the run when the step fails. Empty means continue.
	OnFail FailPolicy `json:"onFail,omitempty"`

	// Next lists successor step ids in execution order. Empty for terminal steps.
	Next []string `json:"next,omitempty"`
}

// Label returns the display name of the step, falling back to its id.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Document is the versionable graph of a playbook.
// Edges may reference missing steps until the document is validated.
type Document struct {
	// Version is a semantic version string chosen by the author, e.g. "1.0.0".
	Version string `json:"version"`

	// Entry is the id of the first step, or empty.
	Entry string `json:"entry,omitempty"`

	// Steps holds the graph nodes in authoring order.
	Steps []Step `json:"steps"`
}

// Playbook is the named, owned automation entity.
type Playbook struct {
	// ID is the unique identifier for this playbook.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Description explains what the playbook does.
	Description string `json:"description,omitempty"`

	// Status is the lifecycle state.
	Status PlaybookStatus `json:"status"`

	// Document is the live, editable document.
	Document Document `json:"currentDocument"`

	// CurrentVersion is the newest published version number, 0 if never published.
	CurrentVersion int `json:"currentVersion"`

	// CreatedBy identifies the author.
	CreatedBy string `json:"createdBy,omitempty"`

	// CreatedAt is when the playbook was created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the playbook was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlaybookVersion is an immutable snapshot created on every publish.
type PlaybookVersion struct {
	// PlaybookID is the playbook this snapshot belongs to.
	PlaybookID string `json:"playbookId"`

	// Version is a monotonic integer, distinct from Document.Version.
	Version int `json:"version"`

	// Document is the frozen document.
	Document Document `json:"document"`

	// CreatedAt is when the version was published.
	CreatedAt time.Time `json:"createdAt"`

	// CreatedBy identifies who published the version.
	CreatedBy string `json:"createdBy,omitempty"`

	// ReleaseNotes describe the change.
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

// PlaybookBinding links an alert rule to a playbook.
type PlaybookBinding struct {
	// ID is the unique identifier for this binding.
	ID string `json:"id"`

	// RuleID is the alert rule the binding belongs to.
	RuleID string `json:"ruleId" validate:"required"`

	// PlaybookID is the bound playbook.
	PlaybookID string `json:"playbookId" validate:"required"`

	// PinnedVersion runs a fixed version. 0 follows the current published version.
	PinnedVersion int `json:"pinnedVersion,omitempty" validate:"gte=0"`

	// Mode is how an admitted alert runs the playbook.
	Mode RunMode `json:"mode" validate:"required,oneof=suggest dry_run auto_run"`

	// MatchTypes filters alerts by type. Empty matches any.
	MatchTypes []string `json:"matchTypes,omitempty"`

	// MatchSeverities filters alerts by severity. Empty matches any.
	MatchSeverities []string `json:"matchSeverities,omitempty"`

	// MatchTags filters alerts by tag intersection. Empty matches any.
	MatchTags []string `json:"matchTags,omitempty"`

	// MaxPerMinute caps admissions per minute. 0 disables the limit.
	MaxPerMinute int `json:"maxPerMinute" validate:"gte=0"`

	// MaxConcurrent caps in-flight runs. 0 disables the limit.
	MaxConcurrent int `json:"maxConcurrent" validate:"gte=0"`

	// DailyQuota caps admissions per UTC day. 0 disables the limit.
	DailyQuota int `json:"dailyQuota" validate:"gte=0"`

	// Enabled turns matching on or off.
	Enabled bool `json:"enabled"`

	// CreatedAt is when the binding was created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the binding was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subject is the entity a playbook runs against.
type Subject struct {
	// Kind is the subject type, e.g. "ip", "host" or "case".
	Kind string `json:"kind"`

	// ID identifies the subject.
	ID string `json:"id"`

	// Attributes are seeded into the running context.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Context builds the initial running context of a run.
// Attributes land at the top level next to subjectKind and subjectId.
func (s Subject) Context() map[string]interface{} {
	ctx := make(map[string]interface{}, len(s.Attributes)+2)
	for k, v := range s.Attributes {
		ctx[k] = CopyValue(v)
	}
	ctx["subjectKind"] = s.Kind
	ctx["subjectId"] = s.ID
	return ctx
}

// Alert is an incoming alert event evaluated against bindings.
type Alert struct {
	// ID is the unique identifier for this alert.
	ID string `json:"id"`

	// RuleID is the rule that raised the alert, if known.
	RuleID string `json:"ruleId,omitempty"`

	// Type is the alert type matched against binding type filters.
	Type string `json:"type"`

	// Severity is matched against binding severity filters.
	Severity string `json:"severity"`

	// Tags are matched against binding tag filters.
	Tags []string `json:"tags,omitempty"`

	// Subject is the entity the alert is about.
	Subject Subject `json:"subject"`

	// Enrichments holds run records attached by auto_run bindings.
	Enrichments []string `json:"enrichments,omitempty"`

	// ReceivedAt is when the alert entered the engine.
	ReceivedAt time.Time `json:"receivedAt"`
}

// StepRun is the outcome of one step execution.
type StepRun struct {
	// StepID is the executed step.
	StepID string `json:"stepId"`

	// Kind is the step kind.
	Kind StepKind `json:"kind"`

	// Name is the step display label.
	Name string `json:"name,omitempty"`

	// Status is the step outcome.
	Status StepStatus `json:"status"`

	// Output is the capability output, possibly partial on failure.
	Output map[string]interface{} `json:"output,omitempty"`

	// Error is the failure message when Status is failed.
	Error string `json:"error,omitempty"`

	// Simulated is true when the capability ran in dry-run mode.
	Simulated bool `json:"simulated,omitempty"`

	// StartedAt is when the step started.
	StartedAt time.Time `json:"startedAt"`

	// Duration is how long the capability took.
	Duration time.Duration `json:"duration"`
}

// RunRecord is the immutable result of one executor invocation.
type RunRecord struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlaybookID is the playbook that ran, empty for ad-hoc test runs.
	PlaybookID string `json:"playbookId,omitempty"`

	// Version is the published version used, 0 for drafts.
	Version int `json:"version"`

	// SubjectKind is the subject type.
	SubjectKind string `json:"subjectKind"`

	// SubjectID identifies the subject.
	SubjectID string `json:"subjectId"`

	// Trigger records what started the run.
	Trigger RunTrigger `json:"trigger"`

	// BindingID is the binding that admitted the run, if any.
	BindingID string `json:"bindingId,omitempty"`

	// AlertID is the alert that triggered the run, if any.
	AlertID string `json:"alertId,omitempty"`

	// DryRun is true when capabilities ran in simulation.
	DryRun bool `json:"dryRun"`

	// Steps is the ordered step log.
	Steps []StepRun `json:"steps"`

	// Status is the overall outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"startedAt"`

	// FinishedAt is when the run finished.
	FinishedAt time.Time `json:"finishedAt"`
}

// Step returns the log entry for a step id.
func (r *RunRecord) Step(id string) (StepRun, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepRun{}, false
}

// ValidationResult holds validator findings.
type ValidationResult struct {
	// Errors block publishing.
	Errors []string `json:"errors"`

	// Warnings are surfaced but never block publishing.
	Warnings []string `json:"warnings"`
}

// CanPublish returns true if there are no errors.
func (r ValidationResult) CanPublish() bool {
	return len(r.Errors) == 0
}

// Clone returns a copy that shares no slices with r.
func (r ValidationResult) Clone() ValidationResult {
	return ValidationResult{
		Errors:   append([]string{}, r.Errors...),
		Warnings: append([]string{}, r.Warnings...),
	}
}

// AuditEntry is an append-only record of a state change.
type AuditEntry struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// Action is the change, e.g. "playbook.published".
	Action string `json:"action"`

	// Actor is the user or system identifier.
	Actor string `json:"actor"`

	// TargetID is the affected playbook, binding or run.
	TargetID string `json:"targetId,omitempty"`

	// Details contains action-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`
}

// Audit actions.
const (
	AuditPlaybookCreated   = "playbook.created"
	AuditPlaybookUpdated   = "playbook.updated"
	AuditPlaybookPublished = "playbook.published"
	AuditPlaybookRollback  = "playbook.rolled_back"
	AuditBindingCreated    = "binding.created"
	AuditBindingUpdated    = "binding.updated"
	AuditBindingDeleted    = "binding.deleted"
	AuditRunFinished       = "run.finished"
	AuditRunSuggested      = "run.suggested"
)

// Event is a timeline event emitted during execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"runId"`

	// StepID is the step, if applicable.
	StepID string `json:"stepId,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// EventType identifies an execution event.
type EventType string

const (
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunCompleted  EventType = "run.completed"
	EventTypeRunFailed     EventType = "run.failed"
	EventTypeStepCompleted EventType = "step.completed"
	EventTypeStepFailed    EventType = "step.failed"
)
