package guardrails

import (
	"fmt"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Outcome is the result of evaluating one binding against an alert.
type Outcome string

const (
	// OutcomeAdmitted means the binding matched and passed every guardrail.
	OutcomeAdmitted Outcome = "admitted"

	// OutcomeRejected means the binding matched but a guardrail refused the run.
	OutcomeRejected Outcome = "rejected"

	// OutcomeUnmatched means the binding does not apply to the alert.
	OutcomeUnmatched Outcome = "unmatched"

	// OutcomeError means the bound playbook has no runnable version.
	// Guardrail counters are not charged.
	OutcomeError Outcome = "error"
)

// RejectReason names the guardrail that refused a run.
type RejectReason string

const (
	// ReasonRateLimited means the per-minute limit was reached.
	ReasonRateLimited RejectReason = "rate_limited"

	// ReasonConcurrencyLimited means maxConcurrent runs are already in flight.
	ReasonConcurrencyLimited RejectReason = "concurrency_limited"

	// ReasonDailyQuotaExceeded means the UTC day's admissions reached the quota.
	ReasonDailyQuotaExceeded RejectReason = "daily_quota_exceeded"
)

// GuardrailRejected describes a refused run. It is an expected admission outcome,
// not a system failure.
type GuardrailRejected struct {
	// Reason is the guardrail that refused the run.
	Reason RejectReason `json:"reason"`

	// Limit is the configured limit.
	Limit int `json:"limit"`

	// Current is the counter value at the time of the check.
	Current int `json:"current"`
}

// String returns a human-readable description of the rejection.
func (r GuardrailRejected) String() string {
	return fmt.Sprintf("%s (%d/%d)", r.Reason, r.Current, r.Limit)
}

// Decision is the per-binding result of evaluating an alert.
type Decision struct {
	// BindingID is the evaluated binding.
	BindingID string `json:"bindingId"`

	// RuleID is the binding's alert rule.
	RuleID string `json:"ruleId"`

	// PlaybookID is the bound playbook.
	PlaybookID string `json:"playbookId"`

	// Mode is the binding's run mode.
	Mode engine.RunMode `json:"mode"`

	// Outcome is the evaluation result.
	Outcome Outcome `json:"outcome"`

	// Rejection is set when Outcome is rejected.
	Rejection *GuardrailRejected `json:"rejection,omitempty"`

	// Version is the playbook version that runs or would run.
	Version int `json:"version,omitempty"`

	// RunID is the pre-allocated id of the dispatched run for dry_run and auto_run.
	RunID string `json:"runId,omitempty"`

	// Error describes why no version could be resolved when Outcome is error.
	Error string `json:"error,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decidedAt"`
}

// Matched returns true if the binding applied to the alert.
func (d Decision) Matched() bool {
	return d.Outcome == OutcomeAdmitted || d.Outcome == OutcomeRejected || d.Outcome == OutcomeError
}

// Dispatched returns true if a run was started for the decision.
func (d Decision) Dispatched() bool {
	return d.Outcome == OutcomeAdmitted && d.Mode.Executes()
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
