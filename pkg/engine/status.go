package engine

import (
	"encoding/json"
	"fmt"
)

// StepKind identifies the capability a step invokes.
type StepKind string

const (
	// KindGeoIP resolves an IP address to a location.
	KindGeoIP StepKind = "geoip"

	// KindWhois looks up registration data for a domain.
	KindWhois StepKind = "whois"

	// KindHTTPGet performs an HTTP GET request.
	KindHTTPGet StepKind = "http_get"

	// KindHTTPPost performs an HTTP POST request.
	KindHTTPPost StepKind = "http_post"

	// KindVirusTotal queries reputation data for an indicator.
	KindVirusTotal StepKind = "virustotal"

	// KindReverseGeocode resolves coordinates to a place.
	KindReverseGeocode StepKind = "reverse_geocode"

	// KindKeywordMatch searches the running context for keywords.
	KindKeywordMatch StepKind = "keyword_match"

	// KindBranch evaluates a condition and selects successors.
	KindBranch StepKind = "branch"

	// KindWait pauses the flow.
	KindWait StepKind = "wait"

	// KindOutput renders a message from the running context.
	KindOutput StepKind = "output"
)

// StepKinds returns every recognized step kind in declaration order.
func StepKinds() []StepKind {
	return []StepKind{
		KindGeoIP, KindWhois, KindHTTPGet, KindHTTPPost, KindVirusTotal,
		KindReverseGeocode, KindKeywordMatch, KindBranch, KindWait, KindOutput,
	}
}

// Validate checks if the step kind is recognized.
func (k StepKind) Validate() error {
	switch k {
	case KindGeoIP, KindWhois, KindHTTPGet, KindHTTPPost, KindVirusTotal,
		KindReverseGeocode, KindKeywordMatch, KindBranch, KindWait, KindOutput:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %q", string(k))
	}
}

// HasSideEffects returns true if the kind reaches outside the process when executed for real.
func (k StepKind) HasSideEffects() bool {
	switch k {
	case KindGeoIP, KindWhois, KindHTTPGet, KindHTTPPost, KindVirusTotal, KindReverseGeocode:
		return true
	default:
		return false
	}
}

// FailPolicy decides what happens to the run when a step fails.
type FailPolicy string

const (
	// FailContinue proceeds to the failed step's successors.
	FailContinue FailPolicy = "continue"

	// FailStop halts the run immediately.
	FailStop FailPolicy = "stop"
)

// Effective returns the policy with the empty value resolved to FailContinue.
func (p FailPolicy) Effective() FailPolicy {
	if p == "" {
		return FailContinue
	}
	return p
}

// Validate checks if the fail policy is valid. The empty policy is valid.
func (p FailPolicy) Validate() error {
	switch p {
	case "", FailContinue, FailStop:
		return nil
	default:
		return fmt.Errorf("invalid onFail policy: %q", string(p))
	}
}

// StepStatus is the outcome of a single step execution.
type StepStatus string

const (
	// StepStatusSuccess indicates the capability returned without error.
	StepStatusSuccess StepStatus = "success"

	// StepStatusFailed indicates the capability returned an error.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was deliberately not executed.
	StepStatusSkipped StepStatus = "skipped"
)

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// RunStatus represents the overall status of a playbook run.
type RunStatus string

const (
	// RunStatusRunning indicates the run has been admitted and is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSuccess indicates every executed step succeeded.
	RunStatusSuccess RunStatus = "success"

	// RunStatusFailed indicates at least one executed step failed.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSuccess, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// PlaybookStatus is the lifecycle state of a playbook.
type PlaybookStatus string

const (
	// PlaybookStatusDraft indicates the playbook has never been published.
	PlaybookStatusDraft PlaybookStatus = "draft"

	// PlaybookStatusPublished indicates at least one version exists.
	PlaybookStatusPublished PlaybookStatus = "published"
)

// Validate checks if the playbook status is valid.
func (s PlaybookStatus) Validate() error {
	switch s {
	case PlaybookStatusDraft, PlaybookStatusPublished:
		return nil
	default:
		return fmt.Errorf("invalid playbook status: %s", s)
	}
}

// RunMode is how a binding runs its playbook once admitted.
type RunMode string

const (
	// ModeSuggest records that the playbook could run and leaves the trigger to a human.
	ModeSuggest RunMode = "suggest"

	// ModeDryRun executes the playbook in simulation.
	ModeDryRun RunMode = "dry_run"

	// ModeAutoRun executes the playbook for real.
	ModeAutoRun RunMode = "auto_run"
)

// Executes returns true if admission in this mode invokes the executor.
func (m RunMode) Executes() bool {
	return m == ModeDryRun || m == ModeAutoRun
}

// Validate checks if the run mode is valid.
func (m RunMode) Validate() error {
	switch m {
	case ModeSuggest, ModeDryRun, ModeAutoRun:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %s", m)
	}
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	// TriggerTest is a test-run of a draft document.
	TriggerTest RunTrigger = "test"

	// TriggerManual is a run started by a person.
	TriggerManual RunTrigger = "manual"

	// TriggerBinding is a run started by an alert binding.
	TriggerBinding RunTrigger = "binding"
)

// Validate checks if the trigger is valid.
func (t RunTrigger) Validate() error {
	switch t {
	case TriggerTest, TriggerManual, TriggerBinding:
		return nil
	default:
		return fmt.Errorf("invalid run trigger: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k StepKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *StepKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = StepKind(str)
	return k.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (m *RunMode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*m = RunMode(str)
	return m.Validate()
}
