package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/playbooks/pkg/steps"
	"github.com/openfroyo/playbooks/pkg/stores"
	"github.com/openfroyo/playbooks/pkg/telemetry"
)

// Config is the froyo-playbook service configuration.
type Config struct {
	// Database configures the SQLite store.
	Database stores.Config `yaml:"database"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Steps configures the built-in step capabilities.
	Steps steps.Config `yaml:"steps"`

	// Lookups configures the HTTP endpoints behind the lookup step kinds.
	Lookups steps.RemoteConfig `yaml:"lookups"`

	// Policy configures binding and document linting.
	Policy PolicyConfig `yaml:"policy"`

	// Ingest configures alert ingestion from NATS.
	Ingest IngestConfig `yaml:"ingest"`

	// Draft configures the AI draft generator.
	Draft DraftConfig `yaml:"draft"`

	// BindingsFile is an optional YAML file of bindings kept in sync with the store.
	BindingsFile string `yaml:"bindings_file"`

	// VersionCacheSize is the number of resolved versions kept in memory.
	VersionCacheSize int `yaml:"version_cache_size" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown of the serve command.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	// Paths are extra .rego or .json policy files and directories.
	Paths []string `yaml:"paths"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch"`

	// Limits are guardrail ceilings exposed to policies as data.froyo.limits.
	Limits map[string]int `yaml:"limits" validate:"dive,keys,oneof=maxPerMinute maxConcurrent dailyQuota,endkeys,gte=0"`
}

// IngestConfig configures the NATS alert subscriber.
type IngestConfig struct {
	// Enabled starts the subscriber in serve.
	Enabled bool `yaml:"enabled"`

	// URL is the NATS server URL.
	URL string `yaml:"url" validate:"required_if=Enabled true"`

	// Subject is the subject alerts are published on.
	Subject string `yaml:"subject" validate:"required_if=Enabled true"`

	// Queue is an optional queue group so several instances share the stream.
	Queue string `yaml:"queue"`

	// Name identifies the connection on the server.
	Name string `yaml:"name"`

	// DrainTimeout bounds how long shutdown waits for in-flight alerts.
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gte=0"`
}

// DraftConfig configures the OpenAI-compatible draft generator.
type DraftConfig struct {
	// APIKey authenticates against the API. Usually set through OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the API endpoint for compatible servers.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model is the chat model used for drafts.
	Model string `yaml:"model" validate:"required"`

	// Timeout bounds one draft request.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ValidationError is a located diagnostic from a CUE, YAML or JSON source.
type ValidationError struct {
	// File is the source file.
	File string `json:"file,omitempty"`

	// Line is the 1-based line, 0 if unknown.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column, 0 if unknown.
	Column int `json:"column,omitempty"`

	// Path is the value path, e.g. "playbook.steps.0.type".
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// String formats the diagnostic as file:line:col: message.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", loc, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
