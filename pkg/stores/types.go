package stores

import (
	"context"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// RunFilter narrows ListRuns. Zero fields do not filter.
type RunFilter struct {
	PlaybookID string
	BindingID  string
	AlertID    string
	Status     engine.RunStatus
	Limit      int
	Offset     int
}

// Enrichment links an alert to the auto_run record that enriched it.
type Enrichment struct {
	AlertID   string    `json:"alertId"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditFilter narrows ListAuditEntries. Zero fields do not filter.
type AuditFilter struct {
	Action   string
	Actor    string
	TargetID string
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Playbook operations
	CreatePlaybook(ctx context.Context, pb *engine.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*engine.Playbook, error)
	UpdatePlaybook(ctx context.Context, pb *engine.Playbook) error
	ListPlaybooks(ctx context.Context) ([]*engine.Playbook, error)

	// Version operations
	PublishVersion(ctx context.Context, pb *engine.Playbook, version *engine.PlaybookVersion) error
	GetVersion(ctx context.Context, playbookID string, version int) (*engine.PlaybookVersion, error)
	ListVersions(ctx context.Context, playbookID string) ([]*engine.PlaybookVersion, error)

	// Binding operations
	CreateBinding(ctx context.Context, b *engine.PlaybookBinding) error
	UpdateBinding(ctx context.Context, b *engine.PlaybookBinding) error
	DeleteBinding(ctx context.Context, id string) error
	GetBinding(ctx context.Context, id string) (*engine.PlaybookBinding, error)
	ListBindings(ctx context.Context) ([]*engine.PlaybookBinding, error)

	// Run operations
	SaveRun(ctx context.Context, run *engine.RunRecord) error
	GetRun(ctx context.Context, id string) (*engine.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*engine.RunRecord, error)

	// Enrichment operations
	AttachEnrichment(ctx context.Context, alertID, runID string) error
	ListEnrichments(ctx context.Context, alertID string) ([]Enrichment, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
