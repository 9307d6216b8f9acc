// Package versions manages playbooks and their immutable published versions.
package versions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Repository persists playbooks, versions and the audit trail.
// Implementations return engine not-found errors for unknown ids.
type Repository interface {
	CreatePlaybook(ctx context.Context, pb *engine.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*engine.Playbook, error)
	UpdatePlaybook(ctx context.Context, pb *engine.Playbook) error
	ListPlaybooks(ctx context.Context) ([]*engine.Playbook, error)

	// PublishVersion stores the snapshot and the updated playbook atomically.
	// It fails with a conflict error if the version already exists.
	PublishVersion(ctx context.Context, pb *engine.Playbook, version *engine.PlaybookVersion) error
	GetVersion(ctx context.Context, playbookID string, version int) (*engine.PlaybookVersion, error)

	// ListVersions returns every snapshot of a playbook, newest first.
	ListVersions(ctx context.Context, playbookID string) ([]*engine.PlaybookVersion, error)

	CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error
}

// Config holds version store settings.
type Config struct {
	// CacheSize is the number of resolved versions kept in memory.
	CacheSize int

	// Logger receives store logs.
	Logger zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// CreateRequest describes a new playbook.
type CreateRequest struct {
	Name        string
	Description string
	CreatedBy   string

	// Document seeds the playbook. Nil uses the template document.
	Document *engine.Document
}

// PublishOptions annotates a published version.
type PublishOptions struct {
	Actor        string
	ReleaseNotes string
}

type versionKey struct {
	playbookID string
	version    int
}

// Store implements publish, rollback and version listing on top of a Repository.
// Writes to one playbook are serialized; different playbooks do not contend.
type Store struct {
	repo   Repository
	cache  *lru.Cache[versionKey, engine.PlaybookVersion]
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a version store.
func NewStore(repo Repository, cfg Config) (*Store, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cache, err := lru.New[versionKey, engine.PlaybookVersion](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}
	return &Store{
		repo:   repo,
		cache:  cache,
		logger: cfg.Logger,
		now:    cfg.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lock(playbookID string) func() {
	s.mu.Lock()
	l, ok := s.locks[playbookID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[playbookID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create creates a draft playbook.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*engine.Playbook, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, engine.NewSchemaError("playbook name is required", nil)
	}
	doc := engine.TemplateDocument()
	if req.Document != nil {
		doc = req.Document.Clone()
	}
	now := s.now().UTC()
	pb := &engine.Playbook{
		ID:          uuid.New().String(),
		Name:        name,
		Description: req.Description,
		Status:      engine.PlaybookStatusDraft,
		Document:    doc,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreatePlaybook(ctx, pb); err != nil {
		return nil, fmt.Errorf("failed to create playbook: %w", err)
	}
	s.audit(ctx, engine.AuditPlaybookCreated, req.CreatedBy, pb.ID, map[string]interface{}{"name": pb.Name})
	s.logger.Info().Str("playbook_id", pb.ID).Str("name", pb.Name).Msg("Playbook created")
	return pb, nil
}

// Get returns a playbook.
func (s *Store) Get(ctx context.Context, id string) (*engine.Playbook, error) {
	return s.repo.GetPlaybook(ctx, id)
}

// List returns every playbook.
func (s *Store) List(ctx context.Context) ([]*engine.Playbook, error) {
	return s.repo.ListPlaybooks(ctx)
}

// UpdateDocument replaces the live document. History is never touched and no
// validation runs, so drafts may be saved in an invalid state.
func (s *Store) UpdateDocument(ctx context.Context, id string, doc engine.Document, actor string) (*engine.Playbook, error) {
	unlock := s.lock(id)
	defer unlock()

	pb, err := s.repo.GetPlaybook(ctx, id)
	if err != nil {
		return nil, err
	}
	pb.Document = doc.Clone()
	pb.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdatePlaybook(ctx, pb); err != nil {
		return nil, fmt.Errorf("failed to update playbook: %w", err)
	}
	s.audit(ctx, engine.AuditPlaybookUpdated, actor, id, nil)
	return pb, nil
}

// Publish validates doc and, if it has no errors, stores it as the next version of the
// playbook, makes it the live document and marks the playbook published. Validation
// failures return a validation error carrying the findings verbatim.
func (s *Store) Publish(ctx context.Context, id string, doc engine.Document, opts PublishOptions) (*engine.PlaybookVersion, error) {
	result := engine.Validate(doc)
	if !result.CanPublish() {
		return nil, engine.NewValidationError(result).WithResource(id).WithOperation("publish")
	}

	unlock := s.lock(id)
	defer unlock()

	pb, err := s.repo.GetPlaybook(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	version := &engine.PlaybookVersion{
		PlaybookID:   id,
		Version:      pb.CurrentVersion + 1,
		Document:     doc.Clone(),
		CreatedAt:    now,
		CreatedBy:    opts.Actor,
		ReleaseNotes: opts.ReleaseNotes,
	}
	pb.Document = doc.Clone()
	pb.Status = engine.PlaybookStatusPublished
	pb.CurrentVersion = version.Version
	pb.UpdatedAt = now

	if err := s.repo.PublishVersion(ctx, pb, version); err != nil {
		return nil, fmt.Errorf("failed to publish playbook: %w", err)
	}
	s.cache.Add(versionKey{id, version.Version}, cloneVersion(*version))

	details := map[string]interface{}{"version": version.Version}
	if len(result.Warnings) > 0 {
		details["warnings"] = result.Warnings
	}
	s.audit(ctx, engine.AuditPlaybookPublished, opts.Actor, id, details)
	s.logger.Info().Str("playbook_id", id).Int("version", version.Version).
		Int("warnings", len(result.Warnings)).Msg("Playbook published")

	out := cloneVersion(*version)
	return &out, nil
}

// Rollback replaces the live document with a copy of the given version's document.
// The lifecycle status and current version are left unchanged.
func (s *Store) Rollback(ctx context.Context, id string, version int, actor string) (*engine.Playbook, error) {
	unlock := s.lock(id)
	defer unlock()

	pb, err := s.repo.GetPlaybook(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.getVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}

	pb.Document = snapshot.Document.Clone()
	pb.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdatePlaybook(ctx, pb); err != nil {
		return nil, fmt.Errorf("failed to roll back playbook: %w", err)
	}
	s.audit(ctx, engine.AuditPlaybookRollback, actor, id, map[string]interface{}{"version": version})
	s.logger.Info().Str("playbook_id", id).Int("version", version).Msg("Playbook rolled back")
	return pb, nil
}

// ListVersions returns every snapshot of a playbook, newest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]engine.PlaybookVersion, error) {
	if _, err := s.repo.GetPlaybook(ctx, id); err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	out := make([]engine.PlaybookVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, cloneVersion(*v))
	}
	return out, nil
}

// GetVersion returns one snapshot.
func (s *Store) GetVersion(ctx context.Context, id string, version int) (*engine.PlaybookVersion, error) {
	v, err := s.getVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	out := cloneVersion(v)
	return &out, nil
}

// Resolve returns the pinned version, or the current published version when pinned is 0.
func (s *Store) Resolve(ctx context.Context, id string, pinned int) (*engine.PlaybookVersion, error) {
	version := pinned
	if version <= 0 {
		pb, err := s.repo.GetPlaybook(ctx, id)
		if err != nil {
			return nil, err
		}
		if pb.CurrentVersion == 0 {
			return nil, engine.NewNotFoundError("published version", id)
		}
		version = pb.CurrentVersion
	}
	return s.GetVersion(ctx, id, version)
}

func (s *Store) getVersion(ctx context.Context, id string, version int) (engine.PlaybookVersion, error) {
	key := versionKey{id, version}
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err := s.repo.GetVersion(ctx, id, version)
	if err != nil {
		if engine.IsNotFound(err) {
			return engine.PlaybookVersion{}, engine.NewNotFoundError("version", fmt.Sprintf("%s@%d", id, version))
		}
		return engine.PlaybookVersion{}, fmt.Errorf("failed to get version: %w", err)
	}
	snapshot := cloneVersion(*v)
	s.cache.Add(key, snapshot)
	return snapshot, nil
}

func (s *Store) audit(ctx context.Context, action, actor, target string, details map[string]interface{}) {
	if actor == "" {
		actor = "system"
	}
	entry := &engine.AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  target,
		Details:   details,
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("target_id", target).Msg("Failed to write audit entry")
	}
}

func cloneVersion(v engine.PlaybookVersion) engine.PlaybookVersion {
	v.Document = v.Document.Clone()
	return v
}
