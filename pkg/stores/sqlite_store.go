package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/openfroyo/playbooks/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if !isMemoryPath(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreatePlaybook inserts a new playbook
func (s *SQLiteStore) CreatePlaybook(ctx context.Context, pb *engine.Playbook) error {
	doc, err := engine.EncodeDocument(pb.Document)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO playbooks (id, name, description, status, document, current_version, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		pb.ID,
		pb.Name,
		pb.Description,
		string(pb.Status),
		string(doc),
		pb.CurrentVersion,
		pb.CreatedBy,
		formatTime(pb.CreatedAt),
		formatTime(pb.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return engine.NewConflictError("playbook already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(pb.ID)
		}
		return fmt.Errorf("failed to create playbook: %w", err)
	}
	return nil
}

// GetPlaybook retrieves a playbook by ID
func (s *SQLiteStore) GetPlaybook(ctx context.Context, id string) (*engine.Playbook, error) {
	query := `
		SELECT id, name, description, status, document, current_version, created_by, created_at, updated_at
		FROM playbooks
		WHERE id = ?
	`
	pb, err := scanPlaybook(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("playbook", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	return pb, nil
}

// UpdatePlaybook replaces the mutable fields of a playbook
func (s *SQLiteStore) UpdatePlaybook(ctx context.Context, pb *engine.Playbook) error {
	return updatePlaybook(ctx, s.db, pb)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updatePlaybook(ctx context.Context, db execer, pb *engine.Playbook) error {
	doc, err := engine.EncodeDocument(pb.Document)
	if err != nil {
		return err
	}

	query := `
		UPDATE playbooks
		SET name = ?, description = ?, status = ?, document = ?, current_version = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query,
		pb.Name,
		pb.Description,
		string(pb.Status),
		string(doc),
		pb.CurrentVersion,
		formatTime(pb.UpdatedAt),
		pb.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update playbook: %w", err)
	}
	return requireRow(result, "playbook", pb.ID)
}

// ListPlaybooks lists every playbook, oldest first
func (s *SQLiteStore) ListPlaybooks(ctx context.Context) ([]*engine.Playbook, error) {
	query := `
		SELECT id, name, description, status, document, current_version, created_by, created_at, updated_at
		FROM playbooks
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list playbooks: %w", err)
	}
	defer rows.Close()

	playbooks := []*engine.Playbook{}
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playbook: %w", err)
		}
		playbooks = append(playbooks, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating playbooks: %w", err)
	}
	return playbooks, nil
}

// PublishVersion inserts a version snapshot and updates its playbook in one transaction
func (s *SQLiteStore) PublishVersion(ctx context.Context, pb *engine.Playbook, version *engine.PlaybookVersion) error {
	doc, err := engine.EncodeDocument(version.Document)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO playbook_versions (playbook_id, version, document, created_by, release_notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			version.PlaybookID,
			version.Version,
			string(doc),
			version.CreatedBy,
			version.ReleaseNotes,
			formatTime(version.CreatedAt),
		)
		if err != nil {
			if isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY) {
				return engine.NewConflictError(fmt.Sprintf("version %d already exists", version.Version), err).
					WithResource(version.PlaybookID)
			}
			if isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY) {
				return engine.NewNotFoundError("playbook", version.PlaybookID)
			}
			return fmt.Errorf("failed to insert version: %w", err)
		}
		return updatePlaybook(ctx, tx, pb)
	})
}

// GetVersion retrieves one version snapshot
func (s *SQLiteStore) GetVersion(ctx context.Context, playbookID string, version int) (*engine.PlaybookVersion, error) {
	query := `
		SELECT playbook_id, version, document, created_by, release_notes, created_at
		FROM playbook_versions
		WHERE playbook_id = ? AND version = ?
	`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, playbookID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("version", fmt.Sprintf("%s@%d", playbookID, version))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListVersions lists the snapshots of a playbook, newest first
func (s *SQLiteStore) ListVersions(ctx context.Context, playbookID string) ([]*engine.PlaybookVersion, error) {
	query := `
		SELECT playbook_id, version, document, created_by, release_notes, created_at
		FROM playbook_versions
		WHERE playbook_id = ?
		ORDER BY version DESC
	`
	rows, err := s.db.QueryContext(ctx, query, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	versions := []*engine.PlaybookVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}
	return versions, nil
}

// CreateBinding inserts a new binding
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *engine.PlaybookBinding) error {
	query := `
		INSERT INTO bindings (id, rule_id, playbook_id, pinned_version, mode, match_types, match_severities, match_tags,
			max_per_minute, max_concurrent, daily_quota, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.RuleID,
		b.PlaybookID,
		b.PinnedVersion,
		string(b.Mode),
		encodeStrings(b.MatchTypes),
		encodeStrings(b.MatchSeverities),
		encodeStrings(b.MatchTags),
		b.MaxPerMinute,
		b.MaxConcurrent,
		b.DailyQuota,
		b.Enabled,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		switch {
		case isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY):
			return engine.NewConflictError("binding already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).WithResource(b.ID)
		case isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY):
			return engine.NewNotFoundError("playbook", b.PlaybookID)
		}
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

// UpdateBinding replaces a binding
func (s *SQLiteStore) UpdateBinding(ctx context.Context, b *engine.PlaybookBinding) error {
	query := `
		UPDATE bindings
		SET rule_id = ?, playbook_id = ?, pinned_version = ?, mode = ?, match_types = ?, match_severities = ?,
			match_tags = ?, max_per_minute = ?, max_concurrent = ?, daily_quota = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		b.RuleID,
		b.PlaybookID,
		b.PinnedVersion,
		string(b.Mode),
		encodeStrings(b.MatchTypes),
		encodeStrings(b.MatchSeverities),
		encodeStrings(b.MatchTags),
		b.MaxPerMinute,
		b.MaxConcurrent,
		b.DailyQuota,
		b.Enabled,
		formatTime(b.UpdatedAt),
		b.ID,
	)
	if err != nil {
		if isConstraint(err, sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return engine.NewNotFoundError("playbook", b.PlaybookID)
		}
		return fmt.Errorf("failed to update binding: %w", err)
	}
	return requireRow(result, "binding", b.ID)
}

// DeleteBinding deletes a binding by ID
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return requireRow(result, "binding", id)
}

// GetBinding retrieves a binding by ID
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*engine.PlaybookBinding, error) {
	query := `
		SELECT id, rule_id, playbook_id, pinned_version, mode, match_types, match_severities, match_tags,
			max_per_minute, max_concurrent, daily_quota, enabled, created_at, updated_at
		FROM bindings
		WHERE id = ?
	`
	b, err := scanBinding(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("binding", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return b, nil
}

// ListBindings lists every binding, oldest first
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*engine.PlaybookBinding, error) {
	query := `
		SELECT id, rule_id, playbook_id, pinned_version, mode, match_types, match_severities, match_tags,
			max_per_minute, max_concurrent, daily_quota, enabled, created_at, updated_at
		FROM bindings
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	bindings := []*engine.PlaybookBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}
	return bindings, nil
}

// SaveRun inserts or replaces a run record
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunRecord) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode run steps: %w", err)
	}

	query := `
		INSERT INTO runs (id, playbook_id, version, subject_kind, subject_id, run_trigger, binding_id, alert_id,
			dry_run, status, steps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			steps = excluded.steps,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.PlaybookID,
		run.Version,
		run.SubjectKind,
		run.SubjectID,
		string(run.Trigger),
		run.BindingID,
		run.AlertID,
		run.DryRun,
		string(run.Status),
		string(steps),
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	query := `
		SELECT id, playbook_id, version, subject_kind, subject_id, run_trigger, binding_id, alert_id,
			dry_run, status, steps, started_at, finished_at
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with optional filters and pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*engine.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, playbook_id, version, subject_kind, subject_id, run_trigger, binding_id, alert_id,
			dry_run, status, steps, started_at, finished_at
		FROM runs
		WHERE (? = '' OR playbook_id = ?)
		  AND (? = '' OR binding_id = ?)
		  AND (? = '' OR alert_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`
	status := string(filter.Status)
	rows, err := s.db.QueryContext(ctx, query,
		filter.PlaybookID, filter.PlaybookID,
		filter.BindingID, filter.BindingID,
		filter.AlertID, filter.AlertID,
		status, status,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// AttachEnrichment links a run to an alert. Attaching the same pair twice is a no-op.
func (s *SQLiteStore) AttachEnrichment(ctx context.Context, alertID, runID string) error {
	query := `INSERT OR IGNORE INTO alert_enrichments (alert_id, run_id, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, alertID, runID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to attach enrichment: %w", err)
	}
	return nil
}

// ListEnrichments lists the runs attached to an alert, oldest first
func (s *SQLiteStore) ListEnrichments(ctx context.Context, alertID string) ([]Enrichment, error) {
	query := `
		SELECT alert_id, run_id, created_at
		FROM alert_enrichments
		WHERE alert_id = ?
		ORDER BY created_at, run_id
	`
	rows, err := s.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichments: %w", err)
	}
	defer rows.Close()

	enrichments := []Enrichment{}
	for rows.Next() {
		var (
			e       Enrichment
			created string
		)
		if err := rows.Scan(&e.AlertID, &e.RunID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		enrichments = append(enrichments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrichments: %w", err)
	}
	return enrichments, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	var details *string
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		str := string(data)
		details = &str
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		details,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination, newest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? = '' OR action = ?)
		  AND (? = '' OR actor = ?)
		  AND (? = '' OR target_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.Action, filter.Action,
		filter.Actor, filter.Actor,
		filter.TargetID, filter.TargetID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		var (
			entry   engine.AuditEntry
			details sql.NullString
			ts      string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaybook(row scanner) (*engine.Playbook, error) {
	var (
		pb               engine.Playbook
		status, doc      string
		created, updated string
	)
	err := row.Scan(&pb.ID, &pb.Name, &pb.Description, &status, &doc, &pb.CurrentVersion, &pb.CreatedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	pb.Status = engine.PlaybookStatus(status)
	if pb.Document, err = engine.DecodeDocument([]byte(doc)); err != nil {
		return nil, fmt.Errorf("stored document of playbook %s is corrupt: %w", pb.ID, err)
	}
	if pb.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if pb.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &pb, nil
}

func scanVersion(row scanner) (*engine.PlaybookVersion, error) {
	var (
		v            engine.PlaybookVersion
		doc, created string
	)
	if err := row.Scan(&v.PlaybookID, &v.Version, &doc, &v.CreatedBy, &v.ReleaseNotes, &created); err != nil {
		return nil, err
	}
	var err error
	if v.Document, err = engine.DecodeDocument([]byte(doc)); err != nil {
		return nil, fmt.Errorf("stored document of %s@%d is corrupt: %w", v.PlaybookID, v.Version, err)
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanBinding(row scanner) (*engine.PlaybookBinding, error) {
	var (
		b                       engine.PlaybookBinding
		mode                    string
		types, severities, tags string
		created, updated        string
	)
	err := row.Scan(&b.ID, &b.RuleID, &b.PlaybookID, &b.PinnedVersion, &mode, &types, &severities, &tags,
		&b.MaxPerMinute, &b.MaxConcurrent, &b.DailyQuota, &b.Enabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.Mode = engine.RunMode(mode)
	if b.MatchTypes, err = decodeStrings(types); err != nil {
		return nil, err
	}
	if b.MatchSeverities, err = decodeStrings(severities); err != nil {
		return nil, err
	}
	if b.MatchTags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanRun(row scanner) (*engine.RunRecord, error) {
	var (
		run                    engine.RunRecord
		trigger, status, steps string
		startedAt, finishedAt  string
	)
	err := row.Scan(&run.ID, &run.PlaybookID, &run.Version, &run.SubjectKind, &run.SubjectID, &trigger,
		&run.BindingID, &run.AlertID, &run.DryRun, &status, &steps, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Trigger = engine.RunTrigger(trigger)
	run.Status = engine.RunStatus(status)
	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of run %s: %w", run.ID, err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}

var constraintMessages = map[int]string{
	sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY: "UNIQUE constraint failed",
	sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY: "FOREIGN KEY constraint failed",
}

func isConstraint(err error, code int) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == code {
		return true
	}
	// Without extended result codes only the primary code is reported.
	return se.Code() == sqlitelib.SQLITE_CONSTRAINT && strings.Contains(se.Error(), constraintMessages[code])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(s string) ([]string, error) {
	var values []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}
