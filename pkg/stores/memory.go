package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// MemoryStore implements the Store interface in process memory. Values are copied on
// the way in and out, so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	playbooks   map[string]*engine.Playbook
	versions    map[string]map[int]*engine.PlaybookVersion
	bindings    map[string]*engine.PlaybookBinding
	runs        map[string]*engine.RunRecord
	enrichments map[string][]Enrichment
	audit       []*engine.AuditEntry
	nextAuditID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		playbooks:   make(map[string]*engine.Playbook),
		versions:    make(map[string]map[int]*engine.PlaybookVersion),
		bindings:    make(map[string]*engine.PlaybookBinding),
		runs:        make(map[string]*engine.RunRecord),
		enrichments: make(map[string][]Enrichment),
	}
}

func (m *MemoryStore) Init(context.Context) error    { return nil }
func (m *MemoryStore) Close() error                  { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) CreatePlaybook(_ context.Context, pb *engine.Playbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.playbooks[pb.ID]; ok {
		return engine.NewConflictError("playbook already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(pb.ID)
	}
	m.playbooks[pb.ID] = clonePlaybook(pb)
	return nil
}

func (m *MemoryStore) GetPlaybook(_ context.Context, id string) (*engine.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.playbooks[id]
	if !ok {
		return nil, engine.NewNotFoundError("playbook", id)
	}
	return clonePlaybook(pb), nil
}

func (m *MemoryStore) UpdatePlaybook(_ context.Context, pb *engine.Playbook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePlaybookLocked(pb)
}

func (m *MemoryStore) updatePlaybookLocked(pb *engine.Playbook) error {
	existing, ok := m.playbooks[pb.ID]
	if !ok {
		return engine.NewNotFoundError("playbook", pb.ID)
	}
	updated := clonePlaybook(pb)
	updated.CreatedAt = existing.CreatedAt
	updated.CreatedBy = existing.CreatedBy
	m.playbooks[pb.ID] = updated
	return nil
}

func (m *MemoryStore) ListPlaybooks(context.Context) ([]*engine.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.Playbook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		out = append(out, clonePlaybook(pb))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) PublishVersion(_ context.Context, pb *engine.Playbook, version *engine.PlaybookVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.playbooks[version.PlaybookID]; !ok {
		return engine.NewNotFoundError("playbook", version.PlaybookID)
	}
	byVersion := m.versions[version.PlaybookID]
	if byVersion == nil {
		byVersion = make(map[int]*engine.PlaybookVersion)
		m.versions[version.PlaybookID] = byVersion
	}
	if _, ok := byVersion[version.Version]; ok {
		return engine.NewConflictError(fmt.Sprintf("version %d already exists", version.Version), nil).
			WithResource(version.PlaybookID)
	}
	if err := m.updatePlaybookLocked(pb); err != nil {
		return err
	}
	v := *version
	v.Document = version.Document.Clone()
	byVersion[version.Version] = &v
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, playbookID string, version int) (*engine.PlaybookVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[playbookID][version]
	if !ok {
		return nil, engine.NewNotFoundError("version", fmt.Sprintf("%s@%d", playbookID, version))
	}
	out := *v
	out.Document = v.Document.Clone()
	return &out, nil
}

func (m *MemoryStore) ListVersions(_ context.Context, playbookID string) ([]*engine.PlaybookVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.PlaybookVersion, 0, len(m.versions[playbookID]))
	for _, v := range m.versions[playbookID] {
		cp := *v
		cp.Document = v.Document.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryStore) CreateBinding(_ context.Context, b *engine.PlaybookBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[b.ID]; ok {
		return engine.NewConflictError("binding already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(b.ID)
	}
	if _, ok := m.playbooks[b.PlaybookID]; !ok {
		return engine.NewNotFoundError("playbook", b.PlaybookID)
	}
	m.bindings[b.ID] = cloneBinding(b)
	return nil
}

func (m *MemoryStore) UpdateBinding(_ context.Context, b *engine.PlaybookBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[b.ID]; !ok {
		return engine.NewNotFoundError("binding", b.ID)
	}
	if _, ok := m.playbooks[b.PlaybookID]; !ok {
		return engine.NewNotFoundError("playbook", b.PlaybookID)
	}
	m.bindings[b.ID] = cloneBinding(b)
	return nil
}

func (m *MemoryStore) DeleteBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return engine.NewNotFoundError("binding", id)
	}
	delete(m.bindings, id)
	return nil
}

func (m *MemoryStore) GetBinding(_ context.Context, id string) (*engine.PlaybookBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, engine.NewNotFoundError("binding", id)
	}
	return cloneBinding(b), nil
}

func (m *MemoryStore) ListBindings(context.Context) ([]*engine.PlaybookBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.PlaybookBinding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, cloneBinding(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *engine.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*engine.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, engine.NewNotFoundError("run", id)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*engine.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*engine.RunRecord{}
	for _, run := range m.runs {
		if filter.PlaybookID != "" && run.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.BindingID != "" && run.BindingID != filter.BindingID {
			continue
		}
		if filter.AlertID != "" && run.AlertID != filter.AlertID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) AttachEnrichment(_ context.Context, alertID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.enrichments[alertID] {
		if e.RunID == runID {
			return nil
		}
	}
	m.enrichments[alertID] = append(m.enrichments[alertID], Enrichment{
		AlertID:   alertID,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) ListEnrichments(_ context.Context, alertID string) ([]Enrichment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Enrichment{}, m.enrichments[alertID]...), nil
}

func (m *MemoryStore) CreateAuditEntry(_ context.Context, entry *engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	entry.ID = m.nextAuditID
	cp := *entry
	cp.Details = engine.CopyMap(entry.Details)
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, filter AuditFilter) ([]*engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*engine.AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.TargetID != "" && e.TargetID != filter.TargetID {
			continue
		}
		cp := *e
		cp.Details = engine.CopyMap(e.Details)
		out = append(out, &cp)
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func clonePlaybook(pb *engine.Playbook) *engine.Playbook {
	cp := *pb
	cp.Document = pb.Document.Clone()
	return &cp
}

func cloneBinding(b *engine.PlaybookBinding) *engine.PlaybookBinding {
	cp := *b
	cp.MatchTypes = append([]string(nil), b.MatchTypes...)
	cp.MatchSeverities = append([]string(nil), b.MatchSeverities...)
	cp.MatchTags = append([]string(nil), b.MatchTags...)
	return &cp
}

func cloneRun(run *engine.RunRecord) *engine.RunRecord {
	cp := *run
	cp.Steps = make([]engine.StepRun, len(run.Steps))
	for i, s := range run.Steps {
		s.Output = engine.CopyMap(s.Output)
		cp.Steps[i] = s
	}
	return &cp
}
