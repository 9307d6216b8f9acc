package guardrails

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

type memoryBindings struct {
	mu       sync.Mutex
	bindings map[string]*engine.PlaybookBinding
	audit    []*engine.AuditEntry
}

func newMemoryBindings() *memoryBindings {
	return &memoryBindings{bindings: make(map[string]*engine.PlaybookBinding)}
}

func (m *memoryBindings) ListBindings(context.Context) ([]*engine.PlaybookBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*engine.PlaybookBinding, 0, len(m.bindings))
	for _, b := range m.bindings {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryBindings) CreateBinding(_ context.Context, b *engine.PlaybookBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bindings[b.ID] = &cp
	return nil
}

func (m *memoryBindings) UpdateBinding(_ context.Context, b *engine.PlaybookBinding) error {
	return m.CreateBinding(context.Background(), b)
}

func (m *memoryBindings) DeleteBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, id)
	return nil
}

func (m *memoryBindings) GetBinding(_ context.Context, id string) (*engine.PlaybookBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, engine.NewNotFoundError("binding", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memoryBindings) CreateAuditEntry(_ context.Context, entry *engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

type knownPlaybooks map[string]bool

func (k knownPlaybooks) Get(_ context.Context, id string) (*engine.Playbook, error) {
	if !k[id] {
		return nil, engine.NewNotFoundError("playbook", id)
	}
	return &engine.Playbook{ID: id}, nil
}

type stubPolicy struct {
	warnings []string
	err      error
}

func (p stubPolicy) CheckBinding(context.Context, *engine.PlaybookBinding) ([]string, error) {
	return p.warnings, p.err
}

func newTestBindingService(policy BindingPolicy, enforcer *Enforcer) (*BindingService, *memoryBindings) {
	repo := newMemoryBindings()
	svc := NewBindingService(repo, knownPlaybooks{"pb-1": true}, policy, enforcer, zerolog.Nop())
	return svc, repo
}

func TestBindingService_CreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *engine.PlaybookBinding)
		wantErr string
	}{
		{name: "valid", mutate: func(*engine.PlaybookBinding) {}},
		{
			name:    "negative max per minute",
			mutate:  func(b *engine.PlaybookBinding) { b.MaxPerMinute = -1 },
			wantErr: "maxPerMinute must be >= 0",
		},
		{
			name:    "negative max concurrent",
			mutate:  func(b *engine.PlaybookBinding) { b.MaxConcurrent = -5 },
			wantErr: "maxConcurrent must be >= 0",
		},
		{
			name:    "negative daily quota",
			mutate:  func(b *engine.PlaybookBinding) { b.DailyQuota = -1 },
			wantErr: "dailyQuota must be >= 0",
		},
		{
			name:    "unknown mode",
			mutate:  func(b *engine.PlaybookBinding) { b.Mode = "yolo" },
			wantErr: "mode must be one of",
		},
		{
			name:    "missing rule",
			mutate:  func(b *engine.PlaybookBinding) { b.RuleID = "" },
			wantErr: "ruleId is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestBindingService(nil, nil)
			b := *binding(engine.ModeAutoRun)
			b.ID = ""
			tt.mutate(&b)

			created, _, err := svc.Create(context.Background(), b, "alice")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Create failed: %v", err)
				}
				if created.ID == "" || created.CreatedAt.IsZero() {
					t.Errorf("expected id and timestamps to be set: %+v", created)
				}
				if len(repo.audit) != 1 || repo.audit[0].Action != engine.AuditBindingCreated {
					t.Errorf("expected a binding.created audit entry, got %+v", repo.audit)
				}
				return
			}

			if !engine.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			findings, _ := engine.ValidationFindings(err)
			joined := strings.Join(findings.Errors, "; ")
			if !strings.Contains(joined, tt.wantErr) {
				t.Errorf("expected finding %q, got %q", tt.wantErr, joined)
			}
			if len(repo.bindings) != 0 {
				t.Error("invalid binding must not be stored")
			}
		})
	}
}

func TestBindingService_UnknownPlaybook(t *testing.T) {
	svc, _ := newTestBindingService(nil, nil)
	b := *binding(engine.ModeSuggest)
	b.PlaybookID = "pb-404"

	_, _, err := svc.Create(context.Background(), b, "")
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBindingService_Policy(t *testing.T) {
	svc, _ := newTestBindingService(stubPolicy{warnings: []string{"auto_run without guardrails"}}, nil)
	_, warnings, err := svc.Create(context.Background(), *binding(engine.ModeAutoRun), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("expected policy warning, got %v", warnings)
	}

	svc, repo := newTestBindingService(stubPolicy{err: errors.New("denied")}, nil)
	if _, _, err := svc.Create(context.Background(), *binding(engine.ModeAutoRun), ""); err == nil {
		t.Fatal("expected policy denial")
	}
	if len(repo.bindings) != 0 {
		t.Error("denied binding must not be stored")
	}
}

func TestBindingService_UpdateAndDelete(t *testing.T) {
	b := binding(engine.ModeSuggest)
	b.DailyQuota = 1
	enforcer := NewEnforcer(staticBindings{b}, testVersions(), newInstantRunner(), Config{})
	svc, repo := newTestBindingService(nil, enforcer)

	created, _, err := svc.Create(context.Background(), *b, "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated := *created
	updated.Mode = engine.ModeDryRun
	got, _, err := svc.Update(context.Background(), updated, "bob")
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Error("update must preserve CreatedAt")
	}
	if _, _, err := svc.Update(context.Background(), engine.PlaybookBinding{ID: "b-404"}, ""); !engine.IsNotFound(err) {
		t.Errorf("expected not found on update of unknown binding, got %v", err)
	}

	enforcer.EvaluateBinding(context.Background(), b, testAlert("a"))
	if _, ok := enforcer.Counters(b.ID); !ok {
		t.Fatal("expected guardrail state before delete")
	}

	if err := svc.Delete(context.Background(), b.ID, "carol"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := enforcer.Counters(b.ID); ok {
		t.Error("delete must drop guardrail state")
	}
	if _, err := svc.Get(context.Background(), b.ID); !engine.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	actions := make([]string, 0, len(repo.audit))
	for _, e := range repo.audit {
		actions = append(actions, e.Action)
	}
	want := []string{engine.AuditBindingCreated, engine.AuditBindingUpdated, engine.AuditBindingDeleted}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("audit actions = %v, want %v", actions, want)
	}
}
