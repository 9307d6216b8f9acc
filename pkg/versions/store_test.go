package versions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/stores"
)

func newTestStore(t *testing.T) (*Store, *stores.MemoryStore) {
	t.Helper()
	repo := stores.NewMemoryStore()
	clock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s, err := NewStore(repo, Config{
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s, repo
}

func validDoc(text string) engine.Document {
	doc := engine.NewDocument(engine.DefaultDocumentVersion)
	doc.Entry = "lookup"
	doc.Steps = []engine.Step{
		{ID: "lookup", Kind: engine.KindGeoIP, Next: []string{"notify"}},
		{ID: "notify", Kind: engine.KindOutput, Params: map[string]interface{}{"text": text}},
	}
	return doc
}

func createPlaybook(t *testing.T, s *Store) *engine.Playbook {
	t.Helper()
	pb, err := s.Create(context.Background(), CreateRequest{Name: "Triage", CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return pb
}

func TestCreate(t *testing.T) {
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	if pb.Status != engine.PlaybookStatusDraft || pb.CurrentVersion != 0 {
		t.Errorf("new playbook should be an unpublished draft: %+v", pb)
	}
	if !pb.Document.Equal(engine.TemplateDocument()) {
		t.Errorf("expected template document, got %+v", pb.Document)
	}
	if _, err := s.Create(context.Background(), CreateRequest{Name: "  "}); !engine.IsSchema(err) {
		t.Errorf("expected schema error for blank name, got %v", err)
	}
}

func TestPublishRollbackRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestStore(t)
	pb := createPlaybook(t, s)

	first := validDoc("first")
	v1, err := s.Publish(ctx, pb.ID, first, PublishOptions{Actor: "bob", ReleaseNotes: "initial"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if v1.Version != 1 || v1.CreatedBy != "bob" || v1.ReleaseNotes != "initial" {
		t.Errorf("unexpected version: %+v", v1)
	}

	second := validDoc("second")
	if _, err := s.Publish(ctx, pb.ID, second, PublishOptions{}); err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}

	live, _ := s.Get(ctx, pb.ID)
	if live.Status != engine.PlaybookStatusPublished || live.CurrentVersion != 2 {
		t.Errorf("unexpected playbook after publish: %+v", live)
	}
	if !live.Document.Equal(second) {
		t.Error("publish should make the published document live")
	}

	rolled, err := s.Rollback(ctx, pb.ID, 1, "carol")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !rolled.Document.Equal(first) {
		t.Errorf("rollback should restore version 1, got %+v", rolled.Document)
	}
	if rolled.CurrentVersion != 2 || rolled.Status != engine.PlaybookStatusPublished {
		t.Errorf("rollback must not change version or status: %+v", rolled)
	}

	list, err := s.ListVersions(ctx, pb.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("rollback must not create a version, got %d", len(list))
	}

	entries, _ := repo.ListAuditEntries(ctx, stores.AuditFilter{Action: engine.AuditPlaybookRollback})
	if len(entries) != 1 || entries[0].Actor != "carol" || entries[0].TargetID != pb.ID {
		t.Errorf("expected one rollback audit entry, got %+v", entries)
	}
}

func TestPublishRejectsInvalidDocument(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	doc := validDoc("x")
	doc.Steps[0].Next = []string{"ghost"}

	_, err := s.Publish(ctx, pb.ID, doc, PublishOptions{})
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	findings, ok := engine.ValidationFindings(err)
	if !ok {
		t.Fatal("expected findings on validation error")
	}
	want := engine.Validate(doc)
	if strings.Join(findings.Errors, "|") != strings.Join(want.Errors, "|") {
		t.Errorf("findings = %v, want %v", findings.Errors, want.Errors)
	}

	live, _ := s.Get(ctx, pb.ID)
	if live.CurrentVersion != 0 || live.Status != engine.PlaybookStatusDraft {
		t.Errorf("failed publish must not change the playbook: %+v", live)
	}
	if _, err := s.Resolve(ctx, pb.ID, 0); !engine.IsNotFound(err) {
		t.Errorf("expected no published version, got %v", err)
	}
}

func TestPublishWithWarnings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	doc := validDoc("x")
	doc.Steps = append(doc.Steps, engine.Step{ID: "orphan", Kind: engine.KindWait})

	if _, err := s.Publish(ctx, pb.ID, doc, PublishOptions{}); err != nil {
		t.Fatalf("warnings must not block publish: %v", err)
	}
}

func TestPublishVersionsAreGapFree(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	const publishers = 8
	var wg sync.WaitGroup
	errs := make(chan error, publishers)
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Publish(ctx, pb.ID, validDoc("concurrent"), PublishOptions{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent publish failed: %v", err)
	}

	list, _ := s.ListVersions(ctx, pb.ID)
	if len(list) != publishers {
		t.Fatalf("expected %d versions, got %d", publishers, len(list))
	}
	for i, v := range list {
		if want := publishers - i; v.Version != want {
			t.Errorf("list[%d].Version = %d, want %d", i, v.Version, want)
		}
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	doc := validDoc("original")
	if _, err := s.Publish(ctx, pb.ID, doc, PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Mutating the caller's document and the live copy must not leak into the snapshot.
	doc.Steps[1].Params["text"] = "mutated"
	edited := validDoc("edited")
	if _, err := s.UpdateDocument(ctx, pb.ID, edited, "dave"); err != nil {
		t.Fatalf("UpdateDocument failed: %v", err)
	}

	v1, err := s.GetVersion(ctx, pb.ID, 1)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v1.Document.Steps[1].Params["text"] != "original" {
		t.Errorf("snapshot changed: %v", v1.Document.Steps[1].Params)
	}

	v1.Document.Steps[1].Params["text"] = "tampered"
	again, _ := s.GetVersion(ctx, pb.ID, 1)
	if again.Document.Steps[1].Params["text"] != "original" {
		t.Error("returned snapshot shares state with the store")
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	if _, err := s.Rollback(ctx, pb.ID, 4, ""); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := s.Rollback(ctx, "missing", 1, ""); !engine.IsNotFound(err) {
		t.Errorf("expected not found for unknown playbook, got %v", err)
	}
	if _, err := s.ListVersions(ctx, "missing"); !engine.IsNotFound(err) {
		t.Errorf("expected not found listing unknown playbook, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pb := createPlaybook(t, s)

	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.Publish(ctx, pb.ID, validDoc(text), PublishOptions{}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	tests := []struct {
		name    string
		pinned  int
		want    int
		wantErr bool
	}{
		{name: "current", pinned: 0, want: 3},
		{name: "pinned", pinned: 2, want: 2},
		{name: "pinned missing", pinned: 7, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := s.Resolve(ctx, pb.ID, tt.pinned)
			if tt.wantErr {
				if !engine.IsNotFound(err) {
					t.Errorf("expected not found, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if v.Version != tt.want {
				t.Errorf("Version = %d, want %d", v.Version, tt.want)
			}
		})
	}

	// Rolling back edits the live document only; unpinned bindings still run the latest version.
	if _, err := s.Rollback(ctx, pb.ID, 1, ""); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	v, _ := s.Resolve(ctx, pb.ID, 0)
	if v.Version != 3 {
		t.Errorf("Resolve after rollback = %d, want 3", v.Version)
	}
}
