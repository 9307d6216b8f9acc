package service

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/draft"
	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
	"github.com/openfroyo/playbooks/pkg/policy"
	"github.com/openfroyo/playbooks/pkg/steps"
	"github.com/openfroyo/playbooks/pkg/stores"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestService(t *testing.T, mutate ...func(*Options)) (*Service, *stores.MemoryStore) {
	t.Helper()
	store := stores.NewMemoryStore()
	pol, err := policy.NewEngine(zerolog.Nop(), policy.WithData(map[string]interface{}{
		"limits": map[string]interface{}{"dailyQuota": 1000},
	}))
	if err != nil {
		t.Fatalf("policy.NewEngine failed: %v", err)
	}
	opts := Options{
		Store:        store,
		Capabilities: steps.NewDefaultRegistry(steps.DefaultConfig(), steps.Providers{}),
		Policy:       pol,
		Logger:       zerolog.Nop(),
		Clock:        &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc, store
}

func keywordDocument() engine.Document {
	return engine.Document{
		Version: "1.0.0",
		Entry:   "match",
		Steps: []engine.Step{
			{
				ID:     "match",
				Kind:   engine.KindKeywordMatch,
				Params: map[string]interface{}{"keywords": []interface{}{"failed password"}},
				Next:   []string{"out"},
			},
			{
				ID:     "out",
				Kind:   engine.KindOutput,
				Params: map[string]interface{}{"text": "matched={{.matched}}"},
			},
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(Options{Store: stores.NewMemoryStore()}); err == nil {
		t.Error("expected error without capabilities")
	}
}

func TestValidateCombinesPolicyFindings(t *testing.T) {
	svc, _ := newTestService(t)
	doc := engine.Document{
		Version: "1.0.0",
		Entry:   "fetch",
		Steps: []engine.Step{{
			ID:     "fetch",
			Kind:   engine.KindHTTPGet,
			Params: map[string]interface{}{"url": "ftp://example.org/feed"},
		}},
	}
	result, err := svc.Validate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.CanPublish() {
		t.Fatalf("expected policy error, got %+v", result)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "no output step") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing output warning in %v", result.Warnings)
	}
}

func TestPublishLifecycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	pb, err := svc.Create(ctx, "Triage", "", "alice", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if pb.Status != engine.PlaybookStatusDraft {
		t.Errorf("status = %s", pb.Status)
	}

	v1, err := svc.Publish(ctx, pb.ID, nil, "alice", "initial")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("version = %d", v1.Version)
	}

	doc := keywordDocument()
	v2, err := svc.Publish(ctx, pb.ID, &doc, "bob", "")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("version = %d", v2.Version)
	}

	bad := engine.Document{Entry: "ghost", Steps: []engine.Step{{ID: "a", Kind: engine.KindOutput}}}
	_, err = svc.Publish(ctx, pb.ID, &bad, "bob", "")
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if findings, ok := engine.ValidationFindings(err); !ok || len(findings.Errors) == 0 {
		t.Errorf("findings = %+v", findings)
	}

	rolled, err := svc.Rollback(ctx, pb.ID, 1, "carol")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if rolled.CurrentVersion != 2 || len(rolled.Document.Steps) != 1 {
		t.Errorf("rollback result = %+v", rolled)
	}

	versions, err := svc.Versions(ctx, pb.ID)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 {
		t.Errorf("versions = %+v", versions)
	}

	entries, err := store.ListAuditEntries(ctx, stores.AuditFilter{TargetID: pb.ID})
	if err != nil {
		t.Fatal(err)
	}
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	if actions[engine.AuditPlaybookPublished] != 2 || actions[engine.AuditPlaybookRollback] != 1 {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestPublishBlockedByPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pb, err := svc.Create(ctx, "Fetch", "", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	doc := engine.Document{
		Version: "1.0.0",
		Entry:   "fetch",
		Steps: []engine.Step{
			{ID: "fetch", Kind: engine.KindHTTPGet, Params: map[string]interface{}{"url": "file:///etc/passwd"}, Next: []string{"out"}},
			{ID: "out", Kind: engine.KindOutput},
		},
	}
	if _, err := svc.Publish(ctx, pb.ID, &doc, "alice", ""); !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if versions, _ := svc.Versions(ctx, pb.ID); len(versions) != 0 {
		t.Errorf("blocked publish stored a version")
	}
}

func TestTestRunIgnoresValidity(t *testing.T) {
	svc, store := newTestService(t)
	doc := keywordDocument()
	doc.Steps[1].Next = []string{"missing"}

	subject := engine.Subject{Kind: "log", ID: "l1", Attributes: map[string]interface{}{"message": "Failed password for root"}}
	record := svc.TestRun(context.Background(), doc, subject, "pb-1")
	if !record.DryRun || record.Trigger != engine.TriggerTest {
		t.Errorf("record = %+v", record)
	}
	if record.Status != engine.RunStatusSuccess || len(record.Steps) != 2 {
		t.Fatalf("record = %+v", record)
	}
	out, _ := record.Step("out")
	if !strings.Contains(strings.Join(flatten(out.Output), " "), "matched=true") {
		t.Errorf("output = %v", out.Output)
	}

	runs, err := store.ListRuns(context.Background(), stores.RunFilter{PlaybookID: "pb-1"})
	if err != nil || len(runs) != 1 {
		t.Errorf("stored runs = %d (%v)", len(runs), err)
	}
}

func flatten(m map[string]interface{}) []string {
	var out []string
	for _, v := range m {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestImportExport(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pb, err := svc.Create(ctx, "Source", "exported", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := svc.Export(ctx, pb.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(data, &probe); err != nil || probe["format"] != engine.ExportFormat {
		t.Fatalf("bad export: %s", data)
	}

	bundle, err := engine.DecodeBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := svc.Import(ctx, bundle, "", "bob")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if fresh.Playbook.ID == pb.ID || fresh.Playbook.Name != "Source" {
		t.Errorf("imported = %+v", fresh.Playbook)
	}
	if !fresh.Playbook.Document.Equal(pb.Document) {
		t.Errorf("document changed on round trip")
	}

	merged, err := svc.Import(ctx, bundle, pb.ID, "bob")
	if err != nil {
		t.Fatalf("merge Import failed: %v", err)
	}
	if len(merged.Playbook.Document.Steps) != 2 {
		t.Fatalf("merged steps = %d", len(merged.Playbook.Document.Steps))
	}
	if merged.Renamed["output"] == "" {
		t.Errorf("colliding id not renamed: %v", merged.Renamed)
	}
	if merged.Playbook.Document.Entry != "output" {
		t.Errorf("base entry lost: %q", merged.Playbook.Document.Entry)
	}

	if _, err := svc.Import(ctx, bundle, "missing", "bob"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestImportFile(t *testing.T) {
	svc, _ := newTestService(t)
	path := t.TempDir() + "/pb.yaml"
	src := "name: From YAML\ndocument:\n  version: 1.0.0\n  entry: out\n  steps:\n    - id: out\n      type: output\nformat: froyo-playbook/v1\n"
	if err := writeTestFile(path, src); err != nil {
		t.Fatal(err)
	}
	result, diags, err := svc.ImportFile(context.Background(), path, "", "alice")
	if err != nil {
		t.Fatalf("ImportFile failed: %v (%v)", err, diags)
	}
	if result.Playbook.Name != "From YAML" {
		t.Errorf("name = %q", result.Playbook.Name)
	}
	if len(result.Validation.Errors) != 0 {
		t.Errorf("validation = %+v", result.Validation)
	}

	noEntry := t.TempDir() + "/no-entry.yaml"
	if err := writeTestFile(noEntry, "steps:\n  - id: out\n    type: output\n"); err != nil {
		t.Fatal(err)
	}
	result, _, err = svc.ImportFile(context.Background(), noEntry, "", "alice")
	if err != nil {
		t.Fatalf("import of an invalid draft must still succeed: %v", err)
	}
	if !reflect.DeepEqual(result.Validation.Errors, []string{"Playbook must have an entry step."}) {
		t.Errorf("expected the missing entry to be reported, got %+v", result.Validation)
	}
}

func TestDraft(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Draft(context.Background(), "x"); err == nil {
		t.Error("expected error without a generator")
	}

	gen := draft.GeneratorFunc(func(context.Context, string) (*engine.Document, error) {
		doc := keywordDocument()
		return &doc, nil
	})
	svc, _ = newTestService(t, func(o *Options) { o.Drafts = draft.NewService(gen, zerolog.Nop()) })
	result, err := svc.Draft(context.Background(), "match failed logins")
	if err != nil {
		t.Fatalf("Draft failed: %v", err)
	}
	if len(result.Document.Steps) != 2 || !result.Validation.CanPublish() {
		t.Errorf("result = %+v", result)
	}
}

func TestEvaluateAutoRunAttachesEnrichment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	doc := keywordDocument()
	pb, err := svc.Create(ctx, "Brute force", "", "alice", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Publish(ctx, pb.ID, nil, "alice", ""); err != nil {
		t.Fatal(err)
	}

	auto, warnings, err := svc.CreateBinding(ctx, engine.PlaybookBinding{
		RuleID: "ssh-brute", PlaybookID: pb.ID, Mode: engine.ModeAutoRun,
		MaxPerMinute: 5, DailyQuota: 100, MaxConcurrent: 2, Enabled: true,
		MatchSeverities: []string{"high"},
	}, "alice")
	if err != nil {
		t.Fatalf("CreateBinding failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	suggest, _, err := svc.CreateBinding(ctx, engine.PlaybookBinding{
		RuleID: "ssh-brute", PlaybookID: pb.ID, Mode: engine.ModeSuggest, Enabled: true,
		MatchSeverities: []string{"high"},
	}, "alice")
	if err != nil {
		t.Fatalf("CreateBinding failed: %v", err)
	}

	alert := &engine.Alert{
		ID: "alert-1", RuleID: "ssh-brute", Type: "auth", Severity: "high",
		Subject: engine.Subject{Kind: "log", ID: "l1", Attributes: map[string]interface{}{"message": "Failed password"}},
	}
	decisions, err := svc.Evaluate(ctx, alert)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !svc.WaitTimeout(5 * time.Second) {
		t.Fatal("dispatched runs did not finish")
	}

	byBinding := map[string]guardrails.Decision{}
	for _, d := range decisions {
		byBinding[d.BindingID] = d
	}
	if d := byBinding[auto.ID]; !d.Dispatched() || d.RunID == "" || d.Version != 1 {
		t.Fatalf("auto_run decision = %+v", d)
	}
	if d := byBinding[suggest.ID]; d.Outcome != guardrails.OutcomeAdmitted || d.Dispatched() {
		t.Errorf("suggest decision = %+v", d)
	}

	run, err := store.GetRun(ctx, byBinding[auto.ID].RunID)
	if err != nil {
		t.Fatalf("run not stored: %v", err)
	}
	if run.Trigger != engine.TriggerBinding || run.DryRun || run.AlertID != "alert-1" {
		t.Errorf("run = %+v", run)
	}
	enrichments, err := svc.Enrichments(ctx, "alert-1")
	if err != nil || len(enrichments) != 1 || enrichments[0].RunID != run.ID {
		t.Errorf("enrichments = %+v (%v)", enrichments, err)
	}
}

func TestEvaluateSuggestWritesAuditEntry(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	doc := keywordDocument()
	pb, err := svc.Create(ctx, "Brute force", "", "alice", &doc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Publish(ctx, pb.ID, nil, "alice", ""); err != nil {
		t.Fatal(err)
	}
	suggest, _, err := svc.CreateBinding(ctx, engine.PlaybookBinding{
		RuleID: "ssh-brute", PlaybookID: pb.ID, Mode: engine.ModeSuggest, Enabled: true,
	}, "alice")
	if err != nil {
		t.Fatalf("CreateBinding failed: %v", err)
	}

	alert := &engine.Alert{ID: "alert-7", RuleID: "ssh-brute", Severity: "low"}
	if _, err := svc.Evaluate(ctx, alert); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !svc.WaitTimeout(5 * time.Second) {
		t.Fatal("dispatched runs did not finish")
	}

	entries, err := store.ListAuditEntries(ctx, stores.AuditFilter{Action: engine.AuditRunSuggested})
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 suggestion entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TargetID != pb.ID || e.Actor != "binding:"+suggest.ID {
		t.Errorf("entry = %+v", e)
	}
	if e.Details["alertId"] != "alert-7" || e.Details["bindingId"] != suggest.ID || e.Details["ruleId"] != "ssh-brute" {
		t.Errorf("details = %v", e.Details)
	}
	if v, ok := e.Details["version"].(int); !ok || v != 1 {
		t.Errorf("version detail = %#v", e.Details["version"])
	}

	runs, err := store.ListAuditEntries(ctx, stores.AuditFilter{Action: engine.AuditRunFinished})
	if err != nil || len(runs) != 0 {
		t.Errorf("suggest must not run the playbook: %v (%v)", runs, err)
	}
}

func TestCreateBindingRejectedByPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pb, err := svc.Create(ctx, "P", "", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = svc.CreateBinding(ctx, engine.PlaybookBinding{
		RuleID: "r", PlaybookID: pb.ID, Mode: engine.ModeAutoRun, DailyQuota: 5000, Enabled: true,
	}, "alice")
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSyncBindings(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	pb, err := svc.Create(ctx, "P", "", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	manual, _, err := svc.CreateBinding(ctx, engine.PlaybookBinding{
		RuleID: "manual", PlaybookID: pb.ID, Mode: engine.ModeSuggest, Enabled: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	file := []engine.PlaybookBinding{
		{ID: "f1", RuleID: "r1", PlaybookID: pb.ID, Mode: engine.ModeSuggest, Enabled: true},
		{ID: "f2", RuleID: "r2", PlaybookID: pb.ID, Mode: engine.ModeDryRun, DailyQuota: 10, Enabled: true},
	}
	if err := svc.SyncBindings(ctx, file); err != nil {
		t.Fatalf("SyncBindings failed: %v", err)
	}

	file[0].Enabled = false
	if err := svc.SyncBindings(ctx, file[:1]); err != nil {
		t.Fatalf("SyncBindings failed: %v", err)
	}

	all, err := svc.ListBindings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]*engine.PlaybookBinding{}
	for _, b := range all {
		ids[b.ID] = b
	}
	if _, ok := ids["f2"]; ok {
		t.Error("binding removed from the file was kept")
	}
	if ids["f1"] == nil || ids["f1"].Enabled {
		t.Errorf("f1 = %+v", ids["f1"])
	}
	if ids[manual.ID] == nil {
		t.Error("manually created binding was deleted")
	}

	err = svc.SyncBindings(ctx, []engine.PlaybookBinding{
		{RuleID: "no-id", PlaybookID: pb.ID, Mode: engine.ModeSuggest},
		{ID: "bad", RuleID: "r", PlaybookID: "unknown", Mode: engine.ModeSuggest},
	})
	if err == nil {
		t.Fatal("expected joined errors")
	}
	if !strings.Contains(err.Error(), "no id") || !strings.Contains(err.Error(), "binding bad") {
		t.Errorf("error = %v", err)
	}
}

func TestDOT(t *testing.T) {
	svc, _ := newTestService(t)
	if out := svc.DOT(keywordDocument()); !strings.Contains(out, "digraph") {
		t.Errorf("DOT output = %s", out)
	}
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
