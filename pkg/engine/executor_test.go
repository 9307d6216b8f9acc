package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeResolver resolves every kind to a scripted capability.
type fakeResolver struct {
	mu    sync.Mutex
	calls []CapabilityRequest
	fail  map[string]error
	panic map[string]bool
	next  map[string][]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		fail:  make(map[string]error),
		panic: make(map[string]bool),
		next:  make(map[string][]string),
	}
}

func (f *fakeResolver) Resolve(kind StepKind) (Capability, error) {
	if kind == KindReverseGeocode {
		return nil, fmt.Errorf("no capability registered for %s", kind)
	}
	return CapabilityFunc(func(_ context.Context, req CapabilityRequest) (*CapabilityResult, error) {
		f.mu.Lock()
		f.calls = append(f.calls, req)
		f.mu.Unlock()

		if f.panic[req.StepID] {
			panic("boom")
		}
		result := &CapabilityResult{
			Output:    map[string]interface{}{req.StepID + "_done": true},
			Simulated: req.DryRun,
		}
		if next, ok := f.next[req.StepID]; ok {
			result.Next = next
		}
		if err := f.fail[req.StepID]; err != nil {
			result.Output["partial"] = req.StepID
			return result, err
		}
		return result, nil
	}), nil
}

func (f *fakeResolver) calledSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.StepID
	}
	return ids
}

type recordingMetrics struct {
	mu    sync.Mutex
	runs  []RunStatus
	steps []StepStatus
}

func (m *recordingMetrics) RecordRun(_ RunTrigger, status RunStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *recordingMetrics) RecordStep(_ StepKind, status StepStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, status)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recordingEvents) Publish(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Type)
	return nil
}

func chain(onFailB FailPolicy) Document {
	return Document{
		Version: "1.0.0",
		Entry:   "A",
		Steps: []Step{
			{ID: "A", Kind: KindGeoIP, Next: []string{"B"}},
			{ID: "B", Kind: KindWhois, OnFail: onFailB, Next: []string{"C"}},
			{ID: "C", Kind: KindOutput},
		},
	}
}

func statuses(record *RunRecord) []string {
	out := make([]string, len(record.Steps))
	for i, s := range record.Steps {
		out[i] = s.StepID + ":" + string(s.Status)
	}
	return out
}

func TestExecutor_StopHaltsRun(t *testing.T) {
	resolver := newFakeResolver()
	resolver.fail["B"] = errors.New("whois down")
	exec := NewExecutor(resolver, ExecutorConfig{})

	record := exec.Run(context.Background(), chain(FailStop), Subject{Kind: "ip", ID: "1.2.3.4"}, RunOptions{})

	got := statuses(record)
	want := []string{"A:success", "B:failed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	if _, ok := record.Step("C"); ok {
		t.Error("C must not appear in the log")
	}
	if record.Status != RunStatusFailed {
		t.Errorf("expected failed run, got %s", record.Status)
	}
}

func TestExecutor_ContinueProceeds(t *testing.T) {
	resolver := newFakeResolver()
	resolver.fail["B"] = errors.New("whois down")
	exec := NewExecutor(resolver, ExecutorConfig{})

	record := exec.Run(context.Background(), chain(FailContinue), Subject{Kind: "ip", ID: "1.2.3.4"}, RunOptions{})

	got := statuses(record)
	want := []string{"A:success", "B:failed", "C:success"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	b, _ := record.Step("B")
	if b.Output["partial"] != "B" {
		t.Errorf("expected partial output to be kept, got %v", b.Output)
	}
	if record.Status != RunStatusFailed {
		t.Errorf("expected failed run, got %s", record.Status)
	}

	calls := resolver.calledSteps()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %v", calls)
	}
	cReq := resolver.calls[2]
	if cReq.Context["partial"] != "B" || cReq.Context["A_done"] != true {
		t.Errorf("expected context to carry earlier outputs, got %v", cReq.Context)
	}
	steps := cReq.Context[StepsContextKey].(map[string]interface{})
	if _, ok := steps["A"]; !ok {
		t.Errorf("expected per-step outputs under %q, got %v", StepsContextKey, steps)
	}
}

func TestExecutor_DefaultOnFailIsContinue(t *testing.T) {
	resolver := newFakeResolver()
	resolver.fail["B"] = errors.New("whois down")
	exec := NewExecutor(resolver, ExecutorConfig{})

	record := exec.Run(context.Background(), chain(""), Subject{}, RunOptions{})
	if len(record.Steps) != 3 {
		t.Errorf("expected all three steps, got %v", statuses(record))
	}
}

func TestExecutor_FanOutRunsJoinOnce(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b", "c"}},
			{ID: "b", Kind: KindWhois, Next: []string{"d"}},
			{ID: "c", Kind: KindVirusTotal, Next: []string{"d"}},
			{ID: "d", Kind: KindOutput},
		},
	}
	resolver := newFakeResolver()
	record := NewExecutor(resolver, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})

	want := []string{"a", "b", "c", "d"}
	if fmt.Sprint(resolver.calledSteps()) != fmt.Sprint(want) {
		t.Errorf("want breadth-first order %v, got %v", want, resolver.calledSteps())
	}
	if record.Status != RunStatusSuccess {
		t.Errorf("expected success, got %s", record.Status)
	}
}

func TestExecutor_TerminatesOnCycles(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindWait, Next: []string{"b"}},
			{ID: "b", Kind: KindWait, Next: []string{"a", "ghost"}},
		},
	}
	record := NewExecutor(newFakeResolver(), ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})
	if len(record.Steps) != 2 {
		t.Errorf("expected each step once, got %v", statuses(record))
	}
}

func TestExecutor_ResultNextOverridesSuccessors(t *testing.T) {
	doc := Document{
		Entry: "br",
		Steps: []Step{
			{ID: "br", Kind: KindBranch, Next: []string{"yes", "no"}},
			{ID: "yes", Kind: KindOutput},
			{ID: "no", Kind: KindOutput},
		},
	}
	resolver := newFakeResolver()
	resolver.next["br"] = []string{"no"}

	record := NewExecutor(resolver, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})
	want := []string{"br:success", "no:success"}
	if fmt.Sprint(statuses(record)) != fmt.Sprint(want) {
		t.Errorf("want %v, got %v", want, statuses(record))
	}

	resolver = newFakeResolver()
	resolver.next["br"] = []string{}
	record = NewExecutor(resolver, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})
	if len(record.Steps) != 1 {
		t.Errorf("empty override should follow nothing, got %v", statuses(record))
	}
}

func TestExecutor_ResultNextLimitedToNextEdges(t *testing.T) {
	doc := Document{
		Entry: "b",
		Steps: []Step{
			{ID: "b", Kind: KindBranch, Next: []string{"o", "p"}},
			{ID: "o", Kind: KindOutput},
			{ID: "p", Kind: KindOutput},
			{ID: "x", Kind: KindHTTPPost, Next: []string{"b"}},
		},
	}
	resolver := newFakeResolver()
	resolver.next["b"] = []string{"x", "nope", "p", "o"}

	record := NewExecutor(resolver, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{DryRun: true})
	want := []string{"b:success", "o:success", "p:success"}
	if fmt.Sprint(statuses(record)) != fmt.Sprint(want) {
		t.Errorf("want %v, got %v", want, statuses(record))
	}
	if _, ran := record.Step("x"); ran {
		t.Error("step outside next must not run")
	}
}

type liveResolver struct{}

func (liveResolver) Resolve(StepKind) (Capability, error) {
	return CapabilityFunc(func(_ context.Context, req CapabilityRequest) (*CapabilityResult, error) {
		return &CapabilityResult{Output: map[string]interface{}{req.StepID + "_done": true}}, nil
	}), nil
}

func TestExecutor_DryRunRejectsLiveSideEffects(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindHTTPPost, Next: []string{"b"}},
			{ID: "b", Kind: KindOutput},
		},
	}

	tests := []struct {
		name   string
		dryRun bool
		want   []string
	}{
		{name: "dry run", dryRun: true, want: []string{"a:failed", "b:success"}},
		{name: "live run", dryRun: false, want: []string{"a:success", "b:success"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := NewExecutor(liveResolver{}, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{DryRun: tt.dryRun})
			if fmt.Sprint(statuses(record)) != fmt.Sprint(tt.want) {
				t.Fatalf("want %v, got %v", tt.want, statuses(record))
			}
			a, _ := record.Step("a")
			if tt.dryRun {
				if !strings.Contains(a.Error, "live call during a dry run") {
					t.Errorf("error = %q", a.Error)
				}
			} else if a.Error != "" {
				t.Errorf("unexpected error %q", a.Error)
			}
		})
	}
}

func TestExecutor_CapturesPanicsAndResolveErrors(t *testing.T) {
	doc := Document{
		Entry: "a",
		Steps: []Step{
			{ID: "a", Kind: KindGeoIP, Next: []string{"b"}},
			{ID: "b", Kind: KindReverseGeocode, Next: []string{"c"}},
			{ID: "c", Kind: KindOutput},
		},
	}
	resolver := newFakeResolver()
	resolver.panic["a"] = true

	record := NewExecutor(resolver, ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})

	want := []string{"a:failed", "b:failed", "c:success"}
	if fmt.Sprint(statuses(record)) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, statuses(record))
	}
	a, _ := record.Step("a")
	if a.Error == "" {
		t.Error("expected panic to be recorded as an error")
	}
}

func TestExecutor_DryRunAndRecordFields(t *testing.T) {
	resolver := newFakeResolver()
	metrics := &recordingMetrics{}
	events := &recordingEvents{}
	clock := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := NewExecutor(resolver, ExecutorConfig{
		Metrics: metrics,
		Events:  events,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})

	record := exec.Run(context.Background(), chain(FailStop),
		Subject{Kind: "ip", ID: "1.2.3.4", Attributes: map[string]interface{}{"ip": "1.2.3.4"}},
		RunOptions{RunID: "run-1", PlaybookID: "pb", Version: 3, DryRun: true, Trigger: TriggerTest})

	if record.ID != "run-1" || record.PlaybookID != "pb" || record.Version != 3 || record.Trigger != TriggerTest {
		t.Errorf("unexpected record header: %+v", record)
	}
	if record.SubjectKind != "ip" || record.SubjectID != "1.2.3.4" || !record.DryRun {
		t.Errorf("unexpected subject fields: %+v", record)
	}
	if !record.FinishedAt.After(record.StartedAt) {
		t.Errorf("expected finish after start")
	}
	for _, s := range record.Steps {
		if !s.Simulated {
			t.Errorf("step %s not simulated", s.StepID)
		}
		if s.Duration <= 0 {
			t.Errorf("step %s has no duration", s.StepID)
		}
	}
	for _, req := range resolver.calls {
		if !req.DryRun {
			t.Errorf("capability for %s called without dry run", req.StepID)
		}
		if req.Context["ip"] != "1.2.3.4" || req.Context["subjectId"] != "1.2.3.4" {
			t.Errorf("subject context missing: %v", req.Context)
		}
	}
	if len(metrics.runs) != 1 || metrics.runs[0] != RunStatusSuccess || len(metrics.steps) != 3 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
	if events.events[0] != EventTypeRunStarted || events.events[len(events.events)-1] != EventTypeRunCompleted {
		t.Errorf("unexpected events: %v", events.events)
	}
}

func TestExecutor_MissingEntryProducesEmptyLog(t *testing.T) {
	doc := Document{Steps: []Step{{ID: "a", Kind: KindOutput}}}
	record := NewExecutor(newFakeResolver(), ExecutorConfig{}).Run(context.Background(), doc, Subject{}, RunOptions{})
	if len(record.Steps) != 0 || record.Status != RunStatusSuccess {
		t.Errorf("unexpected record: %+v", record)
	}
	if record.ID == "" || record.Trigger != TriggerManual {
		t.Errorf("expected generated id and manual trigger, got %+v", record)
	}
}
