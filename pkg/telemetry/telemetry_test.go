package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production needs endpoint", mutate: func(c *Config) { *c = *ProductionConfig() }, wantErr: "endpoint"},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: "exporter"},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: "sampling rate"},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: "listen address"},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRun(engine.TriggerBinding, engine.RunStatusSuccess, 2*time.Second)
	m.RecordRun(engine.TriggerBinding, engine.RunStatusSuccess, time.Second)
	m.RecordStep(engine.KindGeoIP, engine.StepStatusFailed, time.Millisecond)
	m.RecordDecision(engine.ModeAutoRun, guardrails.OutcomeRejected, guardrails.ReasonRateLimited)
	m.RecordDecision(engine.ModeAutoRun, guardrails.OutcomeUnmatched, "")
	m.AddInFlight(2)
	m.AddInFlight(-1)
	m.RecordAlertIngested("malformed")
	m.RecordError(engine.NewNotFoundError("playbook", "pb-1"), "publish")
	m.RecordError(errors.New("boom"), "publish")

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("binding", "success")); got != 2 {
		t.Errorf("runs_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stepsTotal.WithLabelValues("geoip", "failed")); got != 1 {
		t.Errorf("steps_total = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.decisions); got != 1 {
		t.Errorf("guardrail decision series = %d, want 1 (unmatched is not counted)", got)
	}
	if got := testutil.ToFloat64(m.runsActive); got != 1 {
		t.Errorf("runs_in_flight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.alertsIngested.WithLabelValues("malformed")); got != 1 {
		t.Errorf("alerts_ingested_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("not_found", "publish")); got != 1 {
		t.Errorf("not_found errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("internal", "publish")); got != 1 {
		t.Errorf("internal errors = %v, want 1", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordRun(engine.TriggerTest, engine.RunStatusFailed, time.Second)
	m.RecordDecision(engine.ModeSuggest, guardrails.OutcomeAdmitted, "")
	m.AddInFlight(1)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(NewLoggerTo(&bytes.Buffer{}, DefaultConfig().Logging).Zerolog()); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var all, failures []engine.Event
	ep.Subscribe(func(e engine.Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e engine.Event) { failures = append(failures, e) }, FilterByType(engine.EventTypeStepFailed))
	ep.AddFilter(FilterByRunID("run-1"))

	events := []*engine.Event{
		{Type: engine.EventTypeRunStarted, RunID: "run-1", Level: EventLevelInfo},
		{Type: engine.EventTypeStepFailed, RunID: "run-1", StepID: "s1", Level: EventLevelError},
		{Type: engine.EventTypeStepFailed, RunID: "run-2", StepID: "s1", Level: EventLevelError},
	}
	for _, e := range events {
		if err := ep.Publish(context.Background(), e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if len(all) != 2 {
		t.Fatalf("delivered %d events, want 2", len(all))
	}
	if len(failures) != 1 || failures[0].StepID != "s1" {
		t.Fatalf("failure subscriber got %+v", failures)
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Errorf("publisher should stamp id and timestamp, got %+v", all[0])
	}
	if events[0].ID != "" {
		t.Error("publisher must not modify the caller's event")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 64, MaxBatchSize: 8, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		got = append(got, e.StepID)
		mu.Unlock()
	}, nil)

	for i := 0; i < 20; i++ {
		if err := ep.Publish(context.Background(), &engine.Event{RunID: "r", StepID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("delivered %d events, want 20", len(got))
	}
	for i, id := range got {
		if id != string(rune('a'+i)) {
			t.Fatalf("event %d = %q, want publish order", i, id)
		}
	}

	if err := ep.Publish(context.Background(), &engine.Event{RunID: "r"}); err == nil {
		t.Error("Publish() after Shutdown should fail")
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)
	tests := map[string]bool{
		EventLevelInfo:    false,
		EventLevelWarning: true,
		EventLevelError:   true,
	}
	for level, want := range tests {
		if got := filter(engine.Event{Level: level}); got != want {
			t.Errorf("FilterByLevel(warning)(%s) = %v, want %v", level, got, want)
		}
	}
}

func TestWriterSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := WriterSubscriber(&buf)
	sub(engine.Event{ID: "e1", Type: engine.EventTypeRunCompleted, RunID: "r1"})
	sub(engine.Event{ID: "e2", Type: engine.EventTypeRunFailed, RunID: "r1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	var e engine.Event
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if e.ID != "e2" || e.Type != engine.EventTypeRunFailed {
		t.Errorf("decoded %+v", e)
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	logger := NewLoggerTo(&buf, cfg).NewComponentLogger("executor").WithRunID("run-9")

	ctx := logger.WithContext(context.Background())
	zl := FromContext(ctx).Zerolog()
	zl.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"component":"executor"`, `"run_id":"run-9"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}

	// No logger in context discards output.
	nop := FromContext(context.Background()).Zerolog()
	nop.Info().Msg("dropped")
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "playbook.publish")
	if op.Span != nil {
		t.Error("operation without telemetry should not open a span")
	}
	op.End(errors.New("failed"))
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("FromTelemetryContext() did not return the bundle")
	}

	op := StartOperation(ctx, "binding.evaluate", AttrBindingID.String("b-1"))
	if op.Span == nil {
		t.Fatal("operation should open a span")
	}
	op.End(nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
