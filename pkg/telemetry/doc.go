// Package telemetry provides observability for the playbook service.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an execution event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//	ctx = tel.WithContext(ctx)
//
// # Metrics
//
// Metrics satisfies engine.MetricsRecorder and guardrails.Metrics, so the same
// instance is handed to the executor and to the guardrail enforcer. Exposed series
// include runs_total, run_duration_seconds, runs_in_flight, steps_total,
// step_duration_seconds, guardrail_decisions_total, alerts_ingested_total
// and errors_by_class_total, all under the configured namespace.
//
// # Events
//
// EventPublisher satisfies engine.EventPublisher. With EnableAsync set, events
// are buffered and delivered from one goroutine in publish order; Shutdown drains
// the buffer before returning.
//
//	tel.Events.Subscribe(telemetry.WriterSubscriber(os.Stdout),
//	    telemetry.FilterByType(engine.EventTypeStepFailed))
//
// # Operations
//
// StartOperation opens a span and an operation logger for a service call:
//
//	op := telemetry.StartOperation(ctx, "playbook.publish", telemetry.AttrPlaybookID.String(id))
//	defer func() { op.End(err) }()
package telemetry
