package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
	"github.com/openfroyo/playbooks/pkg/stores"
)

// runSink stores the results of binding-dispatched runs. auto_run records are also
// attached to the triggering alert as enrichments.
type runSink struct {
	store  stores.Store
	logger zerolog.Logger
	now    func() time.Time
}

var _ guardrails.RunSink = (*runSink)(nil)

func newRunSink(store stores.Store, logger zerolog.Logger, now func() time.Time) *runSink {
	return &runSink{
		store:  store,
		logger: logger.With().Str("component", "run-sink").Logger(),
		now:    now,
	}
}

func (s *runSink) RunFinished(ctx context.Context, alert engine.Alert, decision guardrails.Decision, record *engine.RunRecord) {
	logger := s.logger.With().Str("run_id", record.ID).Str("binding_id", decision.BindingID).
		Str("alert_id", alert.ID).Logger()

	if err := s.store.SaveRun(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to store run record")
		return
	}
	if decision.Mode == engine.ModeAutoRun {
		if err := s.store.AttachEnrichment(ctx, alert.ID, record.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to attach enrichment")
		}
	}

	entry := &engine.AuditEntry{
		Action:   engine.AuditRunFinished,
		Actor:    "binding:" + decision.BindingID,
		TargetID: record.ID,
		Details: map[string]interface{}{
			"playbookId": record.PlaybookID,
			"version":    record.Version,
			"alertId":    alert.ID,
			"mode":       string(decision.Mode),
			"status":     string(record.Status),
		},
		Timestamp: s.now().UTC(),
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to write audit entry")
	}
	logger.Info().Str("status", string(record.Status)).Msg("Binding run stored")
}

func (s *runSink) Suggested(ctx context.Context, alert engine.Alert, decision guardrails.Decision) {
	logger := s.logger.With().Str("binding_id", decision.BindingID).Str("playbook_id", decision.PlaybookID).
		Int("version", decision.Version).Str("alert_id", alert.ID).Logger()

	entry := &engine.AuditEntry{
		Action:   engine.AuditRunSuggested,
		Actor:    "binding:" + decision.BindingID,
		TargetID: decision.PlaybookID,
		Details: map[string]interface{}{
			"version":   decision.Version,
			"alertId":   alert.ID,
			"bindingId": decision.BindingID,
			"ruleId":    decision.RuleID,
		},
		Timestamp: s.now().UTC(),
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("Failed to write audit entry")
	}
	logger.Info().Msg("Playbook suggested")
}
