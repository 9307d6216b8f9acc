package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/ingest"
	"github.com/openfroyo/playbooks/pkg/stores"
)

func newTestRunCommand() *cobra.Command {
	var (
		subject    string
		playbookID string
	)

	cmd := &cobra.Command{
		Use:   "test-run <file>",
		Short: "Dry-run a playbook document against a subject",
		Long: `Dry-run a playbook document against a subject without guardrails.
Side-effecting steps are simulated. The document does not need to be valid.`,
		Example: `  froyo-playbook test-run ./playbooks/triage.cue --subject '{"kind":"ip","id":"203.0.113.7"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subj, err := readSubject(subject)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				doc, diags, err := a.svc.Parser().LoadDocument(args[0])
				if err != nil {
					printDiagnostics(os.Stderr, diags)
					return err
				}
				record := a.svc.TestRun(cmd.Context(), doc, subj, playbookID)
				if jsonOutput {
					return printJSON(record)
				}
				printRun(os.Stdout, record)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject as JSON, e.g. {\"kind\":\"ip\",\"id\":\"203.0.113.7\"}")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "store the record under this playbook id")
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		subject string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "run <playbook-id> [version]",
		Short: "Run a published playbook version against a subject",
		Long: `Run a published version of a playbook against a subject. Without a version
the current version runs. The run is recorded with trigger "manual".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := 0
			if len(args) == 2 {
				v, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[1], err)
				}
				version = v
			}
			subj, err := readSubject(subject)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				record, err := a.svc.RunVersion(cmd.Context(), args[0], version, subj, dryRun)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(record)
				}
				printRun(os.Stdout, record)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject as JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate side-effecting steps")
	return cmd
}

func newEvaluateCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "evaluate <alert.json>",
		Short: "Evaluate an alert against every binding",
		Long: `Evaluate an alert against every binding and print the decisions. Dispatched
runs are awaited before the command exits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read alert: %w", err)
			}
			alert, err := ingest.DecodeAlert(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				decisions, err := a.svc.Evaluate(cmd.Context(), alert)
				if err != nil {
					return err
				}
				if !a.svc.WaitTimeout(timeout) {
					log.Warn().Dur("timeout", timeout).Msg("Runs still in flight at exit")
				}
				if jsonOutput {
					return printJSON(decisions)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "BINDING\tPLAYBOOK\tMODE\tOUTCOME\tVERSION\tRUN\tDETAIL")
				for _, d := range decisions {
					detail := d.Error
					if d.Rejection != nil {
						detail = d.Rejection.String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", d.BindingID, d.PlaybookID, d.Mode, d.Outcome, d.Version, d.RunID, detail)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for dispatched runs")
	return cmd
}

func newRunsCommand() *cobra.Command {
	var (
		filter stores.RunFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored run records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = engine.RunStatus(status)
			return withApp(cmd.Context(), func(a *app) error {
				runs, err := a.svc.Runs(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPLAYBOOK\tVERSION\tTRIGGER\tSTATUS\tDRY\tSTARTED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%t\t%s\n", r.ID, r.PlaybookID, r.Version, r.Trigger, r.Status, r.DryRun, r.StartedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.PlaybookID, "playbook", "", "filter by playbook id")
	cmd.Flags().StringVar(&filter.BindingID, "binding", "", "filter by binding id")
	cmd.Flags().StringVar(&filter.AlertID, "alert", "", "filter by alert id")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum records")

	cmd.AddCommand(newRunShowCommand())
	cmd.AddCommand(newEnrichmentsCommand())
	cmd.AddCommand(newAuditCommand())
	return cmd
}

func newRunShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				record, err := a.store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(record)
				}
				printRun(os.Stdout, record)
				for _, step := range record.Steps {
					if len(step.Output) == 0 {
						continue
					}
					out, _ := json.Marshal(step.Output)
					fmt.Printf("  %s: %s\n", step.StepID, out)
				}
				return nil
			})
		},
	}
}

func newEnrichmentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enrichments <alert-id>",
		Short: "List the auto runs that enriched an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				enrichments, err := a.svc.Enrichments(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(enrichments)
				}
				for _, e := range enrichments {
					fmt.Printf("%s\t%s\n", e.RunID, e.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newAuditCommand() *cobra.Command {
	var filter stores.AuditFilter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				entries, err := a.store.ListAuditEntries(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTION\tACTOR\tTARGET")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, e.TargetID)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "filter by action")
	cmd.Flags().StringVar(&filter.Actor, "actor-name", "", "filter by actor")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "filter by target id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum entries")
	return cmd
}
