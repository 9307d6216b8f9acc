package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/engine"
)

func newBindingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binding",
		Short: "Manage alert rule bindings",
		Long: `Manage the bindings that connect alert rules to published playbooks.

A binding selects alerts by rule, type, severity and tags, picks the run mode
(suggest, dry_run or auto_run) and carries its guardrails: runs per minute,
concurrent runs and a daily quota. A limit of 0 disables that guardrail.`,
	}

	cmd.AddCommand(newBindingCreateCommand())
	cmd.AddCommand(newBindingUpdateCommand())
	cmd.AddCommand(newBindingListCommand())
	cmd.AddCommand(newBindingDeleteCommand())
	return cmd
}

// bindingFlags registers the editable binding fields on cmd.
func bindingFlags(cmd *cobra.Command, b *engine.PlaybookBinding, mode *string, disabled *bool) {
	cmd.Flags().StringVar(&b.RuleID, "rule", "", "alert rule id")
	cmd.Flags().StringVar(&b.PlaybookID, "playbook", "", "bound playbook id")
	cmd.Flags().IntVar(&b.PinnedVersion, "pin", 0, "pinned version, 0 follows the current version")
	cmd.Flags().StringVar(mode, "mode", string(engine.ModeSuggest), "run mode: suggest, dry_run or auto_run")
	cmd.Flags().StringSliceVar(&b.MatchTypes, "type", nil, "alert types to match")
	cmd.Flags().StringSliceVar(&b.MatchSeverities, "severity", nil, "alert severities to match")
	cmd.Flags().StringSliceVar(&b.MatchTags, "tag", nil, "alert tags to match")
	cmd.Flags().IntVar(&b.MaxPerMinute, "max-per-minute", 0, "runs admitted per minute")
	cmd.Flags().IntVar(&b.MaxConcurrent, "max-concurrent", 0, "runs in flight at once")
	cmd.Flags().IntVar(&b.DailyQuota, "daily-quota", 0, "runs admitted per UTC day")
	cmd.Flags().BoolVar(disabled, "disabled", false, "create the binding disabled")
}

func newBindingCreateCommand() *cobra.Command {
	var (
		b        engine.PlaybookBinding
		mode     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a binding",
		Example: `  froyo-playbook binding create --rule brute-force --playbook 3f0c... \
    --mode auto_run --severity high --max-per-minute 10 --daily-quota 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b.Mode = engine.RunMode(mode)
			b.Enabled = !disabled
			return withApp(cmd.Context(), func(a *app) error {
				created, warnings, err := a.svc.CreateBinding(cmd.Context(), b, actor)
				if err != nil {
					return reportError(err)
				}
				printWarnings(os.Stderr, warnings)
				if jsonOutput {
					return printJSON(created)
				}
				fmt.Println(created.ID)
				return nil
			})
		},
	}

	bindingFlags(cmd, &b, &mode, &disabled)
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("playbook")
	return cmd
}

func newBindingUpdateCommand() *cobra.Command {
	var (
		b        engine.PlaybookBinding
		mode     string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "update <binding-id>",
		Short: "Update a binding",
		Long: `Update a binding. Only the flags given on the command line change; guardrail
counters carry over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				current, err := a.svc.GetBinding(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				next := *current
				flags := cmd.Flags()
				if flags.Changed("rule") {
					next.RuleID = b.RuleID
				}
				if flags.Changed("playbook") {
					next.PlaybookID = b.PlaybookID
				}
				if flags.Changed("pin") {
					next.PinnedVersion = b.PinnedVersion
				}
				if flags.Changed("mode") {
					next.Mode = engine.RunMode(mode)
				}
				if flags.Changed("type") {
					next.MatchTypes = b.MatchTypes
				}
				if flags.Changed("severity") {
					next.MatchSeverities = b.MatchSeverities
				}
				if flags.Changed("tag") {
					next.MatchTags = b.MatchTags
				}
				if flags.Changed("max-per-minute") {
					next.MaxPerMinute = b.MaxPerMinute
				}
				if flags.Changed("max-concurrent") {
					next.MaxConcurrent = b.MaxConcurrent
				}
				if flags.Changed("daily-quota") {
					next.DailyQuota = b.DailyQuota
				}
				if flags.Changed("disabled") {
					next.Enabled = !disabled
				}

				updated, warnings, err := a.svc.UpdateBinding(cmd.Context(), next, actor)
				if err != nil {
					return reportError(err)
				}
				printWarnings(os.Stderr, warnings)
				if jsonOutput {
					return printJSON(updated)
				}
				fmt.Printf("Updated binding %s\n", updated.ID)
				return nil
			})
		},
	}

	bindingFlags(cmd, &b, &mode, &disabled)
	return cmd
}

func newBindingListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				bindings, err := a.svc.ListBindings(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(bindings)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tRULE\tPLAYBOOK\tPIN\tMODE\tRATE\tCONC\tQUOTA\tENABLED")
				for _, b := range bindings {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%t\n",
						b.ID, b.RuleID, b.PlaybookID, b.PinnedVersion, b.Mode,
						b.MaxPerMinute, b.MaxConcurrent, b.DailyQuota, b.Enabled)
				}
				return w.Flush()
			})
		},
	}
}

func newBindingDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <binding-id>",
		Short: "Delete a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.svc.DeleteBinding(cmd.Context(), args[0], actor); err != nil {
					return err
				}
				fmt.Printf("Deleted binding %s\n", args[0])
				return nil
			})
		},
	}
}
