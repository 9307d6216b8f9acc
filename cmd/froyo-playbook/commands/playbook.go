package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/engine"
)

func newCreateCommand() *cobra.Command {
	var (
		from        string
		description string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a draft playbook",
		Long: `Create a draft playbook. Without --from the playbook starts from the
template document; with --from the document is read from a CUE, YAML or JSON file.`,
		Example: `  froyo-playbook create "Suspicious login triage"
  froyo-playbook create "IP triage" --from ./playbooks/triage.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var doc *engine.Document
				if from != "" {
					loaded, diags, err := a.svc.Parser().LoadDocument(from)
					if err != nil {
						printDiagnostics(os.Stderr, diags)
						return err
					}
					doc = &loaded
				}

				pb, err := a.svc.Create(cmd.Context(), args[0], description, actor, doc)
				if err != nil {
					return err
				}
				log.Info().Str("playbook", pb.ID).Str("name", pb.Name).Msg("Playbook created")
				if jsonOutput {
					return printJSON(pb)
				}
				fmt.Println(pb.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "read the initial document from a file")
	cmd.Flags().StringVar(&description, "description", "", "playbook description")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				playbooks, err := a.svc.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(playbooks)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVERSION\tUPDATED")
				for _, pb := range playbooks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", pb.ID, pb.Name, pb.Status, pb.CurrentVersion, pb.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func newPublishCommand() *cobra.Command {
	var (
		file  string
		notes string
	)

	cmd := &cobra.Command{
		Use:   "publish <playbook-id>",
		Short: "Publish a new immutable version of a playbook",
		Long: `Publish the live document of a playbook, or the document in --file, as the next
version. Publishing is refused while validation or policy reports errors.`,
		Example: `  froyo-playbook publish 3f0c... --notes "Add whois enrichment"
  froyo-playbook publish 3f0c... --file ./playbooks/triage.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var doc *engine.Document
				if file != "" {
					loaded, diags, err := a.svc.Parser().LoadDocument(file)
					if err != nil {
						printDiagnostics(os.Stderr, diags)
						return err
					}
					doc = &loaded
				}

				v, err := a.svc.Publish(cmd.Context(), args[0], doc, actor, notes)
				if err != nil {
					return reportError(err)
				}
				if jsonOutput {
					return printJSON(v)
				}
				fmt.Printf("Published %s version %d\n", v.PlaybookID, v.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "publish the document in this file")
	cmd.Flags().StringVar(&notes, "notes", "", "release notes")
	return cmd
}

func newRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <playbook-id> <version>",
		Short: "Restore the live document from a published version",
		Long: `Restore the live document of a playbook from a published version. The
restored document is a draft edit; publish it to make it the current version.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				pb, err := a.svc.Rollback(cmd.Context(), args[0], version, actor)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(pb)
				}
				fmt.Printf("Restored %s from version %d\n", pb.ID, version)
				return nil
			})
		},
	}
}

func newVersionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <playbook-id>",
		Short: "List the published versions of a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				versions, err := a.svc.Versions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(versions)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tCREATED\tBY\tNOTES")
				for _, v := range versions {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.Version, v.CreatedAt.Format("2006-01-02 15:04"), v.CreatedBy, v.ReleaseNotes)
				}
				return w.Flush()
			})
		},
	}
}

func newImportCommand() *cobra.Command {
	var into string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a playbook bundle",
		Long: `Import a bundle as a new draft playbook, or merge its steps into an existing
playbook with --into. Colliding step ids are renamed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				result, diags, err := a.svc.ImportFile(cmd.Context(), args[0], into, actor)
				if err != nil {
					printDiagnostics(os.Stderr, diags)
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				fmt.Printf("Imported into %s (%d steps)\n", result.Playbook.ID, len(result.Playbook.Document.Steps))
				for from, to := range result.Renamed {
					fmt.Printf("  renamed %s -> %s\n", from, to)
				}
				printFindings(os.Stdout, result.Validation)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&into, "into", "", "merge into this playbook id")
	return cmd
}

func newExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <playbook-id>",
		Short: "Export the live document of a playbook as a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				data, err := a.svc.Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output == "" {
					_, err = os.Stdout.Write(append(data, '\n'))
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the bundle to a file")
	return cmd
}
