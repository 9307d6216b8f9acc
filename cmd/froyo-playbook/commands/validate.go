package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a playbook document",
		Long: `Validate a playbook document written in CUE, YAML or JSON.

This command checks:
  - Source syntax and schema conformance
  - Step kinds, ids and failure policies
  - Edges, entry and cycles
  - Reachability from the entry step
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a CUE playbook
  froyo-playbook validate ./playbooks/triage.cue

  # Validate with custom policies and JSON output
  froyo-playbook validate -c froyo.yaml --json ./playbooks/triage.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			log.Debug().Str("path", path).Msg("Validating playbook")

			return withApp(cmd.Context(), func(a *app) error {
				bundle, diags, err := a.svc.Parser().LoadBundle(path)
				if err != nil {
					if jsonOutput {
						_ = printJSON(map[string]interface{}{"file": path, "diagnostics": diags, "error": err.Error()})
					} else {
						fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
						printDiagnostics(os.Stderr, diags)
					}
					return fmt.Errorf("%w: %v", errFindings, err)
				}

				result, err := a.svc.Validate(cmd.Context(), bundle.Document)
				if err != nil {
					return err
				}

				if jsonOutput {
					if err := printJSON(map[string]interface{}{"file": path, "result": result, "canPublish": result.CanPublish()}); err != nil {
						return err
					}
				} else {
					printFindings(os.Stdout, result)
					if result.CanPublish() {
						fmt.Printf("%s: valid (%d steps, %d warnings)\n", path, len(bundle.Document.Steps), len(result.Warnings))
					}
				}
				if !result.CanPublish() {
					return fmt.Errorf("%w: %s has %d errors", errFindings, path, len(result.Errors))
				}
				return nil
			})
		},
	}
	return cmd
}

func newDOTCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "dot <file>",
		Short:   "Render a playbook document as a Graphviz graph",
		Example: `  froyo-playbook dot ./playbooks/triage.cue | dot -Tsvg > triage.svg`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, diags, err := config.NewParser().LoadDocument(args[0])
			if err != nil {
				printDiagnostics(os.Stderr, diags)
				return err
			}
			graph := engine.ToDOT(doc)
			if output == "" {
				fmt.Print(graph)
				return nil
			}
			return os.WriteFile(output, []byte(graph), 0o644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to a file")
	return cmd
}
