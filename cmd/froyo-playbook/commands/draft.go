package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/playbooks/pkg/engine"
)

func newDraftCommand() *cobra.Command {
	var (
		create bool
		name   string
	)

	cmd := &cobra.Command{
		Use:   "draft <prompt>",
		Short: "Generate a playbook document from a description",
		Long: `Generate a playbook document from a natural language description using an
OpenAI-compatible chat API. Requires OPENAI_API_KEY or draft.api_key.
The generated document is validated and printed; --create stores it as a draft.`,
		Example: `  froyo-playbook draft "Look up the IP in GeoIP and VirusTotal, stop if malicious"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return withApp(cmd.Context(), func(a *app) error {
				result, err := a.svc.Draft(cmd.Context(), prompt)
				if err != nil {
					return err
				}

				var pb *engine.Playbook
				if create {
					if name == "" {
						name = "Drafted playbook"
					}
					pb, err = a.svc.Create(cmd.Context(), name, prompt, actor, &result.Document)
					if err != nil {
						return err
					}
				}

				if jsonOutput {
					return printJSON(map[string]interface{}{"draft": result, "playbook": pb})
				}
				data, err := engine.EncodeDocument(result.Document)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				printFindings(os.Stderr, result.Validation)
				if pb != nil {
					fmt.Fprintf(os.Stderr, "Created draft playbook %s\n", pb.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "store the draft as a new playbook")
	cmd.Flags().StringVar(&name, "name", "", "name of the created playbook")
	return cmd
}
