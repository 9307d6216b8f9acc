package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/engine"
)

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printDiagnostics writes located parse diagnostics.
func printDiagnostics(w io.Writer, diags []config.ValidationError) {
	for _, d := range diags {
		fmt.Fprintf(w, "  %s\n", d.String())
	}
}

// printFindings writes validation errors and warnings.
func printFindings(w io.Writer, result engine.ValidationResult) {
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  error:   %s\n", e)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

// printWarnings writes non-blocking policy warnings.
func printWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

// reportError prints the findings carried by a validation error, if any.
func reportError(err error) error {
	if findings, ok := engine.ValidationFindings(err); ok {
		fmt.Fprintln(os.Stderr, "Validation failed:")
		printFindings(os.Stderr, findings)
		return fmt.Errorf("%w: %v", errFindings, err)
	}
	return err
}

// readSubject decodes a subject from inline JSON.
func readSubject(raw string) (engine.Subject, error) {
	var subject engine.Subject
	if raw == "" {
		return subject, nil
	}
	if err := json.Unmarshal([]byte(raw), &subject); err != nil {
		return subject, fmt.Errorf("invalid --subject: %w", err)
	}
	return subject, nil
}

// printRun writes a run record as a step table.
func printRun(w io.Writer, record *engine.RunRecord) {
	mode := "live"
	if record.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "Run %s: %s (%s, trigger=%s)\n", record.ID, record.Status, mode, record.Trigger)
	for _, step := range record.Steps {
		line := fmt.Sprintf("  %-20s %-16s %-8s %s", step.StepID, step.Kind, step.Status, step.Duration)
		if step.Error != "" {
			line += "  " + step.Error
		}
		fmt.Fprintln(w, line)
	}
}
