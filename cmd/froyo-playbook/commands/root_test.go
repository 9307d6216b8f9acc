package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validPlaybook = `{
  "version": "1.0.0",
  "entry": "match",
  "steps": [
    {"id": "match", "type": "keyword_match", "params": {"keywords": ["failed password"]}, "next": ["out"]},
    {"id": "out", "type": "output", "params": {"text": "matched={{.matched}}"}}
  ]
}`

const cyclicPlaybook = `{
  "version": "1.0.0",
  "entry": "a",
  "steps": [
    {"id": "a", "type": "keyword_match", "params": {"keywords": ["x"]}, "next": ["b"]},
    {"id": "b", "type": "output", "params": {"text": "b"}, "next": ["a"]}
  ]
}`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand("test", "none", "today")
	for _, name := range []string{
		"validate", "create", "publish", "rollback", "versions", "list",
		"test-run", "run", "import", "export", "dot", "binding",
		"evaluate", "runs", "draft", "serve",
	} {
		found, _, err := cmd.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Errorf("ExitCode(generic) = %d, want 1", got)
	}
	if got := ExitCode(errFindings); got != 2 {
		t.Errorf("ExitCode(findings) = %d, want 2", got)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "playbooks.db")

	tests := []struct {
		name         string
		content      string
		wantFindings bool
	}{
		{name: "valid", content: validPlaybook},
		{name: "cycle", content: cyclicPlaybook, wantFindings: true},
		{name: "syntax", content: `{"version": `, wantFindings: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestFile(t, dir, tt.name+".json", tt.content)
			err := execute(t, "--db", db, "validate", path)
			if tt.wantFindings {
				if !errors.Is(err, errFindings) {
					t.Fatalf("validate error = %v, want findings", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate failed: %v", err)
			}
		})
	}
}

func TestReadSubject(t *testing.T) {
	subject, err := readSubject(`{"kind":"ip","id":"203.0.113.7","attributes":{"asn":64500}}`)
	if err != nil {
		t.Fatalf("readSubject failed: %v", err)
	}
	if subject.Kind != "ip" || subject.ID != "203.0.113.7" {
		t.Errorf("subject = %+v", subject)
	}
	if _, err := readSubject("{"); err == nil {
		t.Error("expected error for malformed subject")
	}
	if empty, err := readSubject(""); err != nil || empty.ID != "" {
		t.Errorf("readSubject(\"\") = %+v, %v", empty, err)
	}
}
