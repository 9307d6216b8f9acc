package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

type recordingSync struct {
	mu    sync.Mutex
	calls [][]engine.PlaybookBinding
}

func (r *recordingSync) sync(_ context.Context, bindings []engine.PlaybookBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, bindings)
	return nil
}

func (r *recordingSync) last() []engine.PlaybookBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

const oneBinding = `
bindings:
  - id: b1
    ruleId: r1
    playbookId: pb-1
    mode: suggest
`

const twoBindings = oneBinding + `  - id: b2
    ruleId: r2
    playbookId: pb-2
    mode: dry_run
`

func TestBindingsWatcherReload(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bindings.yaml", oneBinding)
	rec := &recordingSync{}
	w := NewBindingsWatcher(NewParser(), path, rec.sync, zerolog.Nop())

	if err := w.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := rec.last(); len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("synced %+v", got)
	}

	if err := os.WriteFile(path, []byte("bindings:\n  - mode: never\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(context.Background()); !engine.IsSchema(err) {
		t.Errorf("expected schema error, got %v", err)
	}
	if w.Reloads() != 1 {
		t.Errorf("failed reload counted: %d", w.Reloads())
	}
}

func TestBindingsWatcherRun(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bindings.yaml", oneBinding)
	rec := &recordingSync{}
	w := NewBindingsWatcher(NewParser(), path, rec.sync, zerolog.Nop())
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, func() bool { return w.Reloads() == 1 })

	if err := os.WriteFile(path, []byte(twoBindings), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.last()) == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestBindingsWatcherRunInvalidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bindings.yaml", "bindings: nope\n")
	w := NewBindingsWatcher(NewParser(), path, (&recordingSync{}).sync, zerolog.Nop())
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected initial load to fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
