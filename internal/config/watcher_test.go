package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quartzdb/quartzdb/internal/security"
)

func TestNewPolicyWatcherNilWhenNoFilesConfigured(t *testing.T) {
	w, err := NewPolicyWatcher(Config{}, nil)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil watcher when no policy files are configured")
	}
}

func TestPolicyWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	rlsPath := writeFile(t, dir, "rls.toml", `
[[policy]]
name = "initial"
entity = "Document"
attribute_eq_field = "org_id"
attribute_eq_attr = "user.org_id"
`)

	cfg := Config{RLSPolicyFile: rlsPath}
	w, err := NewPolicyWatcher(cfg, nil)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	if w == nil {
		t.Fatal("expected a non-nil watcher")
	}
	defer w.Close()

	results := make(chan []security.RlsPolicy, 4)
	errs := make(chan error, 4)
	w.Start(func(policies []security.RlsPolicy, _ map[string]security.CapabilitySet, err error) {
		if err != nil {
			errs <- err
			return
		}
		results <- policies
	})

	// Rewrite the file with a second policy; the watcher should fire once
	// the debounce window elapses.
	if err := os.WriteFile(rlsPath, []byte(`
[[policy]]
name = "initial"
entity = "Document"
attribute_eq_field = "org_id"
attribute_eq_attr = "user.org_id"

[[policy]]
name = "second"
entity = "Document"
always_allow = true
`), 0o644); err != nil {
		t.Fatalf("rewrite rls.toml: %v", err)
	}

	select {
	case policies := <-results:
		if len(policies) != 2 {
			t.Fatalf("expected 2 policies after reload, got %d", len(policies))
		}
	case err := <-errs:
		t.Fatalf("reload reported an error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a policy reload")
	}
}

func TestPolicyWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	rlsPath := writeFile(t, dir, "rls.toml", `
[[policy]]
name = "initial"
entity = "Document"
always_allow = true
`)

	w, err := NewPolicyWatcher(Config{RLSPolicyFile: rlsPath}, nil)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	defer w.Close()

	reloaded := make(chan struct{}, 1)
	w.Start(func([]security.RlsPolicy, map[string]security.CapabilitySet, error) {
		reloaded <- struct{}{}
	})

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("watcher fired for a write to an unrelated file")
	case <-time.After(500 * time.Millisecond):
	}
}
