package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Denies transitions into the verifying phase during a freeze.
package stackplane.policies.freeze

import rego.v1

deny contains violation if {
	input.to == "verifying"
	violation := {
		"message": "verification is frozen",
		"severity": "error",
	}
}
`

func TestLoadFromRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "freeze" {
		t.Errorf("expected policy name from file name, got %q", p.Name)
	}
	if p.Description == "" {
		t.Error("expected description extracted from leading comment")
	}
	if !p.Enabled {
		t.Error("expected loaded policy to be enabled by default")
	}
}

func TestLoadFromDirectorySkipsUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(testRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a policy"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("expected only the .rego file to load, got %d policies", len(policies))
	}
}

func TestLoadJSONPolicyDefaults(t *testing.T) {
	dir := t.TempDir()
	doc := `{"name": "custom", "rego": "package stackplane.policies.custom\n"}`
	path := filepath.Join(dir, "custom.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("expected default severity warning, got %s", policies[0].Severity)
	}
	if policies[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be defaulted")
	}
}

func TestWatchTriggersReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		select {
		case reloaded <- policies:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	// Let the watcher settle, then rewrite the policy file.
	time.Sleep(50 * time.Millisecond)
	updated := testRego + "\n# revised during a change window\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("failed to rewrite policy file: %v", err)
	}

	select {
	case policies := <-reloaded:
		if len(policies) != 1 {
			t.Fatalf("expected 1 reloaded policy, got %d", len(policies))
		}
		if !strings.Contains(policies[0].Rego, "revised during a change window") {
			t.Error("expected the reload to pick up the rewritten file")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after the policy file changed")
	}
}

func TestWatchPoliciesRecompilesGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	if err := os.WriteFile(path, []byte(testRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	gate := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gate.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := gate.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("WatchPolicies failed: %v", err)
	}
	defer gate.StopWatching()

	// Rewrite the policy so it no longer denies anything.
	relaxed := "# Freeze lifted.\npackage stackplane.policies.freeze\n\nimport rego.v1\n"
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(relaxed), 0o644); err != nil {
		t.Fatalf("failed to rewrite policy file: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		result, err := gate.EvaluateTransition(ctx, transitionInput("deploying", "verifying"))
		if err != nil {
			t.Fatalf("EvaluateTransition failed: %v", err)
		}
		if result.Allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the rewritten policy to stop denying after hot reload")
}

func TestGateLoadsCustomPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(testRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	gate := newTestGate(t)
	if err := gate.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	result, err := gate.EvaluateTransition(context.Background(), transitionInput("deploying", "verifying"))
	if err != nil {
		t.Fatalf("EvaluateTransition failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected custom freeze policy to deny verification")
	}
}
