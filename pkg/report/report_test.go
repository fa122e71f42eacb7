package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stackplane/stackplane/pkg/engine"
	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/locks"
	"github.com/stackplane/stackplane/pkg/statestore"
)

// newTestFixture wires a store and engine and runs a deployment partway
// through the pipeline.
func newTestFixture(t *testing.T) (*statestore.Store, string) {
	t.Helper()

	lockMgr, err := locks.NewManager(locks.Config{
		Backend:      locks.BackendMemory,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}

	store, err := statestore.New(statestore.DefaultConfig(t.TempDir()), lockMgr, nil, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	jnl, err := journal.NewJournal(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}

	eng := engine.New(store, jnl, journal.NewBus(nil), nil, nil, nil, nil)
	ctx := context.Background()

	id, err := eng.CreateDeployment(ctx, "web")
	if err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	for _, to := range []engine.Phase{engine.PhaseValidating, engine.PhasePreparing} {
		if err := eng.Transition(ctx, id, to, "advance", nil); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
	}

	if err := store.Set(statestore.ResourceScope("web", "i-0abc"), "status", "running"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	return store, id
}

func TestGetSummary(t *testing.T) {
	store, _ := newTestFixture(t)
	reporter := NewReporter(store, nil, nil)

	summary, err := reporter.GetSummary("web")
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.Phase != "preparing" {
		t.Errorf("expected phase preparing, got %s", summary.Phase)
	}
	if summary.Deployments != 1 {
		t.Errorf("expected 1 deployment, got %d", summary.Deployments)
	}
	if summary.ResourceCount != 1 {
		t.Errorf("expected 1 resource, got %d", summary.ResourceCount)
	}
	if summary.EventCount < 2 {
		t.Errorf("expected at least 2 events, got %d", summary.EventCount)
	}
	if summary.LastModified.IsZero() {
		t.Error("expected last modified timestamp")
	}
}

func TestExportContainsTransitionHistory(t *testing.T) {
	store, id := newTestFixture(t)
	reporter := NewReporter(store, nil, nil)

	export, err := reporter.Export("web")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(export.Deployments) != 1 {
		t.Fatalf("expected 1 deployment in export, got %d", len(export.Deployments))
	}
	if got := len(export.Transitions[id]); got != 2 {
		t.Errorf("expected 2 transition records, got %d", got)
	}
	if export.Deployments[id].Phase != "preparing" {
		t.Errorf("unexpected exported phase: %s", export.Deployments[id].Phase)
	}
}

func TestExportIsReadOnly(t *testing.T) {
	store, id := newTestFixture(t)
	reporter := NewReporter(store, nil, nil)

	export, err := reporter.Export("web")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// Mutating the export must not touch the persisted document.
	export.Deployments[id].Phase = "tampered"
	export.Transitions[id][0].Reason = "tampered"

	err = store.View("web", func(doc *statestore.StateDocument) error {
		if doc.Deployments[id].Phase == "tampered" {
			t.Error("export must deep-copy deployment records")
		}
		if doc.Transitions[id][0].Reason == "tampered" {
			t.Error("export must copy transition history")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	store, id := newTestFixture(t)
	reporter := NewReporter(store, nil, nil)

	var buf bytes.Buffer
	if err := reporter.WriteJSON(&buf, "web"); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var decoded Export
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if decoded.StackName != "web" {
		t.Errorf("expected stack name in export, got %q", decoded.StackName)
	}
	if _, ok := decoded.Deployments[id]; !ok {
		t.Error("expected deployment in decoded export")
	}
}

func TestListStacks(t *testing.T) {
	store, _ := newTestFixture(t)
	reporter := NewReporter(store, nil, nil)

	stacks, err := reporter.ListStacks()
	if err != nil {
		t.Fatalf("ListStacks failed: %v", err)
	}

	var found bool
	for _, s := range stacks {
		if s == "web" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected web stack in %v", stacks)
	}
}
