package statestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stackplane/stackplane/pkg/locks"
)

// newTestStore creates a store rooted in dir with in-process locking.
func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	lockMgr, err := locks.NewManager(locks.Config{
		Backend:      locks.BackendMemory,
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}

	cfg := DefaultConfig(dir)
	cfg.Backup.CompressAbove = 0
	store, err := New(cfg, lockMgr, nil, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	scopes := []Scope{
		Global(),
		StackScope("payments"),
		ResourceScope("payments", "i-0abc"),
		DeploymentScope("payments", "dep-100-1"),
	}

	for _, scope := range scopes {
		if err := store.Set(scope, "region", "us-east-1"); err != nil {
			t.Fatalf("Set(%s) failed: %v", scope, err)
		}
		value, found, err := store.Get(scope, "region")
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", scope, err)
		}
		if !found {
			t.Fatalf("Get(%s): expected key to be found", scope)
		}
		if value != "us-east-1" {
			t.Errorf("Get(%s): expected us-east-1, got %v", scope, value)
		}
	}
}

func TestGetIsIdempotent(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	scope := StackScope("web")

	if err := store.Set(scope, "instance_type", "m5.large"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	first, _, err := store.Get(scope, "instance_type")
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	second, _, err := store.Get(scope, "instance_type")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if first != second {
		t.Errorf("Get is not idempotent: %v vs %v", first, second)
	}
}

func TestRoundTripSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	scope := StackScope("web")

	if err := store.Set(scope, "vpc_id", "vpc-123"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	store.Close()

	// A fresh store instance must reload the committed document from disk.
	reopened := newTestStore(t, dir)
	value, found, err := reopened.Get(scope, "vpc_id")
	if err != nil {
		t.Fatalf("Get after restart failed: %v", err)
	}
	if !found || value != "vpc-123" {
		t.Errorf("expected vpc-123 after restart, got %v (found=%v)", value, found)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	scope := Global()

	if err := store.Set(scope, "flag", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete(scope, "flag"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, found, _ := store.Get(scope, "flag"); found {
		t.Error("expected key to be deleted")
	}

	// Deleting an absent key is a no-op.
	if err := store.Delete(scope, "never-existed"); err != nil {
		t.Errorf("deleting absent key should not fail: %v", err)
	}
}

func TestAppendToArray(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	scope := StackScope("web")

	for _, az := range []string{"us-east-1a", "us-east-1b"} {
		if err := store.AppendToArray(scope, "zones", az); err != nil {
			t.Fatalf("AppendToArray failed: %v", err)
		}
	}

	value, found, err := store.Get(scope, "zones")
	if err != nil || !found {
		t.Fatalf("Get failed: %v (found=%v)", err, found)
	}
	arr, ok := value.([]interface{})
	if !ok {
		t.Fatalf("expected array, got %T", value)
	}
	if len(arr) != 2 || arr[0] != "us-east-1a" || arr[1] != "us-east-1b" {
		t.Errorf("unexpected array contents: %v", arr)
	}
}

func TestFailedCommitDoesNotLeakMutationsToReaders(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	scope := StackScope("web")

	if err := store.Set(scope, "key", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A channel cannot be marshalled, so the commit fails after fn has
	// already mutated the cached document in place.
	err := store.Update("web", func(doc *StateDocument) error {
		doc.Stacks["web"]["key"] = "v2-never-persisted"
		doc.Stacks["web"]["poison"] = make(chan int)
		return nil
	})
	if err == nil {
		t.Fatal("expected the commit to fail")
	}

	// Readers must see the last persisted document, not the abandoned
	// mutation.
	value, found, err := store.Get(scope, "key")
	if err != nil || !found {
		t.Fatalf("Get failed: %v (found=%v)", err, found)
	}
	if value != "v1" {
		t.Errorf("failed commit leaked its mutation: got %v, want v1", value)
	}
	if _, found, _ := store.Get(scope, "poison"); found {
		t.Error("failed commit leaked a new key")
	}
}

func TestResourceScopeCreatesParentStackEntry(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	if err := store.Set(ResourceScope("web", "i-0abc"), "status", "running"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	err := store.View("web", func(doc *StateDocument) error {
		if _, ok := doc.Stacks["web"]; !ok {
			t.Error("expected parent stack entry to be created lazily")
		}
		if _, ok := doc.Resources["i-0abc"]; !ok {
			t.Error("expected resource entry to exist")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestCorruptDocumentReinitializes(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	scope := StackScope("web")

	if err := store.Set(scope, "key", "value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	store.Close()

	// Flip document bytes on disk to simulate corruption.
	path := filepath.Join(dir, "state", "web.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	corrupted := strings.Replace(string(data), "value", "VALUE", 1)
	if corrupted == string(data) {
		t.Fatal("corruption did not change document bytes")
	}
	if err := os.WriteFile(path, []byte(corrupted), 0o644); err != nil {
		t.Fatalf("failed to write corrupted document: %v", err)
	}

	// The next load must fail checksum validation and reinitialize rather
	// than serve the tampered value.
	reopened := newTestStore(t, dir)
	if _, found, err := reopened.Get(scope, "key"); err != nil {
		t.Fatalf("Get failed: %v", err)
	} else if found {
		t.Error("expected corrupt document to be reinitialized, not served")
	}
}

func TestBackupAndRecover(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	scope := StackScope("web")

	if err := store.Set(scope, "key", "original"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.CreateBackup("web"); err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	if err := store.Set(scope, "key", "clobbered"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := store.RecoverFromBackup("web", ""); err != nil {
		t.Fatalf("RecoverFromBackup failed: %v", err)
	}

	value, found, err := store.Get(scope, "key")
	if err != nil || !found {
		t.Fatalf("Get after recovery failed: %v (found=%v)", err, found)
	}
	if value != "original" {
		t.Errorf("expected original after recovery, got %v", value)
	}

	// The pre-recovery state must be preserved for forensics.
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("failed to list backups: %v", err)
	}
	var forensic bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "-corrupt-") {
			forensic = true
		}
	}
	if !forensic {
		t.Error("expected a forensic snapshot of the pre-recovery state")
	}
}

func TestRecoverFromInvalidBackupFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	if err := store.Set(StackScope("web"), "key", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Plant a newer, garbage backup.
	stamp := time.Now().UTC().Add(time.Minute).Format(backupTimestampFormat)
	bad := filepath.Join(dir, "backups", "web-"+stamp+".json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write bad backup: %v", err)
	}

	if err := store.RecoverFromBackup("web", ""); err == nil {
		t.Fatal("expected recovery from invalid backup to fail")
	}
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	store.cfg.Backup.MinKeep = 2
	store.cfg.Backup.MaxKeep = 3
	store.cfg.Backup.Retention = time.Hour

	if err := store.Set(StackScope("web"), "key", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Plant aged backups beyond the cap.
	for i := 0; i < 6; i++ {
		stamp := time.Now().UTC().Add(-time.Duration(i+1) * time.Minute).Format(backupTimestampFormat)
		path := filepath.Join(dir, "backups", "web-"+stamp+".json")
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("failed to plant backup: %v", err)
		}
	}

	if _, err := store.CreateBackup("web"); err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	backups, err := store.ListBackups("web")
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) > 3 {
		t.Errorf("expected at most 3 backups after rotation, got %d", len(backups))
	}
	if len(backups) < 2 {
		t.Errorf("expected at least MinKeep backups, got %d", len(backups))
	}
}

func TestBackupMinKeepOverridesRetention(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)
	store.cfg.Backup.MinKeep = 3
	store.cfg.Backup.MaxKeep = 50
	store.cfg.Backup.Retention = time.Millisecond

	if err := store.Set(StackScope("web"), "key", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		stamp := time.Now().UTC().Add(-time.Duration(i+1) * time.Hour).Format(backupTimestampFormat)
		path := filepath.Join(dir, "backups", "web-"+stamp+".json")
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("failed to plant backup: %v", err)
		}
	}

	if err := store.rotateBackups("web"); err != nil {
		t.Fatalf("rotateBackups failed: %v", err)
	}

	backups, err := store.ListBackups("web")
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	// All planted backups are past retention, but MinKeep protects them.
	if len(backups) != 3 {
		t.Errorf("expected MinKeep backups to survive retention, got %d", len(backups))
	}
}
