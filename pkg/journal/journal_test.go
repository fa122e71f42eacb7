package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackplane/stackplane/pkg/statestore"
)

// newTestIndex creates an in-memory SQLite index with migrations applied.
func newTestIndex(t *testing.T) *Index {
	t.Helper()

	index, err := NewIndex(":memory:")
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	ctx := context.Background()
	if err := index.Init(ctx); err != nil {
		t.Fatalf("failed to init index: %v", err)
	}
	if err := index.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	return index
}

func TestAppendAndReadPartition(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	types := []string{"deployment_created", "phase_changed", "phase_changed"}
	for _, eventType := range types {
		if _, err := j.Append("dep-100-1", eventType, map[string]interface{}{"k": "v"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := j.ReadPartition(time.Now().UTC())
	if err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.EventType != types[i] {
			t.Errorf("entry %d: expected type %s, got %s", i, types[i], entry.EventType)
		}
		if entry.ID == "" {
			t.Errorf("entry %d: missing id", i)
		}
		if entry.DeploymentID != "dep-100-1" {
			t.Errorf("entry %d: unexpected deployment id %s", i, entry.DeploymentID)
		}
	}

	// Entries must be in append order with non-decreasing timestamps.
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Errorf("entry %d timestamp precedes entry %d", i, i-1)
		}
	}
}

func TestReadPartitionSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	if _, err := j.Append("dep-1", "phase_changed", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Simulate a torn write at the end of the partition.
	path := j.partitionPath(time.Now().UTC())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("failed to open partition: %v", err)
	}
	if _, err := f.WriteString("{\"id\":\"trunc"); err != nil {
		t.Fatalf("failed to write torn line: %v", err)
	}
	f.Close()

	entries, err := j.ReadPartition(time.Now().UTC())
	if err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected torn line to be skipped, got %d entries", len(entries))
	}
}

func TestReadPartitionMissingDate(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	entries, err := j.ReadPartition(time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}
	if entries != nil {
		t.Errorf("expected no entries for missing partition, got %d", len(entries))
	}
}

func TestSweepRemovesExpiredPartitions(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 24*time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	// Plant an expired partition and a recent one.
	old := time.Now().UTC().AddDate(0, 0, -10).Format(datePartitionFormat)
	recent := time.Now().UTC().Format(datePartitionFormat)
	for _, name := range []string{old + ".log", recent + ".log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("failed to plant partition: %v", err)
		}
	}

	if err := j.Sweep(); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, old+".log")); !os.IsNotExist(err) {
		t.Error("expected expired partition to be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, recent+".log")); err != nil {
		t.Error("expected today's partition to survive sweep")
	}
}

func TestSweepDisabledWithoutRetention(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	old := time.Now().UTC().AddDate(0, 0, -365).Format(datePartitionFormat)
	if err := os.WriteFile(filepath.Join(dir, old+".log"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("failed to plant partition: %v", err)
	}

	if err := j.Sweep(); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, old+".log")); err != nil {
		t.Error("expected sweep to be a no-op with zero retention")
	}
}

func TestIndexMirrorsEntries(t *testing.T) {
	index := newTestIndex(t)
	j, err := NewJournal(t.TempDir(), 0, nil, index)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := j.Append("dep-100-1", "phase_changed", nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if _, err := j.Append("dep-100-1", "alert_fired", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := j.Append("dep-200-2", "phase_changed", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	ctx := context.Background()
	count, err := index.CountEvents(ctx, "dep-100-1")
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 events for dep-100-1, got %d", count)
	}

	total, err := index.CountEvents(ctx, "")
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if total != 5 {
		t.Errorf("expected 5 events total, got %d", total)
	}

	byType, err := index.EventCountsByType(ctx, "dep-100-1")
	if err != nil {
		t.Fatalf("EventCountsByType failed: %v", err)
	}
	if byType["phase_changed"] != 3 || byType["alert_fired"] != 1 {
		t.Errorf("unexpected counts: %v", byType)
	}
}

func TestIndexTransitionsAndPhaseDurations(t *testing.T) {
	index := newTestIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	steps := []struct {
		from, to string
		offset   time.Duration
	}{
		{"initialized", "validating", 0},
		{"validating", "preparing", 2 * time.Second},
		{"preparing", "provisioning", 5 * time.Second},
	}
	for _, step := range steps {
		err := index.InsertTransition(ctx, statestore.TransitionRecord{
			DeploymentID: "dep-100-1",
			From:         step.from,
			To:           step.to,
			Timestamp:    base.Add(step.offset),
			Reason:       "advance",
		})
		if err != nil {
			t.Fatalf("InsertTransition failed: %v", err)
		}
	}

	records, err := index.ListTransitions(ctx, "dep-100-1")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(records))
	}
	if records[0].From != "initialized" || records[2].To != "provisioning" {
		t.Errorf("transitions out of order: %v", records)
	}

	durations, err := index.PhaseDurations(ctx, "dep-100-1")
	if err != nil {
		t.Fatalf("PhaseDurations failed: %v", err)
	}
	if len(durations) != 2 {
		t.Fatalf("expected 2 phase durations, got %d", len(durations))
	}
	if durations[0].Phase != "validating" || durations[0].Duration != 2*time.Second {
		t.Errorf("unexpected first duration: %+v", durations[0])
	}
	if durations[1].Phase != "preparing" || durations[1].Duration != 3*time.Second {
		t.Errorf("unexpected second duration: %+v", durations[1])
	}
}
