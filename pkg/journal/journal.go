// Package journal provides the append-only audit journal and the in-process
// event bus. Journal entries are written to date-partitioned log files
// independent of the state document, so audit history survives document
// corruption and recovery. An optional SQLite index makes the journal
// queryable for reports.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

const datePartitionFormat = "2006-01-02"

// Journal writes append-only, date-partitioned audit entries.
type Journal struct {
	dir       string
	retention time.Duration
	log       *telemetry.Logger
	index     *Index

	mu sync.Mutex
}

// NewJournal creates a journal rooted at dir. Entries older than retention
// are removed by Sweep. The index is optional.
func NewJournal(dir string, retention time.Duration, logger *telemetry.Logger, index *Index) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		dir:       dir,
		retention: retention,
		log:       logger,
		index:     index,
	}, nil
}

// Append records an audit entry in today's partition and mirrors it to the
// index when one is configured. Index failures are logged, never fatal: the
// log file is the durable record.
func (j *Journal) Append(deploymentID, eventType string, details map[string]interface{}) (statestore.JournalEntry, error) {
	entry := statestore.JournalEntry{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Details:      details,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return statestore.JournalEntry{}, fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.partitionPath(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return statestore.JournalEntry{}, fmt.Errorf("failed to open journal partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return statestore.JournalEntry{}, fmt.Errorf("failed to append journal entry: %w", err)
	}

	if j.index != nil {
		if err := j.index.InsertEntry(context.Background(), entry); err != nil && j.log != nil {
			j.log.WithError(err).WithDeploymentID(deploymentID).Warn("failed to index journal entry")
		}
	}

	return entry, nil
}

// ReadPartition returns all entries recorded on the given date, in append
// order.
func (j *Journal) ReadPartition(date time.Time) ([]statestore.JournalEntry, error) {
	data, err := os.ReadFile(j.partitionPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal partition: %w", err)
	}

	var entries []statestore.JournalEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry statestore.JournalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			if j.log != nil {
				j.log.WithError(err).Warn("skipping malformed journal line")
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep removes journal partitions older than the retention window. Today's
// partition is never removed.
func (j *Journal) Sweep() error {
	if j.retention <= 0 {
		return nil
	}

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to list journal directory: %w", err)
	}

	cutoff := time.Now().UTC().Add(-j.retention)
	today := time.Now().UTC().Format(datePartitionFormat)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		date := strings.TrimSuffix(name, ".log")
		if date == today {
			continue
		}
		ts, err := time.Parse(datePartitionFormat, date)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if err := os.Remove(filepath.Join(j.dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove journal partition %s: %w", name, err)
			}
			if j.log != nil {
				j.log.WithField("partition", name).Debug("journal partition rotated out")
			}
		}
	}
	return nil
}

// Index returns the configured SQLite index, if any.
func (j *Journal) Index() *Index {
	return j.index
}

func (j *Journal) partitionPath(ts time.Time) string {
	return filepath.Join(j.dir, ts.UTC().Format(datePartitionFormat)+".log")
}
