package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stackplane/stackplane/pkg/statestore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index is a SQLite-backed query index over journal entries and transition
// records. It exists purely for reporting; the journal log files and the
// state document remain the durable records.
type Index struct {
	db   *sql.DB
	path string
}

// NewIndex creates an index instance backed by the SQLite database at path.
// Use ":memory:" for an ephemeral index.
func NewIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("index database path is required")
	}
	return &Index{path: path}, nil
}

// Init opens the database connection and enables WAL mode.
func (ix *Index) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", ix.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open index database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping index database: %w", err)
	}

	ix.db = db
	return nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Migrate runs index schema migrations from the embedded sources.
func (ix *Index) Migrate(_ context.Context) error {
	if ix.db == nil {
		return fmt.Errorf("index database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(ix.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// InsertEntry records a journal entry in the index.
func (ix *Index) InsertEntry(ctx context.Context, entry statestore.JournalEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal entry details: %w", err)
	}

	query := `
		INSERT INTO journal_entries (id, deployment_id, event_type, timestamp, details)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := ix.db.ExecContext(ctx, query,
		entry.ID, entry.DeploymentID, entry.EventType, entry.Timestamp, string(details),
	); err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// InsertTransition records a transition in the index.
func (ix *Index) InsertTransition(ctx context.Context, rec statestore.TransitionRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal transition metadata: %w", err)
	}

	query := `
		INSERT INTO transitions (deployment_id, from_phase, to_phase, timestamp, reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := ix.db.ExecContext(ctx, query,
		rec.DeploymentID, rec.From, rec.To, rec.Timestamp, rec.Reason, string(metadata),
	); err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// CountEvents returns the number of indexed journal entries for a
// deployment. An empty deployment id counts everything.
func (ix *Index) CountEvents(ctx context.Context, deploymentID string) (int64, error) {
	query := "SELECT COUNT(*) FROM journal_entries"
	args := []interface{}{}
	if deploymentID != "" {
		query += " WHERE deployment_id = ?"
		args = append(args, deploymentID)
	}

	var count int64
	if err := ix.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// EventCountsByType returns per-event-type counts for a deployment.
func (ix *Index) EventCountsByType(ctx context.Context, deploymentID string) (map[string]int64, error) {
	query := `
		SELECT event_type, COUNT(*)
		FROM journal_entries
		WHERE deployment_id = ?
		GROUP BY event_type
	`
	rows, err := ix.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}

// ListTransitions returns a deployment's transitions in timestamp order.
func (ix *Index) ListTransitions(ctx context.Context, deploymentID string) ([]statestore.TransitionRecord, error) {
	query := `
		SELECT deployment_id, from_phase, to_phase, timestamp, reason, metadata
		FROM transitions
		WHERE deployment_id = ?
		ORDER BY timestamp ASC
	`
	rows, err := ix.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var records []statestore.TransitionRecord
	for rows.Next() {
		var rec statestore.TransitionRecord
		var metadata string
		if err := rows.Scan(&rec.DeploymentID, &rec.From, &rec.To, &rec.Timestamp, &rec.Reason, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode transition metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PhaseDuration is the time a deployment spent in one phase.
type PhaseDuration struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// PhaseDurations derives per-phase dwell times from a deployment's
// transition history. The final phase has no duration until the next
// transition closes it.
func (ix *Index) PhaseDurations(ctx context.Context, deploymentID string) ([]PhaseDuration, error) {
	records, err := ix.ListTransitions(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	var durations []PhaseDuration
	for i := 1; i < len(records); i++ {
		durations = append(durations, PhaseDuration{
			Phase:    records[i].From,
			Duration: records[i].Timestamp.Sub(records[i-1].Timestamp),
		})
	}
	return durations, nil
}

// HealthCheck verifies the index database is reachable.
func (ix *Index) HealthCheck(ctx context.Context) error {
	if ix.db == nil {
		return fmt.Errorf("index database not initialized")
	}
	return ix.db.PingContext(ctx)
}
