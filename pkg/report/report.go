// Package report provides the read-only query layer: stack summaries and
// JSON exports of deployments, transitions, journal entries, and metrics.
// It never mutates state.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/stackplane/stackplane/pkg/journal"
	"github.com/stackplane/stackplane/pkg/statestore"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Summary is the condensed view of one stack.
type Summary struct {
	StackName     string    `json:"stack_name"`
	Phase         string    `json:"phase"`
	Deployments   int       `json:"deployments"`
	ResourceCount int       `json:"resource_count"`
	EventCount    int64     `json:"event_count"`
	LastModified  time.Time `json:"last_modified"`
}

// Export is the full JSON-serializable dump of one stack's state.
type Export struct {
	GeneratedAt time.Time                                `json:"generated_at"`
	StackName   string                                   `json:"stack_name"`
	Deployments map[string]*statestore.DeploymentRecord  `json:"deployments"`
	Transitions map[string][]statestore.TransitionRecord `json:"transitions"`
	Journal     []statestore.JournalEntry                `json:"journal"`
	Metrics     map[string]int64                         `json:"metrics"`
}

// Reporter reads stack state for summaries and exports.
type Reporter struct {
	store *statestore.Store
	index *journal.Index
	log   *telemetry.Logger
}

// NewReporter creates a reporter. The index is optional; without it event
// counts fall back to the transition history in the document.
func NewReporter(store *statestore.Store, index *journal.Index, logger *telemetry.Logger) *Reporter {
	return &Reporter{store: store, index: index, log: logger}
}

// GetSummary returns the condensed view of a stack: the phase of its most
// recently updated deployment, its resource and event counts, and when the
// document last changed.
func (r *Reporter) GetSummary(stackName string) (*Summary, error) {
	summary := &Summary{StackName: stackName}

	err := r.store.View(stackName, func(doc *statestore.StateDocument) error {
		summary.Deployments = len(doc.Deployments)
		summary.ResourceCount = len(doc.Resources)
		summary.LastModified = doc.LastModified

		var latest time.Time
		for _, rec := range doc.Deployments {
			if rec.UpdatedAt.After(latest) {
				latest = rec.UpdatedAt
				summary.Phase = rec.Phase
			}
		}

		summary.EventCount = r.countEvents(doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize stack %q: %w", stackName, err)
	}
	return summary, nil
}

// Export returns the full dump of a stack's persisted state.
func (r *Reporter) Export(stackName string) (*Export, error) {
	export := &Export{
		GeneratedAt: time.Now().UTC(),
		StackName:   stackName,
		Deployments: make(map[string]*statestore.DeploymentRecord),
		Transitions: make(map[string][]statestore.TransitionRecord),
		Metrics:     make(map[string]int64),
	}

	err := r.store.View(stackName, func(doc *statestore.StateDocument) error {
		for id, rec := range doc.Deployments {
			copied := *rec
			export.Deployments[id] = &copied
		}
		for id, records := range doc.Transitions {
			out := make([]statestore.TransitionRecord, len(records))
			copy(out, records)
			export.Transitions[id] = out
		}
		export.Journal = append(export.Journal, doc.Journal...)
		for k, v := range doc.Metrics {
			export.Metrics[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export stack %q: %w", stackName, err)
	}
	return export, nil
}

// WriteJSON streams a stack export as indented JSON.
func (r *Reporter) WriteJSON(w io.Writer, stackName string) error {
	export, err := r.Export(stackName)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

// ListStacks returns every known scope root.
func (r *Reporter) ListStacks() ([]string, error) {
	return r.store.Roots()
}

// countEvents prefers the SQLite index; without one it derives the count
// from the document's transition history.
func (r *Reporter) countEvents(doc *statestore.StateDocument) int64 {
	if r.index != nil {
		var total int64
		for id := range doc.Deployments {
			count, err := r.index.CountEvents(context.Background(), id)
			if err != nil {
				if r.log != nil {
					r.log.WithError(err).Warn("event count query failed")
				}
				break
			}
			total += count
		}
		if total > 0 {
			return total
		}
	}

	var total int64
	for _, records := range doc.Transitions {
		total += int64(len(records))
	}
	return total + int64(len(doc.Journal))
}
