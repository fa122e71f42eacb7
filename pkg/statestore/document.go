package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DocumentVersion is the on-disk format version of a StateDocument.
const DocumentVersion = 1

// DeploymentRecord is the persisted representation of a deployment. It is
// created on the first phase transition and never physically deleted; a
// finished deployment is marked terminated instead.
type DeploymentRecord struct {
	DeploymentID    string                 `json:"deployment_id"`
	StackName       string                 `json:"stack_name"`
	Phase           string                 `json:"phase"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	RetryCount      int                    `json:"retry_count"`
	TransitionCount int                    `json:"transition_count"`
	State           map[string]interface{} `json:"state,omitempty"`
}

// TransitionRecord is an immutable, append-only record of a phase change.
// Records are totally ordered by timestamp within a deployment.
type TransitionRecord struct {
	DeploymentID string                 `json:"deployment_id"`
	From         string                 `json:"from"`
	To           string                 `json:"to"`
	Timestamp    time.Time              `json:"timestamp"`
	Reason       string                 `json:"reason,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// JournalEntry is a single append-only audit event. Entries recorded in the
// document are mirrored to the date-partitioned journal log so history
// survives document recovery.
type JournalEntry struct {
	ID           string                 `json:"id"`
	DeploymentID string                 `json:"deployment_id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// StateDocument is the physical unit of persistence: one document per stack
// plus one global document. It is owned exclusively by the Store; all other
// components access it through the Store API.
type StateDocument struct {
	Version      int       `json:"version"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
	Checksum     string    `json:"checksum"`

	Deployments map[string]*DeploymentRecord      `json:"deployments"`
	Stacks      map[string]map[string]interface{} `json:"stacks"`
	Resources   map[string]map[string]interface{} `json:"resources"`
	Transitions map[string][]TransitionRecord     `json:"transitions"`
	Journal     []JournalEntry                    `json:"journal"`
	Metrics     map[string]int64                  `json:"metrics"`
}

// NewDocument returns an empty, initialized state document.
func NewDocument() *StateDocument {
	now := time.Now().UTC()
	return &StateDocument{
		Version:      DocumentVersion,
		Created:      now,
		LastModified: now,
		Deployments:  make(map[string]*DeploymentRecord),
		Stacks:       make(map[string]map[string]interface{}),
		Resources:    make(map[string]map[string]interface{}),
		Transitions:  make(map[string][]TransitionRecord),
		Journal:      []JournalEntry{},
		Metrics:      make(map[string]int64),
	}
}

// ComputeChecksum returns the hex SHA-256 of the document's canonical JSON
// form with the Checksum field cleared.
func (d *StateDocument) ComputeChecksum() (string, error) {
	saved := d.Checksum
	d.Checksum = ""
	data, err := json.Marshal(d)
	d.Checksum = saved
	if err != nil {
		return "", fmt.Errorf("failed to marshal document for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks required metadata and, when verify is set, the embedded
// checksum. A validation failure means the document must not be served.
func (d *StateDocument) Validate(verifyChecksum bool) error {
	if d.Version == 0 {
		return fmt.Errorf("document missing version")
	}
	if d.Created.IsZero() || d.LastModified.IsZero() {
		return fmt.Errorf("document missing timestamps")
	}
	if d.Deployments == nil || d.Stacks == nil || d.Resources == nil || d.Transitions == nil {
		return fmt.Errorf("document missing required sections")
	}
	if verifyChecksum {
		if d.Checksum == "" {
			return fmt.Errorf("document missing checksum")
		}
		want, err := d.ComputeChecksum()
		if err != nil {
			return err
		}
		if d.Checksum != want {
			return fmt.Errorf("document checksum mismatch: recorded %s, computed %s", d.Checksum, want)
		}
	}
	return nil
}

// scopeMap resolves the key/value map a scope addresses within the document.
// When create is set, missing containers are created lazily, including the
// parent stack entry required before any resource entry can exist.
func (d *StateDocument) scopeMap(scope Scope, create bool) (map[string]interface{}, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	switch scope.Kind {
	case ScopeGlobal, ScopeStack:
		name := scope.Root()
		m, ok := d.Stacks[name]
		if !ok {
			if !create {
				return nil, nil
			}
			m = make(map[string]interface{})
			d.Stacks[name] = m
		}
		return m, nil

	case ScopeResource:
		if _, ok := d.Stacks[scope.Stack]; !ok {
			if !create {
				return nil, nil
			}
			// A resource entry cannot exist without its parent stack entry.
			d.Stacks[scope.Stack] = make(map[string]interface{})
		}
		m, ok := d.Resources[scope.ResourceID]
		if !ok {
			if !create {
				return nil, nil
			}
			m = make(map[string]interface{})
			d.Resources[scope.ResourceID] = m
		}
		return m, nil

	case ScopeDeployment:
		rec, ok := d.Deployments[scope.DeploymentID]
		if !ok {
			if !create {
				return nil, nil
			}
			now := time.Now().UTC()
			rec = &DeploymentRecord{
				DeploymentID: scope.DeploymentID,
				StackName:    scope.Stack,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			d.Deployments[scope.DeploymentID] = rec
		}
		if rec.State == nil {
			if !create {
				return nil, nil
			}
			rec.State = make(map[string]interface{})
		}
		return rec.State, nil
	}

	return nil, fmt.Errorf("unknown scope kind: %s", scope.Kind)
}
