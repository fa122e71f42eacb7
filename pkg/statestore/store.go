// Package statestore provides the durable, checksummed, backed-up state
// store for the deployment control plane. All writes are committed through
// an atomic temp-file-and-rename protocol so a crash mid-write can only
// ever leave the prior valid document intact.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stackplane/stackplane/pkg/locks"
	"github.com/stackplane/stackplane/pkg/telemetry"
)

// Config holds state store configuration.
type Config struct {
	// Dir is the workspace root; state, backups and journal live beneath it.
	Dir string `yaml:"dir"`

	// ChecksumEnabled verifies document checksums on load. Disabled only
	// for debugging.
	ChecksumEnabled bool `yaml:"checksum_enabled"`

	// LockTimeout bounds every internal lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Backup configures snapshot creation and rotation.
	Backup BackupConfig `yaml:"backup"`
}

// BackupConfig configures state snapshot retention.
type BackupConfig struct {
	// Retention is the age beyond which backups become deletable.
	Retention time.Duration `yaml:"retention"`

	// MinKeep backups are always retained regardless of age.
	MinKeep int `yaml:"min_keep"`

	// MaxKeep caps total backups per document, oldest removed first.
	MaxKeep int `yaml:"max_keep"`

	// CompressAbove gzips backups larger than this many bytes.
	CompressAbove int64 `yaml:"compress_above"`

	// Interval is the period of the background backup task.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a store configuration with production defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		ChecksumEnabled: true,
		LockTimeout:     30 * time.Second,
		Backup: BackupConfig{
			Retention:     7 * 24 * time.Hour,
			MinKeep:       10,
			MaxKeep:       50,
			CompressAbove: 1 << 20,
			Interval:      time.Hour,
		},
	}
}

// Store is the persistent, scope-addressed state store.
type Store struct {
	cfg       Config
	stateDir  string
	backupDir string
	locks     *locks.Manager
	log       *telemetry.Logger
	metrics   *telemetry.Metrics

	mu    sync.Mutex
	cache map[string]*StateDocument

	closeCh   chan struct{}
	watchDone chan struct{}
}

// New creates a store rooted at cfg.Dir and starts the external-change
// watcher. The state and backup directories are created if absent.
func New(cfg Config, lockMgr *locks.Manager, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.Backup.MinKeep <= 0 {
		cfg.Backup.MinKeep = 10
	}
	if cfg.Backup.MaxKeep <= 0 {
		cfg.Backup.MaxKeep = 50
	}

	s := &Store{
		cfg:       cfg,
		stateDir:  filepath.Join(cfg.Dir, "state"),
		backupDir: filepath.Join(cfg.Dir, "backups"),
		locks:     lockMgr,
		log:       logger,
		metrics:   metrics,
		cache:     make(map[string]*StateDocument),
	}

	for _, dir := range []string{s.stateDir, s.backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := s.startWatcher(); err != nil {
		return nil, err
	}

	return s, nil
}

// Close stops the external-change watcher.
func (s *Store) Close() error {
	return s.stopWatcher()
}

// Get returns the value stored under key in the given scope. The document
// lock is held for the duration of the read.
func (s *Store) Get(scope Scope, key string) (interface{}, bool, error) {
	var value interface{}
	var found bool
	err := s.View(scope.Root(), func(doc *StateDocument) error {
		m, err := doc.scopeMap(scope, false)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		value, found = m[key]
		return nil
	})
	return value, found, err
}

// Set writes a value under key in the given scope and commits the document.
func (s *Store) Set(scope Scope, key string, value interface{}) error {
	return s.Update(scope.Root(), func(doc *StateDocument) error {
		m, err := doc.scopeMap(scope, true)
		if err != nil {
			return err
		}
		m[key] = value
		return nil
	})
}

// Delete removes key from the given scope. Deleting an absent key is a no-op.
func (s *Store) Delete(scope Scope, key string) error {
	return s.Update(scope.Root(), func(doc *StateDocument) error {
		m, err := doc.scopeMap(scope, false)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		delete(m, key)
		return nil
	})
}

// AppendToArray appends value to the array stored under key, creating the
// array if needed.
func (s *Store) AppendToArray(scope Scope, key string, value interface{}) error {
	return s.Update(scope.Root(), func(doc *StateDocument) error {
		m, err := doc.scopeMap(scope, true)
		if err != nil {
			return err
		}
		arr, _ := m[key].([]interface{})
		m[key] = append(arr, value)
		return nil
	})
}

// View runs fn with the document for root under the root lock, without
// committing. fn must not retain the document past its return.
func (s *Store) View(root string, fn func(doc *StateDocument) error) error {
	if err := s.locks.Acquire(root, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(root)

	doc, err := s.loadLocked(root)
	if err != nil {
		return err
	}
	return fn(doc)
}

// Update runs fn with the document for root under the root lock and commits
// the mutated document atomically. If fn or the commit fails nothing is
// written and the in-memory cache is invalidated, so the next read reloads
// the last persisted document instead of the abandoned mutation.
func (s *Store) Update(root string, fn func(doc *StateDocument) error) error {
	if err := s.locks.Acquire(root, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(root)

	doc, err := s.loadLocked(root)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		s.invalidate(root)
		return err
	}
	if err := s.commitLocked(root, doc); err != nil {
		s.invalidate(root)
		return err
	}
	return nil
}

// Roots lists the document roots currently present on disk.
func (s *Store) Roots() ([]string, error) {
	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	roots := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		roots = append(roots, name[:len(name)-len(".json")])
	}
	return roots, nil
}

// documentPath returns the canonical path of a root's document.
func (s *Store) documentPath(root string) string {
	return filepath.Join(s.stateDir, root+".json")
}

// loadLocked returns the cached or freshly loaded document for root. The
// caller must hold the root lock. A corrupt or invalid document is logged
// and replaced with a fresh empty document; callers needing continuity must
// recover from backup explicitly.
func (s *Store) loadLocked(root string) (*StateDocument, error) {
	s.mu.Lock()
	if doc, ok := s.cache[root]; ok {
		s.mu.Unlock()
		return doc, nil
	}
	s.mu.Unlock()

	path := s.documentPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			doc := NewDocument()
			s.cacheDocument(root, doc)
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read state document %s: %w", root, err)
	}

	doc := &StateDocument{}
	loadErr := json.Unmarshal(data, doc)
	if loadErr == nil {
		loadErr = doc.Validate(s.cfg.ChecksumEnabled)
	}
	if loadErr != nil {
		if s.log != nil {
			s.log.WithError(loadErr).WithField("root", root).
				Warn("state document failed validation, reinitializing empty document")
		}
		doc = NewDocument()
	}

	s.cacheDocument(root, doc)
	return doc, nil
}

// commitLocked writes the document atomically: temp file in the same
// directory, embedded checksum, rename over the canonical path, checksum
// sidecar. The caller must hold the root lock.
func (s *Store) commitLocked(root string, doc *StateDocument) error {
	doc.LastModified = time.Now().UTC()
	doc.Version = DocumentVersion

	sum, err := doc.ComputeChecksum()
	if err != nil {
		return err
	}
	doc.Checksum = sum

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state document %s: %w", root, err)
	}

	path := s.documentPath(root)
	tmp, err := os.CreateTemp(s.stateDir, root+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file over %s: %w", path, err)
	}

	// Sidecar is advisory; the authoritative checksum is embedded.
	if err := os.WriteFile(path+".sha256", []byte(sum+"\n"), 0o644); err != nil && s.log != nil {
		s.log.WithError(err).WithField("root", root).Warn("failed to write checksum sidecar")
	}

	s.cacheDocument(root, doc)

	if s.metrics != nil {
		s.metrics.RecordStoreCommit(root, len(data))
	}
	return nil
}

func (s *Store) cacheDocument(root string, doc *StateDocument) {
	s.mu.Lock()
	s.cache[root] = doc
	s.mu.Unlock()
}

func (s *Store) invalidate(root string) {
	s.mu.Lock()
	delete(s.cache, root)
	s.mu.Unlock()
}
