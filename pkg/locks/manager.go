// Package locks provides the cooperative lock manager that serializes all
// mutation of shared deployment state. A lock is a named, scope-keyed marker
// created with an atomic exclusive-create operation; at most one live marker
// can exist per scope name at a time.
package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stackplane/stackplane/pkg/telemetry"
)

// ErrAcquireTimeout is returned when a lock cannot be acquired within the
// caller-supplied timeout. Callers distinguish it with errors.Is.
var ErrAcquireTimeout = errors.New("lock acquisition timed out")

// Backend selects the lock implementation.
type Backend string

const (
	// BackendFile coordinates across independent processes through marker
	// files on shared storage.
	BackendFile Backend = "file"

	// BackendMemory coordinates goroutines within a single process.
	BackendMemory Backend = "memory"
)

// Marker is the owner metadata recorded inside a lock marker.
type Marker struct {
	Scope      string    `json:"scope"`
	OwnerPID   int       `json:"owner_pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config holds lock manager configuration.
type Config struct {
	// Backend selects file or in-memory locking.
	Backend Backend `yaml:"backend"`

	// Dir is the directory holding marker files (file backend only).
	Dir string `yaml:"dir"`

	// StaleAfter is the age beyond which a marker is forcibly reclaimable.
	StaleAfter time.Duration `yaml:"stale_after"`

	// PollInterval is the fixed backoff between acquisition attempts.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Manager implements scope-named mutual exclusion.
type Manager struct {
	cfg     Config
	host    string
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// in-memory backend state
	mu      sync.Mutex
	local   map[string]chan struct{}
	holders map[string]uint64
}

// NewManager creates a lock manager. For the file backend the marker
// directory is created if it does not exist.
func NewManager(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Manager, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendFile
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if cfg.Backend == BackendFile {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("lock directory is required for file backend")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	host, _ := os.Hostname()

	return &Manager{
		cfg:     cfg,
		host:    host,
		log:     logger,
		metrics: metrics,
		local:   make(map[string]chan struct{}),
		holders: make(map[string]uint64),
	}, nil
}

// Acquire blocks until the named scope lock is held or the timeout elapses.
// A stale marker (owner process gone, or marker older than StaleAfter) is
// forcibly removed and acquisition retried.
func (m *Manager) Acquire(scopeName string, timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)

	var err error
	if m.cfg.Backend == BackendMemory {
		err = m.acquireLocal(scopeName, deadline)
	} else {
		err = m.acquireFile(scopeName, deadline)
	}

	if m.metrics != nil {
		status := "acquired"
		if err != nil {
			status = "timeout"
		}
		m.metrics.RecordLockAcquisition(scopeName, status, time.Since(start))
	}
	return err
}

// Release releases the named scope lock. Releasing a lock that is not held
// is a no-op.
func (m *Manager) Release(scopeName string) {
	if m.cfg.Backend == BackendMemory {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only the acquiring goroutine may release, the in-process
		// counterpart of the file backend's owner pid check.
		holder, held := m.holders[scopeName]
		if !held || holder != goroutineID() {
			return
		}
		delete(m.holders, scopeName)
		if sem, ok := m.local[scopeName]; ok {
			select {
			case <-sem:
			default:
			}
		}
		return
	}

	path := m.markerPath(scopeName)
	marker, err := readMarker(path)
	if err != nil {
		return
	}
	// Only remove markers we own.
	if marker.OwnerPID != os.Getpid() || marker.Host != m.host {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && m.log != nil {
		m.log.WithError(err).WithScope(scopeName).Warn("failed to remove lock marker")
	}
}

// Holder returns the marker currently holding the named lock, if any.
func (m *Manager) Holder(scopeName string) (*Marker, bool) {
	if m.cfg.Backend == BackendMemory {
		m.mu.Lock()
		defer m.mu.Unlock()
		sem, ok := m.local[scopeName]
		if !ok || len(sem) == 0 {
			return nil, false
		}
		return &Marker{Scope: scopeName, OwnerPID: os.Getpid(), Host: m.host}, true
	}

	marker, err := readMarker(m.markerPath(scopeName))
	if err != nil {
		return nil, false
	}
	return marker, true
}

func (m *Manager) acquireLocal(scopeName string, deadline time.Time) error {
	m.mu.Lock()
	sem, ok := m.local[scopeName]
	if !ok {
		sem = make(chan struct{}, 1)
		m.local[scopeName] = sem
	}
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		m.mu.Lock()
		m.holders[scopeName] = goroutineID()
		m.mu.Unlock()
		return nil
	case <-timer.C:
		return fmt.Errorf("scope %q: %w", scopeName, ErrAcquireTimeout)
	}
}

// goroutineID parses the current goroutine's id out of the stack header,
// "goroutine N [running]:". It is the memory backend's owner identity.
func goroutineID() uint64 {
	var buf [64]byte
	header := string(buf[:runtime.Stack(buf[:], false)])
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (m *Manager) acquireFile(scopeName string, deadline time.Time) error {
	path := m.markerPath(scopeName)

	for {
		ok, err := m.tryCreateMarker(path, scopeName)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// Somebody holds it. Reclaim if stale, otherwise back off.
		if m.reapIfStale(path, scopeName) {
			continue
		}

		if time.Now().Add(m.cfg.PollInterval).After(deadline) {
			return fmt.Errorf("scope %q: %w", scopeName, ErrAcquireTimeout)
		}
		time.Sleep(m.cfg.PollInterval)
	}
}

// tryCreateMarker attempts the atomic exclusive create. The atomicity of
// O_EXCL is the sole concurrency-correctness primitive of the system.
func (m *Manager) tryCreateMarker(path, scopeName string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock marker: %w", err)
	}
	defer f.Close()

	marker := Marker{
		Scope:      scopeName,
		OwnerPID:   os.Getpid(),
		Host:       m.host,
		AcquiredAt: time.Now().UTC(),
	}
	if err := json.NewEncoder(f).Encode(&marker); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("failed to write lock marker: %w", err)
	}
	return true, nil
}

// reapIfStale removes the marker when its owner is gone or it has outlived
// the staleness threshold. Returns true when the marker was removed.
func (m *Manager) reapIfStale(path, scopeName string) bool {
	marker, err := readMarker(path)
	if err != nil {
		// Unreadable or vanished marker: treat a still-present file as stale.
		if os.IsNotExist(err) {
			return true
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return false
		}
		return true
	}

	stale := time.Since(marker.AcquiredAt) > m.cfg.StaleAfter
	if !stale && marker.Host == m.host && !processAlive(marker.OwnerPID) {
		stale = true
	}
	if !stale {
		return false
	}

	if m.log != nil {
		m.log.WithScope(scopeName).
			WithField("owner_pid", marker.OwnerPID).
			WithField("acquired_at", marker.AcquiredAt).
			Warn("reclaiming stale lock")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordStaleLockReaped()
	}
	return true
}

func (m *Manager) markerPath(scopeName string) string {
	// Scope names may contain path separators (e.g. "stack/web"); flatten.
	safe := strings.ReplaceAll(scopeName, string(os.PathSeparator), "_")
	return filepath.Join(m.cfg.Dir, safe+".lock")
}

func readMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
