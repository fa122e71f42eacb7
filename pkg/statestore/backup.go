package statestore

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupTimestampFormat = "20060102T150405.000"

// backupInfo describes one on-disk backup file.
type backupInfo struct {
	Path       string
	Root       string
	Timestamp  time.Time
	Compressed bool
}

// CreateBackup snapshots the current document for root into the backup
// directory, compressing it above the configured size threshold, then
// applies the rotation policy. It returns the backup path.
func (s *Store) CreateBackup(root string) (string, error) {
	if err := s.locks.Acquire(root, s.cfg.LockTimeout); err != nil {
		return "", err
	}
	defer s.locks.Release(root)

	return s.createBackupLocked(root)
}

// createBackupLocked performs the snapshot. Callers must hold the root lock.
func (s *Store) createBackupLocked(root string) (string, error) {
	data, err := os.ReadFile(s.documentPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no state document for %q to back up", root)
		}
		return "", fmt.Errorf("failed to read state document: %w", err)
	}

	stamp := time.Now().UTC().Format(backupTimestampFormat)
	name := fmt.Sprintf("%s-%s.json", root, stamp)
	compress := s.cfg.Backup.CompressAbove > 0 && int64(len(data)) > s.cfg.Backup.CompressAbove
	if compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return "", fmt.Errorf("failed to compress backup: %w", err)
		}
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("failed to finalize compressed backup: %w", err)
		}
		data = buf.Bytes()
		name += ".gz"
	}

	path := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if s.log != nil {
		s.log.WithField("root", root).WithField("backup", name).Debug("backup created")
	}
	if s.metrics != nil {
		s.metrics.RecordBackup(compress)
	}

	if err := s.rotateBackups(root); err != nil && s.log != nil {
		s.log.WithError(err).WithField("root", root).Warn("backup rotation failed")
	}
	return path, nil
}

// RecoverFromBackup restores root's document from the named backup, or from
// the most recent one when identifier is empty. The current (presumed
// corrupt) document is snapshotted for forensics first. The restore fails
// loudly if the backup itself is not valid JSON.
func (s *Store) RecoverFromBackup(root, identifier string) error {
	if err := s.locks.Acquire(root, s.cfg.LockTimeout); err != nil {
		return err
	}
	defer s.locks.Release(root)

	backup, err := s.resolveBackup(root, identifier)
	if err != nil {
		s.recordRecovery("failed")
		return err
	}

	// Preserve the current state for post-mortem before overwriting it.
	if current, err := os.ReadFile(s.documentPath(root)); err == nil {
		stamp := time.Now().UTC().Format(backupTimestampFormat)
		forensic := filepath.Join(s.backupDir, fmt.Sprintf("%s-corrupt-%s.json", root, stamp))
		if err := os.WriteFile(forensic, current, 0o644); err != nil && s.log != nil {
			s.log.WithError(err).WithField("root", root).Warn("failed to snapshot corrupt state")
		}
	}

	data, err := readBackupFile(backup)
	if err != nil {
		s.recordRecovery("failed")
		return err
	}

	doc := &StateDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		s.recordRecovery("failed")
		return fmt.Errorf("backup %s is not valid JSON: %w", filepath.Base(backup.Path), err)
	}
	if err := doc.Validate(false); err != nil {
		s.recordRecovery("failed")
		return fmt.Errorf("backup %s is not a valid state document: %w", filepath.Base(backup.Path), err)
	}

	if err := s.commitLocked(root, doc); err != nil {
		s.recordRecovery("failed")
		return err
	}

	if s.log != nil {
		s.log.WithField("root", root).
			WithField("backup", filepath.Base(backup.Path)).
			Info("state recovered from backup")
	}
	s.recordRecovery("restored")
	return nil
}

// ListBackups returns the backups for root, newest first.
func (s *Store) ListBackups(root string) ([]string, error) {
	backups, err := s.listBackups(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(backups))
	for _, b := range backups {
		names = append(names, filepath.Base(b.Path))
	}
	return names, nil
}

// rotateBackups applies the retention policy for root: keep at least
// MinKeep regardless of age, delete the rest past the retention window, and
// cap the total at MaxKeep by removing oldest first.
func (s *Store) rotateBackups(root string) error {
	backups, err := s.listBackups(root)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.cfg.Backup.Retention)
	for i, b := range backups {
		// Newest-first ordering: index >= MinKeep means b is expendable.
		expired := s.cfg.Backup.Retention > 0 && b.Timestamp.Before(cutoff)
		overCap := i >= s.cfg.Backup.MaxKeep
		if i >= s.cfg.Backup.MinKeep && (expired || overCap) {
			if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove backup %s: %w", b.Path, err)
			}
		}
	}
	return nil
}

// listBackups returns root's backups sorted newest first. Forensic
// snapshots are excluded from rotation and recovery.
func (s *Store) listBackups(root string) ([]backupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory: %w", err)
	}

	prefix := root + "-"
	backups := make([]backupInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasPrefix(name, root+"-corrupt-") {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		compressed := strings.HasSuffix(rest, ".json.gz")
		rest = strings.TrimSuffix(strings.TrimSuffix(rest, ".gz"), ".json")
		ts, err := time.Parse(backupTimestampFormat, rest)
		if err != nil {
			continue
		}
		backups = append(backups, backupInfo{
			Path:       filepath.Join(s.backupDir, name),
			Root:       root,
			Timestamp:  ts,
			Compressed: compressed,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// resolveBackup finds the backup matching identifier (file name or
// timestamp substring), or the most recent when identifier is empty.
func (s *Store) resolveBackup(root, identifier string) (backupInfo, error) {
	backups, err := s.listBackups(root)
	if err != nil {
		return backupInfo{}, err
	}
	if len(backups) == 0 {
		return backupInfo{}, fmt.Errorf("no backups found for %q", root)
	}
	if identifier == "" {
		return backups[0], nil
	}
	for _, b := range backups {
		if filepath.Base(b.Path) == identifier || strings.Contains(filepath.Base(b.Path), identifier) {
			return b, nil
		}
	}
	return backupInfo{}, fmt.Errorf("no backup matching %q for %q", identifier, root)
}

func readBackupFile(b backupInfo) ([]byte, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if b.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress backup: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return data, nil
}

func (s *Store) recordRecovery(status string) {
	if s.metrics != nil {
		s.metrics.RecordRecovery(status)
	}
}
