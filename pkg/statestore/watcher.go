package statestore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// The watcher invalidates the in-memory document cache when another process
// rewrites a state document on shared storage, so the next locked read
// reloads from disk instead of serving a stale copy.

func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create state watcher: %w", err)
	}
	if err := w.Add(s.stateDir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch state directory: %w", err)
	}

	s.closeCh = make(chan struct{})
	s.watchDone = make(chan struct{})
	go s.watchLoop(w)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher) {
	defer close(s.watchDone)
	defer w.Close()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			root := strings.TrimSuffix(name, ".json")
			s.invalidate(root)
			if s.log != nil {
				s.log.WithField("root", root).Debug("state document changed on disk, cache invalidated")
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if s.log != nil {
				s.log.WithError(err).Warn("state watcher error")
			}

		case <-s.closeCh:
			return
		}
	}
}

func (s *Store) stopWatcher() error {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	<-s.watchDone
	return nil
}
