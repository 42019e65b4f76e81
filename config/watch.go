package config

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// WatchDebounce is how long the file must be quiet before an external edit is reloaded.
const WatchDebounce = 250 * time.Millisecond

// Watch reloads the persisted file whenever it is changed by another process and notifies
// listeners once per top-level section whose content differs from memory. Writes made by the
// store itself reload to identical content and notify nobody. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("cannot watch an in-memory config store")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating config watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			s.logger.Debugw("closing config watcher", "error", err)
		}
	}()

	// The directory is watched rather than the file because saves replace the file by rename.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %q", dir)
	}
	target := filepath.Clean(s.path)
	debounced := debounce.New(WatchDebounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounced(func() {
				if ctx.Err() != nil {
					return
				}
				if err := s.Reload(); err != nil {
					s.logger.Warnw("config reload failed", "path", s.path, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnw("config watcher error", "error", err)
		}
	}
}

// Reload re-reads the persisted file, replaces any top-level sections that differ from memory and
// notifies listeners about each of them. Sections missing from the file are removed. A reload is
// skipped while the last save failed, since the file is known to be stale.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	// Wait out any in-flight write so the file read matches the last completed mutation.
	s.saveMu.Lock()
	doc, err := readDocument(s.path)
	s.saveMu.Unlock()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.dirty.Load() {
		s.mu.Unlock()
		s.logger.Warn("config file is behind memory after a failed save; not reloading")
		return nil
	}

	var changes []change
	for _, name := range unionKeys(s.doc, doc) {
		newVal, inFile := doc[name]
		if sameJSON(s.doc[name], newVal) && inFile == hasKey(s.doc, name) {
			continue
		}
		if inFile {
			s.doc[name] = newVal
		} else {
			delete(s.doc, name)
		}
		changes = append(changes, change{keys: []string{name}, value: deepCopy(newVal)})
	}
	ticket := s.takeTicketLocked()
	s.mu.Unlock()

	if len(changes) > 0 {
		s.logger.Infow("config reloaded from disk", "path", s.path, "sections", len(changes))
	}
	s.notify(ticket, changes)
	return nil
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sameJSON compares by encoded form so that an in-memory int and the float64 read back from disk
// count as equal.
func sameJSON(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
