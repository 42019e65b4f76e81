// Package config holds the process-wide configuration document: a nested JSON-style map that is
// persisted to disk on every mutation and fans changes out to registered listeners.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/xnav-frc/xnav/logging"
)

// A Listener is told about every successful mutation. keys is the key path that changed and value
// is a private copy of the new value at that path. For whole-section replacement keys is just the
// section name. Returned errors and panics are logged and never affect the mutation or other
// listeners. Listeners run in registration order, one mutation at a time, and must not mutate the
// store themselves.
type Listener interface {
	OnConfigChange(keys []string, value any) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(keys []string, value any) error

// OnConfigChange calls f.
func (f ListenerFunc) OnConfigChange(keys []string, value any) error {
	return f(keys, value)
}

type change struct {
	keys  []string
	value any
}

type registeredListener struct {
	id uint64
	l  Listener
}

// Store is a thread-safe hierarchical key-value store. Reads always return deep copies, so callers
// can never observe or corrupt the live document.
type Store struct {
	path   string
	logger logging.Logger

	mu  sync.Mutex
	doc map[string]any

	// dirty is set while the last save failed and the file on disk is behind memory.
	dirty atomic.Bool

	// saveMu orders writes to disk. It is acquired while mu is held and released after the write,
	// so files land in mutation order without holding mu across I/O.
	saveMu sync.Mutex

	listenersMu    sync.Mutex
	listeners      []registeredListener
	nextListenerID uint64

	// Each mutation takes a ticket under mu. Notifications are delivered strictly in ticket order.
	nextTicket uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	notified   uint64
}

// NewStore returns a store over doc. An empty path keeps the store in memory only.
func NewStore(path string, doc map[string]any, logger logging.Logger) *Store {
	if doc == nil {
		doc = map[string]any{}
	}
	s := &Store{
		path:   path,
		logger: logger,
		doc:    deepCopyMap(doc),
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	return s
}

// LoadStore reads the persisted document at path. If it is missing or unreadable the defaults
// file at defaultPath is tried, then the built-in default document; in those cases the result is
// written back to path immediately. Loading never fails; problems are logged.
func LoadStore(path, defaultPath string, logger logging.Logger) *Store {
	if doc, err := readDocument(path); err == nil {
		logger.Infow("config loaded", "path", path)
		return NewStore(path, doc, logger)
	} else if !os.IsNotExist(errors.Cause(err)) {
		logger.Warnw("failed to load config", "path", path, "error", err)
	}

	var doc map[string]any
	if defaultPath != "" {
		var err error
		doc, err = readDocument(defaultPath)
		if err != nil {
			logger.Errorw("failed to load default config", "path", defaultPath, "error", err)
			doc = nil
		} else {
			logger.Infow("loaded default config", "path", defaultPath)
		}
	}
	if doc == nil {
		logger.Info("using built-in default config")
		doc = DefaultDocument()
	}

	s := NewStore(path, doc, logger)
	s.mu.Lock()
	s.persistLocked()
	return s
}

func readDocument(path string) (map[string]any, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	if doc == nil {
		return nil, errors.Errorf("%q does not hold a JSON object", path)
	}
	return doc, nil
}

// Path is the file the store persists to, or "" for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

// Get returns a deep copy of the value at the key path. With no keys it returns the whole document.
func (s *Store) Get(keys ...string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var node any = s.doc
	for _, k := range keys {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[k]; !ok {
			return nil, false
		}
	}
	return deepCopy(node), true
}

// GetSection returns a copy of a top-level section, or nil if it is absent or not a mapping.
func (s *Store) GetSection(name string) map[string]any {
	v, ok := s.Get(name)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// Bool reads the value at the key path as a boolean. Missing or unconvertible values are false.
func (s *Store) Bool(keys ...string) bool {
	v, ok := s.Get(keys...)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false
	}
	return b
}

// Float64 reads the value at the key path as a float, returning def when missing or unconvertible.
func (s *Store) Float64(def float64, keys ...string) float64 {
	v, ok := s.Get(keys...)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// All returns a deep copy of the whole document.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.doc)
}

// Set assigns a value at a key path. The final argument is the value and every preceding argument
// must be a string key, e.g. Set("camera", "fps", 90). Intermediate mappings are created as needed.
func (s *Store) Set(keysAndValue ...any) error {
	if len(keysAndValue) < 2 {
		return errors.New("set needs at least one key and a value")
	}
	keys := make([]string, 0, len(keysAndValue)-1)
	for i, k := range keysAndValue[:len(keysAndValue)-1] {
		ks, ok := k.(string)
		if !ok {
			return errors.Errorf("key %d must be a string, got %T", i, k)
		}
		keys = append(keys, ks)
	}
	return s.SetPath(keys, keysAndValue[len(keysAndValue)-1])
}

// SetPath is Set with the key path given as a slice.
func (s *Store) SetPath(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("set needs at least one key")
	}

	s.mu.Lock()
	node := s.doc
	for i, k := range keys[:len(keys)-1] {
		next, ok := node[k]
		if !ok {
			child := map[string]any{}
			node[k] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			s.mu.Unlock()
			return errors.Errorf("cannot set %v: %v is a %T, not a mapping", keys, keys[:i+1], next)
		}
		node = child
	}
	node[keys[len(keys)-1]] = deepCopy(value)
	c := change{keys: append([]string(nil), keys...), value: deepCopy(value)}
	ticket := s.takeTicketLocked()
	s.persistLocked()

	s.notify(ticket, []change{c})
	return nil
}

// UpdateSection replaces an entire top-level section in one step. Exactly one notification is
// sent, carrying the new section value.
func (s *Store) UpdateSection(name string, data map[string]any) error {
	if name == "" {
		return errors.New("section name must not be empty")
	}
	if data == nil {
		data = map[string]any{}
	}

	s.mu.Lock()
	s.doc[name] = deepCopyMap(data)
	c := change{keys: []string{name}, value: deepCopyMap(data)}
	ticket := s.takeTicketLocked()
	s.persistLocked()

	s.notify(ticket, []change{c})
	return nil
}

// Decode decodes a top-level section into dst using the json tags on dst's fields. Fields the
// section does not mention keep the values already in dst, so callers pass a struct pre-filled
// with defaults. A missing section leaves dst untouched.
func (s *Store) Decode(section string, dst any) error {
	m := s.GetSection(section)
	if m == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(m); err != nil {
		return errors.Wrapf(err, "decoding config section %q", section)
	}
	return nil
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners = append(s.listeners, registeredListener{id: id, l: l})
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, rl := range s.listeners {
			if rl.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// persistLocked must be called with mu held and releases it. The document is serialized under mu,
// then written while only saveMu is held.
func (s *Store) persistLocked() {
	if s.path == "" {
		s.mu.Unlock()
		return
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	if err == nil {
		err = writeFileAtomic(s.path, data)
	}

	s.dirty.Store(err != nil)
	if err != nil {
		s.logger.Errorw("failed to save config", "path", s.path, "error", err)
	}
}

// writeFileAtomic writes data to path.tmp, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrap(err, "creating config directory")
		}
	}
	tmp := path + ".tmp"
	//nolint:gosec
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening temp config")
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, os.Remove(tmp))
		}
	}()
	if _, err := f.Write(data); err != nil {
		return multierr.Combine(errors.Wrap(err, "writing temp config"), f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierr.Combine(errors.Wrap(err, "syncing temp config"), f.Close())
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing temp config")
	}
	return errors.Wrap(os.Rename(tmp, path), "renaming temp config")
}

func (s *Store) snapshotListeners() []Listener {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, rl := range s.listeners {
		out = append(out, rl.l)
	}
	return out
}

// takeTicketLocked must be called with mu held.
func (s *Store) takeTicketLocked() uint64 {
	t := s.nextTicket
	s.nextTicket++
	return t
}

// notify waits for every earlier ticket to be delivered, then runs every listener for every change
// on the calling goroutine. No store lock is held. An empty change list still consumes the ticket.
func (s *Store) notify(ticket uint64, changes []change) {
	s.notifyMu.Lock()
	for s.notified != ticket {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()
	defer func() {
		s.notifyMu.Lock()
		s.notified++
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	if len(changes) == 0 {
		return
	}
	listeners := s.snapshotListeners()
	var errs error
	for _, c := range changes {
		for _, l := range listeners {
			errs = multierr.Append(errs, callListener(l, c))
		}
	}
	if errs != nil {
		s.logger.Warnw("config listener error", "error", errs)
	}
}

func callListener(l Listener, c change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panicked on %v: %v", c.keys, r)
		}
	}()
	return errors.Wrapf(l.OnConfigChange(append([]string(nil), c.keys...), deepCopy(c.value)), "listener on %v", c.keys)
}
