// File: control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe runtime configuration store with typed lookups, YAML merge
// and reload-listener propagation. Nested YAML maps are flattened into
// dotted keys ("tcp.connect.timeout") before storage.

package control

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-fiber/internal/logging"
)

// Recognized keys and their defaults.
const (
	KeyStackSize      = "fiber.stack_size"       // bytes
	KeyConnectTimeout = "tcp.connect.timeout"    // milliseconds
	KeyReadTimeout    = "tcp_server.read_timeout" // milliseconds
	KeyLogLevel       = "log.level"
)

const (
	DefaultStackSize      = 128 * 1024
	DefaultConnectTimeout = 5000
	DefaultReadTimeout    = 120000
	DefaultLogLevel       = "info"
)

// Store is a dynamic key/value map with atomic snapshot and listener support.
type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []func()
}

// NewStore initializes a store pre-populated with the runtime defaults.
func NewStore() *Store {
	return &Store{
		values: map[string]any{
			KeyStackSize:      DefaultStackSize,
			KeyConnectTimeout: DefaultConnectTimeout,
			KeyReadTimeout:    DefaultReadTimeout,
			KeyLogLevel:       DefaultLogLevel,
		},
	}
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// Default returns the process-wide store.
func Default() *Store {
	defaultOnce.Do(func() {
		defaultStore = NewStore()
		defaultStore.OnReload(func() {
			logging.SetLevel(defaultStore.GetString(KeyLogLevel, DefaultLogLevel))
		})
	})
	return defaultStore
}

// Snapshot returns a copy of all values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set stores a single value and dispatches reload listeners.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	ls := s.snapshotListeners()
	s.mu.Unlock()
	dispatch(ls)
}

// Merge stores all given values and dispatches reload listeners once.
func (s *Store) Merge(values map[string]any) {
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	ls := s.snapshotListeners()
	s.mu.Unlock()
	dispatch(ls)
}

// OnReload registers a listener hook called after each change.
func (s *Store) OnReload(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) snapshotListeners() []func() {
	out := make([]func(), len(s.listeners))
	copy(out, s.listeners)
	return out
}

func dispatch(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}

// GetInt returns an integer value, accepting any YAML-decoded numeric form.
func (s *Store) GetInt(key string, def int) int {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetString returns a string value or the default.
func (s *Store) GetString(key, def string) string {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// GetMillis returns a millisecond knob as a duration. Negative values mean
// "infinite" and are returned as-is in milliseconds.
func (s *Store) GetMillis(key string, def int) time.Duration {
	return time.Duration(s.GetInt(key, def)) * time.Millisecond
}

// LoadYAML merges a YAML document into the store. Nested mappings are
// flattened into dotted keys.
func (s *Store) LoadYAML(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("control: parse yaml: %w", err)
	}
	flat := make(map[string]any)
	flatten("", doc, flat)
	s.Merge(flat)
	return nil
}

// LoadYAMLFile reads and merges a YAML file.
func (s *Store) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("control: read %s: %w", path, err)
	}
	return s.LoadYAML(data)
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}
