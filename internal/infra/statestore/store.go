// Package statestore persists the orchestrator state document as a single
// JSON file replaced atomically on every save.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ktsuji/deckhand/internal/domain"
)

// Ensure Store implements domain.StateStore.
var _ domain.StateStore = (*Store)(nil)

// Store reads and writes the state document. There is exactly one writer
// (the reconciler); diagnostic readers tolerate the atomic rename.
type Store struct {
	log  domain.Logger
	path string
}

// New creates a Store for the given file path. The logger may be nil.
func New(path string, log domain.Logger) *Store {
	return &Store{path: path, log: log}
}

// Load returns the persisted state, or a fresh default document when the
// file is missing or corrupt. Load never fails past the reconciler.
func (s *Store) Load() (*domain.State, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.warn("state", fmt.Sprintf("read %s: %v; starting from defaults", s.path, err))
		}
		return domain.NewState(), nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		s.warn("state", fmt.Sprintf("parse %s: %v; starting from defaults", s.path, err))
		return domain.NewState(), nil
	}

	state := &domain.State{}
	if err := json.Unmarshal(content, state); err != nil {
		s.warn("state", fmt.Sprintf("decode %s: %v; starting from defaults", s.path, err))
		return domain.NewState(), nil
	}
	state.EnsureMaps()
	if state.SchemaVersion < domain.StateSchemaVersion {
		// Migrations are field-additive; bumping the version is enough.
		state.SchemaVersion = domain.StateSchemaVersion
	}

	// Preserve fields this build does not know about.
	known := knownStateKeys()
	for k, v := range raw {
		if !known[k] {
			if state.Unknown == nil {
				state.Unknown = map[string]json.RawMessage{}
			}
			state.Unknown[k] = v
		}
	}
	return state, nil
}

// Save serializes to a sibling temp file, fsyncs and renames it over the
// state path. Unknown fields captured at load time are written back.
func (s *Store) Save(state *domain.State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("%w: create state directory: %v", domain.ErrStatePersist, err)
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", domain.ErrStatePersist, err)
	}

	if len(state.Unknown) > 0 {
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(encoded, &merged); err != nil {
			return fmt.Errorf("%w: remarshal state: %v", domain.ErrStatePersist, err)
		}
		for k, v := range state.Unknown {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		encoded, err = json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("%w: merge unknown fields: %v", domain.ErrStatePersist, err)
		}
	}

	var pretty map[string]json.RawMessage
	_ = json.Unmarshal(encoded, &pretty)
	content, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		content = encoded
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open temp file: %v", domain.ErrStatePersist, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp file: %v", domain.ErrStatePersist, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync temp file: %v", domain.ErrStatePersist, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", domain.ErrStatePersist, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename temp file: %v", domain.ErrStatePersist, err)
	}
	return nil
}

func (s *Store) warn(category, msg string) {
	if s.log != nil {
		s.log.Warn(0, category, msg)
	}
}

// knownStateKeys collects the JSON keys the State struct declares.
func knownStateKeys() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeOf(domain.State{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name != "" {
			keys[name] = true
		}
	}
	return keys
}
