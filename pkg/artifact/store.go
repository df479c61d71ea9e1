// Package artifact provides the versioned store for the agent's mutable
// state. Every unit the agent can read or modify (source modules, prompts,
// notes) is an Artifact addressed by name. The store is the reference
// persistent storage backend: disk-backed when given a directory,
// memory-only otherwise, and snapshottable for checkpointing either way.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind categorizes an artifact for curation and prompting.
type Kind string

const (
	KindModule Kind = "module" // executable or source content the agent edits
	KindPrompt Kind = "prompt" // prompt fragments and templates
	KindNote   Kind = "note"   // free-form agent notes and reflections
	KindData   Kind = "data"   // structured data blobs
)

// ErrNotFound reports a lookup for an artifact name that does not exist.
var ErrNotFound = errors.New("artifact not found")

// Artifact is one named, versioned unit of agent state. Version starts at
// 1 and increments on every mutation.
type Artifact struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IndexEntry is the metadata view of one artifact, without content.
type IndexEntry struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Version   int       `json:"version"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages artifacts with copy-on-read semantics. All methods are
// safe for concurrent use; read-only operations may run in parallel.
type Store struct {
	mu     sync.RWMutex
	dir    string // empty means memory-only
	byName map[string]*Artifact
}

// NewStore creates a store rooted at dir, loading any artifacts already
// persisted there. An empty dir creates a memory-only store.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:    dir,
		byName: make(map[string]*Artifact),
	}
	if dir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact file %s: %w", entry.Name(), err)
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to parse artifact file %s: %w", entry.Name(), err)
		}
		if a.Name == "" {
			return nil, fmt.Errorf("artifact file %s has no name", entry.Name())
		}
		s.byName[a.Name] = &a
	}
	return s, nil
}

// Get returns a copy of the named artifact.
func (s *Store) Get(name string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, exists := s.byName[name]
	if !exists {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *a, nil
}

// Put creates or replaces the named artifact's content. An empty kind
// keeps the existing kind, defaulting to module for new artifacts.
func (s *Store) Put(name string, kind Kind, content string) (Artifact, error) {
	if err := validateName(name); err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, exists := s.byName[name]
	if exists {
		if kind == "" {
			kind = existing.Kind
		}
		updated := &Artifact{
			Name:      name,
			Kind:      kind,
			Content:   content,
			Version:   existing.Version + 1,
			CreatedAt: existing.CreatedAt,
			UpdatedAt: now,
		}
		if err := s.persistLocked(updated); err != nil {
			return Artifact{}, err
		}
		s.byName[name] = updated
		return *updated, nil
	}

	if kind == "" {
		kind = KindModule
	}
	created := &Artifact{
		Name:      name,
		Kind:      kind,
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persistLocked(created); err != nil {
		return Artifact{}, err
	}
	s.byName[name] = created
	return *created, nil
}

// Patch replaces every occurrence of find in the named artifact's content
// and returns the updated artifact with the replacement count. A needle
// that matches nothing is an error so a misplanned edit cannot silently
// no-op.
func (s *Store) Patch(name, find, replace string) (Artifact, int, error) {
	if find == "" {
		return Artifact{}, 0, fmt.Errorf("patch needle cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byName[name]
	if !exists {
		return Artifact{}, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	count := strings.Count(existing.Content, find)
	if count == 0 {
		return Artifact{}, 0, fmt.Errorf("pattern not found in artifact %s", name)
	}

	updated := &Artifact{
		Name:      name,
		Kind:      existing.Kind,
		Content:   strings.ReplaceAll(existing.Content, find, replace),
		Version:   existing.Version + 1,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.persistLocked(updated); err != nil {
		return Artifact{}, 0, err
	}
	s.byName[name] = updated
	return *updated, count, nil
}

// AppendNote appends a line to the named note artifact, creating it if
// absent.
func (s *Store) AppendNote(name, text string) (Artifact, error) {
	if err := validateName(name); err != nil {
		return Artifact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, exists := s.byName[name]
	if !exists {
		created := &Artifact{
			Name:      name,
			Kind:      KindNote,
			Content:   text,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.persistLocked(created); err != nil {
			return Artifact{}, err
		}
		s.byName[name] = created
		return *created, nil
	}

	content := existing.Content
	if content != "" {
		content += "\n"
	}
	content += text

	updated := &Artifact{
		Name:      name,
		Kind:      existing.Kind,
		Content:   content,
		Version:   existing.Version + 1,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: now,
	}
	if err := s.persistLocked(updated); err != nil {
		return Artifact{}, err
	}
	s.byName[name] = updated
	return *updated, nil
}

// Delete removes the named artifact.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s.dir != "" {
		path := s.filename(name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete artifact file for %s: %w", name, err)
		}
	}
	delete(s.byName, name)
	return nil
}

// Index returns metadata for every artifact, sorted by name.
func (s *Store) Index() []IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make([]IndexEntry, 0, len(s.byName))
	for _, a := range s.byName {
		index = append(index, IndexEntry{
			Name:      a.Name,
			Kind:      a.Kind,
			Version:   a.Version,
			Size:      len(a.Content),
			UpdatedAt: a.UpdatedAt,
		})
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Name < index[j].Name })
	return index
}

// snapshot is the serialized form of the whole store.
type snapshot struct {
	Version   int                  `json:"version"`
	TakenAt   time.Time            `json:"taken_at"`
	Artifacts map[string]*Artifact `json:"artifacts"`
}

// Snapshot serializes every artifact into one opaque blob. The blob is a
// full deep copy: later mutations of the store cannot leak into it.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(snapshot{
		Version:   1,
		TakenAt:   time.Now().UTC(),
		Artifacts: s.byName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize artifact snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot replaces the entire store contents with the snapshot,
// discarding anything written since it was taken. Idempotent.
func (s *Store) RestoreSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse artifact snapshot: %w", err)
	}
	if snap.Artifacts == nil {
		snap.Artifacts = make(map[string]*Artifact)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		// Remove files for artifacts that only exist post-snapshot.
		for name := range s.byName {
			if _, kept := snap.Artifacts[name]; kept {
				continue
			}
			if err := os.Remove(s.filename(name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove artifact file for %s: %w", name, err)
			}
		}
		for _, a := range snap.Artifacts {
			if err := s.persistLocked(a); err != nil {
				return err
			}
		}
	}

	s.byName = snap.Artifacts
	return nil
}

// persistLocked writes one artifact to disk. Caller holds mu. Memory-only
// stores skip persistence.
func (s *Store) persistLocked(a *Artifact) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", a.Name, err)
	}
	if err := os.WriteFile(s.filename(a.Name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact file for %s: %w", a.Name, err)
	}
	return nil
}

func (s *Store) filename(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// validateName rejects names that cannot round-trip through a filename.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("artifact name too long (%d chars, max 128)", len(name))
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("artifact name cannot start with a dot: %s", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("artifact name contains invalid character %q: %s", r, name)
		}
	}
	return nil
}
