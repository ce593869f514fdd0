package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"sprintd/config"
	"sprintd/log"
)

// SchemaVersion tags the on-disk sprint state format. Loading a file written
// with any other version fails; there is no migration path.
const SchemaVersion = 3

// VersionError reports an on-disk schema mismatch. It is fatal: the engine
// never coerces old state.
type VersionError struct {
	Path     string
	Found    int
	Expected int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf(
		"sprint state %s has schema version %d, expected %d; delete the file and restart the sprint",
		e.Path, e.Found, e.Expected,
	)
}

// Store persists sprint state under a fixed directory, one JSON file per
// sprint plus a sibling lock file.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// StatePath returns the state file path for a sprint.
func (s *Store) StatePath(slug string, number int) string {
	return filepath.Join(s.dir, fmt.Sprintf("sprint-%s-%d.json", slug, number))
}

// LockPath returns the lock file path for a sprint.
func (s *Store) LockPath(slug string, number int) string {
	return filepath.Join(s.dir, fmt.Sprintf("sprint-%s-%d.lock", slug, number))
}

// LogPath returns the human-readable sprint log path for a sprint.
func (s *Store) LogPath(slug string, number int) string {
	return filepath.Join(s.dir, fmt.Sprintf("sprint-%s-%d.log.md", slug, number))
}

// SaveState writes the full sprint state durably. The write goes to a temp
// file beside the target and is renamed into place, so a crashed writer can
// never leave a partial state file behind.
func (s *Store) SaveState(st *SprintState) error {
	st.Version = SchemaVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sprint state: %w", err)
	}

	path := s.StatePath(st.Slug, st.SprintNumber)
	if err := config.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sprint state: %w", err)
	}
	return nil
}

// LoadState reads a sprint's state. Returns os.ErrNotExist-wrapped errors for
// a missing file and *VersionError for a schema mismatch.
func (s *Store) LoadState(slug string, number int) (*SprintState, error) {
	path := s.StatePath(slug, number)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sprint state: %w", err)
	}

	var st SprintState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse sprint state %s: %w", path, err)
	}

	if st.Version != SchemaVersion {
		return nil, &VersionError{Path: path, Found: st.Version, Expected: SchemaVersion}
	}

	return &st, nil
}

// List loads every persisted sprint state in the directory, sorted by slug
// then sprint number. Files that fail to parse or carry a foreign schema
// version are skipped with a warning.
func (s *Store) List() ([]*SprintState, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "sprint-*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan state directory: %w", err)
	}

	var out []*SprintState
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WarningLog.Printf("skipping unreadable state file %s: %v", path, err)
			continue
		}
		var st SprintState
		if err := json.Unmarshal(data, &st); err != nil {
			log.WarningLog.Printf("skipping malformed state file %s: %v", path, err)
			continue
		}
		if st.Version != SchemaVersion {
			log.WarningLog.Printf("skipping state file %s with schema version %d", path, st.Version)
			continue
		}
		out = append(out, &st)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].SprintNumber < out[j].SprintNumber
	})
	return out, nil
}

// StateExists reports whether a state file already exists for the sprint.
func (s *Store) StateExists(slug string, number int) bool {
	_, err := os.Stat(s.StatePath(slug, number))
	return err == nil
}

// Remove deletes a sprint's state file. Missing files are not an error.
func (s *Store) Remove(slug string, number int) error {
	err := os.Remove(s.StatePath(slug, number))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sprint state: %w", err)
	}
	return nil
}
