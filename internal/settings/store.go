package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// Store is the owning configuration cell. Pipeline code only ever sees
// complete snapshots through Read; mutation happens through Save and the
// profile operations, and external file changes arrive through Reload.
type Store struct {
	path string

	mu       sync.RWMutex
	current  *Settings
	onReload func(*Settings)
}

// NewStore creates a store backed by the given settings file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// OnReload registers a callback invoked with each new snapshot after a
// reload or save. Must be set before Start/Load races are possible.
func (st *Store) OnReload(fn func(*Settings)) {
	st.onReload = fn
}

// Load reads the settings file and installs the first snapshot. A missing
// or unparseable file means "no overrides, use defaults" and is never an
// error.
func (st *Store) Load() *Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked()
}

// loadLocked reads the file and installs the snapshot under st.mu, so two
// concurrent first readers cannot race the install.
func (st *Store) loadLocked() *Settings {
	raw, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("settings: read failed, using defaults", "path", st.path, "error", err)
		}
		raw = nil
	}
	st.current = Load(raw)
	return st.current
}

// Read returns the current snapshot. The returned value is shared and must
// not be mutated.
func (st *Store) Read() *Settings {
	st.mu.RLock()
	s := st.current
	st.mu.RUnlock()
	if s == nil {
		return st.Load()
	}
	return s
}

// Reload rereads the settings file and replaces the snapshot
func (st *Store) Reload() *Settings {
	s := st.Load()
	L_info("settings: reloaded", "path", filepath.Base(st.path), "provider", s.Provider, "profiles", len(s.Profiles))
	if st.onReload != nil {
		st.onReload(s)
	}
	return s
}

// Save shallow-merges a partial update over the current snapshot,
// re-validates, persists and installs the result. Keys absent from the
// partial keep their current values; in particular a partial without a
// "profiles" key never drops existing profiles.
func (st *Store) Save(partial map[string]any) (*Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	base, err := toMap(st.currentLocked())
	if err != nil {
		return nil, err
	}
	for k, v := range partial {
		if v == nil {
			continue
		}
		base[k] = v
	}

	s := fromMap(base)
	if err := st.writeLocked(s); err != nil {
		return nil, err
	}
	st.current = s
	if st.onReload != nil {
		st.onReload(s)
	}
	return s, nil
}

// mutateProfiles applies fn to a copy of the snapshot, renormalizes,
// persists and installs it.
func (st *Store) mutateProfiles(fn func(*Settings) error) (*Settings, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.currentLocked().Clone()
	if err := fn(s); err != nil {
		return nil, err
	}
	s.normalize()
	if err := st.writeLocked(s); err != nil {
		return nil, err
	}
	st.current = s
	if st.onReload != nil {
		st.onReload(s)
	}
	return s, nil
}

// CreateProfile appends a new profile and returns the new snapshot
func (st *Store) CreateProfile(p Profile) (*Settings, error) {
	return st.mutateProfiles(func(s *Settings) error {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("Profile %d", len(s.Profiles)+1)
		}
		s.Profiles = append(s.Profiles, p)
		return nil
	})
}

// DuplicateProfile copies an existing profile under a new id
func (st *Store) DuplicateProfile(id string) (*Settings, error) {
	return st.mutateProfiles(func(s *Settings) error {
		src := s.findProfile(id)
		if src == nil {
			return fmt.Errorf("profile %q not found", id)
		}
		dup := *src
		dup.ID = uuid.NewString()
		dup.Name = src.Name + " (copy)"
		s.Profiles = append(s.Profiles, dup)
		return nil
	})
}

// UpdateProfile replaces the profile with a matching id
func (st *Store) UpdateProfile(p Profile) (*Settings, error) {
	return st.mutateProfiles(func(s *Settings) error {
		dst := s.findProfile(p.ID)
		if dst == nil {
			return fmt.Errorf("profile %q not found", p.ID)
		}
		*dst = p
		return nil
	})
}

// DeleteProfile removes a profile. Deleting the last remaining profile is
// blocked; deleting the active profile moves the pointer to the new head.
func (st *Store) DeleteProfile(id string) (*Settings, error) {
	return st.mutateProfiles(func(s *Settings) error {
		if len(s.Profiles) <= 1 {
			return fmt.Errorf("cannot delete the last profile")
		}
		idx := -1
		for i := range s.Profiles {
			if s.Profiles[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("profile %q not found", id)
		}
		s.Profiles = append(s.Profiles[:idx], s.Profiles[idx+1:]...)
		if s.ActiveProfileID == id {
			s.ActiveProfileID = s.Profiles[0].ID
		}
		return nil
	})
}

// SetActiveProfile moves the active pointer
func (st *Store) SetActiveProfile(id string) (*Settings, error) {
	return st.mutateProfiles(func(s *Settings) error {
		if s.findProfile(id) == nil {
			return fmt.Errorf("profile %q not found", id)
		}
		s.ActiveProfileID = id
		return nil
	})
}

func (st *Store) currentLocked() *Settings {
	if st.current == nil {
		return st.loadLocked()
	}
	return st.current
}

func (st *Store) writeLocked(s *Settings) error {
	return AtomicWriteJSON(st.path, s, 0600)
}

func toMap(s *Settings) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to round-trip settings: %w", err)
	}
	return m, nil
}

// AtomicWriteJSON marshals data as JSON and writes it atomically using the
// temp file + rename pattern for crash safety.
func AtomicWriteJSON(path string, data interface{}, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return atomicWrite(path, jsonData, perm)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, ".botassist-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp to target: %w", err)
	}

	success = true
	return nil
}
