// Package secrets resolves provider API keys. The backing store is a
// collaborator concern; the core only needs Get/Set with a graceful
// fallback to the plaintext settings field when no store is available.
package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// Store is the credential store contract the core consumes
type Store interface {
	// Get returns the secret for a provider key, or false when absent
	Get(providerKey string) (string, bool)
	// Set stores a secret, reporting whether the write succeeded
	Set(providerKey, value string) bool
}

// FileStore keeps secrets in a JSON file with 0600 permissions. It stands
// in for an OS keychain on headless hosts.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// NewFileStore creates a file-backed secret store at the given path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) load() {
	if f.loaded {
		return
	}
	f.loaded = true
	f.values = map[string]string{}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("secrets: read failed", "path", f.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		L_warn("secrets: unparseable store, ignoring", "path", f.path, "error", err)
		f.values = map[string]string{}
	}
}

// Get returns the stored secret for a provider key
func (f *FileStore) Get(providerKey string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load()
	v, ok := f.values[providerKey]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Set stores a secret and persists the file
func (f *FileStore) Set(providerKey, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load()
	f.values[providerKey] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		L_warn("secrets: mkdir failed", "error", err)
		return false
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return false
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		L_warn("secrets: write failed", "path", f.path, "error", err)
		return false
	}
	return true
}

// None is the absent-store fallback: Get always misses, Set always fails,
// so callers fall through to the plaintext settings field.
type None struct{}

func (None) Get(string) (string, bool) { return "", false }
func (None) Set(string, string) bool   { return false }
