// Package auth stores plugin credentials outside the settings file.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/user/scout/internal/fsutil"
)

const fileVersion = 1

type file struct {
	Version     int                          `json:"version"`
	Credentials map[string]map[string]string `json:"credentials"`
}

// Store is a JSON credential file keyed by plugin id then credential name.
// Lookups fall back to SCOUT_<PLUGIN>_<KEY> environment variables.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store backed by path. The file is created on first Set.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) read() (*file, error) {
	f := &file{Version: fileVersion, Credentials: map[string]map[string]string{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read auth file: %w", err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}
	if f.Credentials == nil {
		f.Credentials = map[string]map[string]string{}
	}
	return f, nil
}

// Get returns the credential for pluginID/key, or "" if none is stored.
func (s *Store) Get(pluginID, key string) (string, error) {
	s.mu.Lock()
	f, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if v := f.Credentials[pluginID][key]; v != "" {
		return v, nil
	}
	return os.Getenv(EnvName(pluginID, key)), nil
}

// Set stores a credential, writing the file with 0600 permissions.
func (s *Store) Set(pluginID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	if f.Credentials[pluginID] == nil {
		f.Credentials[pluginID] = map[string]string{}
	}
	f.Credentials[pluginID][key] = value
	return fsutil.WriteJSONAtomic(s.path, f, 0o600)
}

// Remove deletes a credential. Removing an absent credential is not an error.
func (s *Store) Remove(pluginID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Credentials[pluginID][key]; !ok {
		return nil
	}
	delete(f.Credentials[pluginID], key)
	if len(f.Credentials[pluginID]) == 0 {
		delete(f.Credentials, pluginID)
	}
	return fsutil.WriteJSONAtomic(s.path, f, 0o600)
}

// List returns "plugin.key" names of stored credentials, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	f, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var names []string
	for plugin, creds := range f.Credentials {
		for key := range creds {
			names = append(names, plugin+"."+key)
		}
	}
	sort.Strings(names)
	return names, nil
}

// EnvName maps a credential to its environment variable, e.g.
// ("brave-search", "apiKey") -> SCOUT_BRAVE_SEARCH_APIKEY.
func EnvName(pluginID, key string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return "SCOUT_" + strings.ToUpper(r.Replace(pluginID)) + "_" + strings.ToUpper(r.Replace(key))
}
