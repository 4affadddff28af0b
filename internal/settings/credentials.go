// Package settings provides the two configuration layers spec.md §4.B
// calls for: a secure process-wide credential store for bootstrap
// identity, and a relational local_settings key-value table for
// non-secret flags. Secure OS keychain storage is explicitly out of
// scope (spec.md §1); this package provides the declared interface and
// a file-backed default implementation.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Credentials holds the bootstrap identity and endpoint configuration the
// terminal needs before it is "configured". A missing store at startup
// means unconfigured: sync stays idle, the UI routes to onboarding.
type Credentials struct {
	OrganizationID   string `json:"organization_id"`
	BranchID         string `json:"branch_id"`
	TerminalID       string `json:"terminal_id"`
	POSAPIKey        string `json:"pos_api_key"`
	AdminDashboardURL string `json:"admin_dashboard_url"`
	SupabaseURL      string `json:"supabase_url"`
	SupabaseAnonKey  string `json:"supabase_anon_key"`
}

// IsComplete reports whether enough identity is present to leave sync
// idle.
func (c Credentials) IsComplete() bool {
	return c.OrganizationID != "" && c.TerminalID != "" && c.POSAPIKey != ""
}

// Store is a process-wide, serialized credential store backed by a
// single JSON file with owner-only permissions.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (without requiring existence of) the credential file at
// dataDir/credentials.json.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "credentials.json")}
}

// Get returns the current credentials. A missing file returns a zero
// value with ok=false, meaning "unconfigured".
func (s *Store) Get() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Credentials{}, false
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, false
	}
	return c, true
}

// Set persists the given credentials, replacing anything already stored.
func (s *Store) Set(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Delete removes the credential file (used by factory reset).
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// FactoryReset is an alias for Delete with the intent spelled out at the
// call site.
func (s *Store) FactoryReset() error { return s.Delete() }
