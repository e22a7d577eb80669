// Package authstore keeps the per-session credential directories that let a
// protocol connection resume without re-pairing. Each session owns one
// directory named after its id; the protocol client keeps its key material
// there and the store itself maintains a small creds.json summary.
package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	credsFileName = "creds.json"
	dirMode       = 0o700
)

// ErrInvalidID is returned for ids that cannot be used as a directory name.
var ErrInvalidID = errors.New("invalid session id")

// Credentials is the account summary persisted alongside the protocol
// client's own key material.
type Credentials struct {
	JID       string    `json:"jid,omitempty"`
	PushName  string    `json:"pushName,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// State is what a connection needs to start: the directory that holds its
// key material and the last persisted credentials, if any.
type State struct {
	ID    string
	Dir   string
	Creds *Credentials // nil on first use
}

// Store handles the credential directories under a single root.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir. The root is created lazily.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the directory that contains every session directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of a session without touching the filesystem.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// ValidateID rejects ids that would escape the root or are not a single
// path element.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Load returns the auth state for id, creating an empty directory on first
// use.
func (s *Store) Load(_ context.Context, id string) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	st := &State{ID: id, Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, credsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	st.Creds = &creds
	return st, nil
}

// Persist writes creds for id using a temp-file-then-rename so a crash never
// leaves a truncated file behind.
func (s *Store) Persist(_ context.Context, id string, creds Credentials) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, credsFileName)); err != nil {
		return fmt.Errorf("renaming credentials file: %w", err)
	}
	committed = true
	return nil
}

// Erase removes everything persisted for id. Erasing an id that was never
// stored is not an error.
func (s *Store) Erase(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}
	return nil
}

// List returns the ids of all persisted sessions, sorted. A missing root
// means nothing was ever persisted.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
