// Package session persists the broker session document (C2 in the broker
// integration runtime) as a single JSON file, written atomically so that a
// crash mid-write never leaves a torn document behind.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// schemaVersion is bumped whenever the on-disk document shape changes in an
// incompatible way; load() treats a mismatch the same as a missing file.
const schemaVersion = 1

// DefaultTTL is applied by the auth coordinator when it does not override it;
// the store itself only honors whatever ExpiresAt was written.
const DefaultTTL = 24 * time.Hour

// Session is the durable record of an authenticated AlgoLab session.
// Token and Hash are opaque; never logged.
type Session struct {
	Token                 string    `json:"token"`
	Hash                  string    `json:"hash"`
	IssuedAt              time.Time `json:"issuedAt"`
	ExpiresAt             time.Time `json:"expiresAt"`
	LastRefreshAt         time.Time `json:"lastRefreshAt"`
	StreamConnected       bool      `json:"streamConnected"`
	StreamLastConnectedAt time.Time `json:"streamLastConnectedAt"`
	Metadata              Metadata  `json:"metadata"`
}

// Metadata is non-secret bookkeeping about the session's owner, safe to log.
type Metadata struct {
	Username string `json:"username"`
	Hostname string `json:"hostname"`
}

type document struct {
	Schema    int       `json:"schema"`
	Token     string    `json:"token"`
	Hash      string    `json:"hash"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Metadata  Metadata  `json:"metadata"`
}

// Store durably persists a Session under a single file path. All methods are
// safe for concurrent use; writes are serialized by mu and performed
// write-temp-then-rename so a reader never observes a partial document.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a Store backed by path. The parent directory is created lazily
// on first Save, not here.
func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// DefaultPath returns the conventional per-user session file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bist-trading", "session.json"), nil
}

// Load returns the persisted Session, or (nil, nil) when absent: the file
// does not exist, its contents are not valid JSON, its schema version does
// not match, or it has already expired. None of those conditions are errors
// from the caller's perspective — they all mean "start from UNAUTH".
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil
	}
	if doc.Schema != schemaVersion {
		return nil, nil
	}
	if !doc.ExpiresAt.After(s.now()) {
		_ = s.clearLocked()
		return nil, nil
	}

	return &Session{
		Token:     doc.Token,
		Hash:      doc.Hash,
		IssuedAt:  doc.IssuedAt,
		ExpiresAt: doc.ExpiresAt,
		Metadata:  doc.Metadata,
	}, nil
}

// Save durably persists sess, overwriting whatever was there before.
func (s *Store) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{
		Schema:    schemaVersion,
		Token:     sess.Token,
		Hash:      sess.Hash,
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
		Metadata:  sess.Metadata,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Clear removes the persisted session, if any.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
