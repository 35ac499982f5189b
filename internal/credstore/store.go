// Package credstore caches enrolled identities on disk so a restart does not
// have to contact the certificate authority again. The layout matches the one
// used by the ledger SDK's file key-value store: a JSON user record plus a
// separate private key file per enrollment id.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vehicles.ledger/vtrack/internal/identity"
)

const (
	defaultDir  = "kvs"
	keySuffix   = "_sk.pem"
	userSuffix  = ".json"
	secretPerms = 0o600
)

var (
	// ErrNotFound is returned by Load when no identity is cached.
	ErrNotFound = errors.New("credential not cached")
	// ErrCorrupt wraps cache entries that exist but cannot be parsed.
	ErrCorrupt = errors.New("credential cache corrupt")
)

type userRecord struct {
	Name                  string `json:"name"`
	MSPID                 string `json:"msp_id"`
	EnrollmentCertificate string `json:"enrollment_certificate"`
}

// Store is a directory-backed identity cache. It is the only component that
// touches the files under its directory.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New opens (and creates if needed) the cache directory.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve kvs path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create kvs directory: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Path returns the absolute cache directory.
func (s *Store) Path() string { return s.dir }

func (s *Store) userFile(enrollID string) string {
	return filepath.Join(s.dir, enrollID+userSuffix)
}

func (s *Store) keyFile(enrollID string) string {
	return filepath.Join(s.dir, enrollID+keySuffix)
}

// Load returns the cached identity for enrollID.
func (s *Store) Load(ctx context.Context, enrollID string) (*identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.userFile(enrollID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read user record: %w", err)
	}
	var rec userRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: user record: %v", ErrCorrupt, err)
	}

	keyPEM, err := os.ReadFile(s.keyFile(enrollID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := identity.DecodeKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCorrupt, err)
	}

	id, err := identity.New(rec.Name, rec.MSPID, key, []byte(rec.EnrollmentCertificate))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return id, nil
}

// Store persists id, replacing any earlier entry for the same enrollment id.
func (s *Store) Store(ctx context.Context, id *identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keyPEM, err := identity.EncodeKey(id.PrivateKey())
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	raw, err := json.MarshalIndent(userRecord{
		Name:                  id.EnrollID(),
		MSPID:                 id.MSPID(),
		EnrollmentCertificate: string(id.CertificatePEM()),
	}, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create kvs directory: %w", err)
	}
	if err := writeFileAtomic(s.keyFile(id.EnrollID()), keyPEM); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileAtomic(s.userFile(id.EnrollID()), raw); err != nil {
		return fmt.Errorf("write user record: %w", err)
	}
	return nil
}

// Purge removes every cached credential and leaves an empty directory behind.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove kvs directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("recreate kvs directory: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(secretPerms); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
