// Package credentials owns the username→Credential mapping and the
// bootstrap administrator invariant. The full mapping is re-sealed to a
// single file after every mutation; a corrupt file is fatal at startup.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/sealbox"
)

// Role is the authorization level of a credential.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// MinPasswordLength is counted in code points, not bytes.
const MinPasswordLength = 8

// FileName is the sealed credentials file under the data directory.
const FileName = "credentials.enc"

// Credential is a stored identity. PasswordHash is an encoded argon2id
// hash; the plaintext never reaches this struct.
type Credential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Role         Role   `json:"role"`
	CreatedAt    string `json:"created_at"` // RFC 3339
}

// Public is the listing view of a credential, without the hash.
type Public struct {
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at"`
}

// credentialsFile is the sealed plaintext body.
type credentialsFile struct {
	SchemaVersion string                 `json:"schema_version"`
	Users         map[string]*Credential `json:"users"`
}

const schemaVersion = "1.0.0"

// Store holds the credential mapping in memory and seals it to one file.
type Store struct {
	mu     sync.RWMutex
	users  map[string]*Credential
	box    *sealbox.Box
	path   string
	admin  string // bootstrap admin username, protected from deletion
	logger *slog.Logger

	// dummyHash is verified against on unknown-user logins so that the
	// response time does not reveal whether the username exists.
	dummyHash string
}

// Open loads the sealed credentials file, creating the bootstrap admin
// when the file is absent. A file that fails to decrypt or decode is a
// startup error; there is no auto-repair.
func Open(dataDir string, box *sealbox.Box, adminUser, adminPass string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := HashPassword("timing-equalizer-dummy")
	if err != nil {
		return nil, err
	}
	s := &Store{
		users:     make(map[string]*Credential),
		box:       box,
		path:      filepath.Join(dataDir, FileName),
		admin:     adminUser,
		logger:    logger,
		dummyHash: dummy,
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.bootstrap(adminUser, adminPass); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read credentials file: %w", err)
	default:
		var sealed sealbox.Sealed
		if err := json.Unmarshal(raw, &sealed); err != nil {
			return nil, fault.Wrap(fault.Integrity, "credentials file is corrupt", err)
		}
		plain, err := box.Open(&sealed)
		if err != nil {
			return nil, err
		}
		var body credentialsFile
		if err := json.Unmarshal(plain, &body); err != nil {
			return nil, fault.Wrap(fault.Integrity, "credentials body is corrupt", err)
		}
		s.users = body.Users
		if s.users == nil {
			s.users = make(map[string]*Credential)
		}
		// The bootstrap admin must exist even if the file predates it.
		if _, ok := s.users[adminUser]; !ok {
			if err := s.bootstrap(adminUser, adminPass); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}

func (s *Store) bootstrap(adminUser, adminPass string) error {
	hash, err := HashPassword(adminPass)
	if err != nil {
		return err
	}
	s.users[adminUser] = &Credential{
		Username:     adminUser,
		PasswordHash: hash,
		Role:         RoleAdmin,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	s.logger.Info("bootstrap admin created", "username", adminUser)
	return s.flushLocked()
}

// Register creates a new user credential.
func (s *Store) Register(username, password string) (*Credential, error) {
	if username == "" {
		return nil, fault.New(fault.Invalid, "username is required")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, fault.Newf(fault.Invalid, "password must be at least %d characters", MinPasswordLength)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "password hashing failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil, fault.New(fault.Conflict, "username already exists")
	}
	cred := &Credential{
		Username:     username,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	s.users[username] = cred
	if err := s.flushLocked(); err != nil {
		delete(s.users, username)
		return nil, err
	}
	return cred, nil
}

// Authenticate validates a username/password pair. Unknown users still pay
// for one hash verification so timing does not leak existence.
func (s *Store) Authenticate(username, password string) (*Credential, error) {
	s.mu.RLock()
	cred, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		VerifyPassword(password, s.dummyHash)
		return nil, fault.New(fault.Unauthorized, "invalid credentials")
	}
	if !VerifyPassword(password, cred.PasswordHash) {
		return nil, fault.New(fault.Unauthorized, "invalid credentials")
	}
	return cred, nil
}

// List returns all credentials without hashes, in map order.
func (s *Store) List() []Public {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Public, 0, len(s.users))
	for _, c := range s.users {
		out = append(out, Public{Username: c.Username, Role: c.Role, CreatedAt: c.CreatedAt})
	}
	return out
}

// Delete removes a credential. The bootstrap admin cannot be deleted.
func (s *Store) Delete(username string) error {
	if username == s.admin {
		return fault.New(fault.Forbidden, "the bootstrap admin cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fault.New(fault.NotFound, "user not found")
	}
	delete(s.users, username)
	return s.flushLocked()
}

// AdminUsername returns the protected bootstrap admin name.
func (s *Store) AdminUsername() string { return s.admin }

// flushLocked re-seals the full mapping to the canonical file via a
// temporary sibling and an atomic rename. Caller holds s.mu.
func (s *Store) flushLocked() error {
	body, err := json.Marshal(credentialsFile{SchemaVersion: schemaVersion, Users: s.users})
	if err != nil {
		return fault.Wrap(fault.Internal, "credentials encoding failed", err)
	}
	sealed, err := s.box.Seal(body)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return fault.Wrap(fault.Internal, "credentials encoding failed", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fault.Wrap(fault.Internal, "credentials flush failed", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fault.Wrap(fault.Internal, "credentials flush failed", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fault.Wrap(fault.Internal, "credentials flush failed", err)
	}
	return nil
}
