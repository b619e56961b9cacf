package admission

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for unknown users and wrong passwords
// alike, so responses cannot be used to enumerate usernames.
var ErrBadCredentials = errors.New("invalid username or password")

// bcryptCost matches the production hashing cost.
const bcryptCost = 12

// UserStore holds username -> bcrypt hash. Users are seeded from
// configuration at startup; there is no persistence layer behind it.
type UserStore struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewUserStore creates an empty store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string][]byte)}
}

// AddUser hashes the password and registers the user.
func (s *UserStore) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

// AddUserHash registers a user with a precomputed bcrypt hash, for
// configs that carry the hash instead of the plaintext.
func (s *UserStore) AddUserHash(username string, hash []byte) {
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
}

// VerifyCredentials checks a username/password pair.
func (s *UserStore) VerifyCredentials(username, password string) error {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		// Burn a comparison anyway to keep timing uniform.
		bcrypt.CompareHashAndPassword([]byte("$2a$12$................................."), []byte(password))
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
