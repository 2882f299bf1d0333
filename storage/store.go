package storage

import (
	"errors"
	"sync"

	"github.com/vettid/vaultlink/crypto"
)

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("storage: credential not found")

// CredentialStore holds connection credential material for the lifetime of
// a logical connection. Implementations must destroy the material on
// Delete; nothing may remain recoverable afterwards.
type CredentialStore interface {
	Put(key string, credential []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// MemoryStore is an in-memory CredentialStore. Material is wiped on Delete
// and never leaves process memory.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string][]byte
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string][]byte)}
}

// Put stores a private copy of the credential under key.
func (s *MemoryStore) Put(key string, credential []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.creds[key]; ok {
		crypto.ZeroBytes(old)
	}
	s.creds[key] = append([]byte(nil), credential...)
	return nil
}

// Get returns a copy of the credential stored under key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), cred...), nil
}

// Delete wipes and removes the credential stored under key. Deleting a
// missing key is not an error.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.creds[key]; ok {
		crypto.ZeroBytes(cred)
		delete(s.creds, key)
	}
	return nil
}
