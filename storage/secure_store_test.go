package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir string) *SecureStore {
	t.Helper()
	s, err := NewSecureStore(dir, []byte("master-password"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSecureStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	require.NoError(t, s.Put("vault", []byte("connection credential")))

	got, err := s.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("connection credential"), got)

	// The blob on disk must not contain the plaintext.
	raw, err := os.ReadFile(filepath.Join(dir, "vault.cred"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "connection credential")
}

func TestSecureStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewSecureStore(dir, []byte("master-password"))
	require.NoError(t, err)
	require.NoError(t, s1.Put("vault", []byte("credential")))
	require.NoError(t, s1.Close())

	s2, err := NewSecureStore(dir, []byte("master-password"))
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("credential"), got)
}

func TestSecureStoreWrongPassword(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewSecureStore(dir, []byte("master-password"))
	require.NoError(t, err)
	require.NoError(t, s1.Put("vault", []byte("credential")))
	require.NoError(t, s1.Close())

	s2, err := NewSecureStore(dir, []byte("wrong-password"))
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get("vault")
	assert.Error(t, err)
}

func TestSecureStoreDelete(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	require.NoError(t, s.Put("vault", []byte("credential")))
	require.NoError(t, s.Delete("vault"))

	_, err := s.Get("vault")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, filepath.Join(dir, "vault.cred"))

	assert.NoError(t, s.Delete("vault"))
}

func TestSecureStoreRejectsEmptyPassword(t *testing.T) {
	_, err := NewSecureStore(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestSecureStoreRejectsTraversalKeys(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	for _, key := range []string{"", "../evil", "a/b", `a\b`} {
		assert.Error(t, s.Put(key, []byte("x")), "key %q", key)
	}
}

func TestSecureStoreWipesMasterPassword(t *testing.T) {
	password := []byte("master-password")
	s, err := NewSecureStore(t.TempDir(), password)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, make([]byte, len(password)), password)
}
