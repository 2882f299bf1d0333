package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Put("vault", []byte("credential-bytes")))

	got, err := s.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("credential-bytes"), got)

	// Mutating the returned copy must not affect the stored material.
	got[0] = 'X'
	again, err := s.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("credential-bytes"), again)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Put("vault", []byte("credential")))
	require.NoError(t, s.Delete("vault"))

	_, err := s.Get("vault")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete("vault"))
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Put("vault", []byte("old")))
	require.NoError(t, s.Put("vault", []byte("new")))

	got, err := s.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}
