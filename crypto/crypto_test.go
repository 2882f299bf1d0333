package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.Public, kp2.Public)
	assert.NotEqual(t, kp1.Private, kp2.Private)
	assert.NotEqual(t, [32]byte{}, kp1.Public)
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public)
}

func TestKeyPairWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	kp.Wipe()
	assert.Equal(t, [32]byte{}, kp.Private)
}

func TestSealOpenRoundtrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	message := []byte("password proof bytes")
	sealed, err := Seal(message, nonce, recipient.Public, sender.Private)
	require.NoError(t, err)
	assert.NotEqual(t, message, sealed)

	opened, err := Open(sealed, nonce, sender.Public, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, message, opened)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sender, err := GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	intruder, err := GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	sealed, err := Seal([]byte("secret"), nonce, recipient.Public, sender.Private)
	require.NoError(t, err)

	_, err = Open(sealed, nonce, sender.Public, intruder.Private)
	assert.Error(t, err)
}

func TestSealRejectsOversizedMessage(t *testing.T) {
	sender, err := GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	_, err = Seal(make([]byte, MaxMessageSize+1), nonce, recipient.Public, sender.Private)
	assert.Error(t, err)
}

func TestHashPasswordDeterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	require.Len(t, salt, PasswordSaltSize)

	h1, err := HashPassword("correct horse", salt)
	require.NoError(t, err)
	require.Len(t, h1, PasswordHashSize)

	h2, err := HashPassword("correct horse", salt)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(h1, h2))

	h3, err := HashPassword("battery staple", salt)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(h1, h3))
}

func TestHashPasswordValidation(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, err = HashPassword("", salt)
	assert.Error(t, err)

	_, err = HashPassword("pw", []byte("short"))
	assert.Error(t, err)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.NoError(t, SecureWipe(nil))
}

func TestZeroBytes(t *testing.T) {
	data := []byte{9, 9, 9}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0}, data)
}
