package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the password proof. Memory is in KiB.
const (
	PasswordHashSize = 32
	PasswordSaltSize = 32

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
)

// GenerateSalt creates a random salt for the password KDF.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, PasswordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// HashPassword derives a fixed-size proof from a password and salt using
// Argon2id. The result is what gets encrypted under the vault's ephemeral
// challenge key; the raw password never leaves the device.
func HashPassword(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	if len(salt) != PasswordSaltSize {
		return nil, errors.New("invalid salt length")
	}

	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, PasswordHashSize), nil
}
