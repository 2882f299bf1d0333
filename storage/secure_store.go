package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vettid/vaultlink/crypto"
)

const (
	// pbkdf2Iterations is the iteration count for the at-rest key derivation.
	pbkdf2Iterations = 100000
	// blobVersion is the current on-disk blob format version.
	blobVersion = 1
	// saltSize is the size of the salt for the at-rest key derivation.
	saltSize = 32
)

// SecureStore is a file-backed CredentialStore with encryption at rest.
// Each credential is stored as a separate blob:
//
//	[version:2][nonce:12][ciphertext+tag:N]
//
// encrypted with AES-256-GCM under a key derived from the master password
// with PBKDF2-SHA256. Deleting a credential overwrites the blob with zeros
// before removal.
type SecureStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewSecureStore creates a credential store rooted at dataDir. The master
// password is wiped before returning; hold no other copy of it.
func NewSecureStore(dataDir string, masterPassword []byte) (*SecureStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &SecureStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := s.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(s.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)
	crypto.ZeroBytes(masterPassword)

	return s, nil
}

func (s *SecureStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(s.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(s.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, nil
}

// Put encrypts and writes a credential blob. The write is atomic via a
// temporary file and rename.
func (s *SecureStore) Put(key string, credential []byte) error {
	filename, err := blobName(key)
	if err != nil {
		return err
	}

	gcm, err := s.aead()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, credential, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], blobVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(s.dataDir, filename+".tmp")
	finalFile := filepath.Join(s.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Get reads and decrypts a credential blob.
func (s *SecureStore) Get(key string) ([]byte, error) {
	filename, err := blobName(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("blob too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != blobVersion {
		return nil, fmt.Errorf("unsupported blob version: %d (expected %d)", version, blobVersion)
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("blob too short for nonce: %d bytes", len(data))
	}

	plaintext, err := gcm.Open(nil, data[2:2+nonceSize], data[2+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}
	return plaintext, nil
}

// Delete overwrites the credential blob with zeros, then removes it.
// Deleting a missing key is not an error.
func (s *SecureStore) Delete(key string) error {
	filename, err := blobName(key)
	if err != nil {
		return err
	}
	filePath := filepath.Join(s.dataDir, filename)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}
	return os.Remove(filePath)
}

// Close wipes the encryption key. The store must not be used afterwards.
func (s *SecureStore) Close() error {
	crypto.ZeroBytes(s.encryptionKey[:])
	return nil
}

func (s *SecureStore) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// blobName maps a credential key to a flat filename, rejecting keys that
// would escape the data directory.
func blobName(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid credential key %q", key)
	}
	return key + ".cred", nil
}
