package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
)

// NoiseHandshake manages a Noise-IK handshake between two devices. The
// initiator must know the responder's static public key up front, which
// matches the device-transfer shape: the new device advertises an ephemeral
// static key in its transfer request and the old device initiates toward it.
type NoiseHandshake struct {
	handshake *noise.HandshakeState
	initiator bool
	completed bool
	started   time.Time
}

// NoiseSession is the pair of cipher states left behind by a completed
// handshake.
type NoiseSession struct {
	SendCipher  *noise.CipherState
	RecvCipher  *noise.CipherState
	PeerKey     [32]byte
	Established time.Time
}

// NewNoiseHandshake creates a Noise-IK handshake
// (Noise_IK_25519_ChaChaPoly_SHA256). The responder passes its own static
// key and a zero peerKey; the initiator passes the responder's public key.
func NewNoiseHandshake(isInitiator bool, staticKey *KeyPair, peerKey [32]byte) (*NoiseHandshake, error) {
	if staticKey == nil {
		return nil, errors.New("nil static key")
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	cfg := noise.Config{
		CipherSuite: cs,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   isInitiator,
		StaticKeypair: noise.DHKey{
			Private: staticKey.Private[:],
			Public:  staticKey.Public[:],
		},
	}
	if isInitiator {
		cfg.PeerStatic = peerKey[:]
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &NoiseHandshake{
		handshake: hs,
		initiator: isInitiator,
		started:   time.Now(),
	}, nil
}

// WriteMessage produces the next handshake message, carrying payload. When
// the handshake completes it also returns the established session.
func (nh *NoiseHandshake) WriteMessage(payload []byte) ([]byte, *NoiseSession, error) {
	if nh.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	message, cs1, cs2, err := nh.handshake.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		nh.completed = true
		return message, nh.session(cs1, cs2), nil
	}
	return message, nil, nil
}

// ReadMessage consumes a received handshake message and returns its
// payload. When the handshake completes it also returns the established
// session.
func (nh *NoiseHandshake) ReadMessage(message []byte) ([]byte, *NoiseSession, error) {
	if nh.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	payload, cs1, cs2, err := nh.handshake.ReadMessage(nil, message)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		nh.completed = true
		return payload, nh.session(cs1, cs2), nil
	}
	return payload, nil, nil
}

// IsCompleted returns whether the handshake is complete.
func (nh *NoiseHandshake) IsCompleted() bool {
	return nh.completed
}

func (nh *NoiseHandshake) session(cs1, cs2 *noise.CipherState) *NoiseSession {
	session := &NoiseSession{Established: time.Now()}
	if peer := nh.handshake.PeerStatic(); len(peer) == 32 {
		copy(session.PeerKey[:], peer)
	}

	// By Noise convention cs1 encrypts initiator->responder traffic.
	if nh.initiator {
		session.SendCipher, session.RecvCipher = cs1, cs2
	} else {
		session.SendCipher, session.RecvCipher = cs2, cs1
	}
	return session
}

// Encrypt encrypts a message using the established session.
func (ns *NoiseSession) Encrypt(plaintext []byte) ([]byte, error) {
	if ns.SendCipher == nil {
		return nil, errors.New("session not established")
	}
	ciphertext, err := ns.SendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts a message using the established session.
func (ns *NoiseSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if ns.RecvCipher == nil {
		return nil, errors.New("session not established")
	}
	plaintext, err := ns.RecvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}
	return plaintext, nil
}
