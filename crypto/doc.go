// Package crypto implements the cryptographic primitives used by the
// vaultlink authorization flows.
//
// This package handles key generation, NaCl box sealing of challenge
// proofs, the memory-hard password KDF, Noise-IK sealing of transferred
// credentials, and secure erasure of key material.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
