// Package storage provides scoped, protected storage for connection
// credential material.
//
// The connection supervisor writes a peer's signing credentials here for
// the lifetime of the connection and deletes them on disconnect. SecureStore
// keeps the material encrypted at rest (AES-256-GCM under a PBKDF2-derived
// key); MemoryStore keeps it only in memory and wipes it on delete. UI
// layers backed by a platform keychain can supply their own CredentialStore.
package storage
