// Package crypto implements the key layer of the repository: keyed
// content ids, authenticated envelope encryption with transparent
// compression, and passphrase-based key derivation.
//
// Every repository object is an envelope: a one-byte key-type tag
// followed by a key-specific payload. The tag lets a reader recover
// the right key implementation from any sampled object (see Factory).
package crypto

import (
	"errors"
)

// Key-type tags, stored as the first byte of every envelope.
const (
	TypePlaintext  byte = 0x01
	TypePassphrase byte = 0x02
)

var (
	// ErrDecryptFailed covers authentication failures, truncated
	// envelopes and plaintext/id mismatches.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrUnknownKeyType is returned for an unrecognized envelope tag.
	ErrUnknownKeyType = errors.New("unknown key type")
	// ErrPassphraseRequired is returned when a key needs a passphrase
	// that was not supplied.
	ErrPassphraseRequired = errors.New("passphrase required")
)

// Key is the crypto contract the archive engine consumes.
//
// IDHash must be collision-resistant under the key; two repositories
// with different keys address the same plaintext under different ids,
// which keeps chunk ids unlinkable across repositories.
type Key interface {
	// IDHash computes the content id of a plaintext.
	IDHash(data []byte) ID

	// Encrypt compresses and encrypts a plaintext into an envelope.
	Encrypt(data []byte) ([]byte, error)

	// Decrypt opens an envelope. When id is non-zero the plaintext's
	// content hash is verified against it; the manifest is fetched
	// under ZeroID and skips that check.
	Decrypt(id ID, ciphertext []byte) ([]byte, error)

	// ChunkSeed parameterizes the rolling-hash chunker so chunk
	// boundaries are not predictable without the key.
	ChunkSeed() uint32
}
