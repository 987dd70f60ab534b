package crypto

import (
	"fmt"

	"lukechampine.com/blake3"
)

// PlaintextKey provides the Key contract without confidentiality:
// envelopes are compressed but not encrypted, and content ids are
// unkeyed BLAKE3. Intended for throwaway repositories and tests.
type PlaintextKey struct{}

// NewPlaintextKey returns the no-encryption key.
func NewPlaintextKey() *PlaintextKey {
	return &PlaintextKey{}
}

// IDHash computes the unkeyed BLAKE3-256 content id.
func (k *PlaintextKey) IDHash(data []byte) ID {
	return ID(blake3.Sum256(data))
}

// Encrypt wraps the compressed plaintext in a plaintext-tagged envelope.
func (k *PlaintextKey) Encrypt(data []byte) ([]byte, error) {
	compressed := compress(data)
	out := make([]byte, 0, 1+len(compressed))
	out = append(out, TypePlaintext)
	return append(out, compressed...), nil
}

// Decrypt unwraps a plaintext envelope. The id check is the only
// integrity protection this key offers.
func (k *PlaintextKey) Decrypt(id ID, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, fmt.Errorf("%w: empty envelope", ErrDecryptFailed)
	}
	if ciphertext[0] != TypePlaintext {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownKeyType, ciphertext[0])
	}
	data, err := decompress(ciphertext[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if !id.IsZero() && k.IDHash(data) != id {
		return nil, fmt.Errorf("%w: content id mismatch for %s", ErrDecryptFailed, id)
	}
	return data, nil
}

// ChunkSeed is fixed for plaintext repositories.
func (k *PlaintextKey) ChunkSeed() uint32 {
	return 0
}
