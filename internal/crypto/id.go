package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the size of a content id in bytes.
const IDSize = 32

// ID identifies a repository object by the keyed hash of its plaintext.
type ID [IDSize]byte

// ZeroID is the all-zero id. The manifest lives under it; no content
// hash ever produces it in practice.
var ZeroID ID

// IDFromBytes converts a raw 32-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID parses a hex-encoded id.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// Hex returns the lowercase hex encoding of the id.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string {
	return id.Hex()
}

// IsZero reports whether the id is the all-zero id.
func (id ID) IsZero() bool {
	return bytes.Equal(id[:], ZeroID[:])
}
