package archive

import (
	"path"
	"strings"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/platform"
)

// ChunkRef references one file chunk: its content id, plaintext size
// and stored (ciphertext) size. Encoded as a 3-element msgpack array
// inside the item stream.
type ChunkRef struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID    []byte
	Size  uint32
	CSize uint32
}

// NewChunkRef builds a reference from an id triple.
func NewChunkRef(id crypto.ID, size, csize uint32) ChunkRef {
	raw := make([]byte, crypto.IDSize)
	copy(raw, id[:])
	return ChunkRef{ID: raw, Size: size, CSize: csize}
}

// ChunkID returns the typed content id.
func (c ChunkRef) ChunkID() (crypto.ID, error) {
	return crypto.IDFromBytes(c.ID)
}

// Item is one filesystem entry's record in the item stream. Which
// optional fields are meaningful is decided by the file-type bits of
// Mode: regular files carry Chunks (or Source for a hardlink sibling),
// symlinks carry Source, devices carry Rdev.
//
// The struct encodes as a msgpack map with fixed field order. Xattrs is
// a Go map and its entries are encoded in map iteration order, so an
// item with two or more xattrs does not always produce identical bytes.
type Item struct {
	Path   string  `msgpack:"path"`
	Mode   uint32  `msgpack:"mode"`
	UID    uint32  `msgpack:"uid"`
	GID    uint32  `msgpack:"gid"`
	User   *string `msgpack:"user"`
	Group  *string `msgpack:"group"`
	MTime  int64   `msgpack:"mtime"`
	Rdev   uint64  `msgpack:"rdev,omitempty"`
	Source string  `msgpack:"source,omitempty"`

	Chunks []ChunkRef        `msgpack:"chunks,omitempty"`
	Xattrs map[string][]byte `msgpack:"xattrs,omitempty"`
}

// IsHardlink reports whether the item references an earlier regular
// file instead of carrying its own chunks.
func (i *Item) IsHardlink() bool {
	return platform.IsRegular(i.Mode) && i.Source != ""
}

// ChunkIDs extracts the ordered file-chunk ids.
func (i *Item) ChunkIDs() ([]crypto.ID, error) {
	ids := make([]crypto.ID, 0, len(i.Chunks))
	for _, ref := range i.Chunks {
		id, err := ref.ChunkID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MakePathSafe turns any path into a repository-internal relative
// path: separators normalized, leading slashes and parent-escaping
// components stripped.
func MakePathSafe(p string) string {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "."
	}
	return clean
}

// CheckPathSafe validates a stored path before restore touches the
// filesystem. Stored paths are produced by MakePathSafe, but archives
// are untrusted input.
func CheckPathSafe(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return &UnsafePathError{Path: p}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return &UnsafePathError{Path: p}
		}
	}
	return nil
}
