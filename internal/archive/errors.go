package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when creating or saving an archive
	// under a name the manifest already has.
	ErrAlreadyExists = errors.New("archive already exists")
	// ErrDoesNotExist is returned when opening or deleting an unknown
	// archive name.
	ErrDoesNotExist = errors.New("archive does not exist")
	// ErrUnknownVersion is returned for metadata blocks with a version
	// this code cannot read.
	ErrUnknownVersion = errors.New("unknown archive metadata version")
	// ErrMetadataCorrupt is returned when the item stream does not
	// decode. The checker recovers from it; normal paths do not.
	ErrMetadataCorrupt = errors.New("archive metadata corrupt")
)

// UnsafePathError rejects restore paths that would escape the
// destination directory.
type UnsafePathError struct {
	Path string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe item path %q: must be relative and local", e.Path)
}

// UnknownItemTypeError rejects items whose mode bits describe no file
// type this engine restores.
type UnknownItemTypeError struct {
	Mode uint32
}

func (e *UnknownItemTypeError) Error() string {
	return fmt.Sprintf("unknown archive item type %#o", e.Mode)
}

// ChunkMissingError reports a referenced id the repository no longer
// has. Fatal on restore; the checker substitutes zero chunks.
type ChunkMissingError struct {
	ID string
}

func (e *ChunkMissingError) Error() string {
	return fmt.Sprintf("chunk %s missing from repository", e.ID)
}
