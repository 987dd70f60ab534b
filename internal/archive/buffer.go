package archive

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/chunker"
	"github.com/kenneth/carbon-vault/internal/crypto"
)

// BufferSize is the item accumulation threshold that triggers an
// intermediate flush.
const BufferSize = 1 << 20

// WriteChunkFunc stores one item-stream chunk and returns its id.
type WriteChunkFunc func(chunk []byte) (crypto.ID, error)

// ChunkBuffer turns an unbounded item sequence into a short ordered
// list of chunk ids: items are serialized into a buffer which is
// re-chunked with the same content-defined splitter used for file
// data, so item-stream chunks deduplicate across archives.
type ChunkBuffer struct {
	key        crypto.Key
	writeChunk WriteChunkFunc
	buf        bytes.Buffer

	// Chunks is the ordered id list of the emitted item stream.
	Chunks []crypto.ID
}

// NewChunkBuffer builds a buffer that stores chunks via writeChunk.
func NewChunkBuffer(key crypto.Key, writeChunk WriteChunkFunc) *ChunkBuffer {
	return &ChunkBuffer{key: key, writeChunk: writeChunk}
}

// Add serializes one item into the buffer, flushing when it runs full.
func (b *ChunkBuffer) Add(item *Item) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item %q: %w", item.Path, err)
	}
	b.buf.Write(data)
	if b.buf.Len() > BufferSize {
		return b.Flush(false)
	}
	return nil
}

// Flush re-chunks the buffered bytes and emits the resulting chunks.
// Unless final is set, and provided more than one chunk was produced,
// the last chunk is held back as the new buffer contents: its boundary is not content-defined yet and may move as
// more items arrive, which keeps chunk identity stable across
// archives that share an item prefix.
func (b *ChunkBuffer) Flush(final bool) error {
	if b.buf.Len() == 0 {
		return nil
	}

	var chunks [][]byte
	err := chunker.Split(bytes.NewReader(b.buf.Bytes()),
		chunker.DefaultWindowSize, chunker.DefaultChunkMask, chunker.DefaultMinSize,
		b.key.ChunkSeed(),
		func(chunk []byte) error {
			chunks = append(chunks, append([]byte(nil), chunk...))
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to chunk item stream: %w", err)
	}
	b.buf.Reset()

	end := len(chunks)
	if !final && end > 1 {
		end--
	}
	for _, chunk := range chunks[:end] {
		id, err := b.writeChunk(chunk)
		if err != nil {
			return err
		}
		b.Chunks = append(b.Chunks, id)
	}
	if end < len(chunks) {
		b.buf.Write(chunks[end])
	}
	return nil
}

// Len returns the number of buffered, not yet emitted bytes.
func (b *ChunkBuffer) Len() int {
	return b.buf.Len()
}

// NewCacheChunkBuffer builds the ingest buffer: chunks are stored
// through the cache so refcounts and dedup accounting stay correct.
func NewCacheChunkBuffer(c *cache.Cache, key crypto.Key, stats *Statistics) *ChunkBuffer {
	return NewChunkBuffer(key, func(chunk []byte) (crypto.ID, error) {
		id, _, _, err := c.AddChunk(key.IDHash(chunk), chunk, stats)
		return id, err
	})
}
