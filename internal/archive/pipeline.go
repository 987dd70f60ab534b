package archive

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// Pipeline fetches and decrypts object sequences and stream-decodes
// the item records they carry.
type Pipeline struct {
	repo repository.Repository
	key  crypto.Key
}

// NewPipeline binds a pipeline to a repository and key.
func NewPipeline(repo repository.Repository, key crypto.Key) *Pipeline {
	return &Pipeline{repo: repo, key: key}
}

// FetchMany returns a cursor over the decrypted payloads of ids, in
// order. One blob is held in memory at a time.
func (p *Pipeline) FetchMany(ids []crypto.ID) *BlobIter {
	return &BlobIter{pipeline: p, ids: ids}
}

// BlobIter is the plaintext cursor FetchMany returns.
type BlobIter struct {
	pipeline *Pipeline
	ids      []crypto.ID
	pos      int
}

// Next returns the next plaintext, or io.EOF after the last one.
func (it *BlobIter) Next() ([]byte, error) {
	if it.pos >= len(it.ids) {
		return nil, io.EOF
	}
	id := it.ids[it.pos]
	it.pos++
	ciphertext, err := it.pipeline.repo.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := it.pipeline.key.Decrypt(id, ciphertext)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ItemFilter selects items; nil accepts everything.
type ItemFilter func(*Item) bool

// UnpackMany returns a lazy item cursor over the item-stream chunks
// listed in ids. Items are yielded in stream order; at most one
// chunk's worth of decoded items is materialized at a time. With
// preload set, the file-chunk ids of accepted items are handed to the
// repository's prefetcher as soon as the item is decoded.
func (p *Pipeline) UnpackMany(ids []crypto.ID, filter ItemFilter, preload bool) *ItemIter {
	return &ItemIter{
		pipeline: p,
		blobs:    p.FetchMany(ids),
		filter:   filter,
		preload:  preload,
	}
}

// ItemIter is the lazy item cursor. Dropping it cancels the iteration.
type ItemIter struct {
	pipeline *Pipeline
	blobs    *BlobIter
	filter   ItemFilter
	preload  bool

	rem   []byte
	queue []*Item
	done  bool
}

// Next returns the next item, or io.EOF when the stream ends.
func (it *ItemIter) Next() (*Item, error) {
	for {
		if len(it.queue) > 0 {
			item := it.queue[0]
			it.queue = it.queue[1:]
			return item, nil
		}
		if it.done {
			if len(it.rem) > 0 {
				return nil, fmt.Errorf("%w: trailing bytes in item stream", ErrMetadataCorrupt)
			}
			return nil, io.EOF
		}

		data, err := it.blobs.Next()
		if err == io.EOF {
			it.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		it.rem = append(it.rem, data...)
		if err := it.decodeAvailable(); err != nil {
			return nil, err
		}
	}
}

// decodeAvailable drains complete item records from the reassembly
// buffer into the queue.
func (it *ItemIter) decodeAvailable() error {
	for len(it.rem) > 0 {
		n, err := frameLen(it.rem)
		if err == errShortFrame {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
		}
		var item Item
		if err := msgpack.Unmarshal(it.rem[:n], &item); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
		}
		it.rem = it.rem[n:]

		if it.filter != nil && !it.filter(&item) {
			continue
		}
		if it.preload && len(item.Chunks) > 0 {
			ids, err := item.ChunkIDs()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
			}
			it.pipeline.repo.Preload(ids)
		}
		it.queue = append(it.queue, &item)
	}
	return nil
}
