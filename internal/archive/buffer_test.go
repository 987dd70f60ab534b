package archive

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

// memoryWriteChunk collects chunks without a repository.
type memoryWriteChunk struct {
	key    crypto.Key
	chunks map[crypto.ID][]byte
	order  []crypto.ID
}

func newMemoryWriter(key crypto.Key) *memoryWriteChunk {
	return &memoryWriteChunk{key: key, chunks: make(map[crypto.ID][]byte)}
}

func (w *memoryWriteChunk) write(chunk []byte) (crypto.ID, error) {
	id := w.key.IDHash(chunk)
	w.chunks[id] = append([]byte(nil), chunk...)
	w.order = append(w.order, id)
	return id, nil
}

func testItems(n int) []*Item {
	items := make([]*Item, n)
	for i := range items {
		items[i] = &Item{
			Path:  fmt.Sprintf("tree/file-%06d", i),
			Mode:  0o100644,
			UID:   1000,
			GID:   1000,
			MTime: int64(1_700_000_000_000_000_000 + i),
		}
	}
	return items
}

func TestChunkBufferEmptyFlush(t *testing.T) {
	key := crypto.NewPlaintextKey()
	w := newMemoryWriter(key)
	buf := NewChunkBuffer(key, w.write)
	require.NoError(t, buf.Flush(true))
	assert.Empty(t, buf.Chunks)
}

func TestChunkBufferFinalFlushEmitsEverything(t *testing.T) {
	key := crypto.NewPlaintextKey()
	w := newMemoryWriter(key)
	buf := NewChunkBuffer(key, w.write)

	for _, item := range testItems(10) {
		require.NoError(t, buf.Add(item))
	}
	require.NoError(t, buf.Flush(true))
	assert.Zero(t, buf.Len(), "final flush must drain the buffer")
	assert.NotEmpty(t, buf.Chunks)
}

func TestChunkBufferDefersTail(t *testing.T) {
	key := crypto.NewPlaintextKey()
	w := newMemoryWriter(key)
	buf := NewChunkBuffer(key, w.write)

	// Enough items to force at least one intermediate flush.
	for _, item := range testItems(40000) {
		require.NoError(t, buf.Add(item))
	}
	// The trailing partial chunk is retained for boundary stability.
	assert.NotZero(t, buf.Len())
	require.NoError(t, buf.Flush(true))
	assert.Zero(t, buf.Len())
}

func TestChunkBufferStreamRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	stats := &Statistics{}
	buf := NewCacheChunkBuffer(env.cache, env.key, stats)

	items := testItems(5000)
	for _, item := range items {
		require.NoError(t, buf.Add(item))
	}
	require.NoError(t, buf.Flush(true))
	require.NoError(t, env.repo.Commit())

	pipeline := NewPipeline(env.repo, env.key)
	iter := pipeline.UnpackMany(buf.Chunks, nil, false)
	var got []*Item
	for {
		item, err := iter.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, item)
	}
	require.Len(t, got, len(items))
	for i := range items {
		assert.Equal(t, items[i].Path, got[i].Path, "item %d out of order", i)
		assert.Equal(t, items[i].MTime, got[i].MTime)
	}
}

func TestChunkBufferFilter(t *testing.T) {
	env := newTestEnv(t)
	buf := NewCacheChunkBuffer(env.cache, env.key, nil)
	for _, item := range testItems(100) {
		require.NoError(t, buf.Add(item))
	}
	require.NoError(t, buf.Flush(true))
	require.NoError(t, env.repo.Commit())

	pipeline := NewPipeline(env.repo, env.key)
	iter := pipeline.UnpackMany(buf.Chunks, func(it *Item) bool {
		return it.Path == "tree/file-000042"
	}, false)
	item, err := iter.Next()
	require.NoError(t, err)
	assert.Equal(t, "tree/file-000042", item.Path)
	_, err = iter.Next()
	assert.Equal(t, io.EOF, err)
}

// Two archives sharing a long item prefix produce mostly identical
// item-stream chunks; only O(1) boundary chunks may differ.
func TestItemStreamDeduplicatesAcrossArchives(t *testing.T) {
	key := crypto.NewPlaintextKey()

	emit := func(extra int) []crypto.ID {
		w := newMemoryWriter(key)
		buf := NewChunkBuffer(key, w.write)
		for _, item := range testItems(30000 + extra) {
			if err := buf.Add(item); err != nil {
				t.Fatal(err)
			}
		}
		if err := buf.Flush(true); err != nil {
			t.Fatal(err)
		}
		return buf.Chunks
	}

	a := emit(0)
	b := emit(100)
	require.Greater(t, len(a), 3)

	shared := make(map[crypto.ID]bool, len(a))
	for _, id := range a {
		shared[id] = true
	}
	common := 0
	for _, id := range b {
		if shared[id] {
			common++
		}
	}
	assert.GreaterOrEqual(t, common, len(a)-2,
		"almost all item-stream chunks must be shared between similar archives")
}
