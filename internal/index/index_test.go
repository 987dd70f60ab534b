package index

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

func id(n uint64) crypto.ID {
	var out crypto.ID
	binary.LittleEndian.PutUint64(out[:8], n)
	return out
}

func TestIndexSetGetDelete(t *testing.T) {
	idx := Create(filepath.Join(t.TempDir(), "chunks"), 16)

	_, ok := idx.Get(id(1))
	assert.False(t, ok)
	assert.False(t, idx.Has(id(1)))

	idx.Set(id(1), Entry{Count: 2, Size: 100, CSize: 60})
	e, ok := idx.Get(id(1))
	require.True(t, ok)
	assert.Equal(t, Entry{Count: 2, Size: 100, CSize: 60}, e)
	assert.Equal(t, 1, idx.Len())

	idx.Set(id(1), Entry{Count: 3, Size: 100, CSize: 60})
	e, _ = idx.Get(id(1))
	assert.Equal(t, uint32(3), e.Count)
	assert.Equal(t, 1, idx.Len())

	idx.Delete(id(1))
	assert.False(t, idx.Has(id(1)))
	assert.Equal(t, 0, idx.Len())
	idx.Delete(id(1)) // no-op
}

func TestIndexReuseAfterDelete(t *testing.T) {
	idx := Create(filepath.Join(t.TempDir(), "chunks"), 16)

	// After a delete the index keeps accepting new ids and every other
	// entry stays reachable.
	for i := uint64(0); i < 10; i++ {
		idx.Set(id(i), Entry{Count: uint32(i)})
	}
	idx.Delete(id(3))
	idx.Set(id(200), Entry{Count: 200})
	assert.True(t, idx.Has(id(200)))
	for i := uint64(0); i < 10; i++ {
		if i == 3 {
			continue
		}
		e, ok := idx.Get(id(i))
		require.True(t, ok, "id %d lost", i)
		assert.Equal(t, uint32(i), e.Count)
	}
}

func TestIndexGrowth(t *testing.T) {
	idx := Create(filepath.Join(t.TempDir(), "chunks"), 16)
	for i := uint64(0); i < 5000; i++ {
		idx.Set(id(i), Entry{Count: uint32(i), Size: uint32(i * 2)})
	}
	assert.Equal(t, 5000, idx.Len())
	for i := uint64(0); i < 5000; i++ {
		e, ok := idx.Get(id(i))
		require.True(t, ok, "id %d lost after growth", i)
		assert.Equal(t, uint32(i), e.Count)
	}
}

func TestIndexSaveOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks")
	idx := Create(path, 64)
	for i := uint64(0); i < 100; i++ {
		idx.Set(id(i), Entry{Count: uint32(i + 1), Size: uint32(i * 10), CSize: uint32(i * 7)})
	}
	require.NoError(t, idx.Save())

	loaded, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), loaded.Len())
	for i := uint64(0); i < 100; i++ {
		e, ok := loaded.Get(id(i))
		require.True(t, ok)
		assert.Equal(t, Entry{Count: uint32(i + 1), Size: uint32(i * 10), CSize: uint32(i * 7)}, e)
	}
}

func TestIndexOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks")
	require.NoError(t, os.WriteFile(path, []byte("not an index"), 0o600))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestIndexIter(t *testing.T) {
	idx := Create(filepath.Join(t.TempDir(), "chunks"), 64)
	for i := uint64(0); i < 20; i++ {
		idx.Set(id(i), Entry{Count: 1})
	}
	seen := 0
	idx.Iter(func(_ crypto.ID, e Entry) bool {
		seen++
		return true
	})
	assert.Equal(t, 20, seen)

	seen = 0
	idx.Iter(func(_ crypto.ID, _ Entry) bool {
		seen++
		return seen < 5
	})
	assert.Equal(t, 5, seen)
}
