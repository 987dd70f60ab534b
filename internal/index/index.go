// Package index implements the chunk index: a growable open
// addressing hash table over 32-byte content ids with a compact binary
// disk image. The cache keeps refcounts in it; the consistency checker
// builds a throwaway one sized to the repository.
package index

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

var magic = [8]byte{'C', 'V', 'I', 'N', 'D', 'E', 'X', '1'}

const (
	headerSize = 8 + 8 + 8 // magic, capacity, count
	recordSize = crypto.IDSize + 12

	// minCapacity keeps tiny indexes from immediate growth.
	minCapacity = 128
	// maxLoad is the fill ratio that triggers growth.
	maxLoadNum, maxLoadDen = 3, 4
)

// Entry is the per-chunk bookkeeping triple: logical references,
// plaintext length, ciphertext length.
type Entry struct {
	Count uint32
	Size  uint32
	CSize uint32
}

type bucketState uint8

const (
	empty bucketState = iota
	used
	tombstone
)

type bucket struct {
	state bucketState
	id    crypto.ID
	entry Entry
}

// Index is an in-memory open-addressing table with Save/Open disk
// round-tripping. Not safe for concurrent use.
type Index struct {
	path     string
	buckets  []bucket
	count    int
	capacity int
}

// Create builds an empty index that will persist to path. The capacity
// (at least minCapacity) is only the starting size: Set doubles the
// table whenever the fill would pass 3/4.
func Create(path string, capacity int) *Index {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Index{
		path:     path,
		buckets:  make([]bucket, capacity),
		capacity: capacity,
	}
}

// Open loads an index image from disk.
func Open(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(data) < headerSize || [8]byte(data[:8]) != magic {
		return nil, fmt.Errorf("invalid index file %s", path)
	}
	capacity := int(binary.LittleEndian.Uint64(data[8:16]))
	count := int(binary.LittleEndian.Uint64(data[16:24]))
	if len(data) != headerSize+count*recordSize {
		return nil, fmt.Errorf("truncated index file %s", path)
	}

	idx := Create(path, capacity)
	off := headerSize
	for i := 0; i < count; i++ {
		var id crypto.ID
		copy(id[:], data[off:off+crypto.IDSize])
		e := Entry{
			Count: binary.LittleEndian.Uint32(data[off+32 : off+36]),
			Size:  binary.LittleEndian.Uint32(data[off+36 : off+40]),
			CSize: binary.LittleEndian.Uint32(data[off+40 : off+44]),
		}
		idx.Set(id, e)
		off += recordSize
	}
	return idx, nil
}

// Save writes the index image to its path, replacing it atomically.
func (i *Index) Save() error {
	data := make([]byte, headerSize, headerSize+i.count*recordSize)
	copy(data[:8], magic[:])
	binary.LittleEndian.PutUint64(data[8:16], uint64(i.capacity))
	binary.LittleEndian.PutUint64(data[16:24], uint64(i.count))

	var rec [recordSize]byte
	for _, b := range i.buckets {
		if b.state != used {
			continue
		}
		copy(rec[:32], b.id[:])
		binary.LittleEndian.PutUint32(rec[32:36], b.entry.Count)
		binary.LittleEndian.PutUint32(rec[36:40], b.entry.Size)
		binary.LittleEndian.PutUint32(rec[40:44], b.entry.CSize)
		data = append(data, rec[:]...)
	}

	tmp := i.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp, i.path); err != nil {
		return fmt.Errorf("failed to replace index: %w", err)
	}
	return nil
}

// Path returns the index file location.
func (i *Index) Path() string {
	return i.path
}

// Len returns the number of live entries.
func (i *Index) Len() int {
	return i.count
}

func slot(id crypto.ID, capacity int) int {
	return int(binary.LittleEndian.Uint64(id[:8]) % uint64(capacity))
}

// probe finds the bucket for id: either its current bucket or the
// first insertable one.
func (i *Index) probe(id crypto.ID) (pos int, found bool) {
	insert := -1
	p := slot(id, i.capacity)
	for n := 0; n < i.capacity; n++ {
		b := &i.buckets[p]
		switch b.state {
		case empty:
			if insert >= 0 {
				return insert, false
			}
			return p, false
		case tombstone:
			if insert < 0 {
				insert = p
			}
		case used:
			if b.id == id {
				return p, true
			}
		}
		p++
		if p == i.capacity {
			p = 0
		}
	}
	return insert, false
}

// Get returns the entry for id.
func (i *Index) Get(id crypto.ID) (Entry, bool) {
	pos, found := i.probe(id)
	if !found {
		return Entry{}, false
	}
	return i.buckets[pos].entry, true
}

// Has reports membership.
func (i *Index) Has(id crypto.ID) bool {
	_, found := i.probe(id)
	return found
}

// Set inserts or replaces the entry for id.
func (i *Index) Set(id crypto.ID, e Entry) {
	if (i.count+1)*maxLoadDen > i.capacity*maxLoadNum {
		i.grow()
	}
	pos, found := i.probe(id)
	if !found {
		i.count++
	}
	i.buckets[pos] = bucket{state: used, id: id, entry: e}
}

// Delete removes id; deleting an absent id is a no-op.
func (i *Index) Delete(id crypto.ID) {
	pos, found := i.probe(id)
	if !found {
		return
	}
	i.buckets[pos].state = tombstone
	i.count--
}

// Iter visits all live entries; return false from fn to stop early.
// Mutation during iteration is not supported.
func (i *Index) Iter(fn func(id crypto.ID, e Entry) bool) {
	for _, b := range i.buckets {
		if b.state != used {
			continue
		}
		if !fn(b.id, b.entry) {
			return
		}
	}
}

func (i *Index) grow() {
	old := i.buckets
	i.capacity *= 2
	i.buckets = make([]bucket, i.capacity)
	i.count = 0
	for _, b := range old {
		if b.state == used {
			i.Set(b.id, b.entry)
		}
	}
}
