// Package cache implements the local, refcounted chunk cache that
// makes ingest incremental: a chunk index mirroring the repository's
// reference counts plus a per-file memo that lets unchanged files skip
// re-reading entirely.
//
// The cache is mutated only inside a transaction bracket. Mutations
// live in memory until Commit persists them; Rollback reloads the
// last committed state, which is what CalcStats relies on to probe
// refcounts without changing anything.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/index"
	"github.com/kenneth/carbon-vault/internal/repository"
)

const (
	chunksFile = "chunks.idx"
	filesFile  = "files"
	syncFile   = "manifest"
)

// StatsUpdater receives per-chunk accounting as chunks are added or
// re-referenced. unique is true when the chunk was not yet in the
// repository.
type StatsUpdater interface {
	Update(size, csize uint32, unique bool)
}

// FileState is the stat snapshot the per-file memo compares to decide
// whether a file may have changed.
type FileState struct {
	Inode   uint64 `msgpack:"inode"`
	Size    int64  `msgpack:"size"`
	MTimeNS int64  `msgpack:"mtime"`
}

type fileEntry struct {
	FileState
	IDs [][]byte `msgpack:"ids"`
}

// Cache binds a repository to its local chunk index and file memo.
type Cache struct {
	path   string
	repo   repository.Repository
	key    crypto.Key
	logger *logrus.Logger

	chunks    *index.Index
	files     map[crypto.ID]fileEntry
	txnActive bool
}

// Open loads (or initializes) the cache directory for a repository.
func Open(path string, repo repository.Repository, key crypto.Key, logger *logrus.Logger) (*Cache, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	c := &Cache{
		path:   path,
		repo:   repo,
		key:    key,
		logger: logger,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	chunksPath := filepath.Join(c.path, chunksFile)
	if _, err := os.Stat(chunksPath); err == nil {
		idx, err := index.Open(chunksPath)
		if err != nil {
			return err
		}
		c.chunks = idx
	} else {
		c.chunks = index.Create(chunksPath, 1024)
	}

	c.files = make(map[crypto.ID]fileEntry)
	data, err := os.ReadFile(filepath.Join(c.path, filesFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file memo: %w", err)
	}
	raw := make(map[string]fileEntry)
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode file memo: %w", err)
	}
	for hexID, entry := range raw {
		id, err := crypto.ParseID(hexID)
		if err != nil {
			continue
		}
		c.files[id] = entry
	}
	return nil
}

func (c *Cache) saveFiles() error {
	raw := make(map[string]fileEntry, len(c.files))
	for id, entry := range c.files {
		raw[id.Hex()] = entry
	}
	data, err := msgpack.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode file memo: %w", err)
	}
	tmp := filepath.Join(c.path, filesFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file memo: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(c.path, filesFile)); err != nil {
		return fmt.Errorf("failed to replace file memo: %w", err)
	}
	return nil
}

// BeginTxn opens the mutation bracket. Opening it twice is a bug.
func (c *Cache) BeginTxn() {
	if c.txnActive {
		panic("cache: transaction already active")
	}
	c.txnActive = true
}

// InTxn reports whether a transaction is open.
func (c *Cache) InTxn() bool {
	return c.txnActive
}

// Commit persists the in-memory state and closes the bracket.
func (c *Cache) Commit() error {
	if err := c.chunks.Save(); err != nil {
		return err
	}
	if err := c.saveFiles(); err != nil {
		return err
	}
	c.txnActive = false
	return nil
}

// Rollback discards all mutations since the last Commit and closes
// the bracket. The persistent state is untouched by construction.
func (c *Cache) Rollback() error {
	c.txnActive = false
	return c.load()
}

func (c *Cache) ensureTxn() {
	if !c.txnActive {
		c.BeginTxn()
	}
}

// AddChunk stores a chunk, or bumps its refcount if the repository
// already has it. Returns the chunk's id, plaintext size and
// ciphertext size.
func (c *Cache) AddChunk(id crypto.ID, data []byte, stats StatsUpdater) (crypto.ID, uint32, uint32, error) {
	c.ensureTxn()
	if c.SeenChunk(id) {
		return c.ChunkIncref(id, stats)
	}
	ciphertext, err := c.key.Encrypt(data)
	if err != nil {
		return id, 0, 0, fmt.Errorf("failed to encrypt chunk %s: %w", id, err)
	}
	if err := c.repo.Put(id, ciphertext); err != nil {
		return id, 0, 0, err
	}
	size := uint32(len(data))
	csize := uint32(len(ciphertext))
	c.chunks.Set(id, index.Entry{Count: 1, Size: size, CSize: csize})
	if stats != nil {
		stats.Update(size, csize, true)
	}
	return id, size, csize, nil
}

// ChunkIncref bumps the refcount of a known chunk.
func (c *Cache) ChunkIncref(id crypto.ID, stats StatsUpdater) (crypto.ID, uint32, uint32, error) {
	c.ensureTxn()
	e, ok := c.chunks.Get(id)
	if !ok {
		return id, 0, 0, fmt.Errorf("chunk %s not in cache", id)
	}
	e.Count++
	c.chunks.Set(id, e)
	if stats != nil {
		stats.Update(e.Size, e.CSize, false)
	}
	return id, e.Size, e.CSize, nil
}

// ChunkDecref drops one reference; the last reference deletes the
// repository object.
func (c *Cache) ChunkDecref(id crypto.ID) error {
	c.ensureTxn()
	e, ok := c.chunks.Get(id)
	if !ok {
		return fmt.Errorf("chunk %s not in cache", id)
	}
	if e.Count == 1 {
		c.chunks.Delete(id)
		return c.repo.Delete(id)
	}
	e.Count--
	c.chunks.Set(id, e)
	return nil
}

// SeenChunk reports whether the chunk is known to the cache.
func (c *Cache) SeenChunk(id crypto.ID) bool {
	return c.chunks.Has(id)
}

// FileKnownAndUnchanged returns the chunk ids recorded for a path if
// its stat snapshot matches; nil means the file must be re-chunked.
func (c *Cache) FileKnownAndUnchanged(pathHash crypto.ID, st FileState) []crypto.ID {
	entry, ok := c.files[pathHash]
	if !ok || entry.FileState != st {
		return nil
	}
	ids := make([]crypto.ID, 0, len(entry.IDs))
	for _, raw := range entry.IDs {
		id, err := crypto.IDFromBytes(raw)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

// MemorizeFile records the chunk list of a freshly chunked file.
func (c *Cache) MemorizeFile(pathHash crypto.ID, st FileState, ids []crypto.ID) {
	c.ensureTxn()
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		buf := make([]byte, crypto.IDSize)
		copy(buf, id[:])
		raw[i] = buf
	}
	c.files[pathHash] = fileEntry{FileState: st, IDs: raw}
}

// Chunks exposes the underlying index; CalcStats walks it directly.
func (c *Cache) Chunks() *index.Index {
	return c.chunks
}

// SyncedManifest returns the manifest id the cache was last synced
// against, if any.
func (c *Cache) SyncedManifest() (crypto.ID, bool) {
	data, err := os.ReadFile(filepath.Join(c.path, syncFile))
	if err != nil {
		return crypto.ID{}, false
	}
	id, err := crypto.IDFromBytes(data)
	if err != nil {
		return crypto.ID{}, false
	}
	return id, true
}

// MarkSynced records the manifest id the cache now reflects.
func (c *Cache) MarkSynced(id crypto.ID) error {
	if err := os.WriteFile(filepath.Join(c.path, syncFile), id[:], 0o600); err != nil {
		return fmt.Errorf("failed to record manifest sync: %w", err)
	}
	return nil
}

// Reset clears the chunk index and file memo in memory; the caller is
// expected to rebuild and Commit. Used by cache resynchronization.
func (c *Cache) Reset() {
	c.ensureTxn()
	c.chunks = index.Create(filepath.Join(c.path, chunksFile), 1024)
	c.files = make(map[crypto.ID]fileEntry)
}

// SetChunk force-sets an index entry during resynchronization.
func (c *Cache) SetChunk(id crypto.ID, count, size, csize uint32) {
	c.ensureTxn()
	c.chunks.Set(id, index.Entry{Count: count, Size: size, CSize: csize})
}
