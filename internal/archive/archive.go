// Package archive implements the archive engine: the chunker-driven
// ingest pipeline, the item data model, restore, archive lifecycle and
// the consistency checker.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/chunker"
	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/index"
	"github.com/kenneth/carbon-vault/internal/manifest"
	"github.com/kenneth/carbon-vault/internal/platform"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// DefaultCheckpointInterval bounds the work lost when a long ingest is
// interrupted.
const DefaultCheckpointInterval = 5 * time.Minute

// timeFormat is the archive timestamp layout: ISO-8601 UTC with
// microsecond precision, no zone suffix.
const timeFormat = "2006-01-02T15:04:05.000000"

// Metadata is the version-1 archive metadata block.
type Metadata struct {
	Version  int      `msgpack:"version"`
	Name     string   `msgpack:"name"`
	Items    [][]byte `msgpack:"items"`
	Cmdline  []string `msgpack:"cmdline"`
	Hostname string   `msgpack:"hostname"`
	Username string   `msgpack:"username"`
	Time     string   `msgpack:"time"`
}

// ItemIDs returns the typed item-stream chunk ids.
func (m *Metadata) ItemIDs() ([]crypto.ID, error) {
	ids := make([]crypto.ID, 0, len(m.Items))
	for _, raw := range m.Items {
		id, err := crypto.IDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Options carries the collaborators and knobs an Archive needs.
type Options struct {
	Repository repository.Repository
	Key        crypto.Key
	Manifest   *manifest.Manifest
	Cache      *cache.Cache
	Logger     *logrus.Logger

	// WorkDir anchors relative ingest paths and is the restore
	// destination. Captured explicitly so operations stay
	// deterministic if the caller changes directory; empty means the
	// process working directory at construction time.
	WorkDir string

	// NumericOwner suppresses user/group name resolution.
	NumericOwner bool

	// CheckpointInterval overrides DefaultCheckpointInterval; negative
	// disables checkpointing.
	CheckpointInterval time.Duration
}

type hardlinkKey struct {
	dev   uint64
	inode uint64
}

// Archive is one named backup inside a repository.
type Archive struct {
	repo     repository.Repository
	key      crypto.Key
	manifest *manifest.Manifest
	cache    *cache.Cache
	logger   *logrus.Logger

	name     string
	id       crypto.ID
	metadata *Metadata

	pipeline    *Pipeline
	itemsBuffer *ChunkBuffer
	stats       *Statistics
	hardLinks   map[hardlinkKey]string

	workDir      string
	numericOwner bool

	checkpointInterval time.Duration
	lastCheckpoint     time.Time
	checkpointName     string

	// now is swappable for tests.
	now func() time.Time
}

func newArchive(opts Options, name string) *Archive {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	interval := opts.CheckpointInterval
	if interval == 0 {
		interval = DefaultCheckpointInterval
	}
	a := &Archive{
		repo:               opts.Repository,
		key:                opts.Key,
		manifest:           opts.Manifest,
		cache:              opts.Cache,
		logger:             logger,
		name:               name,
		pipeline:           NewPipeline(opts.Repository, opts.Key),
		stats:              &Statistics{},
		hardLinks:          make(map[hardlinkKey]string),
		workDir:            workDir,
		numericOwner:       opts.NumericOwner,
		checkpointInterval: interval,
		now:                time.Now,
	}
	if opts.Cache != nil {
		a.itemsBuffer = NewCacheChunkBuffer(opts.Cache, opts.Key, a.stats)
	}
	return a
}

// Create starts a new archive. The name must be free in the manifest.
func Create(opts Options, name string) (*Archive, error) {
	if _, exists := opts.Manifest.Archives[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	a := newArchive(opts, name)
	a.lastCheckpoint = a.now()
	a.checkpointName = a.freeCheckpointName()
	return a, nil
}

// Open loads an existing archive by name.
func Open(opts Options, name string) (*Archive, error) {
	info, exists := opts.Manifest.Archives[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDoesNotExist, name)
	}
	id, err := info.ArchiveID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
	}
	a := newArchive(opts, name)
	if err := a.Load(id); err != nil {
		return nil, err
	}
	return a, nil
}

// freeCheckpointName returns the first unused checkpoint name for this
// archive: "<name>.checkpoint", then "<name>.checkpoint.1", ...
func (a *Archive) freeCheckpointName() string {
	for i := 0; ; i++ {
		name := a.name + ".checkpoint"
		if i > 0 {
			name = fmt.Sprintf("%s.checkpoint.%d", a.name, i)
		}
		if _, taken := a.manifest.Archives[name]; !taken {
			return name
		}
	}
}

// Load fetches and decodes the metadata block stored under id.
func (a *Archive) Load(id crypto.ID) error {
	a.id = id
	ciphertext, err := a.repo.Get(id)
	if err != nil {
		return fmt.Errorf("failed to fetch archive metadata: %w", err)
	}
	data, err := a.key.Decrypt(id, ciphertext)
	if err != nil {
		return err
	}
	var meta Metadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
	}
	if meta.Version != 1 {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, meta.Version)
	}
	a.metadata = &meta
	a.name = meta.Name
	return nil
}

// Name returns the archive name.
func (a *Archive) Name() string {
	return a.name
}

// ID returns the metadata block id; zero until saved or loaded.
func (a *Archive) ID() crypto.ID {
	return a.id
}

// Metadata returns the decoded metadata block; nil until saved or
// loaded.
func (a *Archive) Metadata() *Metadata {
	return a.metadata
}

// Stats returns the accounting accumulated by this instance.
func (a *Archive) Stats() *Statistics {
	return a.stats
}

// Ts parses the archive creation time.
func (a *Archive) Ts() (time.Time, error) {
	t, err := time.Parse("2006-01-02T15:04:05.999999", a.metadata.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid archive timestamp %q: %w", a.metadata.Time, err)
	}
	return t.UTC(), nil
}

// IterItems returns a lazy cursor over the archive's items.
func (a *Archive) IterItems(filter ItemFilter, preload bool) (*ItemIter, error) {
	ids, err := a.metadata.ItemIDs()
	if err != nil {
		return nil, err
	}
	return a.pipeline.UnpackMany(ids, filter, preload), nil
}

// AddItem appends one item to the archive, checkpointing when the
// interval has elapsed.
func (a *Archive) AddItem(item *Item) error {
	if err := a.itemsBuffer.Add(item); err != nil {
		return err
	}
	if a.checkpointInterval > 0 && a.now().Sub(a.lastCheckpoint) > a.checkpointInterval {
		a.lastCheckpoint = a.now()
		return a.writeCheckpoint()
	}
	return nil
}

// writeCheckpoint persists the work so far under the checkpoint name,
// then retracts the checkpoint entry so only the chunks stay pinned.
// The retraction becomes durable with the next save or checkpoint.
func (a *Archive) writeCheckpoint() error {
	if err := a.Save(a.checkpointName); err != nil {
		return err
	}
	// a.id now names the checkpoint's metadata block.
	delete(a.manifest.Archives, a.checkpointName)
	if err := a.cache.ChunkDecref(a.id); err != nil {
		return err
	}
	a.checkpointName = a.freeCheckpointName()
	a.logger.WithField("archive", a.name).Debug("checkpoint written")
	return nil
}

// Save finalizes the item stream, stores the metadata block under its
// content id and commits manifest, repository and cache in that
// order. An empty name saves under the archive's own name.
func (a *Archive) Save(name string) error {
	if name == "" {
		name = a.name
	}
	if _, exists := a.manifest.Archives[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	if err := a.itemsBuffer.Flush(true); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	items := make([][]byte, len(a.itemsBuffer.Chunks))
	for i, id := range a.itemsBuffer.Chunks {
		raw := make([]byte, crypto.IDSize)
		copy(raw, id[:])
		items[i] = raw
	}
	meta := &Metadata{
		Version:  1,
		Name:     name,
		Items:    items,
		Cmdline:  os.Args,
		Hostname: hostname,
		Username: username,
		Time:     a.now().UTC().Format(timeFormat),
	}
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode archive metadata: %w", err)
	}
	a.id = a.key.IDHash(data)
	if _, _, _, err := a.cache.AddChunk(a.id, data, a.stats); err != nil {
		return err
	}
	a.manifest.Archives[name] = manifest.Info{
		ID:   append([]byte(nil), a.id[:]...),
		Time: meta.Time,
	}

	// Commit order is the crash-safety invariant: manifest before
	// repository before cache. A crash in between leaves at most
	// orphaned chunks for check to collect, never dangling references.
	if err := a.manifest.Write(); err != nil {
		return err
	}
	if err := a.repo.Commit(); err != nil {
		return err
	}
	if err := a.cache.Commit(); err != nil {
		return err
	}
	// The cache now reflects this manifest; record that so the next
	// run does not resync (and drop the file memo) needlessly.
	if err := a.cache.MarkSynced(manifestFingerprint(a.key, a.manifest)); err != nil {
		return err
	}
	a.metadata = meta
	return nil
}

// CalcStats measures the archive's size and unique-bytes share by
// walking its chunk graph with speculative refcount decrements inside
// a cache transaction that is always rolled back. The archive id must
// already be present in the cache: Save puts it there and SyncCache
// does so for every archive in the manifest; Load alone does not.
func (a *Archive) CalcStats(c *cache.Cache) (*Statistics, error) {
	ids, err := a.metadata.ItemIDs()
	if err != nil {
		return nil, err
	}

	c.BeginTxn()
	defer c.Rollback()

	stats := &Statistics{}
	sub := func(id crypto.ID) error {
		e, ok := c.Chunks().Get(id)
		if !ok {
			return &ChunkMissingError{ID: id.Hex()}
		}
		stats.Update(e.Size, e.CSize, e.Count == 1)
		c.Chunks().Set(id, index.Entry{Count: e.Count - 1, Size: e.Size, CSize: e.CSize})
		return nil
	}

	if err := sub(a.id); err != nil {
		return nil, err
	}
	blobs := a.pipeline.FetchMany(ids)
	var rem []byte
	for i := 0; ; i++ {
		data, err := blobs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := sub(ids[i]); err != nil {
			return nil, err
		}
		rem = append(rem, data...)
		for len(rem) > 0 {
			n, err := frameLen(rem)
			if err == errShortFrame {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
			}
			var item Item
			if err := msgpack.Unmarshal(rem[:n], &item); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
			}
			rem = rem[n:]
			if len(item.Chunks) > 0 {
				stats.NFiles++
				for _, ref := range item.Chunks {
					id, err := ref.ChunkID()
					if err != nil {
						return nil, err
					}
					if err := sub(id); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return stats, nil
}

// Delete removes the archive: every chunk it references is decrefed,
// the name leaves the manifest, and the three stores commit in the
// usual order.
func (a *Archive) Delete() error {
	ids, err := a.metadata.ItemIDs()
	if err != nil {
		return err
	}
	blobs := a.pipeline.FetchMany(ids)
	var rem []byte
	for i := 0; ; i++ {
		data, err := blobs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := a.cache.ChunkDecref(ids[i]); err != nil {
			return err
		}
		rem = append(rem, data...)
		for len(rem) > 0 {
			n, err := frameLen(rem)
			if err == errShortFrame {
				break
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
			}
			var item Item
			if err := msgpack.Unmarshal(rem[:n], &item); err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
			}
			rem = rem[n:]
			for _, ref := range item.Chunks {
				id, err := ref.ChunkID()
				if err != nil {
					return err
				}
				if err := a.cache.ChunkDecref(id); err != nil {
					return err
				}
			}
		}
	}
	if err := a.cache.ChunkDecref(a.id); err != nil {
		return err
	}
	delete(a.manifest.Archives, a.name)

	if err := a.manifest.Write(); err != nil {
		return err
	}
	if err := a.repo.Commit(); err != nil {
		return err
	}
	if err := a.cache.Commit(); err != nil {
		return err
	}
	return a.cache.MarkSynced(manifestFingerprint(a.key, a.manifest))
}

// List returns all archives in the manifest, sorted by name.
func List(opts Options) ([]*Archive, error) {
	names := make([]string, 0, len(opts.Manifest.Archives))
	for name := range opts.Manifest.Archives {
		names = append(names, name)
	}
	sort.Strings(names)

	archives := make([]*Archive, 0, len(names))
	for _, name := range names {
		a, err := Open(opts, name)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, nil
}

// statAttrs builds the attribute portion of an item from a stat
// snapshot.
func (a *Archive) statAttrs(st platform.StatInfo, path string) (Item, error) {
	item := Item{
		Mode:  st.Mode,
		UID:   st.UID,
		GID:   st.GID,
		MTime: st.MTimeNS,
	}
	if !a.numericOwner {
		if name := platform.UserName(st.UID); name != "" {
			item.User = &name
		}
		if name := platform.GroupName(st.GID); name != "" {
			item.Group = &name
		}
	}
	xattrs, err := platform.ListXattrs(path)
	if err != nil {
		return item, err
	}
	if len(xattrs) > 0 {
		item.Xattrs = xattrs
	}
	return item, nil
}

// ProcessItem archives a directory or FIFO entry.
func (a *Archive) ProcessItem(path string, st platform.StatInfo) error {
	item, err := a.statAttrs(st, path)
	if err != nil {
		return err
	}
	item.Path = MakePathSafe(path)
	return a.AddItem(&item)
}

// ProcessDev archives a character or block device node.
func (a *Archive) ProcessDev(path string, st platform.StatInfo) error {
	item, err := a.statAttrs(st, path)
	if err != nil {
		return err
	}
	item.Path = MakePathSafe(path)
	item.Rdev = st.Rdev
	return a.AddItem(&item)
}

// ProcessSymlink archives a symlink without following it.
func (a *Archive) ProcessSymlink(path string, st platform.StatInfo) error {
	source, err := os.Readlink(path)
	if err != nil {
		return err
	}
	item, err := a.statAttrs(st, path)
	if err != nil {
		return err
	}
	item.Path = MakePathSafe(path)
	item.Source = source
	return a.AddItem(&item)
}

// ProcessFile archives a regular file. Later links to an already-seen
// inode become reference items; unchanged files are re-referenced from
// the cache memo without reading their bytes.
func (a *Archive) ProcessFile(path string, st platform.StatInfo) error {
	safePath := MakePathSafe(path)
	if st.NLink > 1 {
		key := hardlinkKey{dev: st.Dev, inode: st.Inode}
		if source, seen := a.hardLinks[key]; seen {
			item, err := a.statAttrs(st, path)
			if err != nil {
				return err
			}
			item.Path = safePath
			item.Source = source
			return a.AddItem(&item)
		}
		a.hardLinks[key] = safePath
	}

	absPath := path
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(a.workDir, path)
	}
	pathHash := a.key.IDHash([]byte(absPath))
	fs := cache.FileState{Inode: st.Inode, Size: st.Size, MTimeNS: st.MTimeNS}

	var chunks []ChunkRef
	known := false
	if ids := a.cache.FileKnownAndUnchanged(pathHash, fs); ids != nil {
		// The memo may outlive the chunks it references (another
		// archive holding them was deleted); only trust it when every
		// id is still present.
		known = true
		for _, id := range ids {
			if !a.cache.SeenChunk(id) {
				known = false
				break
			}
		}
		if known {
			for _, id := range ids {
				id, size, csize, err := a.cache.ChunkIncref(id, a.stats)
				if err != nil {
					return err
				}
				chunks = append(chunks, NewChunkRef(id, size, csize))
			}
		}
	}

	if !known {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		var ids []crypto.ID
		chunks = []ChunkRef{}
		err = chunker.Split(f, chunker.DefaultWindowSize, chunker.DefaultChunkMask,
			chunker.DefaultMinSize, a.key.ChunkSeed(),
			func(chunk []byte) error {
				id, size, csize, err := a.cache.AddChunk(a.key.IDHash(chunk), chunk, a.stats)
				if err != nil {
					return err
				}
				chunks = append(chunks, NewChunkRef(id, size, csize))
				ids = append(ids, id)
				return nil
			})
		f.Close()
		if err != nil {
			return err
		}
		a.cache.MemorizeFile(pathHash, fs, ids)
	}

	item, err := a.statAttrs(st, path)
	if err != nil {
		return err
	}
	item.Path = safePath
	item.Chunks = chunks
	a.stats.NFiles++
	return a.AddItem(&item)
}

// ProcessTree archives path recursively in lexical order. Per-entry
// errors are logged and skipped so one unreadable file does not abort
// a backup run.
func (a *Archive) ProcessTree(path string) error {
	st, err := platform.Lstat(path)
	if err != nil {
		a.logger.WithError(err).WithField("path", path).Error("cannot stat entry")
		return nil
	}
	return a.processEntry(path, st)
}

func (a *Archive) processEntry(path string, st platform.StatInfo) error {
	var err error
	switch {
	case platform.IsRegular(st.Mode):
		err = a.ProcessFile(path, st)
	case platform.IsDir(st.Mode):
		if err = a.ProcessItem(path, st); err != nil {
			break
		}
		var entries []os.DirEntry
		entries, err = os.ReadDir(path)
		if err != nil {
			a.logger.WithError(err).WithField("path", path).Error("cannot list directory")
			return nil
		}
		for _, e := range entries {
			if err := a.ProcessTree(filepath.Join(path, e.Name())); err != nil {
				return err
			}
		}
	case platform.IsSymlink(st.Mode):
		err = a.ProcessSymlink(path, st)
	case platform.IsFIFO(st.Mode):
		err = a.ProcessItem(path, st)
	case platform.IsDevice(st.Mode):
		err = a.ProcessDev(path, st)
	default:
		a.logger.WithField("path", path).Warn("unknown file type, skipped")
		return nil
	}
	if err != nil {
		var perr *os.PathError
		if errors.As(err, &perr) {
			a.logger.WithError(err).WithField("path", path).Error("cannot archive entry")
			return nil
		}
	}
	return err
}
