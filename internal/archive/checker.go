package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/index"
	"github.com/kenneth/carbon-vault/internal/manifest"
	"github.com/kenneth/carbon-vault/internal/metrics"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// CheckerOptions configures a consistency check.
type CheckerOptions struct {
	Logger *logrus.Logger
	// KeyOptions supply the passphrase/key file used to reconstruct
	// the key from a sampled repository object.
	KeyOptions crypto.FactoryOptions
	// TempDir hosts the throwaway chunk index; empty means the system
	// temp directory.
	TempDir string
	// Metrics, when set, counts repair actions.
	Metrics *metrics.Metrics
}

// Checker rebuilds a repository's chunk reference counts from its raw
// objects, reconstructs the manifest when it is gone, and reports or
// repairs per-archive damage.
type Checker struct {
	logger   *logrus.Logger
	keyOpts  crypto.FactoryOptions
	tempBase string
	metrics  *metrics.Metrics

	repo     repository.Repository
	key      crypto.Key
	manifest *manifest.Manifest
	repair   bool

	chunks             *index.Index
	possiblySuperseded map[crypto.ID]struct{}
	errorFound         bool
}

// NewChecker builds a checker.
func NewChecker(opts CheckerOptions) *Checker {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Checker{
		logger:             logger,
		keyOpts:            opts.KeyOptions,
		tempBase:           opts.TempDir,
		metrics:            opts.Metrics,
		possiblySuperseded: make(map[crypto.ID]struct{}),
	}
}

// Check runs the full consistency check against repo. With repair set,
// damage is fixed in place: missing file chunks become zero chunks,
// unrecoverable archives leave the manifest, and unused objects are
// deleted. Returns true when the repository is good (or was repaired).
func (c *Checker) Check(repo repository.Repository, repair bool) (bool, error) {
	c.repo = repo
	c.repair = repair
	c.errorFound = false

	tmpdir, err := os.MkdirTemp(c.tempBase, "carbon-vault-check-")
	if err != nil {
		return false, fmt.Errorf("failed to create check scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpdir)

	c.logger.Info("starting archive consistency check")
	if err := c.initChunks(tmpdir); err != nil {
		return false, err
	}
	if c.key, err = c.identifyKey(); err != nil {
		return false, err
	}
	if !c.chunks.Has(manifest.ID) {
		c.manifest = c.rebuildManifest()
	} else {
		c.manifest, err = manifest.Load(repo, c.key)
		if err != nil {
			return false, err
		}
	}
	if err := c.rebuildChunks(); err != nil {
		return false, err
	}
	if err := c.verifyChunks(); err != nil {
		return false, err
	}
	if !c.errorFound {
		c.logger.Info("archive consistency check complete, no problems found")
	}
	return c.repair || !c.errorFound, nil
}

// Manifest returns the manifest the check ended up with; useful after
// a rebuild.
func (c *Checker) Manifest() *manifest.Manifest {
	return c.manifest
}

// ErrorFound reports whether the check saw any damage.
func (c *Checker) ErrorFound() bool {
	return c.errorFound
}

func (c *Checker) report(msg string, fields logrus.Fields) {
	c.errorFound = true
	c.logger.WithFields(fields).Error(msg)
}

// initChunks enumerates every repository object into a fresh chunk
// index with zeroed counts. The index is presized to 1.2x the object
// count; as it doubles past 3/4 fill, the bulk load grows it at most
// once.
func (c *Checker) initChunks(tmpdir string) error {
	capacity := int(float64(c.repo.Len()) * 1.2)
	c.chunks = index.Create(filepath.Join(tmpdir, "chunks"), capacity)

	var marker *crypto.ID
	for {
		page, err := c.repo.List(repository.ListPageSize, marker)
		if err != nil {
			return fmt.Errorf("failed to enumerate repository: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, id := range page {
			c.chunks.Set(id, index.Entry{})
		}
		last := page[len(page)-1]
		marker = &last
	}
}

// identifyKey samples any object and dispatches on its envelope tag.
func (c *Checker) identifyKey() (crypto.Key, error) {
	var sample crypto.ID
	found := false
	c.chunks.Iter(func(id crypto.ID, _ index.Entry) bool {
		sample = id
		found = true
		return false
	})
	if !found {
		return nil, fmt.Errorf("repository is empty, cannot identify key")
	}
	cdata, err := c.repo.Get(sample)
	if err != nil {
		return nil, err
	}
	return crypto.Factory(cdata, c.keyOpts)
}

// rebuildManifest sweeps every object looking for archive metadata
// blocks: msgpack maps carrying both an item list and a command line.
func (c *Checker) rebuildManifest() *manifest.Manifest {
	c.report("rebuilding missing manifest, this might take some time", nil)
	m := manifest.New(c.repo, c.key)
	c.chunks.Iter(func(id crypto.ID, _ index.Entry) bool {
		cdata, err := c.repo.Get(id)
		if err != nil {
			return true
		}
		data, err := c.key.Decrypt(id, cdata)
		if err != nil {
			return true
		}
		var raw map[string]interface{}
		if err := msgpack.Unmarshal(data, &raw); err != nil {
			return true
		}
		if _, ok := raw["items"]; !ok {
			return true
		}
		if _, ok := raw["cmdline"]; !ok {
			return true
		}
		var meta Metadata
		if err := msgpack.Unmarshal(data, &meta); err != nil {
			return true
		}
		c.report("found archive", logrus.Fields{"archive": meta.Name})
		m.Archives[meta.Name] = manifest.Info{
			ID:   append([]byte(nil), id[:]...),
			Time: meta.Time,
		}
		return true
	})
	c.logger.Info("manifest rebuild complete")
	return m
}

// recordUnused marks an id as possibly superseded by the repack: a
// candidate for deletion only if nothing references it at verify time.
func (c *Checker) recordUnused(id crypto.ID) {
	if e, ok := c.chunks.Get(id); !ok || e.Count == 0 {
		c.possiblySuperseded[id] = struct{}{}
	}
}

// addReference counts one reference to id. cdata must be supplied for
// ids not yet in the index; it is stored when repairing.
func (c *Checker) addReference(id crypto.ID, size, csize uint32, cdata []byte) error {
	if e, ok := c.chunks.Get(id); ok {
		e.Count++
		e.Size = size
		e.CSize = csize
		c.chunks.Set(id, e)
		return nil
	}
	if cdata == nil {
		return fmt.Errorf("chunk %s has no backing data to restore", id)
	}
	c.chunks.Set(id, index.Entry{Count: 1, Size: size, CSize: csize})
	if c.repair {
		return c.repo.Put(id, cdata)
	}
	return nil
}

// repairBuffer returns a ChunkBuffer whose chunks are encrypted,
// stored (in repair mode) and counted in the rebuilt index.
func (c *Checker) repairBuffer() *ChunkBuffer {
	return NewChunkBuffer(c.key, func(chunk []byte) (crypto.ID, error) {
		id := c.key.IDHash(chunk)
		cdata, err := c.key.Encrypt(chunk)
		if err != nil {
			return id, err
		}
		if err := c.addReference(id, uint32(len(chunk)), uint32(len(cdata)), cdata); err != nil {
			return id, err
		}
		return id, nil
	})
}

// verifyFileChunks checks every file chunk of an item, substituting a
// deterministic all-zero chunk of the same size for each missing one
// so the file restores at its original length.
func (c *Checker) verifyFileChunks(item *Item) error {
	var offset uint32
	refs := make([]ChunkRef, 0, len(item.Chunks))
	for _, ref := range item.Chunks {
		id, err := ref.ChunkID()
		if err != nil {
			return err
		}
		if !c.chunks.Has(id) {
			c.report("missing file chunk detected", logrus.Fields{
				"path":  item.Path,
				"start": offset,
				"end":   offset + ref.Size,
			})
			data := make([]byte, ref.Size)
			zeroID := c.key.IDHash(data)
			cdata, err := c.key.Encrypt(data)
			if err != nil {
				return err
			}
			csize := uint32(len(cdata))
			if err := c.addReference(zeroID, ref.Size, csize, cdata); err != nil {
				return err
			}
			if c.metrics != nil {
				c.metrics.RecordRepair("zero_chunk")
			}
			refs = append(refs, NewChunkRef(zeroID, ref.Size, csize))
		} else {
			if err := c.addReference(id, ref.Size, ref.CSize, nil); err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		offset += ref.Size
	}
	item.Chunks = refs
	return nil
}

// rebuildChunks walks every archive in the manifest, repacking its
// item stream through the repair buffer and rewriting its manifest
// entry, while accumulating reference counts for verifyChunks.
func (c *Checker) rebuildChunks() error {
	// The manifest object is not part of any archive's chunk graph.
	c.chunks.Delete(manifest.ID)

	names := make([]string, 0, len(c.manifest.Archives))
	for name := range c.manifest.Archives {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		c.logger.WithFields(logrus.Fields{
			"archive": name, "n": i + 1, "total": len(names),
		}).Info("analyzing archive")

		info := c.manifest.Archives[name]
		archiveID, err := info.ArchiveID()
		if err != nil {
			c.report("archive entry is invalid", logrus.Fields{"archive": name})
			delete(c.manifest.Archives, name)
			continue
		}
		if !c.chunks.Has(archiveID) {
			c.report("archive metadata block is missing", logrus.Fields{"archive": name})
			delete(c.manifest.Archives, name)
			if c.metrics != nil {
				c.metrics.RecordRepair("drop_archive")
			}
			continue
		}

		cdata, err := c.repo.Get(archiveID)
		if err != nil {
			return err
		}
		data, err := c.key.Decrypt(archiveID, cdata)
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
		oldItems, err := meta.ItemIDs()
		if err != nil {
			return err
		}

		itemsBuffer := c.repairBuffer()
		iter := newRobustIterator(c, oldItems)
		for {
			item, err := iter.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if len(item.Chunks) > 0 {
				if err := c.verifyFileChunks(item); err != nil {
					return err
				}
			}
			if err := itemsBuffer.Add(item); err != nil {
				return err
			}
		}
		if err := itemsBuffer.Flush(true); err != nil {
			return err
		}

		for _, id := range oldItems {
			c.recordUnused(id)
		}
		meta.Items = make([][]byte, len(itemsBuffer.Chunks))
		for j, id := range itemsBuffer.Chunks {
			meta.Items[j] = append([]byte(nil), id[:]...)
		}

		data, err = msgpack.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("failed to encode archive metadata: %w", err)
		}
		newID := c.key.IDHash(data)
		cdata, err = c.key.Encrypt(data)
		if err != nil {
			return err
		}
		if err := c.addReference(newID, uint32(len(data)), uint32(len(cdata)), cdata); err != nil {
			return err
		}
		c.recordUnused(archiveID)
		c.manifest.Archives[name] = manifest.Info{
			ID:   append([]byte(nil), newID[:]...),
			Time: meta.Time,
		}
	}
	return nil
}

// verifyChunks reports orphaned objects and, in repair mode, deletes
// everything unreferenced and commits manifest and repository.
func (c *Checker) verifyChunks() error {
	var unused []crypto.ID
	c.chunks.Iter(func(id crypto.ID, e index.Entry) bool {
		if e.Count == 0 {
			unused = append(unused, id)
		}
		return true
	})
	orphaned := 0
	for _, id := range unused {
		if _, ok := c.possiblySuperseded[id]; !ok {
			orphaned++
		}
	}
	if orphaned > 0 {
		c.report("orphaned objects found", logrus.Fields{"count": orphaned})
	}
	if c.repair {
		for _, id := range unused {
			if err := c.repo.Delete(id); err != nil && !errors.Is(err, repository.ErrObjectNotFound) {
				return err
			}
			if c.metrics != nil {
				c.metrics.RecordRepair("delete_unused")
			}
		}
		if err := c.manifest.Write(); err != nil {
			return err
		}
		return c.repo.Commit()
	}
	return nil
}

// robustIterator decodes an item stream that may have lost chunks. It
// alternates between valid and damaged runs of the chunk-id sequence:
// damaged runs are skipped and reported, and on re-entry into a valid
// run the record decoder re-synchronizes by scanning forward until a
// record carrying a path decodes cleanly.
type robustIterator struct {
	c   *Checker
	ids []crypto.ID
	pos int

	rem      []byte
	queue    []*Item
	inDamage bool
	syncing  bool
}

func newRobustIterator(c *Checker, ids []crypto.ID) *robustIterator {
	return &robustIterator{c: c, ids: ids}
}

// Next returns the next recoverable item, or io.EOF.
func (it *robustIterator) Next() (*Item, error) {
	for {
		if len(it.queue) > 0 {
			item := it.queue[0]
			it.queue = it.queue[1:]
			return item, nil
		}
		if it.pos >= len(it.ids) {
			if len(it.rem) > 0 && !it.syncing {
				it.c.report("archive metadata damage detected", logrus.Fields{"reason": "truncated item stream"})
				it.rem = nil
			}
			return nil, io.EOF
		}

		id := it.ids[it.pos]
		it.pos++

		data, ok := it.fetch(id)
		if !ok {
			if !it.inDamage {
				it.c.report("archive metadata damage detected", logrus.Fields{"chunk": id.Hex()})
				it.inDamage = true
				it.syncing = false
				// A record spanning into the damaged run is lost.
				it.rem = nil
			}
			continue
		}
		if it.inDamage {
			it.inDamage = false
			it.syncing = true
		}
		it.rem = append(it.rem, data...)
		it.decodeAvailable()
	}
}

// fetch returns the decrypted chunk, treating decryption failures the
// same as missing chunks.
func (it *robustIterator) fetch(id crypto.ID) ([]byte, bool) {
	if !it.c.chunks.Has(id) {
		return nil, false
	}
	cdata, err := it.c.repo.Get(id)
	if err != nil {
		return nil, false
	}
	data, err := it.c.key.Decrypt(id, cdata)
	if err != nil {
		return nil, false
	}
	return data, true
}

// decodeAvailable drains complete records from the reassembly buffer.
// While syncing, bytes are skipped one at a time until a map with a
// path key decodes; afterwards any malformed frame re-enters sync.
func (it *robustIterator) decodeAvailable() {
	for len(it.rem) > 0 {
		n, err := frameLen(it.rem)
		if err == errShortFrame {
			return
		}
		if err != nil {
			it.resyncStep()
			continue
		}
		var item Item
		if err := msgpack.Unmarshal(it.rem[:n], &item); err != nil || item.Path == "" {
			it.resyncStep()
			continue
		}
		it.rem = it.rem[n:]
		it.syncing = false
		it.queue = append(it.queue, &item)
	}
}

func (it *robustIterator) resyncStep() {
	if !it.syncing {
		it.c.report("archive metadata damage detected", logrus.Fields{"reason": "undecodable item record"})
		it.syncing = true
	}
	it.rem = it.rem[1:]
}
