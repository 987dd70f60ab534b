package archive

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/manifest"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// SyncCache rebuilds the local chunk cache from the repository when it
// has fallen behind the manifest (fresh machine, deleted cache, or
// another client modified the repository). Reference counts are
// recomputed by walking every archive's chunk graph; the file memo is
// dropped because its chunk lists can no longer be trusted.
func SyncCache(repo repository.Repository, key crypto.Key, m *manifest.Manifest, c *cache.Cache, logger *logrus.Logger) error {
	fp := manifestFingerprint(key, m)
	if synced, ok := c.SyncedManifest(); ok && synced == fp {
		return nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	logger.Info("initializing chunk cache from repository")

	c.BeginTxn()
	c.Reset()

	counts := make(map[crypto.ID]*countEntry)
	bump := func(id crypto.ID, size, csize uint32) {
		if e, ok := counts[id]; ok {
			e.count++
			return
		}
		counts[id] = &countEntry{count: 1, size: size, csize: csize}
	}

	names := make([]string, 0, len(m.Archives))
	for name := range m.Archives {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		id, err := m.Archives[name].ArchiveID()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
		}
		cdata, err := repo.Get(id)
		if err != nil {
			return err
		}
		data, err := key.Decrypt(id, cdata)
		if err != nil {
			return err
		}
		bump(id, uint32(len(data)), uint32(len(cdata)))

		var meta Metadata
		if err := msgpack.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
		}
		itemIDs, err := meta.ItemIDs()
		if err != nil {
			return err
		}

		var rem []byte
		blobs := repository.NewFetcher(repo, itemIDs)
		for {
			cid, cdata, ok, err := blobs.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			plain, err := key.Decrypt(cid, cdata)
			if err != nil {
				return err
			}
			bump(cid, uint32(len(plain)), uint32(len(cdata)))
			rem = append(rem, plain...)
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
					fid, err := ref.ChunkID()
					if err != nil {
						return err
					}
					bump(fid, ref.Size, ref.CSize)
				}
			}
		}
	}

	for id, e := range counts {
		c.SetChunk(id, e.count, e.size, e.csize)
	}
	if err := c.Commit(); err != nil {
		return err
	}
	return c.MarkSynced(fp)
}

type countEntry struct {
	count uint32
	size  uint32
	csize uint32
}

// manifestFingerprint condenses the archive set into one id so cache
// staleness is a single comparison. The fingerprint covers names and
// archive ids in sorted order.
func manifestFingerprint(key crypto.Key, m *manifest.Manifest) crypto.ID {
	names := make([]string, 0, len(m.Archives))
	for name := range m.Archives {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
		buf = append(buf, m.Archives[name].ID...)
	}
	return key.IDHash(buf)
}
