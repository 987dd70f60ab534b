package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/index"
)

func TestSyncCacheRebuildsCounts(t *testing.T) {
	env := newTestEnv(t)
	src := env.srcDir("src")
	writeTestFile(t, filepath.Join(src, "f"), []byte("synced content"), 0o644)
	env.createArchive("a1", src)
	env.createArchive("a2", src)

	snapshot := func(c *cache.Cache) map[crypto.ID]index.Entry {
		out := make(map[crypto.ID]index.Entry)
		c.Chunks().Iter(func(id crypto.ID, e index.Entry) bool {
			out[id] = e
			return true
		})
		return out
	}
	want := snapshot(env.cache)
	require.NotEmpty(t, want)

	// A cache on a fresh machine starts empty and must converge to the
	// same reference counts.
	fresh, err := cache.Open(filepath.Join(env.base, "cache2"), env.repo, env.key, env.logger)
	require.NoError(t, err)
	require.NoError(t, SyncCache(env.repo, env.key, env.manifest, fresh, env.logger))

	assert.Equal(t, want, snapshot(fresh))

	// A second sync against the same manifest is a no-op.
	require.NoError(t, SyncCache(env.repo, env.key, env.manifest, fresh, env.logger))
	assert.Equal(t, want, snapshot(fresh))
}

func TestSyncCacheNoopWhenCurrent(t *testing.T) {
	env := newTestEnv(t)
	fp := manifestFingerprint(env.key, env.manifest)
	require.NoError(t, env.cache.MarkSynced(fp))
	require.NoError(t, SyncCache(env.repo, env.key, env.manifest, env.cache, env.logger))
}
