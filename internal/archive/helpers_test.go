package archive

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/carbon-vault/internal/cache"
	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/manifest"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// testEnv is a complete repository + key + manifest + cache fixture
// backed by a temp directory.
type testEnv struct {
	t        *testing.T
	base     string
	repo     *repository.Filesystem
	key      crypto.Key
	manifest *manifest.Manifest
	cache    *cache.Cache
	logger   *logrus.Logger
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir, unavailable
// on this Go toolchain).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(prev))
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo, err := repository.CreateFilesystem(filepath.Join(base, "repo"), logger)
	require.NoError(t, err)
	key := crypto.NewPlaintextKey()

	m := manifest.New(repo, key)
	require.NoError(t, m.Write())
	require.NoError(t, repo.Commit())

	c, err := cache.Open(filepath.Join(base, "cache"), repo, key, logger)
	require.NoError(t, err)

	return &testEnv{
		t:        t,
		base:     base,
		repo:     repo,
		key:      key,
		manifest: m,
		cache:    c,
		logger:   logger,
	}
}

func (e *testEnv) options(workDir string) Options {
	return Options{
		Repository:         e.repo,
		Key:                e.key,
		Manifest:           e.manifest,
		Cache:              e.cache,
		Logger:             e.logger,
		WorkDir:            workDir,
		CheckpointInterval: -1, // no timer-driven checkpoints in tests
	}
}

// srcDir creates a source tree directory under the fixture base.
func (e *testEnv) srcDir(name string) string {
	dir := filepath.Join(e.base, name)
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	return dir
}

// createArchive ingests the tree at src (by relative path, anchored at
// its parent) and saves it under name.
func (e *testEnv) createArchive(name, src string) *Archive {
	e.t.Helper()
	arch, err := Create(e.options(filepath.Dir(src)), name)
	require.NoError(e.t, err)
	chdir(e.t, filepath.Dir(src))
	require.NoError(e.t, arch.ProcessTree(filepath.Base(src)))
	require.NoError(e.t, arch.Save(""))
	return arch
}

// extractArchive restores an archive into a fresh directory and
// returns it.
func (e *testEnv) extractArchive(name, dest string) {
	e.t.Helper()
	require.NoError(e.t, os.MkdirAll(dest, 0o755))
	arch, err := Open(e.options(dest), name)
	require.NoError(e.t, err)
	items, err := arch.IterItems(nil, true)
	require.NoError(e.t, err)

	var dirs []*Item
	for {
		item, err := items.Next()
		if err == io.EOF {
			break
		}
		require.NoError(e.t, err)
		if item.Mode&0o170000 == 0o040000 {
			dirs = append(dirs, item)
			require.NoError(e.t, arch.ExtractItem(item, false, false))
			continue
		}
		require.NoError(e.t, arch.ExtractItem(item, true, false))
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		require.NoError(e.t, arch.ExtractItem(dirs[i], true, false))
	}
}

func writeTestFile(t *testing.T, path string, data []byte, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, mode))
}
