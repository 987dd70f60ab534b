package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/repository"
)

func newRepo(t *testing.T) (*repository.Filesystem, crypto.Key) {
	t.Helper()
	repo, err := repository.CreateFilesystem(filepath.Join(t.TempDir(), "repo"), nil)
	require.NoError(t, err)
	return repo, crypto.NewPlaintextKey()
}

func TestManifestWriteLoadRoundTrip(t *testing.T) {
	repo, key := newRepo(t)

	m := New(repo, key)
	archiveID := key.IDHash([]byte("archive block"))
	m.Archives["daily"] = Info{ID: archiveID[:], Time: "2026-08-01T10:00:00.000000"}
	require.NoError(t, m.Write())
	require.NoError(t, repo.Commit())

	loaded, err := Load(repo, key)
	require.NoError(t, err)
	require.Len(t, loaded.Archives, 1)

	info := loaded.Archives["daily"]
	id, err := info.ArchiveID()
	require.NoError(t, err)
	assert.Equal(t, archiveID, id)
	assert.Equal(t, "2026-08-01T10:00:00.000000", info.Time)
}

func TestManifestLoadMissing(t *testing.T) {
	repo, key := newRepo(t)
	_, err := Load(repo, key)
	assert.Error(t, err)
}

func TestManifestEmptyRoundTrip(t *testing.T) {
	repo, key := newRepo(t)
	m := New(repo, key)
	require.NoError(t, m.Write())
	require.NoError(t, repo.Commit())

	loaded, err := Load(repo, key)
	require.NoError(t, err)
	assert.Empty(t, loaded.Archives)
}

func TestManifestUnknownVersion(t *testing.T) {
	repo, key := newRepo(t)

	data, err := msgpack.Marshal(map[string]interface{}{
		"version":  2,
		"archives": map[string]interface{}{},
	})
	require.NoError(t, err)
	ciphertext, err := key.Encrypt(data)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ID, ciphertext))

	_, err = Load(repo, key)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}
