package repository

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

func contentID(n int) crypto.ID {
	return crypto.ID(blake3.Sum256([]byte(fmt.Sprintf("object-%d", n))))
}

func newFS(t *testing.T) *Filesystem {
	t.Helper()
	repo, err := CreateFilesystem(t.TempDir()+"/repo", nil)
	require.NoError(t, err)
	return repo
}

func TestFilesystemCreateOpen(t *testing.T) {
	dir := t.TempDir() + "/repo"
	_, err := OpenFilesystem(dir, nil)
	assert.ErrorIs(t, err, ErrNoRepository)

	repo, err := CreateFilesystem(dir, nil)
	require.NoError(t, err)
	require.NotNil(t, repo)

	_, err = CreateFilesystem(dir, nil)
	assert.ErrorIs(t, err, ErrRepositoryExists)

	_, err = OpenFilesystem(dir, nil)
	assert.NoError(t, err)
}

func TestFilesystemGetAfterPutBeforeCommit(t *testing.T) {
	repo := newFS(t)
	id := contentID(1)
	require.NoError(t, repo.Put(id, []byte("payload")))

	data, err := repo.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, 1, repo.Len())
}

func TestFilesystemCommitDurability(t *testing.T) {
	dir := t.TempDir() + "/repo"
	repo, err := CreateFilesystem(dir, nil)
	require.NoError(t, err)

	committed, staged := contentID(1), contentID(2)
	require.NoError(t, repo.Put(committed, []byte("durable")))
	require.NoError(t, repo.Commit())
	require.NoError(t, repo.Put(staged, []byte("volatile")))

	reopened, err := OpenFilesystem(dir, nil)
	require.NoError(t, err)

	data, err := reopened.Get(committed)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), data)

	// The uncommitted object did not survive the "crash".
	_, err = reopened.Get(staged)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	repo := newFS(t)
	id := contentID(1)

	require.NoError(t, repo.Put(id, []byte("x")))
	require.NoError(t, repo.Commit())

	require.NoError(t, repo.Delete(id))
	_, err := repo.Get(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, repo.Commit())
	_, err = repo.Get(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.ErrorIs(t, repo.Delete(contentID(99)), ErrObjectNotFound)
}

func TestFilesystemDeleteStaged(t *testing.T) {
	repo := newFS(t)
	id := contentID(1)
	require.NoError(t, repo.Put(id, []byte("x")))
	require.NoError(t, repo.Delete(id))
	_, err := repo.Get(id)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	require.NoError(t, repo.Commit())
	assert.Equal(t, 0, repo.Len())
}

func TestFilesystemListPaging(t *testing.T) {
	repo := newFS(t)
	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Put(contentID(i), []byte{byte(i)}))
	}
	require.NoError(t, repo.Commit())

	var all []crypto.ID
	var marker *crypto.ID
	for {
		page, err := repo.List(10, marker)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 10)
		all = append(all, page...)
		last := page[len(page)-1]
		marker = &last
	}
	assert.Len(t, all, n)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Hex(), all[i].Hex(), "list must be sorted")
	}
}

func TestFilesystemPreload(t *testing.T) {
	repo := newFS(t)
	ids := []crypto.ID{contentID(1), contentID(2)}
	for i, id := range ids {
		require.NoError(t, repo.Put(id, []byte{byte(i)}))
	}
	require.NoError(t, repo.Commit())

	repo.Preload(ids)
	for i, id := range ids {
		data, err := repo.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, data)
	}
}
