// Package repository defines the content-addressed object store the
// archive engine runs against, with filesystem and S3 backends.
//
// A repository maps 32-byte content ids to opaque ciphertext blobs.
// Writes accumulate in a transaction that becomes durable on Commit;
// within the transaction, Get observes uncommitted Puts. Callers must
// serialize access: one archive operation per repository at a time.
package repository

import (
	"errors"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

var (
	// ErrObjectNotFound is returned by Get for ids not in the store.
	ErrObjectNotFound = errors.New("object not found")
	// ErrRepositoryExists is returned when creating over an existing
	// repository.
	ErrRepositoryExists = errors.New("repository already exists")
	// ErrNoRepository is returned when opening a path that is not a
	// repository.
	ErrNoRepository = errors.New("no repository found")
)

// ListPageSize is the page size consumers use when enumerating all
// objects.
const ListPageSize = 10000

// Repository is the object store contract.
type Repository interface {
	// Get returns the blob stored under id, consulting uncommitted
	// writes and the preload buffer first.
	Get(id crypto.ID) ([]byte, error)

	// Put stores a blob under id as part of the open transaction.
	Put(id crypto.ID, data []byte) error

	// Delete removes id as part of the open transaction.
	Delete(id crypto.ID) error

	// List returns up to limit ids after marker, in stable (lexical)
	// id order. A nil marker starts from the beginning; an empty
	// result means the enumeration is complete.
	List(limit int, marker *crypto.ID) ([]crypto.ID, error)

	// Preload hints that the given ids will be fetched shortly. The
	// backend may pipeline the reads; results are still delivered in
	// Get order.
	Preload(ids []crypto.ID)

	// Commit makes all Puts and Deletes since the last Commit durable.
	Commit() error

	// Len returns the number of live objects, including uncommitted
	// writes.
	Len() int
}

// Fetcher iterates blobs for an ordered id list, one Get at a time, so
// consumers hold O(1) blobs in memory.
type Fetcher struct {
	repo Repository
	ids  []crypto.ID
	pos  int
}

// NewFetcher returns a Fetcher over ids.
func NewFetcher(repo Repository, ids []crypto.ID) *Fetcher {
	return &Fetcher{repo: repo, ids: ids}
}

// Next returns the next (id, blob) pair. ok is false when exhausted.
func (f *Fetcher) Next() (crypto.ID, []byte, bool, error) {
	if f.pos >= len(f.ids) {
		return crypto.ID{}, nil, false, nil
	}
	id := f.ids[f.pos]
	f.pos++
	data, err := f.repo.Get(id)
	if err != nil {
		return id, nil, false, err
	}
	return id, data, true, nil
}
