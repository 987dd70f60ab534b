// Package manifest implements the archive registry of a repository:
// a single msgpack block stored under the fixed all-zero id, mapping
// archive names to their metadata block ids.
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kenneth/carbon-vault/internal/crypto"
	"github.com/kenneth/carbon-vault/internal/repository"
)

// ID is the fixed object id the manifest lives under.
var ID = crypto.ZeroID

// ErrUnknownVersion is returned for manifest blocks this code cannot
// read.
var ErrUnknownVersion = errors.New("unknown manifest version")

// Info is a manifest entry: the archive's metadata block id and its
// creation time.
type Info struct {
	ID   []byte `msgpack:"id"`
	Time string `msgpack:"time"`
}

// ArchiveID converts the stored raw id.
func (i Info) ArchiveID() (crypto.ID, error) {
	return crypto.IDFromBytes(i.ID)
}

type block struct {
	Version   int             `msgpack:"version"`
	Archives  map[string]Info `msgpack:"archives"`
	Timestamp string          `msgpack:"timestamp"`
}

// Manifest is the in-memory registry bound to a repository.
type Manifest struct {
	repo repository.Repository
	key  crypto.Key

	// Archives maps archive name to its entry. Mutated directly by the
	// archive engine; Write persists it.
	Archives map[string]Info
}

// New returns an empty manifest bound to repo.
func New(repo repository.Repository, key crypto.Key) *Manifest {
	return &Manifest{
		repo:     repo,
		key:      key,
		Archives: make(map[string]Info),
	}
}

// Load fetches and decodes the manifest block.
func Load(repo repository.Repository, key crypto.Key) (*Manifest, error) {
	ciphertext, err := repo.Get(ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	data, err := key.Decrypt(ID, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt manifest: %w", err)
	}
	var b block
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if b.Version != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, b.Version)
	}
	m := New(repo, key)
	if b.Archives != nil {
		m.Archives = b.Archives
	}
	return m, nil
}

// Write encodes, encrypts and stores the manifest block. The write is
// part of the repository's open transaction; it becomes durable with
// the repository commit that follows it.
func (m *Manifest) Write() error {
	b := block{
		Version:   1,
		Archives:  m.Archives,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := msgpack.Marshal(&b)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	ciphertext, err := m.key.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt manifest: %w", err)
	}
	return m.repo.Put(ID, ciphertext)
}
