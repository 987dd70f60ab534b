package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/carbon-vault/internal/crypto"
)

const (
	objectsDir = "objects"
	stagingDir = "staging"
	readmeFile = "README"

	readmeText = "This is a carbon-vault repository. Do not edit by hand.\n"
)

// Filesystem is a repository stored in a local directory. Objects live
// under objects/<first two hex chars>/<hex id>; uncommitted writes are
// staged in a scratch directory and renamed into place on Commit, so a
// crash mid-transaction leaves the committed object set untouched.
type Filesystem struct {
	root   string
	logger *logrus.Logger

	// staged tracks uncommitted puts; payloads live in the staging
	// directory so transaction memory stays bounded by the id set.
	staged   map[crypto.ID]struct{}
	deleted  map[crypto.ID]struct{}
	prefetch map[crypto.ID][]byte
}

// CreateFilesystem initializes a new repository directory.
func CreateFilesystem(root string, logger *logrus.Logger) (*Filesystem, error) {
	if _, err := os.Stat(filepath.Join(root, readmeFile)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryExists, root)
	}
	for _, dir := range []string{root, filepath.Join(root, objectsDir), filepath.Join(root, stagingDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create repository directory: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, readmeFile), []byte(readmeText), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write repository marker: %w", err)
	}
	return OpenFilesystem(root, logger)
}

// OpenFilesystem opens an existing repository directory.
func OpenFilesystem(root string, logger *logrus.Logger) (*Filesystem, error) {
	if _, err := os.Stat(filepath.Join(root, readmeFile)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, root)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
	}
	r := &Filesystem{
		root:     root,
		logger:   logger,
		staged:   make(map[crypto.ID]struct{}),
		deleted:  make(map[crypto.ID]struct{}),
		prefetch: make(map[crypto.ID][]byte),
	}
	// Leftover staging files from a crashed transaction are garbage;
	// the commit order guarantees nothing referenced them yet.
	if entries, err := os.ReadDir(filepath.Join(root, stagingDir)); err == nil {
		for _, e := range entries {
			os.Remove(filepath.Join(root, stagingDir, e.Name()))
		}
	}
	return r, nil
}

// Root returns the repository directory.
func (r *Filesystem) Root() string {
	return r.root
}

func (r *Filesystem) objectPath(id crypto.ID) string {
	hex := id.Hex()
	return filepath.Join(r.root, objectsDir, hex[:2], hex)
}

func (r *Filesystem) stagingPath(id crypto.ID) string {
	return filepath.Join(r.root, stagingDir, id.Hex())
}

// Get implements Repository.
func (r *Filesystem) Get(id crypto.ID) ([]byte, error) {
	if _, ok := r.deleted[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if _, ok := r.staged[id]; ok {
		data, err := os.ReadFile(r.stagingPath(id))
		if err != nil {
			return nil, fmt.Errorf("failed to read staged object %s: %w", id, err)
		}
		return data, nil
	}
	if data, ok := r.prefetch[id]; ok {
		delete(r.prefetch, id)
		return data, nil
	}
	data, err := os.ReadFile(r.objectPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", id, err)
	}
	return data, nil
}

// Put implements Repository.
func (r *Filesystem) Put(id crypto.ID, data []byte) error {
	if err := os.WriteFile(r.stagingPath(id), data, 0o600); err != nil {
		return fmt.Errorf("failed to stage object %s: %w", id, err)
	}
	r.staged[id] = struct{}{}
	delete(r.deleted, id)
	return nil
}

// Delete implements Repository.
func (r *Filesystem) Delete(id crypto.ID) error {
	if _, ok := r.staged[id]; ok {
		delete(r.staged, id)
		os.Remove(r.stagingPath(id))
		return nil
	}
	if _, err := os.Stat(r.objectPath(id)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	r.deleted[id] = struct{}{}
	return nil
}

// List implements Repository.
func (r *Filesystem) List(limit int, marker *crypto.ID) ([]crypto.ID, error) {
	all, err := r.allIDs()
	if err != nil {
		return nil, err
	}
	start := 0
	if marker != nil {
		mhex := marker.Hex()
		start = sort.Search(len(all), func(i int) bool { return all[i].Hex() > mhex })
	}
	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (r *Filesystem) allIDs() ([]crypto.ID, error) {
	seen := make(map[crypto.ID]struct{})
	fanout, err := os.ReadDir(filepath.Join(r.root, objectsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	for _, dir := range fanout {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(r.root, objectsDir, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, e := range entries {
			id, err := crypto.ParseID(e.Name())
			if err != nil {
				continue
			}
			if _, gone := r.deleted[id]; !gone {
				seen[id] = struct{}{}
			}
		}
	}
	for id := range r.staged {
		seen[id] = struct{}{}
	}
	all := make([]crypto.ID, 0, len(seen))
	for id := range seen {
		all = append(all, id)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Hex() < all[j].Hex() })
	return all, nil
}

// Preload implements Repository. The filesystem backend reads eagerly
// into the prefetch buffer; page-cache warmth does the rest.
func (r *Filesystem) Preload(ids []crypto.ID) {
	for _, id := range ids {
		if _, ok := r.prefetch[id]; ok {
			continue
		}
		if _, ok := r.staged[id]; ok {
			continue
		}
		data, err := os.ReadFile(r.objectPath(id))
		if err != nil {
			// Surfaced by the Get that follows.
			continue
		}
		r.prefetch[id] = data
	}
}

// Commit implements Repository.
func (r *Filesystem) Commit() error {
	for id := range r.staged {
		dst := r.objectPath(id)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("failed to create object directory: %w", err)
		}
		if err := os.Rename(r.stagingPath(id), dst); err != nil {
			return fmt.Errorf("failed to commit object %s: %w", id, err)
		}
	}
	for id := range r.deleted {
		if err := os.Remove(r.objectPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete object %s: %w", id, err)
		}
	}
	r.staged = make(map[crypto.ID]struct{})
	r.deleted = make(map[crypto.ID]struct{})
	return nil
}

// Len implements Repository.
func (r *Filesystem) Len() int {
	all, err := r.allIDs()
	if err != nil {
		return 0
	}
	return len(all)
}
