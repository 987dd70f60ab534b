package archive

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/kenneth/carbon-vault/internal/platform"
)

// ExtractItem recreates one filesystem entry under the archive's work
// directory. With dryRun only the item's chunks are fetched and
// decrypted, surfacing read errors without touching the filesystem.
// With restoreAttrs false, only content and structure are recreated.
func (a *Archive) ExtractItem(item *Item, restoreAttrs, dryRun bool) error {
	if dryRun {
		if len(item.Chunks) > 0 {
			ids, err := item.ChunkIDs()
			if err != nil {
				return err
			}
			blobs := a.pipeline.FetchMany(ids)
			for {
				if _, err := blobs.Next(); err != nil {
					if errors.Is(err, io.EOF) {
						break
					}
					return err
				}
			}
		}
		return nil
	}

	if err := CheckPathSafe(item.Path); err != nil {
		return err
	}
	dest := filepath.Join(a.workDir, filepath.FromSlash(item.Path))

	// Clear whatever sits at the destination; a failure here surfaces
	// through the creation attempt below.
	if st, err := os.Lstat(dest); err == nil {
		if st.IsDir() && !platform.IsDir(item.Mode) {
			os.Remove(dest)
		} else if !st.IsDir() {
			os.Remove(dest)
		}
	}

	switch {
	case platform.IsDir(item.Mode):
		if err := os.MkdirAll(dest, 0o700); err != nil && !os.IsExist(err) {
			return err
		}
		if restoreAttrs {
			return a.restoreAttrs(dest, item, false, -1)
		}
		return nil

	case platform.IsRegular(item.Mode):
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		if item.Source != "" {
			if err := CheckPathSafe(item.Source); err != nil {
				return err
			}
			source := filepath.Join(a.workDir, filepath.FromSlash(item.Source))
			return os.Link(source, dest)
		}
		return a.extractFile(dest, item, restoreAttrs)

	case platform.IsFIFO(item.Mode):
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		if err := platform.Mkfifo(dest, item.Mode); err != nil {
			return err
		}
		if restoreAttrs {
			return a.restoreAttrs(dest, item, false, -1)
		}
		return nil

	case platform.IsSymlink(item.Mode):
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		if err := os.Symlink(item.Source, dest); err != nil {
			return err
		}
		if restoreAttrs {
			return a.restoreAttrs(dest, item, true, -1)
		}
		return nil

	case platform.IsDevice(item.Mode):
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		if err := platform.Mknod(dest, item.Mode, item.Rdev); err != nil {
			return err
		}
		if restoreAttrs {
			return a.restoreAttrs(dest, item, false, -1)
		}
		return nil

	default:
		return &UnknownItemTypeError{Mode: item.Mode}
	}
}

// extractFile streams the item's chunks into a freshly created file
// and applies attributes on the open descriptor where the platform
// allows.
func (a *Archive) extractFile(dest string, item *Item, restoreAttrs bool) error {
	ids, err := item.ChunkIDs()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	blobs := a.pipeline.FetchMany(ids)
	for {
		data, err := blobs.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
	}

	if restoreAttrs {
		if err := a.restoreAttrs(dest, item, false, int(f.Fd())); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// restoreAttrs applies xattrs, ownership, mode and mtime, in that
// order. fd < 0 means no open descriptor is available; the choice of
// descriptor- vs path-based calls follows platform capability, not
// platform name. Ownership failures and unsupported-xattr errors are
// best-effort by design; everything else propagates.
func (a *Archive) restoreAttrs(path string, item *Item, symlink bool, fd int) error {
	for name, value := range item.Xattrs {
		var err error
		if fd >= 0 {
			err = platform.FSetXattr(fd, name, value)
		} else {
			err = platform.SetXattr(path, name, value)
		}
		if err != nil && !platform.IsNotSupported(err) {
			return err
		}
	}

	uid, gid := item.UID, item.GID
	if !a.numericOwner {
		if item.User != nil {
			if u := platform.LookupUID(*item.User); u != nil {
				uid = *u
			}
		}
		if item.Group != nil {
			if g := platform.LookupGID(*item.Group); g != nil {
				gid = *g
			}
		}
	}
	if fd >= 0 {
		if err := platform.Fchown(fd, int(uid), int(gid)); errors.Is(err, platform.ErrUnsupported) {
			_ = os.Lchown(path, int(uid), int(gid))
		}
	} else {
		_ = os.Lchown(path, int(uid), int(gid))
	}

	switch {
	case fd >= 0:
		if err := platform.Fchmod(fd, item.Mode); err != nil {
			if !errors.Is(err, platform.ErrUnsupported) {
				return err
			}
			if err := platform.Chmod(path, item.Mode); err != nil {
				return err
			}
		}
	case !symlink:
		if err := platform.Chmod(path, item.Mode); err != nil {
			return err
		}
	case platform.HasLchmod():
		if err := platform.Lchmod(path, item.Mode); err != nil {
			return err
		}
	}

	return platform.UtimesNano(path, item.MTime)
}
