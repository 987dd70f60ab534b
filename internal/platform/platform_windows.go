//go:build windows

package platform

import (
	"os"
	"time"
)

// Lstat returns the portable subset of the stat snapshot. Hardlink
// detection and ownership are unavailable here.
func Lstat(path string) (StatInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return StatInfo{}, err
	}
	mode := uint32(fi.Mode().Perm())
	switch {
	case fi.IsDir():
		mode |= ModeDir
	case fi.Mode()&os.ModeSymlink != 0:
		mode |= ModeSymlink
	default:
		mode |= ModeRegular
	}
	return StatInfo{
		Mode:    mode,
		MTimeNS: fi.ModTime().UnixNano(),
		Size:    fi.Size(),
		NLink:   1,
	}, nil
}

// ListXattrs is a no-op here.
func ListXattrs(path string) (map[string][]byte, error) { return nil, nil }

// SetXattr is unsupported here; restore tolerates it.
func SetXattr(path, name string, value []byte) error { return ErrUnsupported }

// FSetXattr is unsupported here; restore tolerates it.
func FSetXattr(fd int, name string, value []byte) error { return ErrUnsupported }

// IsNotSupported reports errors restore silently tolerates.
func IsNotSupported(err error) bool { return err == ErrUnsupported }

// Mkfifo is unsupported here.
func Mkfifo(path string, mode uint32) error { return ErrUnsupported }

// Mknod is unsupported here.
func Mknod(path string, mode uint32, rdev uint64) error { return ErrUnsupported }

// UtimesNano sets the modification time; symlink times are left alone.
func UtimesNano(path string, mtimeNS int64) error {
	t := time.Unix(0, mtimeNS)
	return os.Chtimes(path, t, t)
}

// Chmod applies the permission bits the portable API can express.
func Chmod(path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode&0o777))
}

// Fchown is unsupported here.
func Fchown(fd int, uid, gid int) error { return ErrUnsupported }

// Fchmod is unsupported here.
func Fchmod(fd int, mode uint32) error { return ErrUnsupported }

// HasLchmod reports whether symlink chmod exists.
func HasLchmod() bool { return false }

// Lchmod is unsupported here.
func Lchmod(path string, mode uint32) error { return ErrUnsupported }
