//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lstat returns the stat snapshot of path without following symlinks.
func Lstat(path string) (StatInfo, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return StatInfo{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return StatInfo{
		Mode:    st.Mode,
		UID:     st.Uid,
		GID:     st.Gid,
		MTimeNS: st.Mtim.Nano(),
		Size:    st.Size,
		Inode:   st.Ino,
		Dev:     st.Dev,
		NLink:   uint64(st.Nlink),
		Rdev:    st.Rdev,
	}, nil
}

// ListXattrs returns all extended attributes of path, not following
// symlinks. Filesystems without xattr support yield an empty map.
func ListXattrs(path string) (map[string][]byte, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if IsNotSupported(err) {
			return nil, nil
		}
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}

	attrs := make(map[string][]byte)
	for _, name := range splitNames(buf[:size]) {
		value, err := getXattr(path, name)
		if err != nil {
			if errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, nil
}

func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, &os.PathError{Op: "lgetxattr", Path: path, Err: err}
	}
	buf := make([]byte, size)
	size, err = unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, &os.PathError{Op: "lgetxattr", Path: path, Err: err}
	}
	return buf[:size], nil
}

// SetXattr sets one extended attribute on path without following
// symlinks.
func SetXattr(path, name string, value []byte) error {
	if err := unix.Lsetxattr(path, name, value, 0); err != nil {
		return &os.PathError{Op: "lsetxattr", Path: path, Err: err}
	}
	return nil
}

// FSetXattr sets one extended attribute on an open descriptor.
func FSetXattr(fd int, name string, value []byte) error {
	if err := unix.Fsetxattr(fd, name, value, 0); err != nil {
		return fmt.Errorf("fsetxattr %s: %w", name, err)
	}
	return nil
}

// IsNotSupported reports errors that mean "this filesystem does not do
// xattrs", which restore silently tolerates.
func IsNotSupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, ErrUnsupported)
}

// Mkfifo creates a named pipe.
func Mkfifo(path string, mode uint32) error {
	if err := unix.Mkfifo(path, mode&^ModeTypeMask); err != nil {
		return &os.PathError{Op: "mkfifo", Path: path, Err: err}
	}
	return nil
}

// Mknod creates a device node. Requires privilege.
func Mknod(path string, mode uint32, rdev uint64) error {
	if err := unix.Mknod(path, mode, int(rdev)); err != nil {
		return &os.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}

// UtimesNano sets the modification time of path with nanosecond
// precision, without following symlinks.
func UtimesNano(path string, mtimeNS int64) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(mtimeNS),
		unix.NsecToTimespec(mtimeNS),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "utimensat", Path: path, Err: err}
	}
	return nil
}

// Fchown changes ownership through an open descriptor.
func Fchown(fd int, uid, gid int) error {
	return unix.Fchown(fd, uid, gid)
}

// Chmod changes permissions including setuid/setgid/sticky bits.
func Chmod(path string, mode uint32) error {
	if err := unix.Chmod(path, mode&^ModeTypeMask); err != nil {
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

// Fchmod changes permissions through an open descriptor.
func Fchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode&^ModeTypeMask)
}

// HasLchmod reports whether the platform can chmod a symlink. Linux
// cannot; symlink modes are ignored there.
func HasLchmod() bool {
	return false
}

// Lchmod changes the mode of a symlink where supported.
func Lchmod(path string, mode uint32) error {
	return ErrUnsupported
}
