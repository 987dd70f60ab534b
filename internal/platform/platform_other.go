//go:build !linux && !windows

package platform

import (
	"os"
	"syscall"
	"time"
)

// Lstat returns the stat snapshot of path without following symlinks.
// Non-Linux platforms fall back to the portable stat fields; inode and
// device numbers come through where the runtime exposes them.
func Lstat(path string) (StatInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return StatInfo{}, err
	}
	info := StatInfo{
		Mode:    modeFromOS(fi.Mode()),
		MTimeNS: fi.ModTime().UnixNano(),
		Size:    fi.Size(),
		NLink:   1,
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		info.Mode = uint32(st.Mode)
		info.UID = uint32(st.Uid)
		info.GID = uint32(st.Gid)
		info.Inode = uint64(st.Ino)
		info.Dev = uint64(st.Dev)
		info.NLink = uint64(st.Nlink)
		info.Rdev = uint64(st.Rdev)
	}
	return info, nil
}

func modeFromOS(m os.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= ModeDir
	case m&os.ModeSymlink != 0:
		mode |= ModeSymlink
	case m&os.ModeNamedPipe != 0:
		mode |= ModeFIFO
	case m&os.ModeDevice != 0:
		mode |= ModeCharDev
	default:
		mode |= ModeRegular
	}
	return mode
}

// ListXattrs is a no-op where xattrs are unsupported.
func ListXattrs(path string) (map[string][]byte, error) {
	return nil, nil
}

// SetXattr is unsupported here; restore tolerates it.
func SetXattr(path, name string, value []byte) error {
	return ErrUnsupported
}

// FSetXattr is unsupported here; restore tolerates it.
func FSetXattr(fd int, name string, value []byte) error {
	return ErrUnsupported
}

// IsNotSupported reports errors restore silently tolerates.
func IsNotSupported(err error) bool {
	return err == ErrUnsupported
}

// Mkfifo is unsupported here.
func Mkfifo(path string, mode uint32) error {
	return ErrUnsupported
}

// Mknod is unsupported here.
func Mknod(path string, mode uint32, rdev uint64) error {
	return ErrUnsupported
}

// UtimesNano sets the modification time with the precision the
// platform offers; symlink times are left alone.
func UtimesNano(path string, mtimeNS int64) error {
	t := time.Unix(0, mtimeNS)
	return os.Chtimes(path, t, t)
}

// Chmod changes the permission bits the portable API can express.
func Chmod(path string, mode uint32) error {
	return os.Chmod(path, os.FileMode(mode&0o777))
}

// Fchown is unsupported here.
func Fchown(fd int, uid, gid int) error {
	return ErrUnsupported
}

// Fchmod is unsupported here.
func Fchmod(fd int, mode uint32) error {
	return ErrUnsupported
}

// HasLchmod reports whether symlink chmod exists.
func HasLchmod() bool {
	return false
}

// Lchmod is unsupported here.
func Lchmod(path string, mode uint32) error {
	return ErrUnsupported
}
