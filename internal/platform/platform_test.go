package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModePredicates(t *testing.T) {
	assert.True(t, IsRegular(ModeRegular|0o644))
	assert.True(t, IsDir(ModeDir|0o755))
	assert.True(t, IsSymlink(ModeSymlink|0o777))
	assert.True(t, IsFIFO(ModeFIFO|0o600))
	assert.True(t, IsDevice(ModeCharDev|0o600))
	assert.True(t, IsDevice(ModeBlockDev|0o600))
	assert.False(t, IsRegular(ModeDir))
	assert.False(t, IsDevice(ModeRegular))
}

func TestLstatRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o640))

	st, err := Lstat(path)
	require.NoError(t, err)
	assert.True(t, IsRegular(st.Mode))
	assert.Equal(t, int64(5), st.Size)
	assert.NotZero(t, st.MTimeNS)
}

func TestLstatSymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("missing-target", filepath.Join(dir, "l")))

	st, err := Lstat(filepath.Join(dir, "l"))
	require.NoError(t, err)
	assert.True(t, IsSymlink(st.Mode))
}

func TestUtimesNano(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	want := time.Date(2021, 2, 3, 4, 5, 6, 789, time.UTC).UnixNano()
	require.NoError(t, UtimesNano(path, want))

	st, err := Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, want, st.MTimeNS)
}

func TestXattrRoundTripOrUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	err := SetXattr(path, "user.test", []byte("value"))
	if err != nil {
		if IsNotSupported(err) {
			t.Skipf("xattrs unsupported on this filesystem")
		}
		t.Fatal(err)
	}

	attrs, err := ListXattrs(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), attrs["user.test"])
}

func TestUserGroupLookups(t *testing.T) {
	assert.Nil(t, LookupUID(""))
	assert.Nil(t, LookupGID(""))
	assert.Nil(t, LookupUID("no-such-user-exists-here"))

	// Whatever uid 0 resolves to must round-trip if present.
	if name := UserName(0); name != "" {
		uid := LookupUID(name)
		require.NotNil(t, uid)
		assert.Equal(t, uint32(0), *uid)
	}
	// Memoized second call returns the same answer.
	assert.Equal(t, UserName(0), UserName(0))
	assert.Equal(t, GroupName(0), GroupName(0))
}
