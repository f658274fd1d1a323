package fs_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kernelfs/block"
	"kernelfs/fs"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestSystem(t *testing.T, sectors uint32) *fs.System {
	t.Helper()
	dev := block.NewMemoryDevice(sectors, block.RoleFilesystem)
	sys, err := fs.Format(dev, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Shutdown() })
	return sys
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	sys := newTestSystem(t, 4096)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	ok, err := sys.Create(root, "hello.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ino, err := sys.Open(root, "hello.txt")
	require.NoError(t, err)
	defer sys.CloseInode(ino)

	store := sys.Store()
	payload := []byte("hello, kernelfs")
	n, err := store.WriteAt(ino, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.EqualValues(t, len(payload), store.Length(ino))

	buf := make([]byte, len(payload))
	n, err = store.ReadAt(ino, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestGrowthAcrossIndirectionBoundary(t *testing.T) {
	sys := newTestSystem(t, 8192)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustCreate(t, sys, root, "big.bin"))
	ino, err := sys.Open(root, "big.bin")
	require.NoError(t, err)
	defer sys.CloseInode(ino)

	store := sys.Store()

	// 10 direct sectors hold 5120 bytes; write well past that boundary,
	// into the single-indirect range, and read every byte back.
	size := 5120 + 4096
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := store.WriteAt(ino, data, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)

	got := make([]byte, size)
	n, err = store.ReadAt(ino, got, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)
	require.Equal(t, data, got)
}

func TestGrowthAcrossDoubleIndirectBoundary(t *testing.T) {
	sys := newTestSystem(t, 8192)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustCreate(t, sys, root, "huge.bin"))
	ino, err := sys.Open(root, "huge.bin")
	require.NoError(t, err)
	defer sys.CloseInode(ino)

	store := sys.Store()

	// 10 direct + 128 single-indirect sectors cover the first 138 sectors;
	// write 8 sectors (4096 bytes) past that, into the double-indirect range, and read
	// every byte back.
	const sectorsBeforeDoubleIndirect = 10 + 512/4
	size := sectorsBeforeDoubleIndirect*512 + 4096
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	n, err := store.WriteAt(ino, data, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)

	got := make([]byte, size)
	n, err = store.ReadAt(ino, got, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)
	require.Equal(t, data, got)
}

func TestDirectoryAddLookupRemove(t *testing.T) {
	sys := newTestSystem(t, 4096)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustCreate(t, sys, root, "a.txt"))
	require.True(t, mustMkdir(t, sys, root, "sub"))

	ino, err := sys.Open(root, "a.txt")
	require.NoError(t, err)
	require.False(t, ino.IsDir())
	sys.CloseInode(ino)

	sub, err := sys.Open(root, "sub")
	require.NoError(t, err)
	require.True(t, sub.IsDir())
	sys.CloseInode(sub)

	ok, err := sys.Remove(root, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sys.Open(root, "a.txt")
	require.Error(t, err)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	sys := newTestSystem(t, 4096)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustMkdir(t, sys, root, "sub"))
	dir, err := sys.Chdir(root, "sub")
	require.NoError(t, err)
	require.True(t, mustCreate(t, sys, dir, "f.txt"))
	sys.CloseInode(dir.Inode())

	ok, err := sys.Remove(root, "sub")
	require.ErrorIs(t, err, fs.ErrBusy)
	require.False(t, ok, "a non-empty directory must not be removable")
}

func TestPathResolutionDotAndDotDot(t *testing.T) {
	sys := newTestSystem(t, 4096)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustMkdir(t, sys, root, "e"))
	require.True(t, mustCreate(t, sys, root, "e/f.txt"))

	ino, err := sys.Open(root, "/e/./f.txt")
	require.NoError(t, err)
	sys.CloseInode(ino)

	ino, err = sys.Open(root, "/e/../e/f.txt")
	require.NoError(t, err)
	sys.CloseInode(ino)

	// An intermediate component that does not already exist still fails,
	// even though the final path would textually collapse to something
	// that exists: no implicit ".."-cancels-previous-token normalization.
	_, err = sys.Open(root, "/nosuch/../e/f.txt")
	require.Error(t, err)
}

func TestSelfRemoveViaDot(t *testing.T) {
	sys := newTestSystem(t, 4096)
	root := sys.Root()
	defer sys.CloseInode(root.Inode())

	require.True(t, mustMkdir(t, sys, root, "doomed"))
	dir, err := sys.Chdir(root, "doomed")
	require.NoError(t, err)

	ok, err := dir.Remove(".")
	require.NoError(t, err)
	require.True(t, ok)
	sys.CloseInode(dir.Inode())

	_, err = sys.Open(root, "doomed")
	require.Error(t, err)
}

func mustCreate(t *testing.T, sys *fs.System, dir *fs.Directory, path string) bool {
	t.Helper()
	ok, err := sys.Create(dir, path, 0)
	require.NoError(t, err)
	return ok
}

func mustMkdir(t *testing.T, sys *fs.System, dir *fs.Directory, path string) bool {
	t.Helper()
	ok, err := sys.Mkdir(dir, path)
	require.NoError(t, err)
	return ok
}
