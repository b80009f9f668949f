package vfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

func formatTest(t *testing.T, totalBlocks uint64, blockSize uint32, cacheBlocks int) *FileSystem {
	t.Helper()
	dev := blockdev.NewMemDevice(int64(totalBlocks)*int64(blockSize), int(blockSize))
	fs, err := Format(dev, FormatParams{TotalBlocks: totalBlocks, BlockSize: blockSize, InodeCount: 1024}, Options{CacheBlocks: cacheBlocks})
	require.NoError(t, err)
	return fs
}

func TestFormatRootContainsDotAndDotDot(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	entries, err := fs.Readdir(ext2.RootInode)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Contains(t, []string{".", ".."}, e.Name)
		require.EqualValues(t, ext2.RootInode, e.Inode, "entry %q should point at the root inode", e.Name)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	ino, _, err := fs.Create(ext2.RootInode, "a", 0o644)
	require.NoError(t, err)

	n, err := fs.Write(ino, 0, []byte{'a'})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := fs.Read(ino, 0, 1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte{'a'}))

	attr, err := fs.GetAttr(ino)
	require.NoError(t, err)
	require.EqualValues(t, 1, attr.Size)
	require.True(t, attr.IsRegular)
}

func TestWriteBeyondDirectRangeAllocatesSingleIndirect(t *testing.T) {
	fs := formatTest(t, 32*1024, 1024, 64)

	ino, _, err := fs.Create(ext2.RootInode, "big", 0o644)
	require.NoError(t, err)

	offset := int64(12 * 1024)
	_, err = fs.Write(ino, offset, []byte{'z'})
	require.NoError(t, err)

	rec, err := fs.inodes.Read(ino)
	require.NoError(t, err)
	require.NotZero(t, rec.Block[12], "expected single-indirect pointer to be allocated")

	zeros, err := fs.Read(ino, 0, int(offset))
	require.NoError(t, err)
	require.True(t, bytes.Equal(zeros, make([]byte, offset)), "expected hole to read as zeros")
}

func TestSymlinkInlineTarget(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	ino, err := fs.Symlink(ext2.RootInode, "l", "target")
	require.NoError(t, err)

	target, err := fs.Readlink(ino)
	require.NoError(t, err)
	require.Equal(t, "target", target)

	rec, err := fs.inodes.Read(ino)
	require.NoError(t, err)
	require.Zero(t, rec.Sectors, "inline symlink should have zero blocks-in-use")
}

func TestRmdirRequiresEmpty(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	dirIno, err := fs.Mkdir(ext2.RootInode, "d", 0o755)
	require.NoError(t, err)
	_, _, err = fs.Create(dirIno, "f", 0o644)
	require.NoError(t, err)

	err = fs.Rmdir(ext2.RootInode, "d")
	require.True(t, fserr.Is(err, fserr.NotEmpty), "expected NotEmpty, got %v", err)

	require.NoError(t, fs.Unlink(dirIno, "f"))
	require.NoError(t, fs.Rmdir(ext2.RootInode, "d"))

	_, _, err = fs.Lookup(ext2.RootInode, "d")
	require.True(t, fserr.Is(err, fserr.NotFound), "expected removed directory to be gone, got %v", err)
}

func TestUnlinkFreesInodeAtZeroLinks(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	ino, _, err := fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	_, err = fs.Write(ino, 0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(ext2.RootInode, "f"))

	_, err = fs.GetAttr(ino)
	require.True(t, fserr.Is(err, fserr.NotFound), "expected freed inode to report NotFound, got %v", err)
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	srcIno, err := fs.Mkdir(ext2.RootInode, "src", 0o755)
	require.NoError(t, err)
	dstIno, err := fs.Mkdir(ext2.RootInode, "dst", 0o755)
	require.NoError(t, err)
	fileIno, _, err := fs.Create(srcIno, "f", 0o644)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(srcIno, "f", dstIno, "g"))

	_, _, err = fs.Lookup(srcIno, "f")
	require.True(t, fserr.Is(err, fserr.NotFound), "expected old name gone, got %v", err)

	gotIno, _, err := fs.Lookup(dstIno, "g")
	require.NoError(t, err)
	require.Equal(t, fileIno, gotIno, "renamed entry should keep the same inode")
}

func TestRenameOntoSelfIsNoOp(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	ino, _, err := fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	_, err = fs.Write(ino, 0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ext2.RootInode, "f", ext2.RootInode, "f"))

	gotIno, attr, err := fs.Lookup(ext2.RootInode, "f")
	require.NoError(t, err)
	require.Equal(t, ino, gotIno, "self-rename must not change the inode")
	require.EqualValues(t, 5, attr.Size, "self-rename must not touch the file's data")

	got, err := fs.Read(ino, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestStatFSReflectsAllocation(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	before := fs.StatFS().FreeBlocks
	ino, _, err := fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	_, err = fs.Write(ino, 0, bytes.Repeat([]byte{'x'}, 1024))
	require.NoError(t, err)

	after := fs.StatFS().FreeBlocks
	require.Less(t, after, before, "expected free blocks to decrease after allocation")

	require.NoError(t, fs.Unlink(ext2.RootInode, "f"))
	require.Equal(t, before, fs.StatFS().FreeBlocks, "expected free blocks restored after unlink")
}

func TestFlushTwiceIsIdempotent(t *testing.T) {
	fs := formatTest(t, 4*1024, 1024, 16)

	_, _, err := fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close(), "second flush should be a no-op")
}

func TestReadOnlyMountRejectsMutations(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024*1024, 1024)
	fs, err := Format(dev, FormatParams{TotalBlocks: 4 * 1024, BlockSize: 1024, InodeCount: 1024}, Options{CacheBlocks: 16})
	require.NoError(t, err)
	_, _, err = fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	ro, err := Mount(dev, Options{CacheBlocks: 16, ReadOnly: true})
	require.NoError(t, err)

	_, _, err = ro.Lookup(ext2.RootInode, "f")
	require.NoError(t, err, "reads must still succeed on a read-only mount")

	_, _, err = ro.Create(ext2.RootInode, "g", 0o644)
	require.True(t, fserr.Is(err, fserr.ReadOnly), "expected ReadOnly, got %v", err)

	_, err = ro.Mkdir(ext2.RootInode, "d", 0o755)
	require.True(t, fserr.Is(err, fserr.ReadOnly), "expected ReadOnly, got %v", err)

	require.True(t, fserr.Is(ro.Unlink(ext2.RootInode, "f"), fserr.ReadOnly))
	require.True(t, fserr.Is(ro.Rename(ext2.RootInode, "f", ext2.RootInode, "h"), fserr.ReadOnly))
}

func TestMountRoundTripsAfterFormat(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024*1024, 1024)
	fs, err := Format(dev, FormatParams{TotalBlocks: 4 * 1024, BlockSize: 1024, InodeCount: 1024}, Options{CacheBlocks: 16})
	require.NoError(t, err)

	_, _, err = fs.Create(ext2.RootInode, "f", 0o644)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	reopened, err := Mount(dev, Options{CacheBlocks: 16})
	require.NoError(t, err)

	_, _, err = reopened.Lookup(ext2.RootInode, "f")
	require.NoError(t, err, "expected file created before unmount to survive remount")
}
