package direntry

import (
	"testing"

	"github.com/vorteil/ext2fs/pkg/bitmap"
	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/blockindex"
	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

const testBlockSize = 1024

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	const firstDataBlock = 4
	const dataBlocks = 64
	dev := blockdev.NewMemDevice(int64(firstDataBlock+dataBlocks)*testBlockSize, testBlockSize)
	c := cache.New(dev, testBlockSize, 256)
	bmp := bitmap.New(c, 0, dataBlocks, func(int) error { return nil })
	idx := blockindex.New(c, bmp, testBlockSize, firstDataBlock)
	return New(c, idx, testBlockSize)
}

func TestMakeEmptyThenLookupDotAndDotDot(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode

	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}

	self, _, err := d.Lookup(&ino, ".")
	if err != nil {
		t.Fatal(err)
	}
	if self != 2 {
		t.Fatalf("expected '.' to resolve to self inode 2, got %d", self)
	}

	parent, _, err := d.Lookup(&ino, "..")
	if err != nil {
		t.Fatal(err)
	}
	if parent != 2 {
		t.Fatalf("expected '..' to resolve to parent inode 2, got %d", parent)
	}

	empty, err := d.IsEmpty(&ino)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatalf("freshly made directory should be empty")
	}
}

func TestInsertThenLookupFindsChild(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode
	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}

	if err := d.Insert(&ino, "hello.txt", 12, ext2.FileTypeRegular); err != nil {
		t.Fatal(err)
	}

	got, ft, err := d.Lookup(&ino, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != 12 || ft != ext2.FileTypeRegular {
		t.Fatalf("lookup mismatch: got (%d,%d)", got, ft)
	}

	empty, err := d.IsEmpty(&ino)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Fatalf("directory with a real entry should not be empty")
	}
}

func TestInsertDuplicateNameFailsWithExists(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode
	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(&ino, "dup", 10, ext2.FileTypeRegular); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(&ino, "dup", 11, ext2.FileTypeRegular); !fserr.Is(err, fserr.Exists) {
		t.Fatalf("expected Exists, got %v", err)
	}
}

func TestInsertManyForcesNewBlock(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode
	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}

	// Each "fileNNN" entry occupies 16 bytes (align_up(8 header + 7 name,
	// 4) = 16); enough of them exhaust one 1024-byte block and force a new
	// one to be appended.
	names := make([]string, 0, 80)
	for i := 0; i < 80; i++ {
		names = append(names, "file"+string(rune('a'+i%26))+string(rune('a'+(i/26)%26))+string(rune('a'+i/676)))
	}
	for i, name := range names {
		if err := d.Insert(&ino, name, uint32(100+i), ext2.FileTypeRegular); err != nil {
			t.Fatalf("insert %d (%s): %v", i, name, err)
		}
	}

	if ino.Size() <= testBlockSize {
		t.Fatalf("expected directory to span more than one block, size=%d", ino.Size())
	}

	for i, name := range names {
		got, _, err := d.Lookup(&ino, name)
		if err != nil {
			t.Fatalf("lookup %d (%s): %v", i, name, err)
		}
		if got != uint32(100+i) {
			t.Fatalf("lookup %d (%s) mismatch: got %d", i, name, got)
		}
	}
}

func TestRemoveThenLookupNotFound(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode
	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(&ino, "gone.txt", 13, ext2.FileTypeRegular); err != nil {
		t.Fatal(err)
	}

	if err := d.Remove(&ino, "gone.txt"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := d.Lookup(&ino, "gone.txt"); !fserr.Is(err, fserr.NotFound) {
		t.Fatalf("expected NotFound after remove, got %v", err)
	}

	empty, err := d.IsEmpty(&ino)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatalf("directory should be empty again after removing its only real entry")
	}
}

func TestRemoveReclaimsSpaceForReinsert(t *testing.T) {
	d := newTestDirectory(t)
	var ino ext2.Inode
	if err := d.MakeEmpty(&ino, 2, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(&ino, "a", 10, ext2.FileTypeRegular); err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(&ino, "a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Insert(&ino, "b", 11, ext2.FileTypeRegular); err != nil {
		t.Fatal(err)
	}
	sizeAfter := ino.Size()
	if sizeAfter != testBlockSize {
		t.Fatalf("expected reinsert to reuse the reclaimed slot without growing, size=%d", sizeAfter)
	}
}
