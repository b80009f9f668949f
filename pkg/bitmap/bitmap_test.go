package bitmap

import (
	"testing"

	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/cache"
)

func newTestBitmap(t *testing.T, resourceCount uint64) (*Bitmap, *int) {
	t.Helper()
	dev := blockdev.NewMemDevice(1024, 1024)
	c := cache.New(dev, 1024, 4)
	delta := 0
	b := New(c, 0, resourceCount, func(d int) error {
		delta += d
		return nil
	})
	return b, &delta
}

func TestAllocateLowestIndexWins(t *testing.T) {
	b, delta := newTestBitmap(t, 16)

	i, ok, err := b.Allocate()
	if err != nil || !ok {
		t.Fatalf("allocate failed: %v %v", ok, err)
	}
	if i != 0 {
		t.Fatalf("expected index 0, got %d", i)
	}

	j, ok, err := b.Allocate()
	if err != nil || !ok {
		t.Fatalf("allocate failed: %v %v", ok, err)
	}
	if j != 1 {
		t.Fatalf("expected index 1, got %d", j)
	}

	if *delta != -2 {
		t.Fatalf("expected delta -2, got %d", *delta)
	}
}

func TestFreeThenReallocate(t *testing.T) {
	b, _ := newTestBitmap(t, 8)

	i, _, _ := b.Allocate()
	if err := b.Free(i); err != nil {
		t.Fatal(err)
	}

	set, err := b.IsSet(i)
	if err != nil {
		t.Fatal(err)
	}
	if set {
		t.Fatalf("bit %d still set after Free", i)
	}

	j, ok, err := b.Allocate()
	if err != nil || !ok {
		t.Fatalf("reallocate failed: %v %v", ok, err)
	}
	if j != i {
		t.Fatalf("expected reuse of index %d, got %d", i, j)
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	b, _ := newTestBitmap(t, 8)

	i, _, _ := b.Allocate()
	if err := b.Free(i); err != nil {
		t.Fatal(err)
	}
	if err := b.Free(i); err == nil {
		t.Fatalf("expected double-free to error")
	}
}

func TestNoSpaceWhenExhausted(t *testing.T) {
	b, _ := newTestBitmap(t, 4)

	for i := 0; i < 4; i++ {
		_, ok, err := b.Allocate()
		if err != nil || !ok {
			t.Fatalf("allocate %d failed: %v %v", i, ok, err)
		}
	}

	_, ok, err := b.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected allocation to fail once exhausted")
	}
}
