package cache

import (
	"bytes"
	"testing"

	"github.com/vorteil/ext2fs/pkg/blockdev"
)

func TestGetMissReadsThrough(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024, 1024)
	want := bytes.Repeat([]byte{0x7}, 1024)
	if err := dev.Seek(2 * 1024); err != nil {
		t.Fatal(err)
	}
	if err := dev.WriteBlock(want); err != nil {
		t.Fatal(err)
	}

	c := New(dev, 1024, 2)
	got, err := c.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPutDirtyNotVisibleUntilFlush(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024, 1024)
	c := New(dev, 1024, 2)

	data := bytes.Repeat([]byte{0xAB}, 1024)
	if err := c.PutDirty(0, data); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 1024)
	if err := dev.Seek(0); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReadBlock(raw); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(raw, data) {
		t.Fatalf("dirty write reached the device before Flush")
	}

	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Seek(0); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReadBlock(raw); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, data) {
		t.Fatalf("flushed data does not match: got %v want %v", raw, data)
	}
}

func TestEvictionWritesBackDirtyVictim(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024, 1024)
	c := New(dev, 1024, 1) // capacity 1 forces eviction on the second insert

	first := bytes.Repeat([]byte{0x11}, 1024)
	second := bytes.Repeat([]byte{0x22}, 1024)

	if err := c.PutDirty(0, first); err != nil {
		t.Fatal(err)
	}
	if err := c.PutDirty(1, second); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 1024)
	if err := dev.Seek(0); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReadBlock(raw); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, first) {
		t.Fatalf("evicted dirty block was not written back: got %v want %v", raw, first)
	}
}

func TestSecondFlushIsIdempotent(t *testing.T) {
	dev := blockdev.NewMemDevice(4*1024, 1024)
	c := New(dev, 1024, 2)

	if err := c.PutDirty(0, bytes.Repeat([]byte{1}, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	el := c.index[0]
	if el.Value.(*entry).dirty {
		t.Fatalf("entry still marked dirty after flush")
	}

	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestDisabledCacheIsPassThrough(t *testing.T) {
	dev := blockdev.NewMemDevice(2*1024, 1024)
	c := New(dev, 1024, 0)

	data := bytes.Repeat([]byte{0x55}, 1024)
	if err := c.PutDirty(0, data); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, 1024)
	if err := dev.Seek(0); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReadBlock(raw); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, data) {
		t.Fatalf("disabled cache did not write straight through")
	}
}
