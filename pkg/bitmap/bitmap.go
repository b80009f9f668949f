// Package bitmap implements the first-free bitmap allocator spec.md §4.2
// describes: one filesystem block interpreted as a bit vector, bit i set
// iff resource i is allocated. One Bitmap instance tracks the data-block
// bitmap, a second tracks the inode bitmap; both share this same logic,
// parameterized by block index and resource count.
//
// Scanning for the first zero bit is byte-at-a-time with math/bits'
// TrailingZeros8, the standard-library tool for this (see DESIGN.md: no
// bitset/popcount library appears anywhere in the retrieval pack, and a
// single cache-resident block doesn't warrant importing one).
package bitmap

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

// Bitmap is one block-resident bit vector tracking allocation of either
// data blocks or inodes.
type Bitmap struct {
	c            *cache.BlockCache
	block        uint64
	resourceCount uint64 // number of valid bits; bits beyond this are reserved/unused

	// onDelta is invoked with +1 on Free and -1 on Allocate so the owner
	// can keep superblock/group-descriptor free counters in sync
	// (spec.md §3's "free_blocks/free_inodes persisted on every
	// allocation or deallocation").
	onDelta func(delta int) error
}

// New builds a Bitmap over the block at blockIndex, tracking resourceCount
// resources (bit 0 = resource 0 in this package's indexing; callers map
// their own 0- or 1-based numbering before calling in, as spec.md §3
// requires for inode numbers).
func New(c *cache.BlockCache, blockIndex uint64, resourceCount uint64, onDelta func(delta int) error) *Bitmap {
	return &Bitmap{c: c, block: blockIndex, resourceCount: resourceCount, onDelta: onDelta}
}

func (b *Bitmap) load() ([]byte, error) {
	return b.c.Get(b.block)
}

// IsSet reports whether bit i is allocated.
func (b *Bitmap) IsSet(i uint64) (bool, error) {
	data, err := b.load()
	if err != nil {
		return false, err
	}
	byteIdx, bit := i/8, i%8
	if int(byteIdx) >= len(data) {
		return false, errors.Errorf("bitmap index %d out of range", i)
	}
	return data[byteIdx]&(1<<bit) != 0, nil
}

// Allocate scans for the first zero bit (lowest index wins), sets it,
// persists the bitmap block, and notifies onDelta. It returns
// (0, false, nil) if no free bit exists within resourceCount.
func (b *Bitmap) Allocate() (uint64, bool, error) {
	data, err := b.load()
	if err != nil {
		return 0, false, err
	}

	limit := (b.resourceCount + 7) / 8
	for byteIdx := uint64(0); byteIdx < limit && byteIdx < uint64(len(data)); byteIdx++ {
		v := data[byteIdx]
		if v == 0xFF {
			continue
		}
		bit := uint64(bits.TrailingZeros8(^v))
		idx := byteIdx*8 + bit
		if idx >= b.resourceCount {
			continue
		}

		data[byteIdx] = v | (1 << bit)
		if err := b.c.PutDirty(b.block, data); err != nil {
			return 0, false, err
		}
		if b.onDelta != nil {
			if err := b.onDelta(-1); err != nil {
				return 0, false, err
			}
		}
		return idx, true, nil
	}

	return 0, false, nil
}

// Free clears bit i, which must currently be set; clearing an already-clear
// bit is a double-free, reported as fserr.Corrupt.
func (b *Bitmap) Free(i uint64) error {
	data, err := b.load()
	if err != nil {
		return err
	}

	byteIdx, bit := i/8, i%8
	if int(byteIdx) >= len(data) {
		return errors.Errorf("bitmap index %d out of range", i)
	}
	if data[byteIdx]&(1<<bit) == 0 {
		return fserr.Wrap("bitmap.Free", fserr.Corrupt, errors.Errorf("double free of bitmap index %d", i))
	}

	data[byteIdx] &^= 1 << bit
	if err := b.c.PutDirty(b.block, data); err != nil {
		return err
	}
	if b.onDelta != nil {
		if err := b.onDelta(1); err != nil {
			return err
		}
	}
	return nil
}
