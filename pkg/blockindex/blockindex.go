// Package blockindex walks an inode's direct/single/double/triple
// indirect block tree: Resolve for sparse-hole-aware reads, Ensure for
// writes (allocating missing blocks), and Truncate for freeing the tail of a file. The
// partitioning arithmetic is grounded on the teacher's
// ext.calculateNumberOfIndirectBlocks/blockType (the identical 12/n/n²/n³
// split, there computed once for a static compiled layout); the read
// walk is grounded on vdecompiler.(*IO).dataFromBlockPointers/
// scanPointers. The write/allocate/truncate side has no teacher
// analogue — a compiled image is laid out once and never mutated — and
// is built fresh in the same idiom.
package blockindex

import (
	"github.com/pkg/errors"

	"github.com/vorteil/ext2fs/pkg/bitmap"
	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

const directPointers = 12

// Engine resolves and mutates an inode's block-pointer tree against the
// shared cache and data-block bitmap.
type Engine struct {
	c              *cache.BlockCache
	data           *bitmap.Bitmap
	blockSize      uint32
	n              int64  // pointers per indirection block
	firstDataBlock uint64 // absolute block index that bitmap bit 0 represents
}

// New builds an Engine over the given cache and data-block bitmap.
// firstDataBlock is the absolute block index that bitmap bit 0
// corresponds to (spec.md §3: "bit 0 of the block bitmap corresponds to
// the first data block"), since i_block entries and indirection
// pointers store absolute block indices, not bitmap-relative ones.
func New(c *cache.BlockCache, data *bitmap.Bitmap, blockSize uint32, firstDataBlock uint64) *Engine {
	return &Engine{c: c, data: data, blockSize: blockSize, n: int64(blockSize) / 4, firstDataBlock: firstDataBlock}
}

// level identifies which tier of the pointer tree a logical block number
// falls into.
type level int

const (
	levelDirect level = iota
	levelSingle
	levelDouble
	levelTriple
)

// path describes how to reach logical block L from i_block, as a
// sequence of (slot within current block) indices, the last of which
// addresses the terminal data block.
type path struct {
	lvl  level
	idxs [3]int64 // up to 3 levels of indirection offsets; only the first len entries are valid
	n    int       // number of valid entries in idxs
}

// resolvePath computes which i_block slot, and which offsets within
// however many indirection blocks, logical block L lives at. Mirrors
// spec.md §4.4's partitioning exactly.
func (e *Engine) resolvePath(L int64) (int64, path, error) {
	n := e.n
	if L < directPointers {
		return L, path{lvl: levelDirect}, nil
	}
	L -= directPointers

	if L < n {
		return directPointers, path{lvl: levelSingle, idxs: [3]int64{L}, n: 1}, nil
	}
	L -= n

	if L < n*n {
		first := L / n
		second := L % n
		return directPointers + 1, path{lvl: levelDouble, idxs: [3]int64{first, second}, n: 2}, nil
	}
	L -= n * n

	if L < n*n*n {
		first := L / (n * n)
		rem := L % (n * n)
		second := rem / n
		third := rem % n
		return directPointers + 2, path{lvl: levelTriple, idxs: [3]int64{first, second, third}, n: 3}, nil
	}

	return 0, path{}, fserr.New("blockindex.resolvePath", fserr.FileTooLarge)
}

func (e *Engine) readIndirection(block uint64) ([]uint32, error) {
	buf, err := e.c.Get(block)
	if err != nil {
		return nil, errors.Wrap(err, "reading indirection block")
	}
	ptrs := make([]uint32, e.n)
	for i := range ptrs {
		ptrs[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	return ptrs, nil
}

func (e *Engine) writeIndirection(block uint64, ptrs []uint32) error {
	buf := make([]byte, e.blockSize)
	for i, p := range ptrs {
		buf[i*4] = byte(p)
		buf[i*4+1] = byte(p >> 8)
		buf[i*4+2] = byte(p >> 16)
		buf[i*4+3] = byte(p >> 24)
	}
	return e.c.PutDirty(block, buf)
}

// Resolve returns the physical block index for logical block L of ino,
// or 0 ("hole") if L is unallocated at any level, per spec.md §4.4's
// read path: a zero index at any level means "hole," read as zeros
// without touching the device.
func (e *Engine) Resolve(ino *ext2.Inode, L int64) (uint64, error) {
	slot, p, err := e.resolvePath(L)
	if err != nil {
		return 0, err
	}

	block := ino.Block[slot]
	if block == 0 {
		return 0, nil
	}

	cur := uint64(block)
	for i := 0; i < p.n; i++ {
		last := i == p.n-1
		ptrs, err := e.readIndirection(cur)
		if err != nil {
			return 0, err
		}
		next := ptrs[p.idxs[i]]
		if next == 0 {
			return 0, nil
		}
		if last {
			return uint64(next), nil
		}
		cur = uint64(next)
	}
	if p.n == 0 {
		return cur, nil
	}
	return cur, nil
}

// allocation records where a block allocated during a single Ensure
// call had its pointer written, so a mid-walk failure can undo exactly
// that write instead of leaving it dangling.
type allocation struct {
	block       uint64
	topSlot     bool   // pointer lives at ino.Block[slot]
	parentBlock uint64 // else pointer lives in this indirection block...
	parentIdx   int64  // ...at this index
}

// Ensure resolves logical block L of ino, allocating any missing
// indirection or data block along the way, per spec.md §4.4's
// ensure(L). It updates ino.Block, ino.Sectors, and persists every
// allocated indirection block's parent pointer; on allocation failure
// mid-walk it unwinds every pointer write and allocation made so far —
// zeroing ino.Block[slot] or the owning indirection block's entry,
// re-persisting it, freeing the bitmap bit, and reverting Sectors —
// before returning, preserving the bitmap-vs-index invariant.
func (e *Engine) Ensure(ino *ext2.Inode, L int64) (uint64, error) {
	slot, p, err := e.resolvePath(L)
	if err != nil {
		return 0, err
	}

	var allocated []allocation
	rollback := func() {
		for i := len(allocated) - 1; i >= 0; i-- {
			a := allocated[i]
			if a.topSlot {
				ino.Block[slot] = 0
			} else if ptrs, err := e.readIndirection(a.parentBlock); err == nil {
				ptrs[a.parentIdx] = 0
				_ = e.writeIndirection(a.parentBlock, ptrs)
			}
			_ = e.freeBlockAccounted(ino, a.block)
		}
	}

	top := uint64(ino.Block[slot])
	if top == 0 {
		nb, err := e.allocZeroed()
		if err != nil {
			rollback()
			return 0, err
		}
		allocated = append(allocated, allocation{block: nb, topSlot: true})
		top = nb
		ino.Block[slot] = uint32(nb)
		ino.Sectors += e.blockSize / ext2.SectorSize
	}

	if p.n == 0 {
		return top, nil
	}

	cur := top
	for i := 0; i < p.n; i++ {
		last := i == p.n-1
		ptrs, err := e.readIndirection(cur)
		if err != nil {
			rollback()
			return 0, err
		}

		next := uint64(ptrs[p.idxs[i]])
		if next == 0 {
			nb, err := e.allocZeroed()
			if err != nil {
				rollback()
				return 0, err
			}
			allocated = append(allocated, allocation{block: nb, parentBlock: cur, parentIdx: p.idxs[i]})
			ptrs[p.idxs[i]] = uint32(nb)
			if err := e.writeIndirection(cur, ptrs); err != nil {
				rollback()
				return 0, err
			}
			ino.Sectors += e.blockSize / ext2.SectorSize
			next = nb
		}

		if last {
			return next, nil
		}
		cur = next
	}

	return cur, nil
}

// allocZeroed allocates a fresh data block and zero-fills it (indirection
// blocks must start zeroed so unused slots read as "no pointer").
func (e *Engine) allocZeroed() (uint64, error) {
	rel, ok, err := e.data.Allocate()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fserr.New("blockindex.allocZeroed", fserr.NoSpace)
	}
	abs := e.firstDataBlock + rel
	if err := e.c.PutDirty(abs, make([]byte, e.blockSize)); err != nil {
		return 0, err
	}
	return abs, nil
}

// Truncate frees every logical block from the first one beyond newSize
// onward, then frees any indirection block left entirely empty, and
// updates ino.Sectors. It does not touch ino.SizeLow/SizeHigh; callers
// set the new size themselves once truncation succeeds.
func (e *Engine) Truncate(ino *ext2.Inode, newSize int64) error {
	firstFreed := (newSize + int64(e.blockSize) - 1) / int64(e.blockSize)
	sectorsPerBlock := e.blockSize / ext2.SectorSize

	// Direct pointers.
	for L := firstFreed; L < directPointers; L++ {
		if block := ino.Block[L]; block != 0 {
			if err := e.freeBlock(uint64(block)); err != nil {
				return err
			}
			ino.Block[L] = 0
			ino.Sectors -= sectorsPerBlock
		}
	}

	for _, slot := range [3]int{directPointers, directPointers + 1, directPointers + 2} {
		depth := slot - directPointers + 1
		if err := e.truncateIndirect(ino, slot, depth, firstFreed); err != nil {
			return err
		}
	}

	return nil
}

// truncateIndirect frees data blocks reachable through the depth-deep
// indirection tree rooted at ino.Block[slot] whose logical block number
// is >= firstFreed, then frees the indirection block itself if it ends
// up entirely empty.
func (e *Engine) truncateIndirect(ino *ext2.Inode, slot int, depth int, firstFreed int64) error {
	root := ino.Block[slot]
	if root == 0 {
		return nil
	}

	var base int64
	switch depth {
	case 1:
		base = directPointers
	case 2:
		base = directPointers + e.n
	default:
		base = directPointers + e.n + e.n*e.n
	}

	empty, err := e.truncateSubtree(ino, uint64(root), depth, base, e.span(depth), firstFreed)
	if err != nil {
		return err
	}
	if empty {
		if err := e.freeBlockAccounted(ino, uint64(root)); err != nil {
			return err
		}
		ino.Block[slot] = 0
	}
	return nil
}

// span returns the number of logical blocks one indirection subtree at
// the given depth covers.
func (e *Engine) span(depth int) int64 {
	return pow(e.n, int64(depth))
}

func pow(base, exp int64) int64 {
	r := int64(1)
	for i := int64(0); i < exp; i++ {
		r *= base
	}
	return r
}

// truncateSubtree frees reachable blocks at logical numbers >= firstFreed
// within the subtree rooted at block (covering logical range
// [base, base+span)), returning whether the subtree ends up completely
// empty (every pointer zero) afterward.
func (e *Engine) truncateSubtree(ino *ext2.Inode, block uint64, depth int, base, span, firstFreed int64) (bool, error) {
	ptrs, err := e.readIndirection(block)
	if err != nil {
		return false, err
	}

	childSpan := span / e.n
	changed := false
	allEmpty := true

	for i, p := range ptrs {
		if p == 0 {
			continue
		}
		childBase := base + int64(i)*childSpan

		if childBase+childSpan <= firstFreed {
			allEmpty = false
			continue
		}

		if depth == 1 {
			if childBase >= firstFreed {
				if err := e.freeBlockAccounted(ino, uint64(p)); err != nil {
					return false, err
				}
				ptrs[i] = 0
				changed = true
				continue
			}
			allEmpty = false
			continue
		}

		childEmpty, err := e.truncateSubtree(ino, uint64(p), depth-1, childBase, childSpan, firstFreed)
		if err != nil {
			return false, err
		}
		if childEmpty {
			if err := e.freeBlockAccounted(ino, uint64(p)); err != nil {
				return false, err
			}
			ptrs[i] = 0
			changed = true
		} else {
			allEmpty = false
		}
	}

	if changed {
		if err := e.writeIndirection(block, ptrs); err != nil {
			return false, err
		}
	}

	return allEmpty, nil
}

// freeBlock frees an absolute block index, converting it to the
// bitmap's relative-to-firstDataBlock numbering.
func (e *Engine) freeBlock(block uint64) error {
	return e.data.Free(block - e.firstDataBlock)
}

// freeBlockAccounted frees an absolute block index and decrements the
// inode's blocks-in-use counter, keeping spec.md §8 invariant 4 (Sectors
// equals the reachable block count in 512-byte sectors) true through
// Truncate's indirection-block frees.
func (e *Engine) freeBlockAccounted(ino *ext2.Inode, block uint64) error {
	if err := e.freeBlock(block); err != nil {
		return err
	}
	ino.Sectors -= e.blockSize / ext2.SectorSize
	return nil
}
