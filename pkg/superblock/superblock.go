// Package superblock owns the on-disk superblock and (single) group
// descriptor, derives the layout constants every other component needs
// (bitmap/inode-table/data-region block offsets), and persists both on
// every mutation. Grounded on the teacher's ext.compiler (superblock/BGDT
// population: initSuperblock, generateBGDT) for the write side and
// vdecompiler.(*IO).Superblock/BGDT for the read side, fused into one
// type that does both against a live cache instead of a one-shot stream.
package superblock

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

// Layout holds the derived, fixed-for-the-lifetime-of-the-mount geometry
// of a single block group filesystem.
type Layout struct {
	BlockSize        uint32
	InodeSize        uint32 // on-disk inode record size; spec.md allows this to exceed ext2.InodeSize
	TotalBlocks      uint64
	TotalInodes      uint64
	SuperblockBlock  uint64
	GroupDescBlock   uint64
	DataBitmapBlock  uint64
	InodeBitmapBlock uint64
	InodeTableBlock  uint64
	InodeTableBlocks uint64
	FirstDataBlock   uint64
}

// Manager owns the superblock, group descriptor, and derived Layout, and
// persists both through the shared block cache on every mutation.
type Manager struct {
	c      *cache.BlockCache
	layout Layout
	sb     ext2.Superblock
	gd     ext2.GroupDescriptor
}

// blockGroupDescriptorSize is the on-disk size of one group descriptor
// table entry.
const blockGroupDescriptorSize = 32

// ComputeLayout derives a single-block-group Layout for a device of
// totalBlocks blocks at the given block size, with minInodes inodes
// rounded up to whole inode-table blocks and capped at blockSize*8 (one
// inode bitmap block). It mirrors the teacher's
// compiler.setPrecompileConstants overhead-accounting arithmetic,
// collapsed to exactly one group (spec.md Non-goal: multiple block
// groups).
func ComputeLayout(totalBlocks uint64, blockSize uint32, minInodes uint64) Layout {
	var l Layout
	l.BlockSize = blockSize
	l.InodeSize = ext2.InodeSize
	l.TotalBlocks = totalBlocks

	if blockSize == 1024 {
		l.FirstDataBlock = 1
		l.SuperblockBlock = 1
	} else {
		l.FirstDataBlock = 0
		l.SuperblockBlock = 0
	}

	blocksPerBGDT := uint64(ext2.DivCeil(int64(blockGroupDescriptorSize), int64(blockSize)))
	if blocksPerBGDT == 0 {
		blocksPerBGDT = 1
	}

	l.GroupDescBlock = l.SuperblockBlock + 1
	l.DataBitmapBlock = l.GroupDescBlock + blocksPerBGDT
	l.InodeBitmapBlock = l.DataBitmapBlock + 1
	l.InodeTableBlock = l.InodeBitmapBlock + 1

	// inodes per group, rounded up to fill whole inode-table blocks,
	// capped at the number of bits in a single inode bitmap block.
	inodesPerBlock := uint64(blockSize) / uint64(l.InodeSize)
	inodesPerGroup := ext2.AlignUp(int64(minInodes), int64(inodesPerBlock))
	maxInodes := uint64(blockSize) * 8
	if uint64(inodesPerGroup) > maxInodes {
		inodesPerGroup = int64(maxInodes)
	}
	l.TotalInodes = uint64(inodesPerGroup)
	l.InodeTableBlocks = uint64(inodesPerGroup) / inodesPerBlock

	l.FirstDataBlock = l.InodeTableBlock + l.InodeTableBlocks

	return l
}

// Format writes a fresh boot block (zeroed), superblock, group
// descriptor, zeroed bitmaps with the reserved inodes/blocks pre-marked,
// and a zeroed inode table, returning a Manager ready to have the root
// directory inode allocated on top of it. Mirrors the teacher's
// compiler.writeBlockGroupMetadata sequence, collapsed to one group.
func Format(c *cache.BlockCache, layout Layout) (*Manager, error) {
	m := &Manager{c: c, layout: layout}

	zero := make([]byte, layout.BlockSize)
	if layout.SuperblockBlock == 1 {
		if err := c.PutDirty(0, append([]byte(nil), zero...)); err != nil {
			return nil, errors.Wrap(err, "zeroing boot block")
		}
	}

	now := uint32(time.Now().Unix())
	m.sb = ext2.Superblock{
		InodesCount:     uint32(layout.TotalInodes),
		BlocksCount:     uint32(layout.TotalBlocks),
		FreeBlocksCount: uint32(layout.TotalBlocks - layout.FirstDataBlock),
		FreeInodesCount: uint32(layout.TotalInodes - (ext2.FirstNonReservedInode - 1)),
		FirstDataBlock:  uint32(firstDataBlockConst(layout.BlockSize)),
		LogBlockSize:    logBlockSize(layout.BlockSize),
		LogFragSize:     logBlockSize(layout.BlockSize),
		BlocksPerGroup:  uint32(layout.TotalBlocks),
		FragsPerGroup:   uint32(layout.TotalBlocks),
		InodesPerGroup:  uint32(layout.TotalInodes),
		MountTime:       now,
		WriteTime:       now,
		MaxMountCount:   20,
		Magic:           ext2.Signature,
		State:           ext2.StateClean,
		Errors:          ext2.ErrorsContinue,
		LastCheck:       now,
		CreatorOS:       0,
		RevLevel:        0,
		DefReservedUID:  0,
		DefReservedGID:  0,
	}

	m.gd = ext2.GroupDescriptor{
		BlockBitmapBlock: uint32(layout.DataBitmapBlock),
		InodeBitmapBlock: uint32(layout.InodeBitmapBlock),
		InodeTableBlock:  uint32(layout.InodeTableBlock),
		FreeBlocksCount:  uint16(layout.TotalBlocks - layout.FirstDataBlock),
		FreeInodesCount:  uint16(layout.TotalInodes - (ext2.FirstNonReservedInode - 1)),
		UsedDirsCount:    0,
	}

	if err := m.persistSuperblockAndGroupDesc(); err != nil {
		return nil, err
	}

	// Data bitmap: mark every metadata block (everything before
	// FirstDataBlock) as allocated so the bitmap allocator never hands
	// out a block the filesystem metadata itself occupies.
	dataBitmap := make([]byte, layout.BlockSize)
	for b := uint64(0); b < layout.FirstDataBlock; b++ {
		dataBitmap[b/8] |= 1 << (b % 8)
	}
	if err := c.PutDirty(layout.DataBitmapBlock, dataBitmap); err != nil {
		return nil, errors.Wrap(err, "writing data bitmap")
	}

	// Inode bitmap: reserve inodes 1..10 (spec.md §4.6 Format: "inodes
	// 1..10 reserved").
	inodeBitmap := make([]byte, layout.BlockSize)
	for i := uint64(0); i < ext2.FirstNonReservedInode-1; i++ {
		inodeBitmap[i/8] |= 1 << (i % 8)
	}
	if err := c.PutDirty(layout.InodeBitmapBlock, inodeBitmap); err != nil {
		return nil, errors.Wrap(err, "writing inode bitmap")
	}

	zeroInode := make([]byte, layout.BlockSize)
	for b := uint64(0); b < layout.InodeTableBlocks; b++ {
		if err := c.PutDirty(layout.InodeTableBlock+b, append([]byte(nil), zeroInode...)); err != nil {
			return nil, errors.Wrap(err, "zeroing inode table")
		}
	}

	return m, nil
}

func firstDataBlockConst(blockSize uint32) uint64 {
	if blockSize == 1024 {
		return 1
	}
	return 0
}

func logBlockSize(blockSize uint32) uint32 {
	switch blockSize {
	case 1024:
		return 0
	case 2048:
		return 1
	case 4096:
		return 2
	default:
		return 0
	}
}

// Mount reads an existing superblock and group descriptor, deriving the
// Layout from what it finds on disk rather than assuming this module
// wrote it (spec.md §8's compatibility law: a filesystem produced by
// mkfs.ext2 -r 0 must mount). Metadata is decoded straight off dev at
// its native IO-unit granularity rather than through c, since c's block
// size is not yet known to match the filesystem's (spec.md §6: "the
// log2 field in the superblock is the source of truth") — callers that
// don't know the real block size ahead of time probe with a throwaway
// cache first, read Layout().BlockSize back, then rebuild the real
// cache at that size and call Mount again to get a Manager whose c
// actually matches.
func Mount(c *cache.BlockCache, dev blockdev.Device) (*Manager, error) {
	sb, err := readSuperblockRaw(dev)
	if err != nil {
		return nil, err
	}
	if sb.Magic != ext2.Signature {
		return nil, fserr.New("superblock.Mount", fserr.Corrupt)
	}

	fsBlockSize := sb.BlockSize()
	sbBlock := uint64(ext2.SuperblockOffset) / uint64(fsBlockSize)
	gdBlock := sbBlock + 1

	gd, err := readGroupDescRaw(dev, gdBlock, fsBlockSize)
	if err != nil {
		return nil, err
	}

	inodesPerBlock := uint64(fsBlockSize) / ext2.InodeSize
	inodeTableBlocks := uint64(sb.InodesPerGroup) / inodesPerBlock

	layout := Layout{
		BlockSize:        fsBlockSize,
		InodeSize:        ext2.InodeSize,
		TotalBlocks:      uint64(sb.BlocksCount),
		TotalInodes:      uint64(sb.InodesCount),
		SuperblockBlock:  sbBlock,
		GroupDescBlock:   gdBlock,
		DataBitmapBlock:  uint64(gd.BlockBitmapBlock),
		InodeBitmapBlock: uint64(gd.InodeBitmapBlock),
		InodeTableBlock:  uint64(gd.InodeTableBlock),
		InodeTableBlocks: inodeTableBlocks,
		FirstDataBlock:   uint64(gd.InodeTableBlock) + inodeTableBlocks,
	}

	return &Manager{c: c, layout: layout, sb: *sb, gd: *gd}, nil
}

// readAtRaw reads length bytes at offset directly from dev, rounding out
// to dev's IO-unit granularity, bypassing any block-size assumption.
func readAtRaw(dev blockdev.Device, offset int64, length int) ([]byte, error) {
	iounit := int64(dev.Info().IOUnitSize)
	startUnit := offset / iounit
	endUnit := (offset + int64(length) + iounit - 1) / iounit

	buf := make([]byte, (endUnit-startUnit)*iounit)
	if err := dev.Seek(startUnit * iounit); err != nil {
		return nil, fserr.Wrap("superblock.readAtRaw", fserr.IoError, err)
	}
	for i := int64(0); i < endUnit-startUnit; i++ {
		if err := dev.ReadBlock(buf[i*iounit : (i+1)*iounit]); err != nil {
			return nil, fserr.Wrap("superblock.readAtRaw", fserr.IoError, err)
		}
	}

	rel := offset - startUnit*iounit
	return buf[rel : rel+int64(length)], nil
}

func readSuperblockRaw(dev blockdev.Device) (*ext2.Superblock, error) {
	buf, err := readAtRaw(dev, ext2.SuperblockOffset, binary.Size(ext2.Superblock{}))
	if err != nil {
		return nil, err
	}
	var sb ext2.Superblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return nil, fserr.Wrap("superblock.readSuperblockRaw", fserr.Corrupt, err)
	}
	return &sb, nil
}

func readGroupDescRaw(dev blockdev.Device, gdBlock uint64, blockSize uint32) (*ext2.GroupDescriptor, error) {
	buf, err := readAtRaw(dev, int64(gdBlock)*int64(blockSize), blockGroupDescriptorSize)
	if err != nil {
		return nil, err
	}
	var gd ext2.GroupDescriptor
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &gd); err != nil {
		return nil, fserr.Wrap("superblock.readGroupDescRaw", fserr.Corrupt, err)
	}
	return &gd, nil
}

func (m *Manager) persistSuperblockAndGroupDesc() error {
	blockSize := int(m.layout.BlockSize)

	sbBlockBuf := make([]byte, blockSize)
	byteOffset := uint64(ext2.SuperblockOffset) % uint64(blockSize)
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &m.sb); err != nil {
		return errors.Wrap(err, "encoding superblock")
	}
	copy(sbBlockBuf[byteOffset:], buf.Bytes())
	if err := m.c.PutDirty(m.layout.SuperblockBlock, sbBlockBuf); err != nil {
		return errors.Wrap(err, "persisting superblock")
	}

	gdBuf := make([]byte, blockSize)
	gbuf := new(bytes.Buffer)
	if err := binary.Write(gbuf, binary.LittleEndian, &m.gd); err != nil {
		return errors.Wrap(err, "encoding group descriptor")
	}
	copy(gdBuf, gbuf.Bytes())
	if err := m.c.PutDirty(m.layout.GroupDescBlock, gdBuf); err != nil {
		return errors.Wrap(err, "persisting group descriptor")
	}

	return nil
}

// Layout returns the derived, immutable layout.
func (m *Manager) Layout() Layout { return m.layout }

// Superblock returns a copy of the current in-memory superblock.
func (m *Manager) Superblock() ext2.Superblock { return m.sb }

// GroupDescriptor returns a copy of the current in-memory group
// descriptor.
func (m *Manager) GroupDescriptor() ext2.GroupDescriptor { return m.gd }

// AdjustFreeBlocks applies delta to both the superblock and group
// descriptor free-block counts and persists both (spec.md invariant 2).
func (m *Manager) AdjustFreeBlocks(delta int) error {
	m.sb.FreeBlocksCount = uint32(int64(m.sb.FreeBlocksCount) + int64(delta))
	m.gd.FreeBlocksCount = uint16(int64(m.gd.FreeBlocksCount) + int64(delta))
	return m.persistSuperblockAndGroupDesc()
}

// AdjustFreeInodes applies delta to both the superblock and group
// descriptor free-inode counts and persists both.
func (m *Manager) AdjustFreeInodes(delta int) error {
	m.sb.FreeInodesCount = uint32(int64(m.sb.FreeInodesCount) + int64(delta))
	m.gd.FreeInodesCount = uint16(int64(m.gd.FreeInodesCount) + int64(delta))
	return m.persistSuperblockAndGroupDesc()
}

// AdjustUsedDirs applies delta to the group descriptor's used-directory
// count and persists it.
func (m *Manager) AdjustUsedDirs(delta int) error {
	m.gd.UsedDirsCount = uint16(int64(m.gd.UsedDirsCount) + int64(delta))
	return m.persistSuperblockAndGroupDesc()
}

// Touch updates mount/write timestamps and increments the mount count.
// The facade calls it when it mounts a writable filesystem, not at
// unmount.
func (m *Manager) Touch() error {
	now := uint32(time.Now().Unix())
	m.sb.MountTime = now
	m.sb.WriteTime = now
	m.sb.MountCount++
	return m.persistSuperblockAndGroupDesc()
}

// StatFS summarizes totals and free counts for the facade's statfs
// operation.
type StatFS struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
}

// StatFS returns a snapshot of filesystem totals and free counts.
func (m *Manager) StatFS() StatFS {
	return StatFS{
		BlockSize:   m.layout.BlockSize,
		TotalBlocks: uint64(m.sb.BlocksCount),
		FreeBlocks:  uint64(m.sb.FreeBlocksCount),
		TotalInodes: uint64(m.sb.InodesCount),
		FreeInodes:  uint64(m.sb.FreeInodesCount),
	}
}
