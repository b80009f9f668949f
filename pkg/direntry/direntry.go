// Package direntry implements the packed directory-entry codec and the
// lookup/insert/remove operations spec.md §4.5 describes: a directory's
// data blocks hold a sequence of variable-length entries whose rec_len
// values sum exactly to the block size. Encoding is grounded on the
// teacher's ext.generateDirectoryData (packed dentries, 4-byte name
// alignment, a trailing zero-inode filler entry when a gap can't fit
// another real entry); decoding is grounded on
// vdecompiler.(*IO).Readdir's Dirent struct and its bounds-checked scan.
package direntry

import (
	"time"

	"github.com/vorteil/ext2fs/pkg/blockindex"
	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/fserr"
)

const entryHeaderSize = 8

// Directory operates on a directory inode's data blocks through the
// shared cache and block index engine.
type Directory struct {
	c         *cache.BlockCache
	idx       *blockindex.Engine
	blockSize uint32
}

// New builds a Directory codec/operator over the given cache and block
// index engine.
func New(c *cache.BlockCache, idx *blockindex.Engine, blockSize uint32) *Directory {
	return &Directory{c: c, idx: idx, blockSize: blockSize}
}

func blockCount(size int64, blockSize uint32) int64 {
	if size <= 0 {
		return 0
	}
	return (size + int64(blockSize) - 1) / int64(blockSize)
}

func decodeAt(buf []byte, offset int) (ext2.DirEntry, error) {
	if offset+entryHeaderSize > len(buf) {
		return ext2.DirEntry{}, fserr.New("direntry.decode", fserr.Corrupt)
	}
	e := ext2.DirEntry{
		Inode:   uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24,
		RecLen:  uint16(buf[offset+4]) | uint16(buf[offset+5])<<8,
		NameLen: buf[offset+6],
		Type:    buf[offset+7],
	}
	if e.RecLen < entryHeaderSize || offset+int(e.RecLen) > len(buf) {
		return ext2.DirEntry{}, fserr.New("direntry.decode", fserr.Corrupt)
	}
	nameEnd := offset + entryHeaderSize + int(e.NameLen)
	if nameEnd > offset+int(e.RecLen) {
		return ext2.DirEntry{}, fserr.New("direntry.decode", fserr.Corrupt)
	}
	e.Name = string(buf[offset+entryHeaderSize : nameEnd])
	return e, nil
}

func encodeAt(buf []byte, offset int, e ext2.DirEntry) {
	buf[offset] = byte(e.Inode)
	buf[offset+1] = byte(e.Inode >> 8)
	buf[offset+2] = byte(e.Inode >> 16)
	buf[offset+3] = byte(e.Inode >> 24)
	buf[offset+4] = byte(e.RecLen)
	buf[offset+5] = byte(e.RecLen >> 8)
	buf[offset+6] = e.NameLen
	buf[offset+7] = e.Type
	copy(buf[offset+entryHeaderSize:], e.Name)
}

// Entry pairs a decoded DirEntry with its block and byte offset, for
// callers that need to mutate it in place.
type Entry struct {
	ext2.DirEntry
	Block  uint64
	Offset int
}

// iterate walks every entry of every data block of ino, calling fn with
// each. fn returning true stops iteration early.
func (d *Directory) iterate(ino *ext2.Inode, fn func(Entry) (stop bool, err error)) error {
	blocks := blockCount(ino.Size(), d.blockSize)
	for L := int64(0); L < blocks; L++ {
		block, err := d.idx.Resolve(ino, L)
		if err != nil {
			return err
		}
		if block == 0 {
			continue // sparse directory block: no entries, nothing to scan
		}
		buf, err := d.c.Get(block)
		if err != nil {
			return err
		}
		offset := 0
		for offset < len(buf) {
			e, err := decodeAt(buf, offset)
			if err != nil {
				return err
			}
			if e.Inode != 0 {
				stop, err := fn(Entry{DirEntry: e, Block: block, Offset: offset})
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
			offset += int(e.RecLen)
		}
	}
	return nil
}

// Lookup finds name among ino's entries, returning its inode number and
// file-type hint, or fserr.NotFound.
func (d *Directory) Lookup(ino *ext2.Inode, name string) (uint32, uint8, error) {
	var found Entry
	err := d.iterate(ino, func(e Entry) (bool, error) {
		if e.Name == name {
			found = e
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return 0, 0, err
	}
	if found.Inode == 0 {
		return 0, 0, fserr.New("direntry.Lookup", fserr.NotFound)
	}
	return found.Inode, found.Type, nil
}

// List returns every non-empty entry in ino's data blocks, in on-disk
// order, for the facade's readdir operation.
func (d *Directory) List(ino *ext2.Inode) ([]ext2.DirEntry, error) {
	var out []ext2.DirEntry
	err := d.iterate(ino, func(e Entry) (bool, error) {
		out = append(out, e.DirEntry)
		return false, nil
	})
	return out, err
}

func minimalSize(nameLen int) int {
	return int(ext2.DentryAlign(nameLen))
}

// Insert adds (name -> childIno, fileType) to ino's entries, splitting
// an oversized existing slot or appending a fresh block, per spec.md
// §4.5. It persists the mutated block(s) and updates ino.Size/MTime
// when a new block is appended.
func (d *Directory) Insert(ino *ext2.Inode, name string, childIno uint32, fileType uint8) error {
	if len(name) == 0 || len(name) > 255 {
		return fserr.New("direntry.Insert", fserr.NameTooLong)
	}
	required := minimalSize(len(name))

	if _, _, err := d.Lookup(ino, name); err == nil {
		return fserr.New("direntry.Insert", fserr.Exists)
	} else if !fserr.Is(err, fserr.NotFound) {
		return err
	}

	blocks := blockCount(ino.Size(), d.blockSize)
	for L := int64(0); L < blocks; L++ {
		block, err := d.idx.Resolve(ino, L)
		if err != nil {
			return err
		}
		if block == 0 {
			continue
		}
		buf, err := d.c.Get(block)
		if err != nil {
			return err
		}
		out := append([]byte(nil), buf...)

		offset := 0
		for offset < len(out) {
			e, err := decodeAt(out, offset)
			if err != nil {
				return err
			}
			slotMin := minimalSize(int(e.NameLen))
			if e.Inode == 0 {
				slotMin = 0 // an empty filler entry can be fully reused
			}
			origRecLen := e.RecLen
			if int(origRecLen)-slotMin >= required {
				if e.Inode != 0 {
					e.RecLen = uint16(slotMin)
					encodeAt(out, offset, e)
					newOffset := offset + slotMin
					newLen := int(origRecLen) - slotMin
					encodeAt(out, newOffset, ext2.DirEntry{Inode: childIno, RecLen: uint16(newLen), NameLen: uint8(len(name)), Type: fileType, Name: name})
				} else {
					encodeAt(out, offset, ext2.DirEntry{Inode: childIno, RecLen: origRecLen, NameLen: uint8(len(name)), Type: fileType, Name: name})
				}
				return d.c.PutDirty(block, out)
			}
			offset += int(origRecLen)
		}
	}

	// No existing slot fits: append a new data block spanning a single
	// entry (spec.md §4.5 step 3).
	newBlock, err := d.idx.Ensure(ino, blocks)
	if err != nil {
		return err
	}
	buf := make([]byte, d.blockSize)
	encodeAt(buf, 0, ext2.DirEntry{Inode: childIno, RecLen: uint16(d.blockSize), NameLen: uint8(len(name)), Type: fileType, Name: name})
	if err := d.c.PutDirty(newBlock, buf); err != nil {
		return err
	}

	ino.SetSize(int64(blocks+1) * int64(d.blockSize))
	ino.MTime = uint32(time.Now().Unix())
	return nil
}


// Remove deletes name from ino's entries, merging its rec_len into the
// preceding entry (or, if it is first in its block, zeroing its inode
// field and leaving it as an empty filler), per spec.md §4.5.
func (d *Directory) Remove(ino *ext2.Inode, name string) error {
	blocks := blockCount(ino.Size(), d.blockSize)
	for L := int64(0); L < blocks; L++ {
		block, err := d.idx.Resolve(ino, L)
		if err != nil {
			return err
		}
		if block == 0 {
			continue
		}
		buf, err := d.c.Get(block)
		if err != nil {
			return err
		}
		out := append([]byte(nil), buf...)

		offset := 0
		prevOffset := -1
		for offset < len(out) {
			e, err := decodeAt(out, offset)
			if err != nil {
				return err
			}
			if e.Inode != 0 && e.Name == name {
				if prevOffset >= 0 {
					prev, err := decodeAt(out, prevOffset)
					if err != nil {
						return err
					}
					prev.RecLen += e.RecLen
					encodeAt(out, prevOffset, prev)
				} else {
					e.Inode = 0
					e.NameLen = 0
					e.Type = 0
					e.Name = ""
					encodeAt(out, offset, e)
				}
				ino.MTime = uint32(time.Now().Unix())
				return d.c.PutDirty(block, out)
			}
			prevOffset = offset
			offset += int(e.RecLen)
		}
	}
	return fserr.New("direntry.Remove", fserr.NotFound)
}

// MakeEmpty initializes a freshly allocated directory's first data
// block with "." (self) and ".." (parent) entries, per spec.md §4.5:
// "the first entries in a newly created directory are '.' ... and
// '..'". It sets ino.Size/MTime.
func (d *Directory) MakeEmpty(ino *ext2.Inode, self, parent uint32) error {
	block, err := d.idx.Ensure(ino, 0)
	if err != nil {
		return err
	}

	buf := make([]byte, d.blockSize)
	dotLen := minimalSize(1)
	encodeAt(buf, 0, ext2.DirEntry{Inode: self, RecLen: uint16(dotLen), NameLen: 1, Type: ext2.FileTypeDir, Name: "."})
	dotDotLen := int(d.blockSize) - dotLen
	encodeAt(buf, dotLen, ext2.DirEntry{Inode: parent, RecLen: uint16(dotDotLen), NameLen: 2, Type: ext2.FileTypeDir, Name: ".."})

	if err := d.c.PutDirty(block, buf); err != nil {
		return err
	}

	ino.SetSize(int64(d.blockSize))
	ino.MTime = uint32(time.Now().Unix())
	return nil
}

// IsEmpty reports whether ino's directory contains only "." and ".."
// entries, for the facade's rmdir precondition.
func (d *Directory) IsEmpty(ino *ext2.Inode) (bool, error) {
	count := 0
	err := d.iterate(ino, func(e Entry) (bool, error) {
		if e.Name != "." && e.Name != ".." {
			count++
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
