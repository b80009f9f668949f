// Package vfs is the filesystem facade: the single entry point every
// caller goes through, composing ext2/blockdev/cache/bitmap/superblock/
// inode/blockindex/direntry into the operation table spec.md §4.6
// names, and every link-count/time semantic. Within one operation,
// block allocation dirties the bitmap and superblock/group descriptor
// before the new data or indirection blocks are dirtied, and the inode
// record is written after its data. Orchestration is grounded on the teacher's ext.Compiler
// (stage sequencing: constants, superblock/BGDT, bitmaps, inode table,
// data) collapsed to the single-group, on-demand-mutation case this
// engine requires; path resolution is grounded on
// vdecompiler.(*IO).ResolvePathToInodeNo.
package vfs

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/ext2fs/pkg/bitmap"
	"github.com/vorteil/ext2fs/pkg/blockdev"
	"github.com/vorteil/ext2fs/pkg/blockindex"
	"github.com/vorteil/ext2fs/pkg/cache"
	"github.com/vorteil/ext2fs/pkg/direntry"
	"github.com/vorteil/ext2fs/pkg/ext2"
	"github.com/vorteil/ext2fs/pkg/flog"
	"github.com/vorteil/ext2fs/pkg/fserr"
	"github.com/vorteil/ext2fs/pkg/inode"
	"github.com/vorteil/ext2fs/pkg/superblock"
)

// Attr is the attribute snapshot returned by lookup/getattr/create-like
// operations.
type Attr struct {
	Ino     uint32
	Mode    uint16
	UID     uint16
	GID     uint16
	Size    int64
	Links   uint16
	ATime   uint32
	MTime   uint32
	CTime   uint32
	IsDir   bool
	IsRegular bool
	IsSymlink bool
}

func attrOf(ino uint32, i ext2.Inode) Attr {
	return Attr{
		Ino: ino, Mode: i.Mode, UID: i.UID, GID: i.GID, Size: i.Size(),
		Links: i.LinksCount, ATime: i.ATime, MTime: i.MTime, CTime: i.CTime,
		IsDir: i.IsDir(), IsRegular: i.IsRegular(), IsSymlink: i.IsSymlink(),
	}
}

// FileSystem is a mounted Ext2 revision-0 filesystem over a single
// blockdev.Device. It is not safe for concurrent use: spec.md §5
// mandates a single-threaded, serialized facade with no intra-core
// locking.
type FileSystem struct {
	dev     blockdev.Device
	c       *cache.BlockCache
	sb      *superblock.Manager
	dataBmp *bitmap.Bitmap
	inoBmp  *bitmap.Bitmap
	inodes  *inode.Store
	idx     *blockindex.Engine
	dir     *direntry.Directory
	log     flog.Logger
	mountID uuid.UUID
	cacheBlocks int
	readOnly    bool
}

// Options configures Mount/Format.
type Options struct {
	CacheBlocks int // 0 disables caching
	Log         flog.Logger
	ReadOnly    bool // reject every mutating operation with fserr.ReadOnly
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = flog.Discard
	}
	return o
}

func (fs *FileSystem) blockSize() uint32 { return fs.sb.Layout().BlockSize }

func (fs *FileSystem) touch(ino *ext2.Inode, atime, mtime, ctime bool) {
	now := uint32(time.Now().Unix())
	if atime {
		ino.ATime = now
	}
	if mtime {
		ino.MTime = now
	}
	if ctime {
		ino.CTime = now
	}
}

// FormatParams configures a fresh filesystem image, per spec.md §6's
// layout configuration.
type FormatParams struct {
	TotalBlocks uint64
	BlockSize   uint32
	InodeCount  uint64
}

// Format lays out a brand-new filesystem on dev: boot block, superblock,
// group descriptor, zeroed bitmaps with metadata pre-marked allocated,
// zeroed inode table, and a root directory (inode 2) containing only
// "." and ".." (both pointing at itself), per spec.md §4.6's format
// operation. It returns a FileSystem ready for use; the caller is
// responsible for eventually calling Close.
func Format(dev blockdev.Device, params FormatParams, opts Options) (*FileSystem, error) {
	opts = opts.withDefaults()

	if opts.ReadOnly {
		return nil, fserr.New("vfs.Format", fserr.InvalidArgument)
	}
	if params.BlockSize%uint32(dev.Info().IOUnitSize) != 0 {
		return nil, fserr.New("vfs.Format", fserr.InvalidArgument)
	}

	c := cache.New(dev, int(params.BlockSize), opts.CacheBlocks)
	layout := superblock.ComputeLayout(params.TotalBlocks, params.BlockSize, params.InodeCount)

	sb, err := superblock.Format(c, layout)
	if err != nil {
		return nil, errors.Wrap(err, "formatting superblock")
	}

	fs := newFileSystem(dev, c, sb, opts)

	// Inode 2 is among the reserved inodes 1..10 whose bitmap bits
	// superblock.Format already set, so the root record is written
	// directly rather than bitmap-allocated.
	now := uint32(time.Now().Unix())
	rootIno := uint32(ext2.RootInode)
	rootRec := ext2.Inode{Mode: ext2.ModeDirectory | 0o755, ATime: now, CTime: now, MTime: now, LinksCount: 2}
	if err := fs.dir.MakeEmpty(&rootRec, rootIno, rootIno); err != nil {
		return nil, errors.Wrap(err, "writing root directory entries")
	}
	if err := fs.sb.AdjustUsedDirs(1); err != nil {
		return nil, err
	}
	if err := fs.inodes.Write(rootIno, rootRec); err != nil {
		return nil, errors.Wrap(err, "persisting root inode")
	}

	fs.log.Infof("formatted %d-block filesystem (block size %d, mount %s)", params.TotalBlocks, params.BlockSize, fs.mountID)
	return fs, nil
}

// Mount opens an existing filesystem image on dev.
func Mount(dev blockdev.Device, opts Options) (*FileSystem, error) {
	opts = opts.withDefaults()

	probe := cache.New(dev, dev.Info().IOUnitSize, 0)
	sb, err := superblock.Mount(probe, dev)
	if err != nil {
		return nil, errors.Wrap(err, "mounting superblock")
	}

	c := cache.New(dev, int(sb.Layout().BlockSize), opts.CacheBlocks)
	sb, err = superblock.Mount(c, dev)
	if err != nil {
		return nil, errors.Wrap(err, "re-mounting superblock at filesystem block size")
	}

	fs := newFileSystem(dev, c, sb, opts)
	if !fs.readOnly {
		if err := fs.sb.Touch(); err != nil {
			return nil, errors.Wrap(err, "updating mount counters")
		}
	}
	fs.log.Infof("mounted filesystem (mount %s, read-only %t)", fs.mountID, fs.readOnly)
	return fs, nil
}

func newFileSystem(dev blockdev.Device, c *cache.BlockCache, sb *superblock.Manager, opts Options) *FileSystem {
	layout := sb.Layout()

	// The data bitmap covers every block from block 0, so the metadata
	// bits superblock.Format pre-marks keep metadata out of allocation.
	dataCount := layout.TotalBlocks
	dataBmp := bitmap.New(c, layout.DataBitmapBlock, dataCount, func(delta int) error {
		return sb.AdjustFreeBlocks(delta)
	})
	inoBmp := bitmap.New(c, layout.InodeBitmapBlock, layout.TotalInodes, func(delta int) error {
		return sb.AdjustFreeInodes(delta)
	})

	inodes := inode.New(c, inoBmp, layout.InodeTableBlock, layout.BlockSize, layout.InodeSize, layout.TotalInodes)
	idx := blockindex.New(c, dataBmp, layout.BlockSize, 0)
	dir := direntry.New(c, idx, layout.BlockSize)

	return &FileSystem{
		dev: dev, c: c, sb: sb, dataBmp: dataBmp, inoBmp: inoBmp,
		inodes: inodes, idx: idx, dir: dir, log: opts.Log, mountID: uuid.New(),
		cacheBlocks: opts.CacheBlocks, readOnly: opts.ReadOnly,
	}
}

// checkWritable rejects mutating operations on a filesystem mounted with
// Options.ReadOnly, per spec.md §4.6's documented ReadOnly error kind.
func (fs *FileSystem) checkWritable(op string) error {
	if fs.readOnly {
		return fserr.New(op, fserr.ReadOnly)
	}
	return nil
}

// Close flushes the cache. It does not update the superblock's mount
// time or mount count; Mount updates those when it opens a writable
// filesystem.
func (fs *FileSystem) Close() error {
	if err := fs.c.Flush(); err != nil {
		return errors.Wrap(err, "flushing cache on unmount")
	}
	return nil
}

// StatFS returns filesystem totals and free counts.
func (fs *FileSystem) StatFS() superblock.StatFS {
	return fs.sb.StatFS()
}

func validName(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return fserr.New("vfs.validName", fserr.NameTooLong)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return fserr.New("vfs.validName", fserr.InvalidArgument)
	}
	return nil
}

// Lookup resolves name within parent, per spec.md §4.6.
func (fs *FileSystem) Lookup(parent uint32, name string) (uint32, Attr, error) {
	dirRec, err := fs.inodes.Read(parent)
	if err != nil {
		return 0, Attr{}, errors.Wrap(err, "reading parent inode")
	}
	if !dirRec.IsDir() {
		return 0, Attr{}, fserr.New("vfs.Lookup", fserr.NotDir)
	}

	childIno, _, err := fs.dir.Lookup(&dirRec, name)
	if err != nil {
		return 0, Attr{}, wrapDirErr("vfs.Lookup", err)
	}
	childRec, err := fs.inodes.Read(childIno)
	if err != nil {
		return 0, Attr{}, err
	}
	return childIno, attrOf(childIno, childRec), nil
}

func wrapDirErr(op string, err error) error {
	if fserr.Is(err, fserr.NotFound) {
		return fserr.New(op, fserr.NotFound)
	}
	return err
}

// GetAttr returns ino's attribute snapshot.
func (fs *FileSystem) GetAttr(ino uint32) (Attr, error) {
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return Attr{}, err
	}
	if rec.Mode == 0 {
		return Attr{}, fserr.New("vfs.GetAttr", fserr.NotFound)
	}
	return attrOf(ino, rec), nil
}

// SetAttrParams carries the subset of mutable attributes setattr may
// change; a nil field is left untouched.
type SetAttrParams struct {
	Mode *uint16
	UID  *uint16
	GID  *uint16
	Size *int64
}

// SetAttr persists the given subset of attributes on ino, per spec.md
// §4.6, updating ctime.
func (fs *FileSystem) SetAttr(ino uint32, p SetAttrParams) (Attr, error) {
	if err := fs.checkWritable("vfs.SetAttr"); err != nil {
		return Attr{}, err
	}
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return Attr{}, err
	}
	if rec.Mode == 0 {
		return Attr{}, fserr.New("vfs.SetAttr", fserr.NotFound)
	}

	if p.Mode != nil {
		rec.Mode = (rec.Mode & ext2.ModeTypeMask) | (*p.Mode &^ ext2.ModeTypeMask)
	}
	if p.UID != nil {
		rec.UID = *p.UID
	}
	if p.GID != nil {
		rec.GID = *p.GID
	}
	if p.Size != nil {
		if err := fs.truncate(&rec, *p.Size); err != nil {
			return Attr{}, err
		}
	}
	fs.touch(&rec, false, false, true)

	if err := fs.inodes.Write(ino, rec); err != nil {
		return Attr{}, err
	}
	return attrOf(ino, rec), nil
}

func (fs *FileSystem) truncate(rec *ext2.Inode, newSize int64) error {
	if newSize < rec.Size() {
		if err := fs.idx.Truncate(rec, newSize); err != nil {
			return err
		}
	}
	rec.SetSize(newSize)
	return nil
}

// Read returns up to length bytes starting at offset in ino's data,
// updating atime.
func (fs *FileSystem) Read(ino uint32, offset int64, length int) ([]byte, error) {
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return nil, err
	}
	if rec.IsDir() {
		return nil, fserr.New("vfs.Read", fserr.IsDir)
	}

	size := rec.Size()
	if offset >= size {
		return nil, nil
	}
	if offset+int64(length) > size {
		length = int(size - offset)
	}

	out := make([]byte, length)
	blockSize := int64(fs.blockSize())
	read := 0
	for read < length {
		abs := offset + int64(read)
		L := abs / blockSize
		within := abs % blockSize

		block, err := fs.idx.Resolve(&rec, L)
		if err != nil {
			return nil, err
		}

		n := int(blockSize - within)
		if n > length-read {
			n = length - read
		}

		if block == 0 {
			// hole: zero-filled read, per spec.md §4.4.
			read += n
			continue
		}

		buf, err := fs.c.Get(block)
		if err != nil {
			return nil, err
		}
		copy(out[read:read+n], buf[within:within+int64(n)])
		read += n
	}

	fs.touch(&rec, true, false, false)
	if err := fs.inodes.Write(ino, rec); err != nil {
		return nil, err
	}
	return out, nil
}

// Write writes data at offset into ino's data, growing the file and
// updating mtime/ctime, per spec.md §4.6. For each block, Ensure first
// allocates any missing blocks (dirtying the bitmap and the
// superblock/group-descriptor counters, then the zeroed new blocks and
// their parent indirection pointers); the data block is dirtied after
// that, and the inode record last.
func (fs *FileSystem) Write(ino uint32, offset int64, data []byte) (int, error) {
	if err := fs.checkWritable("vfs.Write"); err != nil {
		return 0, err
	}
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return 0, err
	}
	if rec.IsDir() {
		return 0, fserr.New("vfs.Write", fserr.IsDir)
	}

	blockSize := int64(fs.blockSize())
	written := 0
	for written < len(data) {
		abs := offset + int64(written)
		L := abs / blockSize
		within := abs % blockSize

		block, err := fs.idx.Ensure(&rec, L)
		if err != nil {
			return written, err
		}

		n := int(blockSize - within)
		if n > len(data)-written {
			n = len(data) - written
		}

		buf, err := fs.c.Get(block)
		if err != nil {
			return written, err
		}
		out := append([]byte(nil), buf...)
		copy(out[within:within+int64(n)], data[written:written+n])
		if err := fs.c.PutDirty(block, out); err != nil {
			return written, err
		}

		written += n
	}

	if end := offset + int64(written); end > rec.Size() {
		rec.SetSize(end)
	}
	fs.touch(&rec, false, true, true)

	if err := fs.inodes.Write(ino, rec); err != nil {
		return written, err
	}
	return written, nil
}

func (fs *FileSystem) resolveDir(parent uint32) (ext2.Inode, error) {
	rec, err := fs.inodes.Read(parent)
	if err != nil {
		return ext2.Inode{}, err
	}
	if !rec.IsDir() {
		return ext2.Inode{}, fserr.New("vfs.resolveDir", fserr.NotDir)
	}
	return rec, nil
}

// Create makes a new regular file named name inside parent.
func (fs *FileSystem) Create(parent uint32, name string, mode uint16) (uint32, Attr, error) {
	if err := fs.checkWritable("vfs.Create"); err != nil {
		return 0, Attr{}, err
	}
	if err := validName(name); err != nil {
		return 0, Attr{}, err
	}
	parentRec, err := fs.resolveDir(parent)
	if err != nil {
		return 0, Attr{}, err
	}

	childIno, childRec, err := fs.inodes.Allocate(ext2.ModeRegular | (mode &^ ext2.ModeTypeMask))
	if err != nil {
		return 0, Attr{}, err
	}

	if err := fs.dir.Insert(&parentRec, name, childIno, ext2.FileTypeRegular); err != nil {
		_ = fs.inodes.Free(childIno)
		return 0, Attr{}, wrapExistsErr("vfs.Create", err)
	}
	fs.touch(&parentRec, false, true, true)
	if err := fs.inodes.Write(parent, parentRec); err != nil {
		return 0, Attr{}, err
	}

	return childIno, attrOf(childIno, childRec), nil
}

func wrapExistsErr(op string, err error) error {
	if fserr.Is(err, fserr.Exists) {
		return fserr.New(op, fserr.Exists)
	}
	return err
}

// Mkdir makes a new directory named name inside parent, containing only
// "." (self) and ".." (parent), and increments parent's link count for
// the new ".." reference.
func (fs *FileSystem) Mkdir(parent uint32, name string, mode uint16) (uint32, error) {
	if err := fs.checkWritable("vfs.Mkdir"); err != nil {
		return 0, err
	}
	if err := validName(name); err != nil {
		return 0, err
	}
	parentRec, err := fs.resolveDir(parent)
	if err != nil {
		return 0, err
	}

	childIno, childRec, err := fs.inodes.Allocate(ext2.ModeDirectory | (mode &^ ext2.ModeTypeMask))
	if err != nil {
		return 0, err
	}

	if err := fs.dir.Insert(&parentRec, name, childIno, ext2.FileTypeDir); err != nil {
		_ = fs.inodes.Free(childIno)
		return 0, wrapExistsErr("vfs.Mkdir", err)
	}
	if err := fs.dir.MakeEmpty(&childRec, childIno, parent); err != nil {
		return 0, err
	}

	parentRec.LinksCount++ // the new ".." entry references parent
	fs.touch(&parentRec, false, true, true)

	if err := fs.inodes.Write(childIno, childRec); err != nil {
		return 0, err
	}
	if err := fs.inodes.Write(parent, parentRec); err != nil {
		return 0, err
	}
	if err := fs.sb.AdjustUsedDirs(1); err != nil {
		return 0, err
	}
	return childIno, nil
}

// Unlink removes name from parent; if the target's link count reaches
// zero, its inode is freed and its data truncated to zero, per spec.md
// §4.6's link-count semantics.
func (fs *FileSystem) Unlink(parent uint32, name string) error {
	if err := fs.checkWritable("vfs.Unlink"); err != nil {
		return err
	}
	parentRec, err := fs.resolveDir(parent)
	if err != nil {
		return err
	}

	childIno, _, err := fs.dir.Lookup(&parentRec, name)
	if err != nil {
		return wrapDirErr("vfs.Unlink", err)
	}
	childRec, err := fs.inodes.Read(childIno)
	if err != nil {
		return err
	}
	if childRec.IsDir() {
		return fserr.New("vfs.Unlink", fserr.IsDir)
	}

	if err := fs.dir.Remove(&parentRec, name); err != nil {
		return err
	}
	fs.touch(&parentRec, false, true, true)
	if err := fs.inodes.Write(parent, parentRec); err != nil {
		return err
	}

	childRec.LinksCount--
	if childRec.LinksCount == 0 {
		// An inline symlink's block array holds its target, not pointers.
		if !childRec.InlineSymlink() {
			if err := fs.idx.Truncate(&childRec, 0); err != nil {
				return err
			}
		}
		childRec.SetSize(0)
		return fs.inodes.Free(childIno)
	}
	fs.touch(&childRec, false, false, true)
	return fs.inodes.Write(childIno, childRec)
}

// Rmdir removes the empty directory named name from parent, per
// spec.md §4.6: requires link count 2 and only "."/".." entries.
func (fs *FileSystem) Rmdir(parent uint32, name string) error {
	if err := fs.checkWritable("vfs.Rmdir"); err != nil {
		return err
	}
	parentRec, err := fs.resolveDir(parent)
	if err != nil {
		return err
	}

	childIno, _, err := fs.dir.Lookup(&parentRec, name)
	if err != nil {
		return wrapDirErr("vfs.Rmdir", err)
	}
	childRec, err := fs.inodes.Read(childIno)
	if err != nil {
		return err
	}
	if !childRec.IsDir() {
		return fserr.New("vfs.Rmdir", fserr.NotDir)
	}

	empty, err := fs.dir.IsEmpty(&childRec)
	if err != nil {
		return err
	}
	if !empty || childRec.LinksCount != 2 {
		return fserr.New("vfs.Rmdir", fserr.NotEmpty)
	}

	if err := fs.dir.Remove(&parentRec, name); err != nil {
		return err
	}
	parentRec.LinksCount-- // the removed child's ".." no longer references parent
	fs.touch(&parentRec, false, true, true)
	if err := fs.inodes.Write(parent, parentRec); err != nil {
		return err
	}

	if err := fs.idx.Truncate(&childRec, 0); err != nil {
		return err
	}
	childRec.SetSize(0)
	if err := fs.inodes.Free(childIno); err != nil {
		return err
	}
	return fs.sb.AdjustUsedDirs(-1)
}

// Rename moves oldName in oldParent to newName in newParent. If
// newName already exists, its type must match oldName's (POSIX-style
// rename semantics: a directory may only replace an empty directory or
// a nonexistent name, a non-directory may only replace a non-directory
// or a nonexistent name — see DESIGN.md's Open Question decision).
func (fs *FileSystem) Rename(oldParent uint32, oldName string, newParent uint32, newName string) error {
	if err := fs.checkWritable("vfs.Rename"); err != nil {
		return err
	}
	if err := validName(newName); err != nil {
		return err
	}
	oldParentRec, err := fs.resolveDir(oldParent)
	if err != nil {
		return err
	}
	newParentRec := oldParentRec
	sameParent := oldParent == newParent
	if !sameParent {
		newParentRec, err = fs.resolveDir(newParent)
		if err != nil {
			return err
		}
	}

	childIno, childType, err := fs.dir.Lookup(&oldParentRec, oldName)
	if err != nil {
		return wrapDirErr("vfs.Rename", err)
	}

	if existingIno, existingType, err := fs.dir.Lookup(&newParentRec, newName); err == nil {
		if existingIno == childIno {
			// Renaming an entry onto itself (same inode, whether via the
			// identical name or a hard-linked alias) is a POSIX no-op.
			return nil
		}
		if (existingType == ext2.FileTypeDir) != (childType == ext2.FileTypeDir) {
			return fserr.New("vfs.Rename", fserr.InvalidArgument)
		}
		if existingType == ext2.FileTypeDir {
			if err := fs.Rmdir(newParent, newName); err != nil {
				return err
			}
			if sameParent {
				oldParentRec, err = fs.resolveDir(oldParent)
				if err != nil {
					return err
				}
			}
			newParentRec, err = fs.resolveDir(newParent)
			if err != nil {
				return err
			}
		} else {
			if err := fs.Unlink(newParent, newName); err != nil {
				return err
			}
			if sameParent {
				oldParentRec, err = fs.resolveDir(oldParent)
				if err != nil {
					return err
				}
			}
			newParentRec, err = fs.resolveDir(newParent)
			if err != nil {
				return err
			}
		}
		_ = existingIno
	} else if !fserr.Is(err, fserr.NotFound) {
		return err
	}

	if err := fs.dir.Remove(&oldParentRec, oldName); err != nil {
		return err
	}
	if sameParent {
		newParentRec = oldParentRec
	}
	if err := fs.dir.Insert(&newParentRec, newName, childIno, childType); err != nil {
		return err
	}

	if childType == ext2.FileTypeDir && !sameParent {
		childRec, err := fs.inodes.Read(childIno)
		if err != nil {
			return err
		}
		if err := fs.dir.Remove(&childRec, ".."); err != nil {
			return err
		}
		if err := fs.dir.Insert(&childRec, "..", newParent, ext2.FileTypeDir); err != nil {
			return err
		}
		if err := fs.inodes.Write(childIno, childRec); err != nil {
			return err
		}
		oldParentRec.LinksCount--
		newParentRec.LinksCount++
	}

	fs.touch(&oldParentRec, false, true, true)
	if err := fs.inodes.Write(oldParent, oldParentRec); err != nil {
		return err
	}
	if !sameParent {
		fs.touch(&newParentRec, false, true, true)
		if err := fs.inodes.Write(newParent, newParentRec); err != nil {
			return err
		}
	}
	return nil
}

// Symlink creates a symlink named name in parent pointing at target. A
// target of 60 bytes or fewer is stored inline in the inode's
// block-pointer region (spec.md §3); longer targets are stored as
// normal file data in a single block, so a target longer than one block
// is rejected with fserr.NameTooLong.
func (fs *FileSystem) Symlink(parent uint32, name, target string) (uint32, error) {
	if err := fs.checkWritable("vfs.Symlink"); err != nil {
		return 0, err
	}
	if err := validName(name); err != nil {
		return 0, err
	}
	if len(target) == 0 || len(target) > int(fs.blockSize()) {
		return 0, fserr.New("vfs.Symlink", fserr.NameTooLong)
	}
	parentRec, err := fs.resolveDir(parent)
	if err != nil {
		return 0, err
	}

	childIno, childRec, err := fs.inodes.Allocate(ext2.ModeSymlink | 0o777)
	if err != nil {
		return 0, err
	}

	if len(target) <= 60 {
		childRec.SetInlineTarget(target)
		childRec.SetSize(int64(len(target)))
		childRec.Sectors = 0 // Sectors == 0 marks an inline symlink (ext2.Inode.InlineSymlink).
	} else {
		if err := fs.writeSymlinkData(&childRec, target); err != nil {
			_ = fs.inodes.Free(childIno)
			return 0, err
		}
	}

	if err := fs.inodes.Write(childIno, childRec); err != nil {
		return 0, err
	}

	if err := fs.dir.Insert(&parentRec, name, childIno, ext2.FileTypeSymlink); err != nil {
		_ = fs.inodes.Free(childIno)
		return 0, wrapExistsErr("vfs.Symlink", err)
	}
	fs.touch(&parentRec, false, true, true)
	return childIno, fs.inodes.Write(parent, parentRec)
}

func (fs *FileSystem) writeSymlinkData(rec *ext2.Inode, target string) error {
	block, err := fs.idx.Ensure(rec, 0)
	if err != nil {
		return err
	}
	buf := make([]byte, fs.blockSize())
	copy(buf, target)
	if err := fs.c.PutDirty(block, buf); err != nil {
		return err
	}
	rec.SetSize(int64(len(target)))
	return nil
}

// Readlink returns the target of symlink ino.
func (fs *FileSystem) Readlink(ino uint32) (string, error) {
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return "", err
	}
	if !rec.IsSymlink() {
		return "", fserr.New("vfs.Readlink", fserr.NotSymlink)
	}

	if rec.InlineSymlink() {
		return rec.InlineTarget(rec.Size()), nil
	}

	data, err := fs.Read(ino, 0, int(rec.Size()))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Readdir lists ino's directory entries.
func (fs *FileSystem) Readdir(ino uint32) ([]ext2.DirEntry, error) {
	rec, err := fs.inodes.Read(ino)
	if err != nil {
		return nil, err
	}
	if !rec.IsDir() {
		return nil, fserr.New("vfs.Readdir", fserr.NotDir)
	}
	return fs.dir.List(&rec)
}
