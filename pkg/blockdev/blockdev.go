// Package blockdev defines the raw block-device contract this filesystem
// core is built against (spec.md §6: seek/read/write a fixed IO unit,
// report geometry) and ships two reference collaborators, MemDevice and
// FileDevice, so the engine is independently testable without a real
// kernel bridge. Per spec.md §1(c), the "real" device emulator is an
// external collaborator; these two are this module's own, grounded on
// the seek/read/write-over-a-stream pattern in the teacher's
// pkg/vdecompiler partialIO type.
package blockdev

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Geometry describes a device's fixed shape and simulated latency, per
// spec.md §6's info() contract.
type Geometry struct {
	TotalSize    int64
	IOUnitSize   int
	ReadLatency  time.Duration
	WriteLatency time.Duration
}

// Device is the block-access contract every component above pkg/cache is
// forbidden from bypassing (spec.md §5: "direct device I/O is prohibited
// for any component other than the cache").
type Device interface {
	// Seek positions the device at the given byte offset for the next
	// ReadBlock/WriteBlock call.
	Seek(offset int64) error
	// ReadBlock fills buf (exactly Info().IOUnitSize bytes) from the
	// current position and advances it.
	ReadBlock(buf []byte) error
	// WriteBlock writes buf (exactly Info().IOUnitSize bytes) at the
	// current position and advances it.
	WriteBlock(buf []byte) error
	// Info reports the device's fixed geometry.
	Info() Geometry
}

// MemDevice is an in-memory Device, useful for tests and ephemeral
// mounts that don't need to survive process exit.
type MemDevice struct {
	data     []byte
	iounit   int
	pos      int64
	latency  time.Duration
}

// NewMemDevice allocates a zeroed in-memory device of the given size and
// IO unit.
func NewMemDevice(size int64, iounit int) *MemDevice {
	return &MemDevice{data: make([]byte, size), iounit: iounit}
}

func (m *MemDevice) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(m.data)) {
		return errors.Errorf("seek offset %d out of range [0,%d]", offset, len(m.data))
	}
	m.pos = offset
	return nil
}

func (m *MemDevice) ReadBlock(buf []byte) error {
	if len(buf) != m.iounit {
		return errors.Errorf("read buffer size %d does not match IO unit %d", len(buf), m.iounit)
	}
	if m.pos+int64(len(buf)) > int64(len(m.data)) {
		return errors.New("read past end of device")
	}
	copy(buf, m.data[m.pos:m.pos+int64(len(buf))])
	m.pos += int64(len(buf))
	return nil
}

func (m *MemDevice) WriteBlock(buf []byte) error {
	if len(buf) != m.iounit {
		return errors.Errorf("write buffer size %d does not match IO unit %d", len(buf), m.iounit)
	}
	if m.pos+int64(len(buf)) > int64(len(m.data)) {
		return errors.New("write past end of device")
	}
	copy(m.data[m.pos:m.pos+int64(len(buf))], buf)
	m.pos += int64(len(buf))
	return nil
}

func (m *MemDevice) Info() Geometry {
	return Geometry{TotalSize: int64(len(m.data)), IOUnitSize: m.iounit}
}

// FileDevice is an *os.File-backed Device for a persistent, file-backed
// block device image.
type FileDevice struct {
	f      *os.File
	size   int64
	iounit int
}

// OpenFileDevice opens an existing file-backed device image of the given
// size and IO unit.
func OpenFileDevice(path string, size int64, iounit int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening device file")
	}
	return &FileDevice{f: f, size: size, iounit: iounit}, nil
}

// CreateFileDevice creates a new zero-filled file-backed device image.
func CreateFileDevice(path string, size int64, iounit int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "creating device file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sizing device file")
	}
	return &FileDevice{f: f, size: size, iounit: iounit}, nil
}

func (d *FileDevice) Seek(offset int64) error {
	_, err := d.f.Seek(offset, io.SeekStart)
	return errors.Wrap(err, "seeking device file")
}

func (d *FileDevice) ReadBlock(buf []byte) error {
	_, err := io.ReadFull(d.f, buf)
	return errors.Wrap(err, "reading device file")
}

func (d *FileDevice) WriteBlock(buf []byte) error {
	_, err := d.f.Write(buf)
	return errors.Wrap(err, "writing device file")
}

func (d *FileDevice) Info() Geometry {
	return Geometry{TotalSize: d.size, IOUnitSize: d.iounit}
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
