package block

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/vsrinivas/virtioblk/internal/debug"
)

// DefaultMaxTransferSize is the per-call ceiling on host file transactions.
// Larger transfers are split internally; callers never see the chunking.
const DefaultMaxTransferSize = 8192

// hostFile is the slice of *os.File a File actually needs. Tests substitute
// fakes that enforce the transaction-size contract or inject I/O errors.
type hostFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// File is a raw-format Device backed by a host file. The virtual disk is
// simply sector-addressed raw bytes; any trailing partial sector in the
// backing file is ignored.
type File struct {
	f           hostFile
	size        int64
	readOnly    bool
	maxTransfer int64
	closed      atomic.Bool
}

// FileOptions configures a File.
type FileOptions struct {
	// ReadOnly makes every WriteAt fail with ErrReadOnly.
	ReadOnly bool
	// MaxTransferSize overrides the per-call host I/O ceiling.
	// Zero means DefaultMaxTransferSize.
	MaxTransferSize int
}

// OpenFile opens the raw disk image at path.
func OpenFile(path string, opts FileOptions) (*File, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	return NewFile(f, opts)
}

// NewFile wraps an already-open host file. The File takes ownership of f,
// including closing it when construction fails.
func NewFile(f *os.File, opts FileOptions) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", f.Name(), err)
	}
	return newFile(f, fi.Size(), opts), nil
}

func newFile(f hostFile, size int64, opts FileOptions) *File {
	maxTransfer := int64(opts.MaxTransferSize)
	if maxTransfer <= 0 {
		maxTransfer = DefaultMaxTransferSize
	}
	return &File{
		f:           f,
		size:        size - size%SectorSize,
		readOnly:    opts.ReadOnly,
		maxTransfer: maxTransfer,
	}
}

// Create creates a raw disk image of the given size, preallocating the
// backing file where the platform supports it. size must be a positive
// multiple of SectorSize.
func Create(path string, size int64) error {
	if size <= 0 || size%SectorSize != 0 {
		return fmt.Errorf("block: image size %d is not a positive multiple of %d", size, SectorSize)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("block: create %s: %w", path, err)
	}
	defer f.Close()
	if err := preallocate(f, size); err != nil {
		return fmt.Errorf("block: preallocate %s: %w", path, err)
	}
	return nil
}

// BlockSize implements Device.
func (d *File) BlockSize() int64 { return SectorSize }

// Size implements Device.
func (d *File) Size() int64 { return d.size }

// ReadOnly reports whether the device rejects writes.
func (d *File) ReadOnly() bool { return d.readOnly }

// ReadAt implements Device. Transfers larger than the host transaction
// ceiling are split into multiple host reads.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		chunk := d.maxTransfer
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		n, err := d.f.ReadAt(p[:chunk], off)
		total += n
		if err != nil {
			debug.Writef("block.read", "err=%v off=%d len=%d", err, off, chunk)
			return total, fmt.Errorf("block: read at %d: %w", off, err)
		}
		p = p[chunk:]
		off += chunk
	}
	return total, nil
}

// WriteAt implements Device. A single logical write spanning many times the
// host transaction ceiling lands as one contiguous byte range; a failure
// partway through leaves earlier chunks written (no rollback).
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, ErrReadOnly
	}
	if err := d.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		chunk := d.maxTransfer
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}
		n, err := d.f.WriteAt(p[:chunk], off)
		total += n
		if err != nil {
			debug.Writef("block.write", "err=%v off=%d len=%d", err, off, chunk)
			return total, fmt.Errorf("block: write at %d: %w", off, err)
		}
		p = p[chunk:]
		off += chunk
	}
	return total, nil
}

// Flush implements Device.
func (d *File) Flush() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("block: flush: %w", err)
	}
	return nil
}

// Close implements Device.
func (d *File) Close() error {
	if d.closed.Swap(true) {
		return ErrClosed
	}
	if !d.readOnly {
		if err := d.f.Sync(); err != nil {
			d.f.Close()
			return fmt.Errorf("block: flush on close: %w", err)
		}
	}
	return d.f.Close()
}

func (d *File) checkRange(off int64, length int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if off%SectorSize != 0 || length%SectorSize != 0 {
		return ErrUnaligned
	}
	if off < 0 || off+int64(length) > d.size {
		return ErrOutOfRange
	}
	return nil
}

var _ Device = (*File)(nil)
