// Package block provides the host-side storage backends a virtio block
// device serves sectors from.
package block

import (
	"errors"
	"io"
)

// SectorSize is the addressable unit of every device in this package.
const SectorSize = 512

var (
	// ErrReadOnly is returned by WriteAt on a read-only device.
	ErrReadOnly = errors.New("block: device is read-only")
	// ErrOutOfRange is returned when an I/O range falls outside the device.
	ErrOutOfRange = errors.New("block: I/O beyond end of device")
	// ErrUnaligned is returned when an offset or length is not a multiple
	// of the device block size.
	ErrUnaligned = errors.New("block: unaligned I/O")
	// ErrClosed is returned for I/O against a closed device.
	ErrClosed = errors.New("block: device closed")
)

// Device is the interface block storage backends present to the virtio
// layer. Offsets and lengths passed to ReadAt and WriteAt must be multiples
// of BlockSize. ReadAt and WriteAt return a non-nil error whenever
// n < len(p).
type Device interface {
	// BlockSize returns the size in bytes of the smallest block the device
	// can read or write at once.
	BlockSize() int64

	// Size returns the fixed size of the device in bytes.
	Size() int64

	io.ReaderAt
	io.WriterAt

	// Flush commits all completed writes to stable storage before
	// returning.
	Flush() error

	// Close flushes and closes the device, rendering it unusable for I/O.
	Close() error
}
