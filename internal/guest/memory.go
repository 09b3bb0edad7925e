// Package guest is an in-process stand-in for the guest side of a virtio
// block device: a flat guest-memory slab, a driver that lays out a split
// virtqueue in it, posts descriptor chains, and consumes completions. The
// device under test sees exactly what a real guest would hand it.
package guest

import (
	"fmt"
	"io"
	"sync"
)

// Memory is a flat guest physical memory slab. Addresses are offsets from
// zero; accesses outside the slab fail, which is how the device observes a
// descriptor pointing at unmapped guest memory.
//
// Accesses are serialized by a mutex: the device worker writes used-ring
// entries and payloads while the driver side polls them, so both sides
// need a synchronized view of the slab.
type Memory struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemory allocates a zeroed guest memory slab of the given size.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the slab size in bytes.
func (m *Memory) Size() int {
	return len(m.buf)
}

// ReadAt implements io.ReaderAt over the slab.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("guest: read at %#x outside memory: %w", off, io.EOF)
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the slab.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("guest: write at %#x outside memory: %w", off, io.ErrShortWrite)
	}
	n := copy(m.buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
