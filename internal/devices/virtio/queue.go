package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// GuestMemory provides access to guest physical memory.
// It is the only way the device touches the shared virtqueue region: every
// access is bounds-checked by the accessor, never performed through a raw
// pointer into guest-owned memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor flags from the virtio split-virtqueue layout.
const (
	DescFNext  = 1 // buffer continues in the next descriptor
	DescFWrite = 2 // buffer is device write-only (otherwise read-only)
)

const (
	availFNoInterrupt = 1

	descSize      = 16
	usedElemSize  = 8
	availRingBase = 4 // flags + idx precede the ring
	usedRingBase  = 4
)

// Desc is one entry of the guest-provided descriptor table.
type Desc struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

var (
	errQueueNotReady = fmt.Errorf("virtio: queue not ready")
)

// VirtQueue is the device-side view of a split virtqueue. All ring
// accesses go through the GuestMemory accessor in little-endian layout.
// The guest side of the rings is untrusted: indices are masked by the
// queue size and descriptor chains are length-limited by callers.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewVirtQueue creates a queue over the given guest memory accessor.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{MaxSize: maxSize, mem: mem}
}

// Reset clears all queue state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses configures the three queue-memory addresses.
func (q *VirtQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the queue size in descriptors.
func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

// SetReady marks the queue ready for processing. Clearing readiness resets
// the queue.
func (q *VirtQueue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.Ready = true
}

// ReadDescriptor reads one descriptor-table entry.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Desc, error) {
	if err := q.ensureReady(); err != nil {
		return Desc{}, err
	}
	if idx >= q.Size {
		return Desc{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [descSize]byte
	if err := q.readGuestInto(q.DescTableAddr+uint64(idx)*descSize, buf[:]); err != nil {
		return Desc{}, err
	}
	return Desc{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AvailState reads the available ring's flags and index.
func (q *VirtQueue) AvailState() (flags uint16, idx uint16, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, 0, err
	}
	var header [4]byte
	if err := q.readGuestInto(q.AvailRingAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

// PopAvail returns the next posted descriptor head, if any. The head is
// consumed: a later PushUsed must retire it exactly once.
func (q *VirtQueue) PopAvail() (head uint16, ok bool, err error) {
	_, availIdx, err := q.AvailState()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var buf [2]byte
	offset := q.AvailRingAddr + availRingBase + uint64(ringIndex)*2
	if err := q.readGuestInto(offset, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return binary.LittleEndian.Uint16(buf[:]), true, nil
}

// InterruptsSuppressed reports whether the driver set
// VIRTQ_AVAIL_F_NO_INTERRUPT. On a ring read failure it reports false so a
// completion is never silently dropped.
func (q *VirtQueue) InterruptsSuppressed() bool {
	flags, _, err := q.AvailState()
	if err != nil {
		return false
	}
	return flags&availFNoInterrupt != 0
}

// PushUsed appends {head, written} to the used ring and publishes the new
// used index.
func (q *VirtQueue) PushUsed(head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	base := q.UsedRingAddr + usedRingBase + uint64(q.usedIdx%q.Size)*usedElemSize
	if err := q.writeGuestUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32(base+4, written); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.UsedRingAddr+2, q.usedIdx)
}

// ReadGuest reads length bytes of guest memory at addr.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest memory at addr.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return errQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.WriteGuest(addr, buf[:])
}

func (q *VirtQueue) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.WriteGuest(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
