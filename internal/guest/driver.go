package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/vsrinivas/virtioblk/internal/devices/virtio"
)

const (
	descSize     = 16
	usedElemSize = 8
)

// Driver owns the guest side of one split virtqueue: it carves the
// descriptor table, available ring, used ring, and a buffer arena out of a
// Memory slab, builds descriptor chains, and tracks completions.
type Driver struct {
	mem  *Memory
	size uint16

	descTable uint64
	availRing uint64
	usedRing  uint64
	arena     uint64
	arenaEnd  uint64

	nextDesc    uint16
	nextBuf     uint64
	availIdx    uint16
	lastUsedIdx uint16
}

// NewDriver lays out a virtqueue of the given size at base in mem.
func NewDriver(mem *Memory, base uint64, queueSize uint16) (*Driver, error) {
	if queueSize == 0 {
		return nil, fmt.Errorf("guest: queue size cannot be zero")
	}

	descTable := align(base, 16)
	availRing := align(descTable+uint64(queueSize)*descSize, 2)
	usedRing := align(availRing+4+uint64(queueSize)*2+2, 4)
	arena := align(usedRing+4+uint64(queueSize)*usedElemSize+2, 512)
	if arena >= uint64(mem.Size()) {
		return nil, fmt.Errorf("guest: %d bytes of memory too small for queue size %d", mem.Size(), queueSize)
	}

	return &Driver{
		mem:       mem,
		size:      queueSize,
		descTable: descTable,
		availRing: availRing,
		usedRing:  usedRing,
		arena:     arena,
		arenaEnd:  uint64(mem.Size()),
		nextBuf:   arena,
	}, nil
}

// QueueAddrs returns the descriptor table, available ring, and used ring
// addresses for the device's queue-configuration call.
func (d *Driver) QueueAddrs() (descAddr, availAddr, usedAddr uint64) {
	return d.descTable, d.availRing, d.usedRing
}

// QueueSize returns the queue size in descriptors.
func (d *Driver) QueueSize() uint16 {
	return d.size
}

// SuppressInterrupts sets or clears VIRTQ_AVAIL_F_NO_INTERRUPT.
func (d *Driver) SuppressInterrupts(suppress bool) {
	var flags [2]byte
	if suppress {
		binary.LittleEndian.PutUint16(flags[:], 1)
	}
	d.mem.WriteAt(flags[:], int64(d.availRing))
}

// Reclaim resets the descriptor and buffer allocators. Only valid once
// every posted chain has completed.
func (d *Driver) Reclaim() {
	d.nextDesc = 0
	d.nextBuf = d.arena
}

func (d *Driver) alloc(length uint32) (uint64, error) {
	addr := d.nextBuf
	if addr+uint64(length) > d.arenaEnd {
		return 0, fmt.Errorf("guest: buffer arena exhausted (%d bytes requested)", length)
	}
	d.nextBuf = align(addr+uint64(length), 8)
	return addr, nil
}

// Chain accumulates buffers for one descriptor chain. Readable buffers
// must all be appended before writable ones, as virtio-blk expects; the
// builder does not enforce this so tests can construct malformed chains.
type Chain struct {
	d     *Driver
	descs []virtio.Desc
	err   error
}

// NewChain starts building a descriptor chain.
func (d *Driver) NewChain() *Chain {
	return &Chain{d: d}
}

// AppendReadable adds a device-readable buffer holding data and returns
// its guest address.
func (c *Chain) AppendReadable(data []byte) uint64 {
	return c.append(data, uint32(len(data)), 0)
}

// AppendWritable adds a zeroed device-writable buffer of the given length
// and returns its guest address for reading back after completion.
func (c *Chain) AppendWritable(length uint32) uint64 {
	return c.append(nil, length, virtio.DescFWrite)
}

// AppendWritableBytes adds a device-writable buffer pre-filled with data,
// for sentinel checks on regions the device must leave untouched.
func (c *Chain) AppendWritableBytes(data []byte) uint64 {
	return c.append(data, uint32(len(data)), virtio.DescFWrite)
}

func (c *Chain) append(data []byte, length uint32, flags uint16) uint64 {
	if c.err != nil {
		return 0
	}
	addr, err := c.d.alloc(length)
	if err != nil {
		c.err = err
		return 0
	}
	buf := make([]byte, length)
	copy(buf, data)
	if _, err := c.d.mem.WriteAt(buf, int64(addr)); err != nil {
		c.err = err
		return 0
	}
	c.descs = append(c.descs, virtio.Desc{Addr: addr, Length: length, Flags: flags})
	return addr
}

// Post writes the chain's descriptors into the table, appends the head to
// the available ring, and publishes the new available index. It returns
// the head descriptor index. The device still needs its doorbell rung.
func (c *Chain) Post() (uint16, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(c.descs) == 0 {
		return 0, fmt.Errorf("guest: cannot post empty chain")
	}
	if uint16(len(c.descs)) > c.d.size {
		return 0, fmt.Errorf("guest: chain of %d descriptors exceeds queue size %d", len(c.descs), c.d.size)
	}

	d := c.d
	head := d.nextDesc % d.size
	for i, desc := range c.descs {
		slot := (d.nextDesc + uint16(i)) % d.size
		if i < len(c.descs)-1 {
			desc.Flags |= virtio.DescFNext
			desc.Next = (slot + 1) % d.size
		}
		if err := d.writeDescriptor(slot, desc); err != nil {
			return 0, err
		}
	}
	d.nextDesc += uint16(len(c.descs))

	return head, d.pushAvail(head)
}

func (d *Driver) writeDescriptor(slot uint16, desc virtio.Desc) error {
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], desc.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], desc.Length)
	binary.LittleEndian.PutUint16(buf[12:14], desc.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], desc.Next)
	_, err := d.mem.WriteAt(buf[:], int64(d.descTable+uint64(slot)*descSize))
	return err
}

func (d *Driver) pushAvail(head uint16) error {
	var entry [2]byte
	binary.LittleEndian.PutUint16(entry[:], head)
	ringOff := d.availRing + 4 + uint64(d.availIdx%d.size)*2
	if _, err := d.mem.WriteAt(entry[:], int64(ringOff)); err != nil {
		return err
	}

	d.availIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], d.availIdx)
	_, err := d.mem.WriteAt(idx[:], int64(d.availRing+2))
	return err
}

// UsedIdx reads the device-published used-ring index.
func (d *Driver) UsedIdx() uint16 {
	var buf [2]byte
	d.mem.ReadAt(buf[:], int64(d.usedRing+2))
	return binary.LittleEndian.Uint16(buf[:])
}

// PopUsed consumes the next completion, returning the chain's head
// descriptor index and the device-written byte count.
func (d *Driver) PopUsed() (head uint16, written uint32, ok bool) {
	if d.lastUsedIdx == d.UsedIdx() {
		return 0, 0, false
	}
	base := d.usedRing + 4 + uint64(d.lastUsedIdx%d.size)*usedElemSize
	var buf [usedElemSize]byte
	d.mem.ReadAt(buf[:], int64(base))
	d.lastUsedIdx++
	return uint16(binary.LittleEndian.Uint32(buf[0:4])), binary.LittleEndian.Uint32(buf[4:8]), true
}

// ReadBuffer copies length bytes of guest memory at addr, typically a
// writable buffer the device filled.
func (d *Driver) ReadBuffer(addr uint64, length uint32) []byte {
	buf := make([]byte, length)
	d.mem.ReadAt(buf, int64(addr))
	return buf
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
