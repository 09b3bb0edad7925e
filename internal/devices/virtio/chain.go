package virtio

import "fmt"

// bufferRange is one guest buffer of a descriptor chain, classified as
// device-readable or device-writable. Addr/Length describe guest memory
// the device may only touch through the queue's GuestMemory accessor.
type bufferRange struct {
	Addr     uint64
	Length   uint32
	Writable bool // device write-only, guest reads the result
}

// chain is the single-pass view of one descriptor chain popped from the
// available ring. It never holds guest memory contents, only ranges;
// everything the device branches on is copied out before use.
type chain struct {
	head uint16
	bufs []bufferRange
}

var (
	errChainEmpty   = fmt.Errorf("virtio: empty descriptor chain")
	errChainTooLong = fmt.Errorf("virtio: descriptor chain exceeds queue size")
)

// readChain walks the descriptor chain starting at head and collects its
// buffers in order. The walk is bounded by the queue size so a guest that
// links descriptors into a loop cannot hang the device.
func readChain(q *VirtQueue, head uint16) (chain, error) {
	c := chain{head: head}

	index := head
	for i := uint16(0); ; i++ {
		if i >= q.Size {
			return c, errChainTooLong
		}
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return c, err
		}

		c.bufs = append(c.bufs, bufferRange{
			Addr:     desc.Addr,
			Length:   desc.Length,
			Writable: desc.Flags&DescFWrite != 0,
		})

		if desc.Flags&DescFNext == 0 {
			break
		}
		index = desc.Next
	}

	if len(c.bufs) == 0 {
		return c, errChainEmpty
	}
	return c, nil
}

// ordered reports whether every device-readable buffer precedes every
// device-writable one, the layout virtio-blk requires.
func (c chain) ordered() bool {
	seenWritable := false
	for _, b := range c.bufs {
		if b.Writable {
			seenWritable = true
		} else if seenWritable {
			return false
		}
	}
	return true
}
