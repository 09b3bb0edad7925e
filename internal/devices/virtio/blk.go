package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vsrinivas/virtioblk/internal/block"
	"github.com/vsrinivas/virtioblk/internal/debug"
)

const (
	// SectorSize is the fixed virtio-blk sector size. Every payload
	// descriptor length must be a multiple of it.
	SectorSize = block.SectorSize

	// BlkQueueNumMax is the largest request queue the device accepts.
	BlkQueueNumMax = 128

	// BlkInterruptBit is the IRQLine status bit for a used-ring update.
	BlkInterruptBit = 0x1

	blkQueueRequest = 0
	blkHeaderSize   = 16
	blkIDBytes      = 20
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN           = 0 // Read
	VIRTIO_BLK_T_OUT          = 1 // Write
	VIRTIO_BLK_T_FLUSH        = 4 // Flush
	VIRTIO_BLK_T_GET_ID       = 8 // Get device ID
	VIRTIO_BLK_T_DISCARD      = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// BlkConfig configures a block device.
type BlkConfig struct {
	// ID is the block-ID string GET_ID returns, zero-padded to 20 bytes.
	// Longer IDs are truncated.
	ID string

	// ReadOnly rejects OUT requests with IOERR.
	ReadOnly bool

	// QueueMaxSize caps the request queue size. Zero means BlkQueueNumMax.
	QueueMaxSize uint16
}

// Blk implements the device side of a single-queue virtio block backend.
//
// The guest posts descriptor chains on the request queue and rings
// NotifyQueue; a single worker drains the queue, performs the I/O against
// the backing store, stamps the status byte, pushes each chain to the used
// ring, and raises the interrupt line. Per-request failures never escape a
// chain: a malformed or failed request completes with a status code and
// the next chain processes normally.
type Blk struct {
	mu       sync.Mutex
	irq      *IRQLine
	queue    *VirtQueue
	store    block.Device
	id       [blkIDBytes]byte
	readonly bool

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewBlk creates a block device over the given guest memory and interrupt
// line. The device is inert until ConfigureQueue and Start are called.
func NewBlk(mem GuestMemory, irq *IRQLine, cfg BlkConfig) *Blk {
	maxSize := cfg.QueueMaxSize
	if maxSize == 0 {
		maxSize = BlkQueueNumMax
	}
	b := &Blk{
		irq:      irq,
		queue:    NewVirtQueue(mem, maxSize),
		readonly: cfg.ReadOnly,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	copy(b.id[:], cfg.ID)
	return b
}

// ConfigureQueue supplies the request queue's size and the three
// queue-memory addresses (descriptor table, available ring, used ring).
func (b *Blk) ConfigureQueue(size uint16, descAddr, availAddr, usedAddr uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.queue.SetSize(size); err != nil {
		return err
	}
	b.queue.SetAddresses(descAddr, availAddr, usedAddr)
	return nil
}

// SetQueueReady marks the request queue ready for processing.
func (b *Blk) SetQueueReady(ready bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue.SetReady(ready)
}

// Start binds the backing store and launches the request worker. It
// returns the total device size in bytes (sector count times SectorSize).
// The store is exclusively owned by the device until Stop.
func (b *Blk) Start(store block.Device) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return 0, fmt.Errorf("virtio-blk: already started")
	}
	if store.BlockSize() != SectorSize {
		return 0, fmt.Errorf("virtio-blk: store block size %d, want %d", store.BlockSize(), SectorSize)
	}
	b.store = store
	b.started = true

	size := uint64(store.Size())
	debug.Writef("virtio-blk.start", "sectors=%d readonly=%v", size/SectorSize, b.readonly)

	go b.worker()
	return size, nil
}

// Stop halts the request worker. It is idempotent and safe to call on a
// device that never started. The backing store is not closed; it returns
// to the caller's ownership.
func (b *Blk) Stop() error {
	b.mu.Lock()
	if b.stopped || !b.started {
		b.stopped = true
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	return nil
}

// NotifyQueue is the guest's doorbell: new descriptors are posted on the
// given queue. Only the request queue exists on a block device.
func (b *Blk) NotifyQueue(queue int) {
	debug.Writef("virtio-blk.notify", "queue=%d", queue)
	if queue != blkQueueRequest {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// IRQ returns the device's interrupt line.
func (b *Blk) IRQ() *IRQLine {
	return b.irq
}

func (b *Blk) worker() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
			if err := b.drainQueue(); err != nil {
				slog.Error("virtio-blk: queue drain failed", "err", err)
			}
		}
	}
}

// drainQueue processes every chain currently posted on the request queue,
// then raises one interrupt if anything completed. Each chain is pushed to
// the used ring individually before the next is popped.
func (b *Blk) drainQueue() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue
	if !q.Ready {
		return nil
	}

	processed := false
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		written := b.processChain(q, head)
		if err := q.PushUsed(head, written); err != nil {
			return err
		}
		processed = true
	}

	if processed && !q.InterruptsSuppressed() {
		b.irq.Raise(BlkInterruptBit)
	}
	return nil
}

// processChain runs one descriptor chain through validate, dispatch, and
// status stamping. It always returns so the chain gets retired; the return
// value is the number of device-written bytes for the used-ring element.
//
// The status byte is written only when the final descriptor is writable
// and exactly one byte long. Otherwise the guest's bytes there are left
// untouched, but the chain is still completed so the guest is not hung.
func (b *Blk) processChain(q *VirtQueue, head uint16) uint32 {
	ch, err := readChain(q, head)
	if err != nil {
		// Nothing trustworthy to write a status into.
		debug.Writef("virtio-blk.chain", "head=%d err=%v", head, err)
		return 0
	}

	statusOK := false
	var statusAddr uint64
	if len(ch.bufs) >= 2 {
		last := ch.bufs[len(ch.bufs)-1]
		statusOK = last.Writable && last.Length == 1
		statusAddr = last.Addr
	}

	status, written := b.executeChain(q, ch)

	if statusOK {
		if err := q.WriteGuest(statusAddr, []byte{status}); err != nil {
			slog.Error("virtio-blk: status write failed", "head", head, "err", err)
			return written
		}
		written++
	}
	return written
}

// executeChain validates the chain shape, decodes the request once, and
// dispatches it. It returns the status byte and the payload bytes written
// into guest memory.
func (b *Blk) executeChain(q *VirtQueue, ch chain) (byte, uint32) {
	if len(ch.bufs) < 2 {
		// A lone header has no room for a status descriptor.
		return VIRTIO_BLK_S_IOERR, 0
	}

	hdrBuf := ch.bufs[0]
	if hdrBuf.Writable || hdrBuf.Length != blkHeaderSize {
		// Strict equality: a header short or long by even one byte is
		// malformed.
		debug.Writef("virtio-blk.header", "len=%d writable=%v", hdrBuf.Length, hdrBuf.Writable)
		return VIRTIO_BLK_S_IOERR, 0
	}
	if !ch.ordered() {
		return VIRTIO_BLK_S_IOERR, 0
	}

	raw, err := q.ReadGuest(hdrBuf.Addr, blkHeaderSize)
	if err != nil {
		return VIRTIO_BLK_S_IOERR, 0
	}
	hdr := decodeHeader(raw)

	req, err := decodeRequest(hdr, ch.bufs[1:len(ch.bufs)-1])
	if err != nil {
		debug.Writef("virtio-blk.decode", "type=%d sector=%d err=%v", hdr.reqType, hdr.sector, err)
		return VIRTIO_BLK_S_IOERR, 0
	}

	switch r := req.(type) {
	case readRequest:
		return b.executeRead(q, r)
	case writeRequest:
		return b.executeWrite(q, r)
	case flushRequest:
		return b.executeFlush()
	case getIDRequest:
		return b.executeGetID(q, r)
	case unsupportedRequest:
		debug.Writef("virtio-blk.unsupported", "type=%d", r.kind)
		return VIRTIO_BLK_S_UNSUPP, 0
	}
	return VIRTIO_BLK_S_IOERR, 0
}

// executeRead fills each writable payload descriptor, in order, with
// consecutive sectors starting at r.sector, one store read per descriptor.
func (b *Blk) executeRead(q *VirtQueue, r readRequest) (byte, uint32) {
	var total uint64
	for _, d := range r.dst {
		total += uint64(d.Length)
	}
	if !b.inRange(r.sector, total) {
		return VIRTIO_BLK_S_IOERR, 0
	}

	offset := int64(r.sector) * SectorSize
	var written uint32
	for _, d := range r.dst {
		buf := make([]byte, d.Length)
		if _, err := b.store.ReadAt(buf, offset); err != nil {
			debug.Writef("virtio-blk.read", "err=%v offset=%d len=%d", err, offset, d.Length)
			return VIRTIO_BLK_S_IOERR, written
		}
		if err := q.WriteGuest(d.Addr, buf); err != nil {
			return VIRTIO_BLK_S_IOERR, written
		}
		written += d.Length
		offset += int64(d.Length)
	}
	return VIRTIO_BLK_S_OK, written
}

// executeWrite gathers the payload descriptors and issues one logical
// write starting at r.sector. The store splits it across host transactions
// as needed; from the guest's point of view it is a single write.
func (b *Blk) executeWrite(q *VirtQueue, r writeRequest) (byte, uint32) {
	if b.readonly {
		return VIRTIO_BLK_S_IOERR, 0
	}

	var total uint64
	for _, d := range r.src {
		total += uint64(d.Length)
	}
	if !b.inRange(r.sector, total) {
		return VIRTIO_BLK_S_IOERR, 0
	}

	payload := make([]byte, 0, total)
	for _, d := range r.src {
		data, err := q.ReadGuest(d.Addr, d.Length)
		if err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		payload = append(payload, data...)
	}

	if _, err := b.store.WriteAt(payload, int64(r.sector)*SectorSize); err != nil {
		debug.Writef("virtio-blk.write", "err=%v sector=%d len=%d", err, r.sector, total)
		return VIRTIO_BLK_S_IOERR, 0
	}
	return VIRTIO_BLK_S_OK, 0
}

func (b *Blk) executeFlush() (byte, uint32) {
	if err := b.store.Flush(); err != nil {
		debug.Writef("virtio-blk.flush", "err=%v", err)
		return VIRTIO_BLK_S_IOERR, 0
	}
	return VIRTIO_BLK_S_OK, 0
}

func (b *Blk) executeGetID(q *VirtQueue, r getIDRequest) (byte, uint32) {
	if err := q.WriteGuest(r.dst.Addr, b.id[:]); err != nil {
		return VIRTIO_BLK_S_IOERR, 0
	}
	return VIRTIO_BLK_S_OK, blkIDBytes
}

// inRange reports whether [sector*512, sector*512+length) fits the store.
func (b *Blk) inRange(sector uint64, length uint64) bool {
	size := uint64(b.store.Size())
	if sector > size/SectorSize {
		return false
	}
	return sector*SectorSize+length <= size
}
