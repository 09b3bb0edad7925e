package virtio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/virtioblk/internal/block"
	"github.com/vsrinivas/virtioblk/internal/devices/virtio"
	"github.com/vsrinivas/virtioblk/internal/guest"
)

const (
	sectorSize = virtio.SectorSize

	// Small host transaction cap so the chunking tests stay cheap.
	testMaxTransfer = 4 * sectorSize
)

type harness struct {
	t   *testing.T
	dev *virtio.Blk
	drv *guest.Driver
	irq *virtio.IRQLine
}

type harnessOptions struct {
	sectors  int64
	blk      virtio.BlkConfig
	file     block.FileOptions
	prefill  map[int64]byte // sector -> fill byte
	memBytes int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.sectors == 0 {
		opts.sectors = 128
	}
	if opts.memBytes == 0 {
		opts.memBytes = 1 << 20
	}
	if opts.file.MaxTransferSize == 0 {
		opts.file.MaxTransferSize = testMaxTransfer
	}

	f, err := os.CreateTemp(t.TempDir(), "blk-*.img")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(opts.sectors*sectorSize))
	for sector, fill := range opts.prefill {
		buf := bytes.Repeat([]byte{fill}, sectorSize)
		_, err := f.WriteAt(buf, sector*sectorSize)
		require.NoError(t, err)
	}

	store, err := block.NewFile(f, opts.file)
	require.NoError(t, err)

	mem := guest.NewMemory(opts.memBytes)
	drv, err := guest.NewDriver(mem, 0x1000, 64)
	require.NoError(t, err)

	irq := virtio.NewIRQLine()
	dev := virtio.NewBlk(mem, irq, opts.blk)

	descAddr, availAddr, usedAddr := drv.QueueAddrs()
	require.NoError(t, dev.ConfigureQueue(drv.QueueSize(), descAddr, availAddr, usedAddr))
	dev.SetQueueReady(true)

	size, err := dev.Start(store)
	require.NoError(t, err)
	require.Equal(t, uint64(opts.sectors*sectorSize), size)

	t.Cleanup(func() {
		dev.Stop()
		store.Close()
	})

	return &harness{t: t, dev: dev, drv: drv, irq: irq}
}

func header(reqType uint32, sector uint64) []byte {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:4], reqType)
	binary.LittleEndian.PutUint64(raw[8:16], sector)
	return raw
}

type completion struct {
	head    uint16
	written uint32
}

// run posts the chain, rings the doorbell, and waits for the completion
// interrupt.
func (h *harness) run(c *guest.Chain) completion {
	h.t.Helper()

	head, err := c.Post()
	require.NoError(h.t, err)
	h.dev.NotifyQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.irq.Wait(ctx)
	require.NoError(h.t, err, "waiting for completion interrupt")
	h.irq.Ack(virtio.BlkInterruptBit)

	gotHead, written, ok := h.drv.PopUsed()
	require.True(h.t, ok, "chain must be pushed to the used ring")
	require.Equal(h.t, head, gotHead)
	h.drv.Reclaim()
	return completion{head: gotHead, written: written}
}

// Status bytes are pre-set to a sentinel so tests can tell "device wrote
// OK" from "device never touched it".
const statusSentinel = 0x77

func (h *harness) status(addr uint64) byte {
	return h.drv.ReadBuffer(addr, 1)[0]
}

func TestReadSingleSector(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{0: 0xAB, 1: 0xCD}})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
	data := c.AppendWritable(sectorSize)
	status := c.AppendWritableBytes([]byte{statusSentinel})

	done := h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	assert.EqualValues(t, sectorSize+1, done.written)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, sectorSize), h.drv.ReadBuffer(data, sectorSize))
}

func TestReadSpanningTwoDescriptors(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{0: 0xAB, 1: 0xCD}})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
	first := c.AppendWritable(sectorSize)
	second := c.AppendWritable(sectorSize)
	status := c.AppendWritableBytes([]byte{statusSentinel})

	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, sectorSize), h.drv.ReadBuffer(first, sectorSize))
	assert.Equal(t, bytes.Repeat([]byte{0xCD}, sectorSize), h.drv.ReadBuffer(second, sectorSize))
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	want := make([]byte, 3*sectorSize)
	for i := range want {
		want[i] = byte(i * 7)
	}

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_OUT, 5))
	c.AppendReadable(want[:sectorSize])
	c.AppendReadable(want[sectorSize:])
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	require.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))

	c = h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 5))
	data := c.AppendWritable(uint32(len(want)))
	status = c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	require.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	assert.Equal(t, want, h.drv.ReadBuffer(data, uint32(len(want))))
}

func TestWriteBeyondTransactionLimit(t *testing.T) {
	// A single guest write far larger than the host I/O cap must land as
	// one contiguous range, byte for byte.
	for _, mult := range []int{2, 20} {
		h := newHarness(t, harnessOptions{sectors: 512, memBytes: 1 << 21})

		size := mult * testMaxTransfer
		want := make([]byte, size)
		for i := range want {
			want[i] = byte(i % 253)
		}

		c := h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_OUT, 2))
		c.AppendReadable(want)
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		require.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status), "multiplier %d", mult)

		c = h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 2))
		data := c.AppendWritable(uint32(size))
		status = c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		require.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
		assert.Equal(t, want, h.drv.ReadBuffer(data, uint32(size)), "round trip at %dx host cap", mult)
	}
}

func TestReadIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{3: 0x5A}})

	read := func() []byte {
		c := h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 3))
		data := c.AppendWritable(sectorSize)
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		require.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
		return h.drv.ReadBuffer(data, sectorSize)
	}

	assert.Equal(t, read(), read())
}

func TestHeaderSizeStrict(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for _, size := range []int{15, 17} {
		raw := make([]byte, size)
		copy(raw, header(virtio.VIRTIO_BLK_T_IN, 0))

		c := h.drv.NewChain()
		c.AppendReadable(raw)
		c.AppendWritable(sectorSize)
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status), "header of %d bytes", size)
	}
}

func TestUnalignedPayloadRejectedBeforeIO(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{0: 0xAB}})

	sentinel := bytes.Repeat([]byte{0xEE}, sectorSize+1)
	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
	data := c.AppendWritableBytes(sentinel)
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)

	assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status))
	assert.Equal(t, sentinel, h.drv.ReadBuffer(data, sectorSize+1), "no bytes may reach the payload")
}

func TestBadStatusDescriptorLeftUntouched(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{0: 0xAB}})

	// Otherwise-valid read, but the status region is 2 bytes. The device
	// must not write a status anywhere in it, yet must still retire the
	// chain so the guest is not hung.
	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
	c.AppendWritable(sectorSize)
	status := c.AppendWritableBytes([]byte{0xFF, 0xFF})
	done := h.run(c)

	assert.Equal(t, []byte{0xFF, 0xFF}, h.drv.ReadBuffer(status, 2))
	assert.EqualValues(t, sectorSize, done.written, "payload counted, skipped status not")
}

func TestUnknownTypeIsUnsupported(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for _, kind := range []uint32{2, 3, 99, 0xdeadbeef} {
		c := h.drv.NewChain()
		c.AppendReadable(header(kind, 0))
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		assert.EqualValues(t, virtio.VIRTIO_BLK_S_UNSUPP, h.status(status), "type %#x", kind)
	}
}

func TestFlush(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_FLUSH, 0))
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
}

func TestFlushWithDataPayloadIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_FLUSH, 0))
	c.AppendReadable(bytes.Repeat([]byte{0x42}, sectorSize))
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
}

func TestFlushNonZeroSector(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_FLUSH, 1))
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status))
}

func TestGetID(t *testing.T) {
	h := newHarness(t, harnessOptions{blk: virtio.BlkConfig{ID: "test-disk"}})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_GET_ID, 0))
	data := c.AppendWritable(20)
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)

	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	want := make([]byte, 20)
	copy(want, "test-disk")
	assert.Equal(t, want, h.drv.ReadBuffer(data, 20), "ID zero-padded to the full buffer")
}

func TestGetIDWrongBufferSize(t *testing.T) {
	h := newHarness(t, harnessOptions{blk: virtio.BlkConfig{ID: "test-disk"}})

	for _, size := range []uint32{19, 21} {
		sentinel := bytes.Repeat([]byte{0xEE}, int(size))
		c := h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_GET_ID, 0))
		data := c.AppendWritableBytes(sentinel)
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)

		assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status), "buffer of %d bytes", size)
		assert.Equal(t, sentinel, h.drv.ReadBuffer(data, size), "buffer must not be written")
	}
}

func TestReadOnlyDeviceRejectsWrites(t *testing.T) {
	h := newHarness(t, harnessOptions{
		blk:     virtio.BlkConfig{ReadOnly: true},
		file:    block.FileOptions{ReadOnly: true, MaxTransferSize: testMaxTransfer},
		prefill: map[int64]byte{0: 0xAB},
	})

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_OUT, 0))
	c.AppendReadable(make([]byte, sectorSize))
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status))

	c = h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
	data := c.AppendWritable(sectorSize)
	status = c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, sectorSize), h.drv.ReadBuffer(data, sectorSize))
}

func TestOutOfRangeRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{sectors: 8})

	cases := []struct {
		name   string
		sector uint64
	}{
		{"just past the end", 8},
		{"huge sector", 1 << 62},
		{"max sector", ^uint64(0)},
	}
	for _, tc := range cases {
		c := h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, tc.sector))
		c.AppendWritable(sectorSize)
		status := c.AppendWritableBytes([]byte{statusSentinel})
		h.run(c)
		assert.EqualValues(t, virtio.VIRTIO_BLK_S_IOERR, h.status(status), tc.name)
	}

	// Reading the last valid sector still works.
	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 7))
	c.AppendWritable(sectorSize)
	status := c.AppendWritableBytes([]byte{statusSentinel})
	h.run(c)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
}

func TestDrainProcessesAllPostedChains(t *testing.T) {
	h := newHarness(t, harnessOptions{prefill: map[int64]byte{0: 0xAB}})

	var statuses []uint64
	for i := 0; i < 3; i++ {
		c := h.drv.NewChain()
		c.AppendReadable(header(virtio.VIRTIO_BLK_T_IN, 0))
		c.AppendWritable(sectorSize)
		statuses = append(statuses, c.AppendWritableBytes([]byte{statusSentinel}))
		_, err := c.Post()
		require.NoError(t, err)
	}

	h.dev.NotifyQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.irq.Wait(ctx)
	require.NoError(t, err)

	waitUsed(t, h.drv, 3)
	for i, addr := range statuses {
		assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(addr), "chain %d", i)
	}
	for i := 0; i < 3; i++ {
		_, _, ok := h.drv.PopUsed()
		assert.True(t, ok, "chain %d retired", i)
	}
}

func TestInterruptSuppression(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.drv.SuppressInterrupts(true)

	c := h.drv.NewChain()
	c.AppendReadable(header(virtio.VIRTIO_BLK_T_FLUSH, 0))
	status := c.AppendWritableBytes([]byte{statusSentinel})
	_, err := c.Post()
	require.NoError(t, err)
	h.dev.NotifyQueue(0)

	waitUsed(t, h.drv, 1)
	assert.EqualValues(t, virtio.VIRTIO_BLK_S_OK, h.status(status))
	assert.Zero(t, h.irq.Status(), "no interrupt when the driver suppressed them")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.dev.Stop())
	require.NoError(t, h.dev.Stop())
}

// waitUsed polls until the used index reaches want.
func waitUsed(t *testing.T, drv *guest.Driver, want uint16) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for drv.UsedIdx() < want {
		if time.Now().After(deadline) {
			t.Fatalf("used index stuck at %d, want %d", drv.UsedIdx(), want)
		}
		time.Sleep(time.Millisecond)
	}
}
