package subcmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vsrinivas/virtioblk/internal/block"
	"github.com/vsrinivas/virtioblk/internal/devices/virtio"
	"github.com/vsrinivas/virtioblk/internal/guest"
)

const (
	sessionMemBytes  = 4 << 20
	sessionQueueBase = 0x1000
	requestTimeout   = 30 * time.Second

	// sectors moved per virtio request in dd.
	ddBatchSectors = 128
)

// session wires a started block device to an in-process guest driver so
// subcommands can issue real virtio requests against a disk image.
type session struct {
	dev   *virtio.Blk
	drv   *guest.Driver
	irq   *virtio.IRQLine
	store *block.File

	// Size is the device size in bytes as reported by Start.
	Size uint64
}

func openSession(spec *diskSpec) (*session, error) {
	store, err := block.OpenFile(spec.Path, block.FileOptions{ReadOnly: spec.ReadOnly})
	if err != nil {
		return nil, err
	}

	mem := guest.NewMemory(sessionMemBytes)
	drv, err := guest.NewDriver(mem, sessionQueueBase, virtio.BlkQueueNumMax)
	if err != nil {
		store.Close()
		return nil, err
	}

	irq := virtio.NewIRQLine()
	dev := virtio.NewBlk(mem, irq, virtio.BlkConfig{ID: spec.ID, ReadOnly: spec.ReadOnly})

	descAddr, availAddr, usedAddr := drv.QueueAddrs()
	if err := dev.ConfigureQueue(drv.QueueSize(), descAddr, availAddr, usedAddr); err != nil {
		store.Close()
		return nil, err
	}
	dev.SetQueueReady(true)

	size, err := dev.Start(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &session{dev: dev, drv: drv, irq: irq, store: store, Size: size}, nil
}

func (s *session) Close() error {
	s.dev.Stop()
	return s.store.Close()
}

// complete rings the doorbell and waits for the chain's completion.
func (s *session) complete(statusAddr uint64) error {
	s.dev.NotifyQueue(0)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.irq.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for device interrupt: %w", err)
	}
	s.irq.Ack(virtio.BlkInterruptBit)

	if _, _, ok := s.drv.PopUsed(); !ok {
		return fmt.Errorf("device raised interrupt without retiring the chain")
	}
	defer s.drv.Reclaim()

	switch status := s.drv.ReadBuffer(statusAddr, 1)[0]; status {
	case virtio.VIRTIO_BLK_S_OK:
		return nil
	case virtio.VIRTIO_BLK_S_UNSUPP:
		return fmt.Errorf("device reports request unsupported")
	default:
		return fmt.Errorf("device reports I/O error")
	}
}

// WriteSectors pushes data through an OUT request at the given sector.
func (s *session) WriteSectors(sector uint64, data []byte) error {
	c := s.drv.NewChain()
	c.AppendReadable(requestHeader(virtio.VIRTIO_BLK_T_OUT, sector))
	c.AppendReadable(data)
	statusAddr := c.AppendWritable(1)
	if _, err := c.Post(); err != nil {
		return err
	}
	return s.complete(statusAddr)
}

// ReadSectors pulls length bytes through an IN request at the given sector.
func (s *session) ReadSectors(sector uint64, length uint32) ([]byte, error) {
	c := s.drv.NewChain()
	c.AppendReadable(requestHeader(virtio.VIRTIO_BLK_T_IN, sector))
	dataAddr := c.AppendWritable(length)
	statusAddr := c.AppendWritable(1)
	if _, err := c.Post(); err != nil {
		return nil, err
	}
	if err := s.complete(statusAddr); err != nil {
		return nil, err
	}
	return s.drv.ReadBuffer(dataAddr, length), nil
}

// Flush issues a FLUSH request.
func (s *session) Flush() error {
	c := s.drv.NewChain()
	c.AppendReadable(requestHeader(virtio.VIRTIO_BLK_T_FLUSH, 0))
	statusAddr := c.AppendWritable(1)
	if _, err := c.Post(); err != nil {
		return err
	}
	return s.complete(statusAddr)
}

// DeviceID issues a GET_ID request and returns the trimmed ID string.
func (s *session) DeviceID() (string, error) {
	c := s.drv.NewChain()
	c.AppendReadable(requestHeader(virtio.VIRTIO_BLK_T_GET_ID, 0))
	dataAddr := c.AppendWritable(20)
	statusAddr := c.AppendWritable(1)
	if _, err := c.Post(); err != nil {
		return "", err
	}
	if err := s.complete(statusAddr); err != nil {
		return "", err
	}
	id := s.drv.ReadBuffer(dataAddr, 20)
	return string(bytes.TrimRight(id, "\x00")), nil
}

func requestHeader(reqType uint32, sector uint64) []byte {
	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[0:4], reqType)
	binary.LittleEndian.PutUint64(raw[8:16], sector)
	return raw
}
