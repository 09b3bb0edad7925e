package virtio

import (
	"context"
	"sync/atomic"
)

// IRQLine is the interrupt the device raises toward the guest. Status bits
// latch until acknowledged, matching a level-triggered virtio interrupt
// register; a buffered wake channel lets one waiter block without missing
// a raise that lands between the status check and the wait.
type IRQLine struct {
	status atomic.Uint32
	wake   chan struct{}
}

// NewIRQLine creates an idle interrupt line.
func NewIRQLine() *IRQLine {
	return &IRQLine{wake: make(chan struct{}, 1)}
}

// Raise asserts the given status bits and wakes a waiter.
func (l *IRQLine) Raise(bits uint32) {
	l.status.Or(bits)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Status returns the currently asserted bits.
func (l *IRQLine) Status() uint32 {
	return l.status.Load()
}

// Ack clears the given status bits.
func (l *IRQLine) Ack(bits uint32) {
	l.status.And(^bits)
}

// Wait blocks until any status bit is asserted or ctx is done, returning
// the asserted bits. It does not acknowledge them.
func (l *IRQLine) Wait(ctx context.Context) (uint32, error) {
	for {
		if s := l.status.Load(); s != 0 {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-l.wake:
		}
	}
}
