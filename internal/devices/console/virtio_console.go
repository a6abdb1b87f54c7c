// Package console implements the virtio-console device contract: a
// receive queue filled from the host-side pty and a transmit queue
// drained to it.
package console

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/virtio"
)

const (
	queueRX = 0
	queueTX = 1
)

// PTY is the host side of the realm's attached pseudo-terminal. cmd/ph
// wires this to its own standard input and output; tests use an
// in-memory pipe.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Device is the virtio-console device-side backend.
type Device struct {
	virtio.BaseDevice

	mu  sync.Mutex
	pty PTY
	mem virtio.GuestMemory
	tp  *virtio.Transport
	log *logrus.Entry
}

// New returns a virtio-console device with one receive and one transmit
// queue, connected to pty.
func New(pty PTY, log *logrus.Entry) *Device {
	return &Device{
		BaseDevice: virtio.BaseDevice{
			ID:          virtio.DeviceIDConsole,
			Queues:      2,
			MaxQueueLen: 128,
		},
		pty: pty,
		log: log,
	}
}

// Bind records the transport and memory this device drains chains
// against.
func (d *Device) Bind(tp *virtio.Transport, mem virtio.GuestMemory) {
	d.tp = tp
	d.mem = mem
}

// OnReset implements virtio.Device.
func (d *Device) OnReset() {}

// OnQueueNotify implements virtio.Device. Transmit work is drained
// inline (the notifying thread writes straight to the pty); receive
// buffers are filled by PumpReceive, which the VM calls in a loop from a
// dedicated goroutine.
func (d *Device) OnQueueNotify(i int) {
	if i != queueTX {
		return
	}
	d.drainTransmit()
}

func (d *Device) drainTransmit() {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.tp.Queue(queueTX)
	for {
		chain, err := q.PopChain(d.mem)
		if err != nil {
			d.log.WithError(err).Warn("console: malformed tx chain")
			return
		}
		if chain == nil {
			return
		}
		var n uint32
		for _, buf := range chain.Buffers {
			if buf.WriteOnly {
				continue
			}
			for _, s := range buf.Slices {
				written, err := d.pty.Write(s.Bytes)
				n += uint32(written)
				if err != nil {
					d.log.WithError(err).Warn("console: pty write failed")
					break
				}
			}
		}
		d.complete(queueTX, chain.Head, n)
	}
}

// PumpReceive reads one buffer's worth of pty input and fills the next
// available receive chain. The VM's console pump goroutine calls it
// repeatedly until shutdown.
func (d *Device) PumpReceive() {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.tp.Queue(queueRX)
	chain, err := q.PopChain(d.mem)
	if err != nil {
		d.log.WithError(err).Warn("console: malformed rx chain")
		return
	}
	if chain == nil {
		return
	}

	var n uint32
	for _, buf := range chain.Buffers {
		if !buf.WriteOnly {
			continue
		}
		for _, s := range buf.Slices {
			r, err := d.pty.Read(s.Bytes)
			n += uint32(r)
			if err != nil {
				break
			}
		}
	}
	d.complete(queueRX, chain.Head, n)
}

func (d *Device) complete(queue int, head uint16, n uint32) {
	raise, err := d.tp.Queue(queue).PublishUsed(d.mem, head, n)
	if err != nil {
		d.log.WithError(err).Warn("console: publish used failed")
		return
	}
	if raise {
		if err := d.tp.RaiseQueueInterrupt(); err != nil {
			d.log.WithError(err).Warn("console: raise interrupt failed")
		}
	}
}
