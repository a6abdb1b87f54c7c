// Package entropy implements the virtio-entropy device contract: a
// single queue whose chains are each one write-only descriptor, filled
// from the host's entropy source.
package entropy

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/virtio"
)

// Device is the virtio-entropy device-side backend. It is short work
// per §4.9, so it runs inline on the vCPU thread that services the
// queue-notify write rather than on a dedicated worker.
type Device struct {
	virtio.BaseDevice

	mu     sync.Mutex
	source io.Reader
	mem    virtio.GuestMemory
	tp     *virtio.Transport
	log    *logrus.Entry
}

// New returns a virtio-entropy device reading from crypto/rand.Reader.
func New(log *logrus.Entry) *Device {
	return &Device{
		BaseDevice: virtio.BaseDevice{ID: virtio.DeviceIDEntropy, Queues: 1, MaxQueueLen: 64},
		source:     rand.Reader,
		log:        log,
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

// OnQueueNotify implements virtio.Device.
func (d *Device) OnQueueNotify(i int) {
	if i != 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.tp.Queue(0)
	for {
		chain, err := q.PopChain(d.mem)
		if err != nil {
			d.log.WithError(err).Warn("entropy: malformed chain")
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
				r, err := io.ReadFull(d.source, s.Bytes)
				n += uint32(r)
				if err != nil {
					d.log.WithError(err).Warn("entropy: host source read failed")
					break
				}
			}
		}

		raise, err := q.PublishUsed(d.mem, chain.Head, n)
		if err != nil {
			d.log.WithError(err).Warn("entropy: publish used failed")
			return
		}
		if raise {
			if err := d.tp.RaiseQueueInterrupt(); err != nil {
				d.log.WithError(err).Warn("entropy: raise interrupt failed")
			}
		}
	}
}
