// Package wayland implements the virtio-wl device contract: a request
// queue carrying guest-to-compositor proxy messages, an event queue
// carrying compositor-to-guest notifications, and a side channel for
// sharing host memory regions into the guest so Wayland clients can
// mmap their shared-memory buffers.
package wayland

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/virtio"
)

const (
	queueRequest = 0
	queueEvent   = 1
)

// Compositor is the host-side Wayland socket the guest's proxy client
// talks through.
type Compositor interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// MemoryManager is the narrow surface of internal/memory.GuestMemory the
// wayland backend needs to add and retract dynamic regions.
type MemoryManager interface {
	virtio.GuestMemory
	AddSlot(gpa, length uint64) error
	RemoveSlot(gpa uint64) error
}

// RegionAllocator hands out guest-physical ranges for dynamically shared
// memory, backed by internal/memory.Allocator's MMIO address space.
type RegionAllocator interface {
	AllocateMMIO(size, alignment uint64) (uint64, error)
}

// HostChardev is the host character device ioctl surface a real realm
// wires to the shared-memory/DMA-buf allocation driver. Device calls
// this when the guest's proxy requests a new shared region and when it
// acknowledges release of one.
type HostChardev interface {
	AllocateRegion(id uint32, size uint64) error
	ReleaseRegion(id uint32) error
}

// Device is the virtio-wl device-side backend.
type Device struct {
	virtio.BaseDevice

	mu     sync.Mutex
	comp   Compositor
	chardev HostChardev
	alloc   RegionAllocator
	mem     MemoryManager
	tp      *virtio.Transport
	log     *logrus.Entry

	regions map[uint32]uint64 // region id -> gpa
}

// New returns a virtio-wl device with one request and one event queue.
func New(comp Compositor, chardev HostChardev, alloc RegionAllocator, log *logrus.Entry) *Device {
	return &Device{
		BaseDevice: virtio.BaseDevice{
			ID:          virtio.DeviceIDWayland,
			Queues:      2,
			MaxQueueLen: 256,
		},
		comp:    comp,
		chardev: chardev,
		alloc:   alloc,
		log:     log,
		regions: make(map[uint32]uint64),
	}
}

// Bind records the transport and memory this device drains chains
// against.
func (d *Device) Bind(tp *virtio.Transport, mem MemoryManager) {
	d.tp = tp
	d.mem = mem
}

// OnReset implements virtio.Device. Every outstanding shared region is
// retracted; the guest must re-request them after the device comes back
// up, since their contents are no longer meaningful.
func (d *Device) OnReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, gpa := range d.regions {
		d.chardev.ReleaseRegion(id)
		d.mem.RemoveSlot(gpa)
	}
	d.regions = make(map[uint32]uint64)
}

// OnQueueNotify implements virtio.Device.
func (d *Device) OnQueueNotify(i int) {
	if i != queueRequest {
		return
	}
	d.drainRequests()
}

func (d *Device) drainRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.tp.Queue(queueRequest)
	for {
		chain, err := q.PopChain(d.mem)
		if err != nil {
			d.log.WithError(err).Warn("wayland: malformed request chain")
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
				written, err := d.comp.Write(s.Bytes)
				n += uint32(written)
				if err != nil {
					d.log.WithError(err).Warn("wayland: compositor write failed")
					break
				}
			}
		}

		raise, err := q.PublishUsed(d.mem, chain.Head, n)
		if err != nil {
			d.log.WithError(err).Warn("wayland: publish used failed")
			return
		}
		if raise {
			if err := d.tp.RaiseQueueInterrupt(); err != nil {
				d.log.WithError(err).Warn("wayland: raise interrupt failed")
			}
		}
	}
}

// PumpEvents reads one compositor message into the next available event
// chain. The VM's wayland pump goroutine calls it repeatedly until
// shutdown.
func (d *Device) PumpEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.tp.Queue(queueEvent)
	chain, err := q.PopChain(d.mem)
	if err != nil {
		d.log.WithError(err).Warn("wayland: malformed event chain")
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
			r, err := d.comp.Read(s.Bytes)
			n += uint32(r)
			if err != nil {
				break
			}
		}
	}

	raise, err := q.PublishUsed(d.mem, chain.Head, n)
	if err != nil {
		d.log.WithError(err).Warn("wayland: publish used failed")
		return
	}
	if raise {
		if err := d.tp.RaiseQueueInterrupt(); err != nil {
			d.log.WithError(err).Warn("wayland: raise interrupt failed")
		}
	}
}

// ShareRegion asks the host character device for a new shared-memory
// region of size bytes, allocates it a guest-physical range, and adds it
// as a memory slot. It is the only path by which the MMIO bus's
// otherwise-immutable memory map changes after boot, and is serialized
// through the device's own mutex to satisfy the no-overlap invariant.
func (d *Device) ShareRegion(id uint32, size uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.regions[id]; exists {
		return 0, fmt.Errorf("wayland: region %d already shared", id)
	}

	gpa, err := d.alloc.AllocateMMIO(size, 4096)
	if err != nil {
		return 0, fmt.Errorf("wayland: allocate address space: %w", err)
	}
	if err := d.chardev.AllocateRegion(id, size); err != nil {
		return 0, fmt.Errorf("wayland: host chardev allocate: %w", err)
	}
	if err := d.mem.AddSlot(gpa, size); err != nil {
		d.chardev.ReleaseRegion(id)
		return 0, fmt.Errorf("wayland: add memory slot: %w", err)
	}
	d.regions[id] = gpa
	return gpa, nil
}

// ReleaseRegion retracts a previously shared region once the guest has
// acknowledged it no longer needs it, per the device's protocol.
func (d *Device) ReleaseRegion(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gpa, ok := d.regions[id]
	if !ok {
		return fmt.Errorf("wayland: region %d not shared", id)
	}
	if err := d.mem.RemoveSlot(gpa); err != nil {
		return err
	}
	if err := d.chardev.ReleaseRegion(id); err != nil {
		return err
	}
	delete(d.regions, id)
	return nil
}
