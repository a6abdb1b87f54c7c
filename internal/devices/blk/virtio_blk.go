// Package blk implements the virtio-blk device contract: a single
// request queue whose chains carry a request header, one or more data
// descriptors, and a trailing one-byte status.
package blk

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/memory"
	"github.com/subgraph-ph/ph/internal/virtio"
)

const (
	typeIn    uint32 = 0 // read
	typeOut   uint32 = 1 // write
	typeFlush uint32 = 4

	statusOK     byte = 0
	statusIOErr  byte = 1
	statusUnsupp byte = 2

	requestHeaderLen = 16 // type(4) + reserved(4) + sector(8)
)

// Backend is the host-side image a Device reads from and writes to. A
// realm wires this to its block image through FileBackend; tests use an
// in-memory implementation.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	// Size returns the backend's capacity in 512-byte sectors, reported
	// to the guest through device config space.
	Size() int64
}

// Device is the virtio-blk device-side backend. It embeds
// virtio.BaseDevice for config space (capacity) and implements
// OnQueueNotify to drain the single request queue.
type Device struct {
	virtio.BaseDevice

	mu      sync.Mutex
	backend Backend
	queue   *virtio.Queue
	mem     virtio.GuestMemory
	tp      *virtio.Transport
	log     *logrus.Entry
}

// New returns a virtio-blk device over backend, with config space
// reporting its capacity in 512-byte sectors.
func New(backend Backend, log *logrus.Entry) *Device {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, uint64(backend.Size()))
	d := &Device{
		BaseDevice: virtio.BaseDevice{
			ID:          virtio.DeviceIDBlock,
			Queues:      1,
			MaxQueueLen: 256,
			Config:      cfg,
		},
		backend: backend,
		log:     log,
	}
	return d
}

// Bind records the transport and memory this device will drain chains
// against; called once by the VM assembler after NewTransport.
func (d *Device) Bind(tp *virtio.Transport, mem virtio.GuestMemory) {
	d.tp = tp
	d.mem = mem
	d.queue = tp.Queue(0)
}

// OnReset implements virtio.Device.
func (d *Device) OnReset() {}

// OnQueueNotify implements virtio.Device. In a running VM it is called
// from the block device's dedicated queue-worker goroutine (see
// internal/vm's asyncQueueDevice); the drain loop itself lives here so
// tests can drive it synchronously.
func (d *Device) OnQueueNotify(i int) {
	if i != 0 {
		return
	}
	for {
		chain, err := d.queue.PopChain(d.mem)
		if err != nil {
			d.log.WithError(err).Warn("blk: malformed descriptor chain")
			return
		}
		if chain == nil {
			return
		}
		d.service(chain)
	}
}

func (d *Device) service(chain *virtio.Chain) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(chain.Buffers) < 2 {
		setStatus(chain, statusUnsupp)
		d.complete(chain.Head, statusUnsupp, 1)
		return
	}

	header := chain.Buffers[0]
	if header.WriteOnly || totalBytes(header) < requestHeaderLen {
		setStatus(chain, statusUnsupp)
		d.complete(chain.Head, statusUnsupp, 1)
		return
	}
	hdr := make([]byte, requestHeaderLen)
	copyFromSlices(hdr, header.Slices)
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	data := chain.Buffers[1 : len(chain.Buffers)-1]
	status := chain.Buffers[len(chain.Buffers)-1]

	var (
		bytesMoved uint32
		code       = statusOK
	)

	switch reqType {
	case typeIn:
		for _, buf := range data {
			if !buf.WriteOnly {
				code = statusUnsupp
				break
			}
			n, err := d.readInto(buf, int64(sector)*512+int64(bytesMoved))
			bytesMoved += uint32(n)
			if err != nil {
				code = statusIOErr
				break
			}
		}
	case typeOut:
		for _, buf := range data {
			if buf.WriteOnly {
				code = statusUnsupp
				break
			}
			n, err := d.writeFrom(buf, int64(sector)*512+int64(bytesMoved))
			bytesMoved += uint32(n)
			if err != nil {
				code = statusIOErr
				break
			}
		}
	case typeFlush:
		if err := d.backend.Sync(); err != nil {
			code = statusIOErr
		}
	default:
		code = statusUnsupp
	}

	if len(status.Slices) != 1 || len(status.Slices[0].Bytes) < 1 {
		return
	}
	status.Slices[0].Bytes[0] = code

	written := uint32(1)
	if code == statusOK {
		written += bytesMoved
	}
	d.complete(chain.Head, code, written)
}

// setStatus writes code into the chain's trailing byte when that buffer is
// device-writable, for requests rejected before their header is parsed.
func setStatus(chain *virtio.Chain, code byte) {
	last := chain.Buffers[len(chain.Buffers)-1]
	if !last.WriteOnly || len(last.Slices) == 0 || len(last.Slices[0].Bytes) < 1 {
		return
	}
	last.Slices[0].Bytes[0] = code
}

func (d *Device) complete(head uint16, code byte, bytesWritten uint32) {
	raise, err := d.queue.PublishUsed(d.mem, head, bytesWritten)
	if err != nil {
		d.log.WithError(err).Warn("blk: publish used failed")
		return
	}
	if raise && d.tp != nil {
		if err := d.tp.RaiseQueueInterrupt(); err != nil {
			d.log.WithError(err).Warn("blk: raise interrupt failed")
		}
	}
}

func (d *Device) readInto(buf virtio.Buffer, off int64) (int, error) {
	total := 0
	for _, s := range buf.Slices {
		n, err := d.backend.ReadAt(s.Bytes, off+int64(total))
		total += n
		if err != nil && !errors.Is(err, io.EOF) {
			return total, err
		}
	}
	return total, nil
}

func (d *Device) writeFrom(buf virtio.Buffer, off int64) (int, error) {
	total := 0
	for _, s := range buf.Slices {
		n, err := d.backend.WriteAt(s.Bytes, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func totalBytes(b virtio.Buffer) int {
	n := 0
	for _, s := range b.Slices {
		n += len(s.Bytes)
	}
	return n
}

func copyFromSlices(dst []byte, slices []memory.HostSlice) {
	off := 0
	for _, s := range slices {
		n := copy(dst[off:], s.Bytes)
		off += n
		if off >= len(dst) {
			return
		}
	}
}
