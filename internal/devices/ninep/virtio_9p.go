// Package ninep implements the virtio-9p device contract: a single
// request queue whose chains are a read-only 9P/2000.L request
// descriptor followed by a write-only response descriptor. The 9P
// protocol itself is out of scope; this package only forwards the raw
// byte stream to an external server over a host socket.
package ninep

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/virtio"
)

const configTagLen = 2 // virtio_9p_config.tag_len, little-endian

// Server is the host side of the 9P connection: a connected socket to
// an external 9P/2000.L server process, typically a Unix domain socket.
type Server interface {
	net.Conn
}

// Device is the virtio-9p device-side backend.
type Device struct {
	virtio.BaseDevice

	mu     sync.Mutex
	server Server
	mem    virtio.GuestMemory
	tp     *virtio.Transport
	log    *logrus.Entry
}

// New returns a virtio-9p device exporting tag over server. tag is the
// mount tag the guest's 9p client matches against its mount options.
func New(tag string, server Server, log *logrus.Entry) *Device {
	cfg := make([]byte, configTagLen+len(tag))
	binary.LittleEndian.PutUint16(cfg[0:2], uint16(len(tag)))
	copy(cfg[2:], tag)
	return &Device{
		BaseDevice: virtio.BaseDevice{
			ID:          virtio.DeviceID9P,
			Queues:      1,
			MaxQueueLen: 128,
			Config:      cfg,
		},
		server: server,
		log:    log,
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

// OnQueueNotify implements virtio.Device. The 9p server is an external
// collaborator reached over a socket, so this runs on a dedicated
// worker per §4.9 rather than the reactor thread.
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
			d.log.WithError(err).Warn("9p: malformed chain")
			return
		}
		if chain == nil {
			return
		}
		d.forward(chain)
	}
}

func (d *Device) forward(chain *virtio.Chain) {
	if len(chain.Buffers) != 2 || chain.Buffers[0].WriteOnly || !chain.Buffers[1].WriteOnly {
		d.log.Warn("9p: chain is not a single request/response descriptor pair")
		return
	}
	req, resp := chain.Buffers[0], chain.Buffers[1]

	for _, s := range req.Slices {
		if _, err := d.server.Write(s.Bytes); err != nil {
			d.log.WithError(err).Warn("9p: write to server socket failed")
			d.complete(chain.Head, 0)
			return
		}
	}

	var n uint32
	for _, s := range resp.Slices {
		r, err := d.server.Read(s.Bytes)
		n += uint32(r)
		if err != nil {
			d.log.WithError(err).Warn("9p: read from server socket failed")
			break
		}
	}
	d.complete(chain.Head, n)
}

func (d *Device) complete(head uint16, n uint32) {
	raise, err := d.tp.Queue(0).PublishUsed(d.mem, head, n)
	if err != nil {
		d.log.WithError(err).Warn("9p: publish used failed")
		return
	}
	if raise {
		if err := d.tp.RaiseQueueInterrupt(); err != nil {
			d.log.WithError(err).Warn("9p: raise interrupt failed")
		}
	}
}
