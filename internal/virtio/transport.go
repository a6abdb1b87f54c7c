package virtio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/irq"
)

// MMIO register offsets, per the virtio 1.x specification, version 2
// (modern, no legacy guest-page-size register).
const (
	regMagic          = 0x000
	regVersion        = 0x004
	regDeviceID       = 0x008
	regVendorID       = 0x00c
	regDeviceFeatures = 0x010
	regDeviceFeatSel  = 0x014
	regDriverFeatures = 0x020
	regDriverFeatSel  = 0x024
	regQueueSel       = 0x030
	regQueueNumMax    = 0x034
	regQueueNum       = 0x038
	regQueueReady     = 0x044
	regQueueNotify    = 0x050
	regInterruptStat  = 0x060
	regInterruptAck   = 0x064
	regStatus         = 0x070
	regQueueDescLow   = 0x080
	regQueueDescHigh  = 0x084
	regQueueAvailLow  = 0x090
	regQueueAvailHigh = 0x094
	regQueueUsedLow   = 0x0a0
	regQueueUsedHigh  = 0x0a4
	regConfigGen      = 0x0fc
	regConfig         = 0x100

	magicValue = 0x74726976
	version2   = 2
)

// Status bits, cumulative per the virtio device-status register.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusFailed      = 1 << 7
	StatusFeaturesOK  = 1 << 3
	StatusDriverOK    = 1 << 2
	StatusNeedsReset  = 1 << 6
)

// FeatureVersion1 is VIRTIO_F_VERSION_1 (bit 32): if the accepted feature
// subset omits it after FEATURES_OK, the device transitions to FAILED.
const FeatureVersion1 = uint64(1) << 32

// State names the handshake state machine driving device status.
type State int

const (
	StateReset State = iota
	StateAcked
	StateDriver
	StateFeaturesNeg
	StateReady
	StateFailed
)

// Device is implemented by a concrete back-end (block, 9p, entropy,
// console, wayland) to answer device-specific identity and configuration
// reads, and to be notified when a queue receives work or the device is
// reset.
type Device interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	NumQueues() int
	QueueMaxSize(index int) uint16
	ReadConfig(offset uint64, width int) uint64
	WriteConfig(offset uint64, width int, value uint64)
	OnQueueNotify(index int)
	OnReset()
}

// Transport is the per-device MMIO register file plus the handshake state
// machine. It owns the device's Queue objects and wires queue-notify
// writes to Device.OnQueueNotify and queue completions to the device's
// interrupt line.
type Transport struct {
	mu sync.Mutex

	log    *logrus.Entry
	device Device
	queues []*Queue
	line   *irq.Line
	mem    GuestMemory

	state           State
	status          uint32
	deviceFeatSel   uint32
	driverFeatSel   uint32
	driverFeatures  uint64
	queueSel        uint32
	interruptStatus atomic.Uint32
}

// NewTransport builds the register file and per-queue state for a device,
// ready to be registered on an MMIO bus at a base address the address
// allocator hands out.
func NewTransport(dev Device, mem GuestMemory, line *irq.Line, log *logrus.Entry) *Transport {
	t := &Transport{
		device: dev,
		mem:    mem,
		line:   line,
		log:    log.WithField("virtio-device", dev.DeviceID()),
	}
	for i := 0; i < dev.NumQueues(); i++ {
		t.queues = append(t.queues, NewQueue(i, dev.QueueMaxSize(i)))
	}
	return t
}

// Queue returns the i'th queue, for the device worker to pop chains from
// and publish completions to.
func (t *Transport) Queue(i int) *Queue { return t.queues[i] }

// RaiseQueueInterrupt sets the vring-interrupt bit and pulses the device's
// interrupt line. Called by a device worker after PublishUsed reports the
// guest wants to be woken.
func (t *Transport) RaiseQueueInterrupt() error {
	atomicOr(&t.interruptStatus, 0x1)
	return t.line.Assert()
}

// atomicOr and atomicAndNot implement bitwise update on an atomic.Uint32 via
// compare-and-swap, since the interrupt-status register is touched both by
// device workers (setting the vring bit) and by the vCPU thread servicing
// INTERRUPT_ACK (clearing bits) without a shared mutex.
func atomicOr(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func atomicAndNot(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// HandleAccess implements bus.Handler: offset is relative to the device's
// registered MMIO base.
func (t *Transport) HandleAccess(offset uint64, dir bus.Direction, width int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dir == bus.Read {
		putWidth(data, width, t.read(offset, width))
		return
	}
	t.write(offset, width, getWidth(data, width))
}

func putWidth(data []byte, width int, value uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	copy(data, buf[:width])
}

func getWidth(data []byte, width int) uint64 {
	buf := make([]byte, 8)
	copy(buf, data[:width])
	return binary.LittleEndian.Uint64(buf)
}

func (t *Transport) read(offset uint64, width int) uint64 {
	switch offset {
	case regMagic:
		return magicValue
	case regVersion:
		return version2
	case regDeviceID:
		return uint64(t.device.DeviceID())
	case regVendorID:
		return 0x504c4148 // "PLAH" vendor id, pH's own.
	case regDeviceFeatures:
		feat := t.device.DeviceFeatures() | FeatureVersion1
		if t.deviceFeatSel == 1 {
			return feat >> 32
		}
		return feat & 0xffffffff
	case regQueueNumMax:
		if int(t.queueSel) >= len(t.queues) {
			return 0
		}
		return uint64(t.queues[t.queueSel].MaxSize)
	case regQueueReady:
		if int(t.queueSel) >= len(t.queues) {
			return 0
		}
		if t.queues[t.queueSel].Ready {
			return 1
		}
		return 0
	case regInterruptStat:
		return uint64(t.interruptStatus.Load())
	case regStatus:
		return uint64(t.status)
	case regConfigGen:
		return 0
	default:
		if offset >= regConfig {
			return t.device.ReadConfig(offset-regConfig, width)
		}
		return 0
	}
}

func (t *Transport) write(offset uint64, width int, value uint64) {
	switch offset {
	case regDeviceFeatSel:
		t.deviceFeatSel = uint32(value)
	case regDriverFeatSel:
		t.driverFeatSel = uint32(value)
	case regDriverFeatures:
		if t.driverFeatSel == 1 {
			t.driverFeatures = (t.driverFeatures & 0xffffffff) | (value << 32)
		} else {
			t.driverFeatures = (t.driverFeatures &^ 0xffffffff) | (value & 0xffffffff)
		}
	case regQueueSel:
		t.queueSel = uint32(value)
	case regQueueNum:
		if q := t.curQueue(); q != nil {
			q.Size = uint16(value)
		}
	case regQueueReady:
		if q := t.curQueue(); q != nil {
			q.Ready = value != 0
		}
	case regQueueDescLow:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrLow(&q.DescGPA, value)
		}
	case regQueueDescHigh:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrHigh(&q.DescGPA, value)
		}
	case regQueueAvailLow:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrLow(&q.AvailGPA, value)
		}
	case regQueueAvailHigh:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrHigh(&q.AvailGPA, value)
		}
	case regQueueUsedLow:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrLow(&q.UsedGPA, value)
		}
	case regQueueUsedHigh:
		if q := t.curQueue(); q != nil {
			t.setQueueAddrHigh(&q.UsedGPA, value)
		}
	case regQueueNotify:
		t.notify(int(value))
	case regInterruptAck:
		atomicAndNot(&t.interruptStatus, uint32(value))
	case regStatus:
		t.writeStatus(uint32(value))
	default:
		if offset >= regConfig {
			t.device.WriteConfig(offset-regConfig, width, value)
		}
	}
}

func (t *Transport) curQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

func (t *Transport) setQueueAddrLow(field *uint64, value uint64) {
	*field = (*field &^ 0xffffffff) | (value & 0xffffffff)
}

func (t *Transport) setQueueAddrHigh(field *uint64, value uint64) {
	*field = (*field & 0xffffffff) | (value << 32)
}

func (t *Transport) notify(queue int) {
	if queue < 0 || queue >= len(t.queues) || !t.queues[queue].Ready {
		return
	}
	t.device.OnQueueNotify(queue)
}

// writeStatus drives the RESET -> ACKED -> DRIVER -> FEATURES_NEG ->
// READY/FAILED handshake. A write of zero always resets the device and
// tears down every queue, regardless of current state.
func (t *Transport) writeStatus(value uint32) {
	if value == 0 {
		t.resetLocked()
		return
	}

	prev := t.status
	t.status = value

	if t.state == StateReset && value&StatusAcknowledge != 0 {
		t.state = StateAcked
	}
	if t.state == StateAcked && value&StatusDriver != 0 {
		t.state = StateDriver
	}

	if t.state == StateDriver && value&StatusFeaturesOK != 0 {
		t.state = StateFeaturesNeg
		if t.driverFeatures&FeatureVersion1 == 0 {
			t.status &^= StatusFeaturesOK
			t.state = StateFailed
			t.status |= StatusFailed
			t.log.Warn("driver negotiated without VIRTIO_F_VERSION_1, failing device")
			return
		}
	}

	if t.state == StateFeaturesNeg && value&StatusDriverOK != 0 {
		t.state = StateReady
	}

	if value&StatusFailed != 0 {
		t.state = StateFailed
	}

	if prev != t.status {
		t.log.WithField("status", t.status).Debug("virtio device status transition")
	}
}

func (t *Transport) resetLocked() {
	for _, q := range t.queues {
		q.Reset()
	}
	t.status = 0
	t.state = StateReset
	t.driverFeatures = 0
	t.interruptStatus.Store(0)
	t.device.OnReset()
}

// State reports the current handshake state, mainly for tests.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
