package virtio

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/irq"
)

type fakeLineSink struct{ asserted []uint32 }

func (f *fakeLineSink) IRQLine(irq uint32, level bool) error {
	if level {
		f.asserted = append(f.asserted, irq)
	}
	return nil
}

type testDevice struct {
	BaseDevice
	notified []int
	resets   int
}

func (d *testDevice) OnQueueNotify(i int) { d.notified = append(d.notified, i) }
func (d *testDevice) OnReset()            { d.resets++ }

func newTestTransport(t *testing.T) (*Transport, *testDevice) {
	t.Helper()
	gm := newTestMemory(t)
	dev := &testDevice{BaseDevice: BaseDevice{ID: DeviceIDEntropy, Queues: 1, MaxQueueLen: 256}}
	ctrl := irq.New(&fakeLineSink{})
	line := ctrl.AllocateLine(irq.EdgeTriggered)
	tp := NewTransport(dev, gm, line, logrus.NewEntry(logrus.New()))
	return tp, dev
}

func regWrite32(tp *Transport, offset uint64, v uint32) {
	buf := make([]byte, 4)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	tp.HandleAccess(offset, bus.Write, 4, buf)
}

func regRead32(tp *Transport, offset uint64) uint32 {
	buf := make([]byte, 4)
	tp.HandleAccess(offset, bus.Read, 4, buf)
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func TestMagicAndVersion(t *testing.T) {
	tp, _ := newTestTransport(t)
	if got := regRead32(tp, regMagic); got != magicValue {
		t.Fatalf("expected magic 0x%x, got 0x%x", magicValue, got)
	}
	if got := regRead32(tp, regVersion); got != version2 {
		t.Fatalf("expected version 2, got %d", got)
	}
}

func driveHandshake(tp *Transport) {
	regWrite32(tp, regStatus, StatusAcknowledge)
	regWrite32(tp, regStatus, StatusAcknowledge|StatusDriver)
	regWrite32(tp, regDriverFeatSel, 1)
	regWrite32(tp, regDriverFeatures, uint32(FeatureVersion1>>32))
	regWrite32(tp, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	regWrite32(tp, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

func TestHandshakeReachesReady(t *testing.T) {
	tp, _ := newTestTransport(t)
	driveHandshake(tp)
	if tp.State() != StateReady {
		t.Fatalf("expected StateReady, got %v", tp.State())
	}
}

func TestHandshakeFailsWithoutVersion1(t *testing.T) {
	tp, _ := newTestTransport(t)
	regWrite32(tp, regStatus, StatusAcknowledge)
	regWrite32(tp, regStatus, StatusAcknowledge|StatusDriver)
	regWrite32(tp, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if tp.State() != StateFailed {
		t.Fatalf("expected StateFailed without VIRTIO_F_VERSION_1, got %v", tp.State())
	}
}

func TestStatusZeroResetsQueues(t *testing.T) {
	tp, dev := newTestTransport(t)
	driveHandshake(tp)

	regWrite32(tp, regQueueSel, 0)
	regWrite32(tp, regQueueNum, 128)
	regWrite32(tp, regQueueReady, 1)

	regWrite32(tp, regStatus, 0)

	if tp.State() != StateReset {
		t.Fatalf("expected StateReset, got %v", tp.State())
	}
	if tp.Queue(0).Ready {
		t.Fatal("expected queue ready=false after status reset")
	}
	if dev.resets != 1 {
		t.Fatalf("expected OnReset called once, got %d", dev.resets)
	}
}

func TestQueueNotifyIgnoredWhenNotReady(t *testing.T) {
	tp, dev := newTestTransport(t)
	driveHandshake(tp)
	regWrite32(tp, regQueueNotify, 0)
	if len(dev.notified) != 0 {
		t.Fatal("expected notify on unready queue to be ignored")
	}
}

func TestQueueNotifyDispatchesWhenReady(t *testing.T) {
	tp, dev := newTestTransport(t)
	driveHandshake(tp)
	regWrite32(tp, regQueueSel, 0)
	regWrite32(tp, regQueueNum, 128)
	regWrite32(tp, regQueueReady, 1)

	regWrite32(tp, regQueueNotify, 0)
	if len(dev.notified) != 1 || dev.notified[0] != 0 {
		t.Fatalf("expected notify to reach device for queue 0, got %v", dev.notified)
	}
}
