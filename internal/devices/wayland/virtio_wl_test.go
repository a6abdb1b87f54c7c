package wayland

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/subgraph-ph/ph/internal/irq"
	"github.com/subgraph-ph/ph/internal/memory"
	"github.com/subgraph-ph/ph/internal/virtio"
)

type fakeKVM struct{}

func (fakeKVM) SetUserMemoryRegion(slot uint32, gpa, size uint64, hostAddr uintptr) error { return nil }
func (fakeKVM) DeleteMemoryRegion(slot uint32, gpa uint64) error                          { return nil }

type fakeLineSink struct{ raised int }

func (f *fakeLineSink) IRQLine(irq uint32, level bool) error {
	if level {
		f.raised++
	}
	return nil
}

type fakeCompositor struct {
	written bytes.Buffer
	toGuest *bytes.Reader
}

func (c *fakeCompositor) Write(p []byte) (int, error) { return c.written.Write(p) }
func (c *fakeCompositor) Read(p []byte) (int, error)   { return c.toGuest.Read(p) }

type fakeAllocator struct {
	next uint64
}

func (a *fakeAllocator) AllocateMMIO(size, alignment uint64) (uint64, error) {
	gpa := a.next
	a.next += size
	return gpa, nil
}

type fakeChardev struct {
	allocated map[uint32]uint64
	failAlloc bool
}

func newFakeChardev() *fakeChardev { return &fakeChardev{allocated: make(map[uint32]uint64)} }

func (c *fakeChardev) AllocateRegion(id uint32, size uint64) error {
	if c.failAlloc {
		return fmt.Errorf("chardev: out of regions")
	}
	c.allocated[id] = size
	return nil
}

func (c *fakeChardev) ReleaseRegion(id uint32) error {
	if _, ok := c.allocated[id]; !ok {
		return fmt.Errorf("chardev: region %d not allocated", id)
	}
	delete(c.allocated, id)
	return nil
}

const (
	descTableGPA = 0x1000
	availGPA     = 0x2000
	usedGPA      = 0x3000
	dataGPA      = 0x5000

	descFWrite = 1 << 1
)

func writeDescriptor(t *testing.T, gm *memory.GuestMemory, idx uint16, gpa uint64, length uint32, flags uint16, next uint16) {
	t.Helper()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], gpa)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if err := gm.Write(descTableGPA+uint64(idx)*16, buf); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func pushAvail(t *testing.T, gm *memory.GuestMemory, slot uint16, head uint16) {
	t.Helper()
	ringOff := availGPA + 4 + uint64(slot)*2
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, head)
	if err := gm.Write(ringOff, buf); err != nil {
		t.Fatalf("write avail ring: %v", err)
	}
	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, slot+1)
	if err := gm.Write(availGPA+2, idxBuf); err != nil {
		t.Fatalf("write avail idx: %v", err)
	}
}

func setupDevice(t *testing.T, comp Compositor, chardev HostChardev, alloc RegionAllocator) (*Device, *memory.GuestMemory, *fakeLineSink) {
	t.Helper()
	gm := memory.New(fakeKVM{})
	if err := gm.AddSlot(0, 1<<20); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	d := New(comp, chardev, alloc, log)

	sink := &fakeLineSink{}
	ctrl := irq.New(sink)
	line := ctrl.AllocateLine(irq.EdgeTriggered)
	tp := virtio.NewTransport(d, gm, line, log)
	d.Bind(tp, gm)

	q := tp.Queue(queueRequest)
	q.Size = 8
	q.DescGPA = descTableGPA
	q.AvailGPA = availGPA
	q.UsedGPA = usedGPA
	q.Ready = true

	return d, gm, sink
}

func TestWaylandRequestReachesCompositor(t *testing.T) {
	comp := &fakeCompositor{toGuest: bytes.NewReader(nil)}
	d, gm, sink := setupDevice(t, comp, newFakeChardev(), &fakeAllocator{})

	if err := gm.Write(dataGPA, []byte("wl-request")); err != nil {
		t.Fatalf("write data: %v", err)
	}
	writeDescriptor(t, gm, 0, dataGPA, 10, 0, 0)
	pushAvail(t, gm, 0, 0)

	d.OnQueueNotify(queueRequest)

	if comp.written.String() != "wl-request" {
		t.Fatalf("expected the compositor to receive the request bytes, got %q", comp.written.String())
	}
	if sink.raised == 0 {
		t.Fatal("expected the completion to raise the interrupt line")
	}
}

func TestWaylandShareRegionAddsMemorySlot(t *testing.T) {
	chardev := newFakeChardev()
	d, gm, _ := setupDevice(t, &fakeCompositor{toGuest: bytes.NewReader(nil)}, chardev, &fakeAllocator{next: 0x80000000})

	gpa, err := d.ShareRegion(7, 4096)
	if err != nil {
		t.Fatalf("ShareRegion: %v", err)
	}
	if gpa != 0x80000000 {
		t.Fatalf("expected the allocator's GPA to be used, got 0x%x", gpa)
	}
	if chardev.allocated[7] != 4096 {
		t.Fatal("expected the host chardev to record the allocation")
	}
	if err := gm.Write(gpa, []byte{0xAA}); err != nil {
		t.Fatalf("expected the new slot to be writable through guest memory: %v", err)
	}
}

func TestWaylandShareRegionRollsBackChardevOnSlotFailure(t *testing.T) {
	chardev := newFakeChardev()
	// Reuse gpa 0 (already covered by the base RAM slot AddSlot(0, 1<<20)
	// set up in setupDevice) so AddSlot's overlap check fails.
	d, _, _ := setupDevice(t, &fakeCompositor{toGuest: bytes.NewReader(nil)}, chardev, &fakeAllocator{next: 0})

	if _, err := d.ShareRegion(1, 4096); err == nil {
		t.Fatal("expected ShareRegion to fail when AddSlot rejects an overlapping region")
	}
	if len(chardev.allocated) != 0 {
		t.Fatal("expected the chardev allocation to be rolled back after AddSlot failed")
	}
}

func TestWaylandOnResetRetractsOutstandingRegions(t *testing.T) {
	chardev := newFakeChardev()
	d, _, _ := setupDevice(t, &fakeCompositor{toGuest: bytes.NewReader(nil)}, chardev, &fakeAllocator{next: 0x80000000})

	if _, err := d.ShareRegion(3, 4096); err != nil {
		t.Fatalf("ShareRegion: %v", err)
	}

	d.OnReset()

	if len(chardev.allocated) != 0 {
		t.Fatal("expected OnReset to release every outstanding chardev region")
	}
	if len(d.regions) != 0 {
		t.Fatal("expected OnReset to clear the device's region table")
	}
}
