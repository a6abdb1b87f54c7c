package ninep

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

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

const (
	descTableGPA = 0x1000
	availGPA     = 0x2000
	usedGPA      = 0x3000
	reqGPA       = 0x5000
	respGPA      = 0x6000

	descFNext  = 1 << 0
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

func setupDevice(t *testing.T, server Server) (*Device, *memory.GuestMemory, *fakeLineSink) {
	t.Helper()
	gm := memory.New(fakeKVM{})
	if err := gm.AddSlot(0, 1<<20); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	d := New("export", server, log)

	sink := &fakeLineSink{}
	ctrl := irq.New(sink)
	line := ctrl.AllocateLine(irq.EdgeTriggered)
	tp := virtio.NewTransport(d, gm, line, log)
	d.Bind(tp, gm)

	q := tp.Queue(0)
	q.Size = 8
	q.DescGPA = descTableGPA
	q.AvailGPA = availGPA
	q.UsedGPA = usedGPA
	q.Ready = true

	return d, gm, sink
}

func TestNinePForwardsRequestAndFillsResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		serverDone <- buf[:n]
		server.Write([]byte("Rversion-reply"))
	}()

	d, gm, sink := setupDevice(t, client)

	if err := gm.Write(reqGPA, []byte("Tversion-request")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	writeDescriptor(t, gm, 0, reqGPA, 16, descFNext, 1)
	writeDescriptor(t, gm, 1, respGPA, 14, descFWrite, 0)
	pushAvail(t, gm, 0, 0)

	d.OnQueueNotify(0)

	select {
	case got := <-serverDone:
		if string(got) != "Tversion-request" {
			t.Fatalf("expected the server to see the forwarded request, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the server to receive the forwarded request")
	}

	resp := make([]byte, 14)
	if err := gm.Read(respGPA, resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "Rversion-reply" {
		t.Fatalf("expected the guest response buffer to contain the server's reply, got %q", resp)
	}
	if sink.raised == 0 {
		t.Fatal("expected the completion to raise the interrupt line")
	}
}

func TestNinePRejectsMalformedChain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d, gm, _ := setupDevice(t, client)

	writeDescriptor(t, gm, 0, reqGPA, 16, 0, 0)
	pushAvail(t, gm, 0, 0)

	done := make(chan struct{})
	go func() {
		d.OnQueueNotify(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a single read-only descriptor chain to be rejected without blocking")
	}
}
