package legacy

import (
	"testing"

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

func readByte(h bus.Handler, offset uint64) byte {
	buf := make([]byte, 1)
	h.HandleAccess(offset, bus.Read, 1, buf)
	return buf[0]
}

func writeByte(h bus.Handler, offset uint64, v byte) {
	h.HandleAccess(offset, bus.Write, 1, []byte{v})
}

func TestRTCIndexDataRoundTrip(t *testing.T) {
	ctrl := irq.New(&fakeLineSink{})
	r := NewRTC(ctrl.AllocateLine(irq.LevelTriggered))

	writeByte(r, 0, rtcRegB)
	writeByte(r, 1, rtcB2412|0x00)

	writeByte(r, 0, rtcRegB)
	got := readByte(r, 1)
	if got&rtcB2412 == 0 {
		t.Fatalf("expected 24-hour bit to stick, got 0x%x", got)
	}
}

func TestRTCRegisterCReadClears(t *testing.T) {
	ctrl := irq.New(&fakeLineSink{})
	r := NewRTC(ctrl.AllocateLine(irq.LevelTriggered))
	r.registers[rtcRegC] = rtcCPF | rtcCIRQF

	writeByte(r, 0, rtcRegC)
	first := readByte(r, 1)
	if first == 0 {
		t.Fatal("expected nonzero register C before read-clear")
	}
	second := readByte(r, 1)
	if second != 0 {
		t.Fatalf("expected register C cleared after first read, got 0x%x", second)
	}
}

func TestRTCRegisterAIsReadOnlyUIP(t *testing.T) {
	ctrl := irq.New(&fakeLineSink{})
	r := NewRTC(ctrl.AllocateLine(irq.LevelTriggered))

	writeByte(r, 0, rtcRegA)
	writeByte(r, 1, 0xFF)

	writeByte(r, 0, rtcRegA)
	got := readByte(r, 1)
	if got&rtcAUIP != 0 {
		t.Fatalf("expected UIP bit masked on write, got 0x%x", got)
	}
}

func TestRTCTickAssertsLineWhenPeriodicEnabled(t *testing.T) {
	sink := &fakeLineSink{}
	ctrl := irq.New(sink)
	line := ctrl.AllocateLine(irq.LevelTriggered)
	r := NewRTC(line)

	writeByte(r, 0, rtcRegB)
	writeByte(r, 1, rtcB2412|rtcBPIE)

	r.Tick()

	if len(sink.asserted) == 0 {
		t.Fatal("expected RTC periodic interrupt to assert the IRQ line")
	}
}

func TestSerialTransmitReachesSink(t *testing.T) {
	var written []byte
	sinkFn := sinkFunc(func(p []byte) (int, error) {
		written = append(written, p...)
		return len(p), nil
	})
	ctrl := irq.New(&fakeLineSink{})
	s := NewSerial(ctrl.AllocateLine(irq.EdgeTriggered), sinkFn)

	writeByte(s, uartRHRorTHRorDLL, 'h')
	writeByte(s, uartRHRorTHRorDLL, 'i')

	if string(written) != "hi" {
		t.Fatalf("expected sink to receive \"hi\", got %q", written)
	}
}

func TestSerialLineStatusReflectsQueuedInput(t *testing.T) {
	ctrl := irq.New(&fakeLineSink{})
	s := NewSerial(ctrl.AllocateLine(irq.EdgeTriggered), nil)

	if readByte(s, uartLSR)&lsrDR != 0 {
		t.Fatal("expected no data-ready bit before any injected byte")
	}

	s.Inject('x')

	if readByte(s, uartLSR)&lsrDR == 0 {
		t.Fatal("expected data-ready bit after injecting a byte")
	}
	if got := readByte(s, uartRHRorTHRorDLL); got != 'x' {
		t.Fatalf("expected to read back injected byte 'x', got %q", got)
	}
}

func TestSerialDLABSwitchesLatchRegisters(t *testing.T) {
	ctrl := irq.New(&fakeLineSink{})
	s := NewSerial(ctrl.AllocateLine(irq.EdgeTriggered), nil)

	writeByte(s, uartLCR, lcrDLAB)
	writeByte(s, uartRHRorTHRorDLL, 0x01)
	writeByte(s, uartIERorDLH, 0x00)
	writeByte(s, uartLCR, 0)

	writeByte(s, uartLCR, lcrDLAB)
	if got := readByte(s, uartRHRorTHRorDLL); got != 0x01 {
		t.Fatalf("expected divisor latch low byte 0x01, got 0x%x", got)
	}
}

func TestKeyboardStatusClearsAfterDataRead(t *testing.T) {
	k := NewKeyboard()
	k.status = statusOBF
	k.data = 0x1C

	if got := readByte(k, 0); got != 0x1C {
		t.Fatalf("expected data byte 0x1C, got 0x%x", got)
	}
	if readByte(k, KeyboardStatusPort-KeyboardDataPort)&statusOBF != 0 {
		t.Fatal("expected OBF bit clear after data read")
	}
}

type sinkFunc func([]byte) (int, error)

func (f sinkFunc) Write(p []byte) (int, error) { return f(p) }
