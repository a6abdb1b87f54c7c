package legacy

import (
	"sync"
	"time"

	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/irq"
)

// RTC emulates the CMOS/RTC index-data register pair at ports 0x70/0x71.
// KVM's in-kernel device model does not cover CMOS, so this is a real
// userspace PIO handler, unlike the PIC and PIT whose register-level
// emulation is superseded by the in-kernel interrupt chip and PIT2.
type RTC struct {
	mu sync.Mutex

	line *irq.Line

	registers [128]byte
	index     byte

	bcdMode   bool
	hour24    bool
}

// NewRTC returns an RTC with the power-on defaults Linux's RTC driver
// expects: 24-hour mode, valid-RAM bit set, no pending interrupt flags.
func NewRTC(line *irq.Line) *RTC {
	r := &RTC{line: line}
	r.registers[rtcRegA] = 0x26
	r.registers[rtcRegB] = rtcB2412
	r.registers[rtcRegD] = rtcDVRT
	r.refreshConfig()
	return r
}

// HandleAccess implements bus.Handler. Offset 0 is the index port, offset 1
// is the data port (the bus base is RTCIndexPort).
func (r *RTC) HandleAccess(offset uint64, dir bus.Direction, width int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if width != 1 {
		return
	}

	switch offset {
	case 0: // index register
		if dir == bus.Write {
			r.index = data[0] &^ 0x80 // mask NMI-disable bit
		} else {
			data[0] = r.index
		}
	case 1: // data register
		if dir == bus.Write {
			r.writeData(data[0])
		} else {
			data[0] = r.readData()
		}
	}
}

func (r *RTC) writeData(val byte) {
	switch r.index {
	case rtcRegC, rtcRegD:
		return // read-only
	case rtcRegA:
		r.registers[rtcRegA] = val &^ rtcAUIP
	case rtcRegB:
		r.registers[rtcRegB] = val
		r.refreshConfig()
	default:
		if int(r.index) < len(r.registers) {
			r.registers[r.index] = val
		}
	}
}

func (r *RTC) readData() byte {
	if int(r.index) >= len(r.registers) {
		return 0xFF
	}

	now := time.Now()
	switch r.index {
	case rtcRegSeconds:
		return r.encode(now.Second())
	case rtcRegMinutes:
		return r.encode(now.Minute())
	case rtcRegHours:
		return r.encodeHour(now.Hour())
	case rtcRegDayOfWeek:
		return r.encode(int(now.Weekday()) + 1)
	case rtcRegDayOfMonth:
		return r.encode(now.Day())
	case rtcRegMonth:
		return r.encode(int(now.Month()))
	case rtcRegYear:
		return r.encode(now.Year() % 100)
	case rtcRegA:
		return r.registers[rtcRegA] &^ rtcAUIP
	case rtcRegC:
		val := r.registers[rtcRegC]
		r.registers[rtcRegC] = 0
		return val
	case rtcRegD:
		return r.registers[rtcRegD] | rtcDVRT
	default:
		return r.registers[r.index]
	}
}

func (r *RTC) encode(v int) byte {
	if r.bcdMode {
		return byte(((v / 10) << 4) | (v % 10))
	}
	return byte(v)
}

func (r *RTC) encodeHour(hour int) byte {
	if r.hour24 {
		return r.encode(hour)
	}
	isPM := hour >= 12
	if hour >= 12 {
		hour -= 12
	}
	if hour == 0 {
		hour = 12
	}
	v := r.encode(hour)
	if isPM {
		return v | 0x80
	}
	return v
}

func (r *RTC) refreshConfig() {
	r.bcdMode = r.registers[rtcRegB]&rtcBDM == 0
	r.hour24 = r.registers[rtcRegB]&rtcB2412 != 0
}

// Tick raises the RTC periodic interrupt if enabled in register B. The VM
// does not call it on any timer, so the periodic interrupt fires only when
// a caller invokes Tick directly.
func (r *RTC) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registers[rtcRegB]&rtcBPIE == 0 {
		return
	}
	r.registers[rtcRegC] |= rtcCPF | rtcCIRQF
	r.line.Assert()
}
