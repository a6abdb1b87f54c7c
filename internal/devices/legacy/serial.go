package legacy

import (
	"sync"

	"github.com/subgraph-ph/ph/internal/bus"
	"github.com/subgraph-ph/ph/internal/irq"
)

// Sink receives bytes the guest writes to the UART's transmit-holding
// register. The boot console wires this to the realm's attached pty or
// log stream.
type Sink interface {
	Write(p []byte) (int, error)
}

// Serial emulates a single 16550A-compatible UART at the COM1 port range.
// It is pH's boot console: early guest code (and any guest without a
// virtio-console driver loaded yet) writes kernel log lines through it
// before the virtio-console device takes over.
type Serial struct {
	mu sync.Mutex

	line *irq.Line
	sink Sink

	ier byte
	lcr byte
	mcr byte
	scr byte

	dll byte
	dlh byte

	rxQueue []byte
}

// NewSerial returns a Serial with the transmit path ready (THR empty,
// no loopback) and writes routed to sink.
func NewSerial(line *irq.Line, sink Sink) *Serial {
	return &Serial{line: line, sink: sink}
}

// HandleAccess implements bus.Handler. offset is relative to SerialBasePort.
func (s *Serial) HandleAccess(offset uint64, dir bus.Direction, width int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if width != 1 {
		return
	}

	dlab := s.lcr&lcrDLAB != 0

	switch offset {
	case uartRHRorTHRorDLL:
		if dlab {
			if dir == bus.Write {
				s.dll = data[0]
			} else {
				data[0] = s.dll
			}
			return
		}
		if dir == bus.Write {
			if s.sink != nil {
				s.sink.Write(data[:1])
			}
			return
		}
		data[0] = s.readRx()
	case uartIERorDLH:
		if dlab {
			if dir == bus.Write {
				s.dlh = data[0]
			} else {
				data[0] = s.dlh
			}
			return
		}
		if dir == bus.Write {
			s.ier = data[0]
		} else {
			data[0] = s.ier
		}
	case uartIIRorFCR:
		if dir == bus.Read {
			data[0] = iirNoIntPending
		}
		// FCR writes (FIFO control) are accepted and discarded; pH's UART
		// has no FIFO to configure.
	case uartLCR:
		if dir == bus.Write {
			s.lcr = data[0]
		} else {
			data[0] = s.lcr
		}
	case uartMCR:
		if dir == bus.Write {
			s.mcr = data[0]
		} else {
			data[0] = s.mcr
		}
	case uartLSR:
		if dir == bus.Read {
			data[0] = s.lineStatus()
		}
	case uartMSR:
		if dir == bus.Read {
			data[0] = 0
		}
	case uartSCR:
		if dir == bus.Write {
			s.scr = data[0]
		} else {
			data[0] = s.scr
		}
	}
}

func (s *Serial) lineStatus() byte {
	status := lsrTHRE | lsrTEMT
	if len(s.rxQueue) > 0 {
		status |= lsrDR
	}
	return status
}

func (s *Serial) readRx() byte {
	if len(s.rxQueue) == 0 {
		return 0
	}
	b := s.rxQueue[0]
	s.rxQueue = s.rxQueue[1:]
	return b
}

// Inject delivers host-side input (console keystrokes forwarded from the
// realm's pty) to the guest's receive register and raises IRQSerial if
// the guest has enabled receive-data interrupts.
func (s *Serial) Inject(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxQueue = append(s.rxQueue, b)
	const ierRDA = 0x01
	if s.ier&ierRDA != 0 {
		s.line.Assert()
	}
}
