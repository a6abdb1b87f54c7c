package legacy

import (
	"sync"

	"github.com/subgraph-ph/ph/internal/bus"
)

// statusOBF marks the 8042 output buffer full: a byte is waiting to be
// read from the data port.
const statusOBF byte = 0x01

// Keyboard is a minimal 8042-style keyboard controller stub. A guest
// booted headless with virtio-console input never touches it; it exists
// so that a stock Linux kernel's i8042 probe at boot does not stall
// waiting on a status register that never reads back sane values.
type Keyboard struct {
	mu     sync.Mutex
	status byte
	data   byte
}

// NewKeyboard returns a Keyboard with an empty output buffer.
func NewKeyboard() *Keyboard { return &Keyboard{} }

// HandleAccess implements bus.Handler. offset 0 is the data port
// (KeyboardDataPort), offset 4 is the status/command port
// (KeyboardStatusPort), matching their absolute port difference.
func (k *Keyboard) HandleAccess(offset uint64, dir bus.Direction, width int, data []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if width != 1 {
		return
	}

	switch offset {
	case 0:
		if dir == bus.Write {
			k.data = data[0]
		} else {
			data[0] = k.data
			k.status &^= statusOBF
		}
	case KeyboardStatusPort - KeyboardDataPort:
		if dir == bus.Write {
			// Controller command byte; pH's stub accepts and ignores it.
			return
		}
		data[0] = k.status
	}
}
