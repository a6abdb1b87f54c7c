// Package irq wraps the in-kernel interrupt chip with a monotonic
// allocation of device-scoped interrupt lines.
package irq

import (
	"sync"
	"sync/atomic"
)

// lineSink is the narrow KVM surface a Line needs to assert itself. Kept as
// an interface so this package does not depend on kvmapi directly.
type lineSink interface {
	IRQLine(irq uint32, level bool) error
}

// Trigger selects level- or edge-triggered semantics for a Line. Level
// lines latch until the guest acknowledges via MMIO; edge lines pulse.
// Virtio devices always use edge, per the transport's interrupt model.
type Trigger int

const (
	// LevelTriggered latches the line asserted until explicitly lowered.
	LevelTriggered Trigger = iota
	// EdgeTriggered pulses the line: Assert raises then immediately lowers it.
	EdgeTriggered
)

// Controller allocates interrupt lines against a single VM's in-kernel
// interrupt chip. Allocation is append-only and wait-free: lines are never
// reassigned once handed out.
type Controller struct {
	kvm  lineSink
	next uint32
}

// isaLines reserves GSIs 0-15 for the fixed ISA IRQ routing the in-kernel
// PIC expects (timer, keyboard, cascade, serial, RTC, ...). AllocateLine
// hands out GSIs above this range; legacy devices pinned to a specific
// ISA line use DedicatedLine instead.
const isaLines = 16

// New returns a Controller driving the given KVM handle's irqchip. The
// in-kernel irqchip itself is created by kvmapi.Open before the controller
// exists.
func New(kvm lineSink) *Controller {
	return &Controller{kvm: kvm, next: isaLines}
}

// DedicatedLine returns a Line bound to a specific GSI rather than the
// next free one. Legacy devices (the RTC, the COM1 UART) must land on
// their fixed ISA IRQ number for the guest's unmodified PIC-based
// drivers to find them.
func (c *Controller) DedicatedLine(gsi uint32, trigger Trigger) *Line {
	return &Line{ctrl: c, irq: gsi, trigger: trigger}
}

// Line is a device-owned handle to one allocated interrupt vector.
type Line struct {
	ctrl    *Controller
	irq     uint32
	trigger Trigger

	mu      sync.Mutex
	asserted bool
}

// AllocateLine hands out the next unused GSI with the given trigger mode.
func (c *Controller) AllocateLine(trigger Trigger) *Line {
	irq := atomic.AddUint32(&c.next, 1) - 1
	return &Line{ctrl: c, irq: irq, trigger: trigger}
}

// IRQ returns the GSI number backing this line, for diagnostics and for
// device config-space fields that report their interrupt vector.
func (l *Line) IRQ() uint32 { return l.irq }

// Assert raises the line. For an edge-triggered line this is a single
// pulse: the line is raised and immediately lowered, matching virtio's
// interrupt model. For a level-triggered line the line stays asserted
// until Deassert is called (normally from the device's MMIO
// interrupt-ack handler).
func (l *Line) Assert() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ctrl.kvm.IRQLine(l.irq, true); err != nil {
		return err
	}
	if l.trigger == EdgeTriggered {
		return l.ctrl.kvm.IRQLine(l.irq, false)
	}
	l.asserted = true
	return nil
}

// Deassert lowers a level-triggered line. It is a no-op safety net for
// edge-triggered lines, which never stay asserted.
func (l *Line) Deassert() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.trigger != LevelTriggered || !l.asserted {
		return nil
	}
	l.asserted = false
	return l.ctrl.kvm.IRQLine(l.irq, false)
}
