// Package bus implements the sorted-range dispatch tables that route vCPU
// MMIO and PIO exits to the device handler registered for the faulting
// address, per the Component Design's MMIO/PIO Bus.
package bus

import (
	"fmt"
	"sort"
)

// Direction of an access as seen by the device handler.
type Direction int

const (
	Read Direction = iota
	Write
)

// Handler is implemented by any device registered on a Bus. Offset is the
// access address relative to the device's registered base, not the
// absolute guest-physical address or port. Width is the access size in
// bytes (1, 2, 4, or 8).
type Handler interface {
	HandleAccess(offset uint64, dir Direction, width int, data []byte)
}

// ConflictError reports an attempt to register a range that overlaps one
// already on the bus.
type ConflictError struct {
	Base, Length       uint64
	ExistingBase, ExistingLength uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("bus: range [0x%x,0x%x) conflicts with existing range [0x%x,0x%x)",
		e.Base, e.Base+e.Length, e.ExistingBase, e.ExistingBase+e.ExistingLength)
}

type region struct {
	base, length uint64
	handler      Handler
}

// Bus is a write-once-then-immutable (except for explicit Unregister during
// teardown) sorted table of device regions, binary-searched on dispatch.
type Bus struct {
	regions []region
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a device's region to the bus. It rejects any range that
// overlaps an already-registered region with ConflictError.
func (b *Bus) Register(base, length uint64, h Handler) error {
	for _, r := range b.regions {
		if overlaps(base, length, r.base, r.length) {
			return &ConflictError{Base: base, Length: length, ExistingBase: r.base, ExistingLength: r.length}
		}
	}
	b.regions = append(b.regions, region{base: base, length: length, handler: h})
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].base < b.regions[j].base })
	return nil
}

// Unregister removes the region starting at base, if any. Used during
// device teardown; the final bus state after unregistering everything that
// was registered is empty.
func (b *Bus) Unregister(base uint64) {
	for i, r := range b.regions {
		if r.base == base {
			b.regions = append(b.regions[:i], b.regions[i+1:]...)
			return
		}
	}
}

// Dispatch routes an access at absolute address addr to the covering
// region's handler, translating addr to an offset relative to the region's
// base. A miss reads as all-zero and discards writes, matching how real
// hardware behaves for unpopulated address space.
func (b *Bus) Dispatch(addr uint64, dir Direction, width int, data []byte) {
	i := sort.Search(len(b.regions), func(i int) bool { return b.regions[i].base+b.regions[i].length > addr })
	if i >= len(b.regions) || addr < b.regions[i].base {
		if dir == Read {
			for j := range data {
				data[j] = 0
			}
		}
		return
	}
	r := b.regions[i]
	r.handler.HandleAccess(addr-r.base, dir, width, data)
}

func overlaps(aBase, aLen, bBase, bLen uint64) bool {
	aEnd := aBase + aLen
	bEnd := bBase + bLen
	return aBase < bEnd && bBase < aEnd
}
