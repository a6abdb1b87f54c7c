// Package memory is the guest-physical address space: one or more
// host-anonymous mappings registered with the hypervisor as memory slots,
// and the host-side accessors that translate a guest-physical address into
// host bytes.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// OutOfBoundsError reports a guest-physical access that does not lie
// entirely within a single registered slot.
type OutOfBoundsError struct {
	GPA uint64
	Len int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("memory: gpa 0x%x len %d out of bounds", e.GPA, e.Len)
}

// regionSetter is the subset of kvmapi.Handle that GuestMemory needs, kept
// narrow so this package does not import kvmapi and create a dependency
// cycle with boot/vm.
type regionSetter interface {
	SetUserMemoryRegion(slot uint32, gpa, size uint64, hostAddr uintptr) error
	DeleteMemoryRegion(slot uint32, gpa uint64) error
}

type slot struct {
	gpaBase uint64
	length  uint64
	host    []byte
	slotID  uint32
}

func (s *slot) contains(gpa uint64, length int) bool {
	if gpa < s.gpaBase {
		return false
	}
	end := gpa - s.gpaBase + uint64(length)
	return end <= s.length
}

// GuestMemory owns every memory slot backing a single VM's guest-physical
// address space.
type GuestMemory struct {
	mu     sync.RWMutex
	kvm    regionSetter
	slots  []*slot
	nextID uint32
}

// New returns a GuestMemory with no slots registered yet.
func New(kvm regionSetter) *GuestMemory {
	return &GuestMemory{kvm: kvm}
}

// AddSlot mmaps `length` bytes of anonymous host memory, registers it with
// the hypervisor at guest-physical address gpa, and records it for
// host-side access. length must be a multiple of the host page size.
func (m *GuestMemory) AddSlot(gpa, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if overlaps(gpa, length, s.gpaBase, s.length) {
			return fmt.Errorf("memory: slot [0x%x,0x%x) overlaps existing slot [0x%x,0x%x)",
				gpa, gpa+length, s.gpaBase, s.gpaBase+s.length)
		}
	}

	host, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("memory: mmap %d bytes: %w", length, err)
	}

	id := m.nextID
	m.nextID++

	if err := m.kvm.SetUserMemoryRegion(id, gpa, length, uintptr(unsafe.Pointer(&host[0]))); err != nil {
		unix.Munmap(host)
		return err
	}

	newSlot := &slot{gpaBase: gpa, length: length, host: host, slotID: id}
	m.slots = append(m.slots, newSlot)
	sort.Slice(m.slots, func(i, j int) bool { return m.slots[i].gpaBase < m.slots[j].gpaBase })
	return nil
}

// RemoveSlot unregisters and unmaps the slot whose base address is gpa. It
// is used by the wayland backend to retract dynamically added regions once
// the guest has acknowledged it no longer needs them.
func (m *GuestMemory) RemoveSlot(gpa uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.slots {
		if s.gpaBase != gpa {
			continue
		}
		if err := m.kvm.DeleteMemoryRegion(s.slotID, s.gpaBase); err != nil {
			return err
		}
		if err := unix.Munmap(s.host); err != nil {
			return fmt.Errorf("memory: munmap slot at 0x%x: %w", gpa, err)
		}
		m.slots = append(m.slots[:i], m.slots[i+1:]...)
		return nil
	}
	return fmt.Errorf("memory: no slot registered at gpa 0x%x", gpa)
}

func (m *GuestMemory) find(gpa uint64, length int) *slot {
	for _, s := range m.slots {
		if s.contains(gpa, length) {
			return s
		}
	}
	return nil
}

// Read copies len(buf) bytes starting at gpa into buf. The whole range must
// lie within a single slot.
func (m *GuestMemory) Read(gpa uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.find(gpa, len(buf))
	if s == nil {
		return &OutOfBoundsError{GPA: gpa, Len: len(buf)}
	}
	off := gpa - s.gpaBase
	copy(buf, s.host[off:off+uint64(len(buf))])
	return nil
}

// Write copies buf into guest memory starting at gpa. The whole range must
// lie within a single slot.
func (m *GuestMemory) Write(gpa uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.find(gpa, len(buf))
	if s == nil {
		return &OutOfBoundsError{GPA: gpa, Len: len(buf)}
	}
	off := gpa - s.gpaBase
	copy(s.host[off:off+uint64(len(buf))], buf)
	return nil
}

// HostSlice is one contiguous run of host-backed guest memory, produced by
// Iovec when a descriptor's span is split at a slot boundary.
type HostSlice struct {
	Bytes []byte
	GPA   uint64
}

// Iovec returns the host byte slices backing [gpa, gpa+length), split at
// slot boundaries. Callers (device workers) must not retain the returned
// slices past the processing of a single descriptor chain: the underlying
// mapping is aliased with guest-visible memory and may be mutated by the
// guest again once the chain is published.
func (m *GuestMemory) Iovec(gpa uint64, length int) ([]HostSlice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if length == 0 {
		return nil, nil
	}

	var out []HostSlice
	remaining := uint64(length)
	cur := gpa
	for remaining > 0 {
		s := m.findCovering(cur)
		if s == nil {
			return nil, &OutOfBoundsError{GPA: gpa, Len: length}
		}
		off := cur - s.gpaBase
		avail := s.length - off
		take := remaining
		if avail < take {
			take = avail
		}
		out = append(out, HostSlice{Bytes: s.host[off : off+take], GPA: cur})
		cur += take
		remaining -= take
	}
	return out, nil
}

func (m *GuestMemory) findCovering(gpa uint64) *slot {
	for _, s := range m.slots {
		if gpa >= s.gpaBase && gpa < s.gpaBase+s.length {
			return s
		}
	}
	return nil
}

// Close unmaps every remaining slot. Errors from individual unmaps are
// collected; the caller sees how many (if any) slots failed to unmap.
func (m *GuestMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for _, s := range m.slots {
		if err := unix.Munmap(s.host); err != nil {
			result = multierror.Append(result, fmt.Errorf("memory: munmap slot at 0x%x: %w", s.gpaBase, err))
		}
	}
	m.slots = nil
	return result.ErrorOrNil()
}

func overlaps(aBase, aLen, bBase, bLen uint64) bool {
	aEnd := aBase + aLen
	bEnd := bBase + bLen
	return aBase < bEnd && bBase < aEnd
}
