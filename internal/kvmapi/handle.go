package kvmapi

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UnsupportedHostError reports a required capability missing from the host
// KVM implementation. VM construction aborts before any guest code runs.
type UnsupportedHostError struct {
	Capability string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("kvmapi: host does not support required capability %q", e.Capability)
}

// Handle wraps the open /dev/kvm control device and a single VM file
// descriptor created from it. It is the "KVM Handle" of the core
// specification: capability probe, VM creation, vCPU creation.
type Handle struct {
	sysFD  int
	vmFD   int
	mmapSz int
	log    *logrus.Entry
}

var requiredCapabilities = map[string]uintptr{
	"KVM_CAP_IRQCHIP":       CapIRQChip,
	"KVM_CAP_USER_MEMORY":   CapUserMemory,
	"KVM_CAP_NR_MEMSLOTS":   CapNRMemSlots,
	"KVM_CAP_COALESCED_MMIO": CapCoalescedMMIO,
}

// Open opens /dev/kvm, probes the capabilities pH depends on, and creates a
// VM context with an in-kernel interrupt chip already attached.
func Open(log *logrus.Entry) (*Handle, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "kvmapi")

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: open /dev/kvm: %w", err)
	}
	sysFD := int(f.Fd())

	h := &Handle{sysFD: sysFD, log: log}

	for name, cap := range requiredCapabilities {
		r, err := ioctl(sysFD, kvmCheckExtension, cap)
		if err != nil || r == 0 {
			f.Close()
			return nil, &UnsupportedHostError{Capability: name}
		}
	}

	vmFD, err := ioctl(sysFD, kvmCreateVM, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VM: %w", err)
	}
	h.vmFD = int(vmFD)

	mmapSz, err := ioctl(sysFD, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(h.vmFD)
		f.Close()
		return nil, fmt.Errorf("kvmapi: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	h.mmapSz = int(mmapSz)

	if _, err := ioctl(h.vmFD, kvmCreateIRQChip, 0); err != nil {
		unix.Close(h.vmFD)
		f.Close()
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_IRQCHIP: %w", err)
	}

	pit := PitConfig{}
	if _, err := ioctl(h.vmFD, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit))); err != nil {
		unix.Close(h.vmFD)
		f.Close()
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_PIT2: %w", err)
	}

	log.Debug("kvm handle ready: irqchip and pit attached")
	return h, nil
}

// VMFD returns the raw VM file descriptor, for use by packages (memory,
// irq) that must issue their own ioctls against it.
func (h *Handle) VMFD() int { return h.vmFD }

// VCPUMmapSize returns the size, in bytes, of the shared kvm_run structure
// every vCPU must mmap from its own fd.
func (h *Handle) VCPUMmapSize() int { return h.mmapSz }

// SetUserMemoryRegion registers a guest-physical range backed by a host
// mapping as KVM guest memory. slot must be unique for the lifetime of the
// VM; pH never reuses a slot number after DeleteMemoryRegion.
func (h *Handle) SetUserMemoryRegion(slot uint32, gpa, size uint64, hostAddr uintptr) error {
	region := UserMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	_, err := ioctl(h.vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_USER_MEMORY_REGION(slot=%d): %w", slot, err)
	}
	return nil
}

// DeleteMemoryRegion removes a previously registered slot by re-registering
// it with MemorySize 0, per the KVM ABI.
func (h *Handle) DeleteMemoryRegion(slot uint32, gpa uint64) error {
	region := UserMemoryRegion{Slot: slot, GuestPhysAddr: gpa, MemorySize: 0}
	_, err := ioctl(h.vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_USER_MEMORY_REGION(delete slot=%d): %w", slot, err)
	}
	return nil
}

// SetTSSAddr and SetIdentityMapAddr configure the two reserved guest-physical
// pages x86 KVM needs outside of normal guest RAM for task-switch emulation
// and for the hidden identity-map page used during real-to-protected mode
// transitions triggered by the virtual CPU itself (not by pH's own paging
// setup, which is separate and guest-visible).
func (h *Handle) SetTSSAddr(addr uint64) error {
	_, err := ioctl(h.vmFD, kvmSetTSSAddr, uintptr(addr))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

func (h *Handle) SetIdentityMapAddr(addr uint64) error {
	_, err := ioctl(h.vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// IRQLine asserts or deasserts (level 1/0) a GSI on the in-kernel interrupt
// chip.
func (h *Handle) IRQLine(irq uint32, level bool) error {
	l := int32(0)
	if level {
		l = 1
	}
	req := IRQLevel{IRQ: irq, Level: l}
	_, err := ioctl(h.vmFD, kvmIRQLine, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQ_LINE(irq=%d): %w", irq, err)
	}
	return nil
}

// Close releases the VM and the control file descriptor. Each descriptor
// is zeroed once closed, so a later call skips it.
func (h *Handle) Close() error {
	var err error
	if h.vmFD != 0 {
		if e := unix.Close(h.vmFD); e != nil {
			err = fmt.Errorf("kvmapi: close vm fd: %w", e)
		}
		h.vmFD = 0
	}
	if h.sysFD != 0 {
		if e := unix.Close(h.sysFD); e != nil && err == nil {
			err = fmt.Errorf("kvmapi: close /dev/kvm fd: %w", e)
		}
		h.sysFD = 0
	}
	return err
}
