package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VCPU wraps one vCPU file descriptor and its mmap'd kvm_run page. Exactly
// one OS thread may call Run on a given VCPU at a time; pH's vcpu package
// enforces this by locking the owning goroutine to its OS thread for the
// VCPU's entire lifetime.
type VCPU struct {
	fd  int
	run *Run
	raw []byte
}

// CreateVCPU asks the kernel for a new vCPU bound to this VM and mmaps its
// shared kvm_run structure. id must be unique within the VM and, for x86,
// doubles as the APIC ID of a multi-vCPU guest; pH only ever creates vCPU 0.
func (h *Handle) CreateVCPU(id int) (*VCPU, error) {
	fd, err := ioctl(h.vmFD, kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VCPU: %w", err)
	}

	raw, err := unix.Mmap(int(fd), 0, h.mmapSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvmapi: mmap kvm_run: %w", err)
	}

	return &VCPU{fd: int(fd), run: (*Run)(unsafe.Pointer(&raw[0])), raw: raw}, nil
}

// FD returns the raw vCPU file descriptor, for signal-mask setup in the
// owning thread before the first Run call.
func (v *VCPU) FD() int { return v.fd }

// Run blocks in KVM_RUN until the guest exits back to userspace (or the
// calling thread receives an unblocked signal, per vcpu's cancellation
// scheme) and returns the resulting shared kvm_run view.
func (v *VCPU) Run() (*Run, error) {
	_, err := ioctl(v.fd, kvmRun, 0)
	if err != nil {
		if err == unix.EINTR {
			return v.run, err
		}
		return nil, fmt.Errorf("kvmapi: KVM_RUN: %w", err)
	}
	return v.run, nil
}

// GetRegs and SetRegs access the general-purpose register file.
func (v *VCPU) GetRegs() (*Regs, error) {
	var regs Regs
	if _, err := ioctl(v.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_GET_REGS: %w", err)
	}
	return &regs, nil
}

func (v *VCPU) SetRegs(regs *Regs) error {
	if _, err := ioctl(v.fd, kvmSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_REGS: %w", err)
	}
	return nil
}

// GetSregs and SetSregs access the segment and control register file.
func (v *VCPU) GetSregs() (*Sregs, error) {
	var sregs Sregs
	if _, err := ioctl(v.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_GET_SREGS: %w", err)
	}
	return &sregs, nil
}

func (v *VCPU) SetSregs(sregs *Sregs) error {
	if _, err := ioctl(v.fd, kvmSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Close unmaps the shared kvm_run page and closes the vCPU fd.
func (v *VCPU) Close() error {
	if err := unix.Munmap(v.raw); err != nil {
		return fmt.Errorf("kvmapi: munmap kvm_run: %w", err)
	}
	return unix.Close(v.fd)
}
