// Package boot loads a kernel image, initrd, and command line into guest
// memory per the Linux/x86 64-bit boot protocol, and programs a vCPU's
// initial register state to enter the kernel directly in long mode with
// an identity-mapped address space.
package boot

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/subgraph-ph/ph/internal/kvmapi"
)

// Fixed low guest-physical addresses: the boot structures below the 1 MiB
// boundary and the protected-mode kernel at it, matching the layout every from-scratch
// x86_64 KVM loader (kvmtool, crosvm, firecracker) uses.
const (
	ZeroPageGPA = 0x10000
	CmdlineGPA  = 0x20000
	KernelGPA   = 0x100000

	pageTableGPA = 0x2000 // PML4 at 0x2000, PDPT at 0x3000, PDs from 0x4000
	gdtGPA       = 0x1000

	sectorSize = 512
)

// GuestMemory is the narrow surface the loader needs from
// internal/memory.GuestMemory.
type GuestMemory interface {
	Write(gpa uint64, buf []byte) error
}

// VCPU is the narrow surface the loader needs from kvmapi.VCPU.
type VCPU interface {
	GetRegs() (*kvmapi.Regs, error)
	SetRegs(*kvmapi.Regs) error
	GetSregs() (*kvmapi.Sregs, error)
	SetSregs(*kvmapi.Sregs) error
}

// Config describes one boot: the raw kernel and initrd images, the
// command line, and the guest RAM size (for the E820 map and the
// identity map's extent).
type Config struct {
	Kernel     []byte
	Initrd     []byte
	CommandLine string
	RAMSize    uint64
}

// Load places the kernel, initrd, boot params, GDT, and identity-mapped
// page tables into mem, then programs vcpu to enter the kernel's 64-bit
// entry point. It is synchronous: by the time it returns, vcpu is ready
// for its first KVM_RUN.
func Load(mem GuestMemory, vcpu VCPU, cfg Config) error {
	if len(cfg.Kernel) <= offSetupSects {
		return fmt.Errorf("boot: kernel image too small to contain a setup header")
	}

	setupSize := (int(setupSects(cfg.Kernel)) + 1) * sectorSize
	if setupSize >= len(cfg.Kernel) {
		return fmt.Errorf("boot: kernel image truncated before protected-mode code (setup_sects implies offset %d, image is %d bytes)", setupSize, len(cfg.Kernel))
	}
	kernelCode := cfg.Kernel[setupSize:]
	initrdGPA := alignUp(KernelGPA+uint64(len(kernelCode)), 0x1000)
	cmdline := append([]byte(cfg.CommandLine), 0)

	// The kernel image, initrd, and command line land at disjoint,
	// non-overlapping guest-physical ranges, so populating them is three
	// independent writes rather than a dependency chain.
	var g errgroup.Group
	g.Go(func() error {
		if err := mem.Write(KernelGPA, kernelCode); err != nil {
			return fmt.Errorf("boot: write kernel image: %w", err)
		}
		return nil
	})
	if len(cfg.Initrd) > 0 {
		g.Go(func() error {
			if err := mem.Write(initrdGPA, cfg.Initrd); err != nil {
				return fmt.Errorf("boot: write initrd: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := mem.Write(CmdlineGPA, cmdline); err != nil {
			return fmt.Errorf("boot: write command line: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	zp := zeroPage(cfg.Kernel, CmdlineGPA, initrdGPA, uint32(len(cfg.Initrd)), uint32(len(cmdline)), cfg.RAMSize)
	if err := mem.Write(ZeroPageGPA, zp); err != nil {
		return fmt.Errorf("boot: write boot params: %w", err)
	}

	if _, err := buildGDT(mem, gdtGPA); err != nil {
		return fmt.Errorf("boot: build GDT: %w", err)
	}

	pml4GPA, err := buildIdentityMap(mem, pageTableGPA, identityMapExtent(cfg.RAMSize, initrdGPA, uint64(len(cfg.Initrd))))
	if err != nil {
		return fmt.Errorf("boot: build identity map: %w", err)
	}

	if err := programSregs(vcpu, pml4GPA); err != nil {
		return err
	}
	// The 64-bit entry point is the 32-bit entry point (the kernel's load
	// address) plus 0x200, per the boot protocol's "64-bit BOOT PROTOCOL"
	// section.
	if err := programRegs(vcpu, KernelGPA+0x200, ZeroPageGPA); err != nil {
		return err
	}
	return nil
}

// identityMapExtent returns the guest-physical range the identity map
// must cover: guest RAM plus wherever the initrd landed, whichever is
// larger.
func identityMapExtent(ramSize, initrdGPA, initrdLen uint64) uint64 {
	end := initrdGPA + initrdLen
	if ramSize > end {
		return ramSize
	}
	return end
}

func alignUp(v, boundary uint64) uint64 {
	return (v + boundary - 1) &^ (boundary - 1)
}

func programSregs(vcpu VCPU, pml4GPA uint64) error {
	sregs, err := vcpu.GetSregs()
	if err != nil {
		return fmt.Errorf("boot: get sregs: %w", err)
	}

	sregs.GDT = kvmapi.DTable{Base: gdtGPA, Limit: 23}
	sregs.CS = codeSegment64(selCode64)
	sregs.DS = dataSegment64(selData64)
	sregs.ES = dataSegment64(selData64)
	sregs.FS = dataSegment64(selData64)
	sregs.GS = dataSegment64(selData64)
	sregs.SS = dataSegment64(selData64)

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	sregs.CR3 = pml4GPA
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0PG
	sregs.EFER = eferLME | eferLMA

	if err := vcpu.SetSregs(sregs); err != nil {
		return fmt.Errorf("boot: set sregs: %w", err)
	}
	return nil
}

func programRegs(vcpu VCPU, entryPoint, zeroPageGPA uint64) error {
	regs, err := vcpu.GetRegs()
	if err != nil {
		return fmt.Errorf("boot: get regs: %w", err)
	}

	regs.RIP = entryPoint
	regs.RSI = zeroPageGPA // boot_params pointer, per the 64-bit boot protocol
	regs.RFLAGS = 0x2      // bit 1 is reserved and must be set

	if err := vcpu.SetRegs(regs); err != nil {
		return fmt.Errorf("boot: set regs: %w", err)
	}
	return nil
}
