package boot

import (
	"sync"
	"testing"

	"github.com/subgraph-ph/ph/internal/kvmapi"
)

type fakeMem struct {
	mu     sync.Mutex
	writes map[uint64][]byte
}

func newFakeMem() *fakeMem { return &fakeMem{writes: make(map[uint64][]byte)} }

// Write is called concurrently: Load writes the kernel, initrd, and
// command line through an errgroup since they land at disjoint ranges.
func (f *fakeMem) Write(gpa uint64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.mu.Lock()
	f.writes[gpa] = cp
	f.mu.Unlock()
	return nil
}

type fakeVCPU struct {
	regs  kvmapi.Regs
	sregs kvmapi.Sregs
}

func (f *fakeVCPU) GetRegs() (*kvmapi.Regs, error)   { r := f.regs; return &r, nil }
func (f *fakeVCPU) SetRegs(r *kvmapi.Regs) error     { f.regs = *r; return nil }
func (f *fakeVCPU) GetSregs() (*kvmapi.Sregs, error) { s := f.sregs; return &s, nil }
func (f *fakeVCPU) SetSregs(s *kvmapi.Sregs) error   { f.sregs = *s; return nil }

func fakeKernelImage(t *testing.T, setupSectCount byte, bodyLen int) []byte {
	t.Helper()
	img := make([]byte, offSetupSects+1)
	img[offSetupSects] = setupSectCount
	setupLen := (int(setupSectCount) + 1) * sectorSize
	body := make([]byte, setupLen+bodyLen)
	copy(body, img)
	for i := setupLen; i < len(body); i++ {
		body[i] = 0xAB
	}
	return body
}

func TestSetupSectsDefaultsToFourWhenZero(t *testing.T) {
	img := make([]byte, offSetupSects+1)
	if got := setupSects(img); got != 4 {
		t.Fatalf("expected default setup_sects 4, got %d", got)
	}
}

func TestSetupSectsHonorsNonzeroValue(t *testing.T) {
	img := make([]byte, offSetupSects+1)
	img[offSetupSects] = 10
	if got := setupSects(img); got != 10 {
		t.Fatalf("expected setup_sects 10, got %d", got)
	}
}

func TestLoadPlacesKernelAtExpectedOffset(t *testing.T) {
	kernel := fakeKernelImage(t, 4, 4096)
	mem := newFakeMem()
	vcpu := &fakeVCPU{}

	cfg := Config{Kernel: kernel, CommandLine: "console=ttyS0", RAMSize: 128 << 20}
	if err := Load(mem, vcpu, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	kernelBytes, ok := mem.writes[KernelGPA]
	if !ok {
		t.Fatal("expected a write at KernelGPA")
	}
	if kernelBytes[0] != 0xAB {
		t.Fatalf("expected kernel body to start past the setup header, got 0x%x", kernelBytes[0])
	}
}

func TestLoadWritesNullTerminatedCmdline(t *testing.T) {
	kernel := fakeKernelImage(t, 4, 1024)
	mem := newFakeMem()
	vcpu := &fakeVCPU{}

	cfg := Config{Kernel: kernel, CommandLine: "root=/dev/vda", RAMSize: 64 << 20}
	if err := Load(mem, vcpu, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cmdline, ok := mem.writes[CmdlineGPA]
	if !ok {
		t.Fatal("expected a write at CmdlineGPA")
	}
	if string(cmdline[:len(cmdline)-1]) != "root=/dev/vda" {
		t.Fatalf("expected cmdline text preserved, got %q", cmdline)
	}
	if cmdline[len(cmdline)-1] != 0 {
		t.Fatal("expected cmdline to be null terminated")
	}
}

func TestLoadProgramsLongModeSregs(t *testing.T) {
	kernel := fakeKernelImage(t, 4, 1024)
	mem := newFakeMem()
	vcpu := &fakeVCPU{}

	cfg := Config{Kernel: kernel, RAMSize: 64 << 20}
	if err := Load(mem, vcpu, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	const cr0PE, cr0PG = 1 << 0, 1 << 31
	if vcpu.sregs.CR0&(cr0PE|cr0PG) != (cr0PE | cr0PG) {
		t.Fatalf("expected CR0.PE and CR0.PG set, got 0x%x", vcpu.sregs.CR0)
	}
	const cr4PAE = 1 << 5
	if vcpu.sregs.CR4&cr4PAE == 0 {
		t.Fatal("expected CR4.PAE set")
	}
	const eferLME = 1 << 8
	if vcpu.sregs.EFER&eferLME == 0 {
		t.Fatal("expected EFER.LME set")
	}
	if vcpu.sregs.CS.L != 1 {
		t.Fatal("expected 64-bit code segment (L bit set)")
	}
}

func TestLoadEntersAtCode32StartPlus0x200(t *testing.T) {
	kernel := fakeKernelImage(t, 4, 1024)
	mem := newFakeMem()
	vcpu := &fakeVCPU{}

	if err := Load(mem, vcpu, Config{Kernel: kernel, RAMSize: 32 << 20}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if vcpu.regs.RIP != KernelGPA+0x200 {
		t.Fatalf("expected RIP = KernelGPA+0x200, got 0x%x", vcpu.regs.RIP)
	}
	if vcpu.regs.RSI != ZeroPageGPA {
		t.Fatalf("expected RSI to point at the zero page, got 0x%x", vcpu.regs.RSI)
	}
}

func TestLoadRejectsTruncatedImage(t *testing.T) {
	mem := newFakeMem()
	vcpu := &fakeVCPU{}
	tiny := make([]byte, 16)
	if err := Load(mem, vcpu, Config{Kernel: tiny}); err == nil {
		t.Fatal("expected error for an image too small to contain a setup header")
	}
}
