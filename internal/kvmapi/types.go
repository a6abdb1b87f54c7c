package kvmapi

// UserMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT descriptor).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs: the segment and control register file.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// Regs mirrors struct kvm_regs: the general purpose register file.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// IO describes the io member of the kvm_run exit union for KVM_EXIT_IO.
type IO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// MMIO describes the mmio member of the kvm_run exit union for
// KVM_EXIT_MMIO.
type MMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

// Run is the fixed prefix of struct kvm_run; the exit-specific union begins
// immediately after ReadyForInterruptInjection/IfFlag padding, at the same
// offset whether the guest exited for IO or MMIO. pH reads IO/MMIO through
// UnionBytes with unsafe.Pointer rather than declaring every union member
// Go doesn't need.
type Run struct {
	RequestInterruptWindow uint8
	_                      [7]byte

	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]byte

	CR8      uint64
	ApicBase uint64

	UnionBytes [256]byte
}

// IRQLevel mirrors struct kvm_irq_level, used with KVM_IRQ_LINE against the
// in-kernel interrupt chip.
type IRQLevel struct {
	IRQ   uint32
	Level int32
}

// PitConfig mirrors struct kvm_pit_config, passed to KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}
