package boot

import "github.com/subgraph-ph/ph/internal/kvmapi"

// entry is a single 8-byte GDT descriptor. The encoding is the same as
// 32-bit protected mode; long mode ignores base/limit for code and data
// segments but the descriptor format itself is unchanged, and the L bit
// (bit 5 of the byte holding the flags nibble) marks a code segment as
// 64-bit.
type entry struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	limitHigh uint8 // low nibble: limit(19:16); high nibble: flags
	baseHigh  uint8
}

func newEntry(base uint32, limit uint32, access, flags uint8) entry {
	return entry{
		limitLow:  uint16(limit & 0xFFFF),
		baseLow:   uint16(base & 0xFFFF),
		baseMid:   uint8((base >> 16) & 0xFF),
		access:    access,
		limitHigh: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		baseHigh:  uint8((base >> 24) & 0xFF),
	}
}

func (e entry) bytes() [8]byte {
	return [8]byte{
		byte(e.limitLow), byte(e.limitLow >> 8),
		byte(e.baseLow), byte(e.baseLow >> 8),
		e.baseMid, e.access, e.limitHigh, e.baseHigh,
	}
}

// Selector indices into the GDT this package builds.
const (
	selNull = 0
	selCode64 = 1 << 3
	selData64 = 2 << 3
)

const (
	accessPresent  uint8 = 1 << 7
	accessDPL0     uint8 = 0 << 5
	accessCodeData uint8 = 1 << 4
	accessExec     uint8 = 1 << 3
	accessRW       uint8 = 1 << 1

	flagLongMode uint8 = 1 << 5
	flagGranularity uint8 = 1 << 7
)

// buildGDT writes the null, 64-bit code, and 64-bit data descriptors at
// gpa and returns their byte length (3 * 8).
func buildGDT(mem writer, gpa uint64) (uint64, error) {
	null := entry{}
	code := newEntry(0, 0xFFFFF, accessPresent|accessCodeData|accessExec|accessRW, flagLongMode|flagGranularity)
	data := newEntry(0, 0xFFFFF, accessPresent|accessCodeData|accessRW, flagGranularity)

	buf := make([]byte, 24)
	copyEntry(buf[0:8], null)
	copyEntry(buf[8:16], code)
	copyEntry(buf[16:24], data)

	if err := mem.Write(gpa, buf); err != nil {
		return 0, err
	}
	return 24, nil
}

func copyEntry(dst []byte, e entry) {
	b := e.bytes()
	copy(dst, b[:])
}

// codeSegment64 and dataSegment64 return the kvm_sregs segment descriptors
// matching the GDT entries buildGDT writes, for loading via KVM_SET_SREGS.
func codeSegment64(selector uint16) kvmapi.Segment {
	return kvmapi.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: selector,
		Type: 0xB, Present: 1, DPL: 0, S: 1, L: 1, G: 1,
	}
}

func dataSegment64(selector uint16) kvmapi.Segment {
	return kvmapi.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: selector,
		Type: 0x3, Present: 1, DPL: 0, S: 1, DB: 1, G: 1,
	}
}
