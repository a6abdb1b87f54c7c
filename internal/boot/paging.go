package boot

// Page table entry flags, x86_64 long mode. Only the bits pH's identity
// map needs are named; the rest of bits 0-11 stay zero.
const (
	ptePresent   uint64 = 1 << 0
	pteWritable  uint64 = 1 << 1
	ptePageSize  uint64 = 1 << 7 // PS bit: PD entry maps a 2MiB page directly
)

const (
	pageSize2MiB = 1 << 21
	entriesPerTable = 512 // 4KiB table / 8-byte entries
)

// identityMapPages returns the number of 2MiB pages (rounded up) needed to
// cover [0, size).
func identityMapPages(size uint64) uint64 {
	pages := size / pageSize2MiB
	if size%pageSize2MiB != 0 {
		pages++
	}
	return pages
}

// buildIdentityMap writes a 4-level (PML4 -> PDPT -> PD, 2MiB pages, no PT
// level) identity map covering [0, size) starting at base, into mem. It
// returns the guest-physical address of the PML4 table, to be loaded into
// CR3. base must be page-aligned and have room for the PML4, one PDPT, and
// enough PDs to cover size (one PD per 1GiB of size, 4KiB each).
func buildIdentityMap(mem writer, base uint64, size uint64) (uint64, error) {
	pml4GPA := base
	pdptGPA := base + 0x1000

	pages := identityMapPages(size)
	pdCount := (pages + entriesPerTable - 1) / entriesPerTable
	if pdCount == 0 {
		pdCount = 1
	}

	pml4 := make([]byte, 0x1000)
	putEntry(pml4, 0, pdptGPA|ptePresent|pteWritable)
	if err := mem.Write(pml4GPA, pml4); err != nil {
		return 0, err
	}

	pdpt := make([]byte, 0x1000)
	for i := uint64(0); i < pdCount; i++ {
		pdGPA := base + 0x2000 + i*0x1000
		putEntry(pdpt, i, pdGPA|ptePresent|pteWritable)
	}
	if err := mem.Write(pdptGPA, pdpt); err != nil {
		return 0, err
	}

	remaining := pages
	for i := uint64(0); i < pdCount; i++ {
		pd := make([]byte, 0x1000)
		n := entriesPerTable
		if uint64(n) > remaining {
			n = int(remaining)
		}
		for j := 0; j < n; j++ {
			phys := (i*entriesPerTable + uint64(j)) * pageSize2MiB
			putEntry(pd, uint64(j), phys|ptePresent|pteWritable|ptePageSize)
		}
		remaining -= uint64(n)
		pdGPA := base + 0x2000 + i*0x1000
		if err := mem.Write(pdGPA, pd); err != nil {
			return 0, err
		}
	}

	return pml4GPA, nil
}

func putEntry(table []byte, index, value uint64) {
	off := index * 8
	for i := 0; i < 8; i++ {
		table[off+uint64(i)] = byte(value >> (8 * i))
	}
}

// writer is the narrow memory.GuestMemory surface paging setup needs.
type writer interface {
	Write(gpa uint64, buf []byte) error
}
