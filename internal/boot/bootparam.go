package boot

import "encoding/binary"

// Offsets into the Linux/x86 boot protocol's setup_header, embedded at
// offset 0x1f1 within boot_params (the "zero page"). Only the fields pH's
// loader reads or writes are named; see Documentation/x86/boot.rst.
const (
	offSetupSects  = 0x1f1
	offVidMode     = 0x1fa
	offTypeOfLoader = 0x210
	offLoadFlags   = 0x211
	offRamdiskImage = 0x218
	offRamdiskSize = 0x21c
	offHeapEndPtr  = 0x224
	offCmdlinePtr  = 0x228
	offCmdlineSize = 0x238

	offE820Entries = 0x1e8
	offE820Table   = 0x2d0
	e820EntrySize  = 20
	e820MaxEntries = 128

	zeroPageSize = 0x1000

	loadFlagsLoadedHigh  = 1 << 0
	loadFlagsCanUseHeap  = 1 << 7
	loadFlagsKeepSegments = 1 << 6

	typeOfLoaderUndefined = 0xFF

	e820TypeRAM      = 1
	e820TypeReserved = 2
)

// setupSects returns the kernel image's setup_sects field (the number of
// 512-byte sectors occupied by the real-mode setup code, excluding the
// boot sector itself). A zero value means the historical default of 4.
func setupSects(kernel []byte) uint8 {
	if len(kernel) <= offSetupSects {
		return 4
	}
	n := kernel[offSetupSects]
	if n == 0 {
		return 4
	}
	return n
}

// zeroPage builds the boot_params structure the Linux/x86 boot protocol
// expects at a fixed low guest-physical address: the kernel's own
// setup_header copied in verbatim, patched with the loader-owned fields,
// plus an E820 memory map.
func zeroPage(kernel []byte, cmdlineGPA, ramdiskGPA uint64, ramdiskSize uint32, cmdlineLen uint32, ramSize uint64) []byte {
	zp := make([]byte, zeroPageSize)

	headerLen := len(kernel) - offSetupSects
	if headerLen > zeroPageSize-offSetupSects {
		headerLen = zeroPageSize - offSetupSects
	}
	if headerLen > 0 {
		copy(zp[offSetupSects:], kernel[offSetupSects:offSetupSects+headerLen])
	}

	putU16(zp, offVidMode, 0xFFFF) // VGA_NORMAL: no video mode requested
	zp[offTypeOfLoader] = typeOfLoaderUndefined
	zp[offLoadFlags] |= loadFlagsCanUseHeap | loadFlagsLoadedHigh | loadFlagsKeepSegments
	putU32(zp, offRamdiskImage, uint32(ramdiskGPA))
	putU32(zp, offRamdiskSize, ramdiskSize)
	putU16(zp, offHeapEndPtr, 0xFE00)
	putU32(zp, offCmdlinePtr, uint32(cmdlineGPA))
	putU32(zp, offCmdlineSize, cmdlineLen)

	addE820Entry(zp, 0, ramSize, e820TypeRAM)

	return zp
}

func addE820Entry(zp []byte, addr, size uint64, typ uint32) {
	n := int(zp[offE820Entries])
	if n >= e820MaxEntries {
		return
	}
	off := offE820Table + n*e820EntrySize
	binary.LittleEndian.PutUint64(zp[off:], addr)
	binary.LittleEndian.PutUint64(zp[off+8:], size)
	binary.LittleEndian.PutUint32(zp[off+16:], typ)
	zp[offE820Entries] = byte(n + 1)
}

func putU16(buf []byte, off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
