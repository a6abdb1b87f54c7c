// Package legacy emulates the minimum set of legacy x86 devices a Linux
// guest touches before its own virtio drivers take over: the CMOS/RTC, a
// 16550A-style UART, and an 8042-style keyboard controller stub. The
// 8259A interrupt controllers and the 8254 timer are not emulated here
// (the in-kernel irqchip and PIT2 handle them); only their port and
// register numbers are defined.
package legacy

// PIC ports.
const (
	PICMasterCmdPort  uint64 = 0x20
	PICMasterDataPort uint64 = 0x21
	PICSlaveCmdPort   uint64 = 0xA0
	PICSlaveDataPort  uint64 = 0xA1
)

// Well-known IRQ lines on the master/slave cascade.
const (
	IRQTimer    uint8 = 0
	IRQKeyboard uint8 = 1
	IRQCascade  uint8 = 2
	IRQSerial   uint8 = 4
	IRQRTC      uint8 = 8
)

// ICW1 bits.
const (
	icw1IC4  byte = 0x01
	icw1Sngl byte = 0x02
	icw1Ltim byte = 0x08
	icw1Init byte = 0x10
)

// ICW4 bits.
const (
	icw4AEOI byte = 0x02
	icw4SFNM byte = 0x10
)

// OCW2 bits.
const (
	ocw2EOICmd byte = 0x20
	ocw2SLCmd  byte = 0x40
)

// OCW3 bits.
const (
	ocw3RISCmd  byte = 0x01
	ocw3RRCmd   byte = 0x02
	ocw3PollCmd byte = 0x04
)

// PIT read/write modes for the counter control word.
const (
	pitRWLatch byte = 0x00
	pitRWLSB   byte = 0x01
	pitRWMSB   byte = 0x02
	pitRWLOHI  byte = 0x03
)

// PIT ports.
const (
	PITCounter0Port uint64 = 0x40
	PITCounter1Port uint64 = 0x41
	PITCounter2Port uint64 = 0x42
	PITCommandPort  uint64 = 0x43
	PITStatusPort   uint64 = 0x61
)

// RTC/CMOS ports and register indices.
const (
	RTCIndexPort uint64 = 0x70
	RTCDataPort  uint64 = 0x71

	rtcRegSeconds    byte = 0x00
	rtcRegMinutes    byte = 0x02
	rtcRegHours      byte = 0x04
	rtcRegDayOfWeek  byte = 0x06
	rtcRegDayOfMonth byte = 0x07
	rtcRegMonth      byte = 0x08
	rtcRegYear       byte = 0x09
	rtcRegA          byte = 0x0A
	rtcRegB          byte = 0x0B
	rtcRegC          byte = 0x0C
	rtcRegD          byte = 0x0D

	rtcAUIP byte = 0x80

	rtcBPIE  byte = 0x40
	rtcBDM   byte = 0x04
	rtcB2412 byte = 0x02

	rtcCPF   byte = 0x40
	rtcCIRQF byte = 0x80

	rtcDVRT byte = 0x80
)

// Serial (UART) port layout, COM1.
const (
	SerialBasePort uint64 = 0x3F8
	SerialEndPort  uint64 = 0x3FF

	uartRHRorTHRorDLL uint64 = 0
	uartIERorDLH      uint64 = 1
	uartIIRorFCR      uint64 = 2
	uartLCR           uint64 = 3
	uartMCR           uint64 = 4
	uartLSR           uint64 = 5
	uartMSR           uint64 = 6
	uartSCR           uint64 = 7

	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending byte = 0x01
)

// Keyboard controller ports (8042-style).
const (
	KeyboardDataPort   uint64 = 0x60
	KeyboardStatusPort uint64 = 0x64
)
