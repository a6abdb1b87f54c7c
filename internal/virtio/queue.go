// Package virtio implements the MMIO-discovered virtio transport (version
// 2, modern only) and the virtqueue engine that every device back-end
// plugs into.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/subgraph-ph/ph/internal/memory"
)

// Descriptor flags, per the virtio 1.x specification.
const (
	descFNext     = 1 << 0
	descFWrite    = 1 << 1
	descFIndirect = 1 << 2
)

// Ring flags.
const (
	availFNoInterrupt = 1 << 0
)

const descriptorSize = 16 // gpa(8) + len(4) + flags(2) + next(2)

// GuestMemory is the narrow surface the virtqueue engine needs from
// internal/memory.GuestMemory: byte-exact access plus host iovecs for the
// bulk descriptor payload.
type GuestMemory interface {
	Read(gpa uint64, buf []byte) error
	Write(gpa uint64, buf []byte) error
	Iovec(gpa uint64, length int) ([]memory.HostSlice, error)
}

// ChainError reports a driver-side violation of the descriptor chain
// discipline: exceeding the queue size, revisiting a descriptor, nested
// indirect tables, or reads following writes within one chain.
type ChainError struct {
	Queue  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("virtio: queue %d: %s", e.Queue, e.Reason)
}

// Buffer is one descriptor's host-visible payload plus its direction,
// handed to a device worker as part of a Chain.
type Buffer struct {
	Slices    []memory.HostSlice
	WriteOnly bool
}

// Chain is a fully walked descriptor chain: the head index (for used-ring
// publication) and the ordered list of buffers a device worker consumes or
// fills.
type Chain struct {
	Head    uint16
	Buffers []Buffer
}

// TotalLen sums the bytes available across every buffer in the chain.
func (c *Chain) TotalLen() int {
	n := 0
	for _, b := range c.Buffers {
		for _, s := range b.Slices {
			n += len(s.Bytes)
		}
	}
	return n
}

// Queue is one negotiated virtqueue: the three ring base addresses, the
// negotiated size, and the host-side cursor into the available ring.
// A Queue has exactly one owning worker; no internal locking is needed
// beyond what's required to read the Ready flag from the MMIO-handling
// thread.
type Queue struct {
	Index    int
	MaxSize  uint16
	Size     uint16
	Ready    bool
	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64

	lastAvailIdx uint16
	usedIdx      uint16
	eventIdx     bool
	usedEvent    uint16
}

// NewQueue returns an inactive queue with the given index and advertised
// maximum size.
func NewQueue(index int, maxSize uint16) *Queue {
	return &Queue{Index: index, MaxSize: maxSize}
}

// Reset returns the queue to its post-construction state: not ready, base
// addresses cleared, cursor and event-index state zeroed. Per the spec's
// resolution of the EVENT_IDX/reset open question, the suppression index
// is reset to 0 on both host and (once the driver re-handshakes) guest
// sides.
func (q *Queue) Reset() {
	q.Ready = false
	q.Size = 0
	q.DescGPA = 0
	q.AvailGPA = 0
	q.UsedGPA = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.usedEvent = 0
}

// SetEventIdx enables or disables EVENT_IDX interrupt suppression,
// decided once during feature negotiation.
func (q *Queue) SetEventIdx(enabled bool) { q.eventIdx = enabled }

type rawDescriptor struct {
	gpa   uint64
	len   uint32
	flags uint16
	next  uint16
}

func readDescriptor(mem GuestMemory, table uint64, idx uint16) (rawDescriptor, error) {
	buf := make([]byte, descriptorSize)
	if err := mem.Read(table+uint64(idx)*descriptorSize, buf); err != nil {
		return rawDescriptor{}, err
	}
	return rawDescriptor{
		gpa:   binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopChain walks the next available chain, if any, returning nil when the
// driver has nothing new to offer. It enforces the read-before-write
// ordering within a chain, forbids indirect tables nested inside indirect
// tables, and bounds chain length to the queue size to reject a
// self-referencing loop.
func (q *Queue) PopChain(mem GuestMemory) (*Chain, error) {
	if !q.Ready {
		return nil, nil
	}

	availIdxBuf := make([]byte, 2)
	if err := mem.Read(q.AvailGPA+2, availIdxBuf); err != nil {
		return nil, err
	}
	availIdx := binary.LittleEndian.Uint16(availIdxBuf)
	if availIdx == q.lastAvailIdx {
		return nil, nil
	}

	ringOffset := q.AvailGPA + 4 + uint64(q.lastAvailIdx%q.Size)*2
	headBuf := make([]byte, 2)
	if err := mem.Read(ringOffset, headBuf); err != nil {
		return nil, err
	}
	head := binary.LittleEndian.Uint16(headBuf)
	q.lastAvailIdx++

	chain := &Chain{Head: head}
	visited := make(map[uint16]bool)
	sawWrite := false

	idx := head
	table := q.DescGPA
	indirect := false

	for {
		if visited[idx] {
			return nil, &ChainError{Queue: q.Index, Reason: "descriptor chain revisits an index"}
		}
		if len(visited) >= int(q.Size) {
			return nil, &ChainError{Queue: q.Index, Reason: "descriptor chain exceeds queue size"}
		}
		visited[idx] = true

		d, err := readDescriptor(mem, table, idx)
		if err != nil {
			return nil, err
		}

		if d.flags&descFIndirect != 0 {
			if indirect {
				return nil, &ChainError{Queue: q.Index, Reason: "nested indirect descriptor table"}
			}
			indirect = true
			table = d.gpa
			idx = 0
			visited = make(map[uint16]bool)
			continue
		}

		writeOnly := d.flags&descFWrite != 0
		if writeOnly {
			sawWrite = true
		} else if sawWrite {
			return nil, &ChainError{Queue: q.Index, Reason: "read-only descriptor follows a write-only descriptor"}
		}

		var slices []memory.HostSlice
		if d.len > 0 {
			slices, err = mem.Iovec(d.gpa, int(d.len))
			if err != nil {
				return nil, err
			}
		}
		chain.Buffers = append(chain.Buffers, Buffer{Slices: slices, WriteOnly: writeOnly})

		if d.flags&descFNext == 0 {
			break
		}
		idx = d.next
		if !indirect {
			table = q.DescGPA
		}
	}

	return chain, nil
}

// PublishUsed writes (head, bytesWritten) into the used ring at the current
// used.idx, then advances used.idx. Returns whether the guest-visible
// interrupt should be raised, per the negotiated suppression mode.
func (q *Queue) PublishUsed(mem GuestMemory, head uint16, bytesWritten uint32) (bool, error) {
	elemOffset := q.UsedGPA + 4 + uint64(q.usedIdx%q.Size)*8
	elem := make([]byte, 8)
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], bytesWritten)
	if err := mem.Write(elemOffset, elem); err != nil {
		return false, err
	}

	oldIdx := q.usedIdx
	q.usedIdx++

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, q.usedIdx)
	if err := mem.Write(q.UsedGPA+2, idxBuf); err != nil {
		return false, err
	}

	shouldInterrupt, err := q.interruptDecision(mem, oldIdx)
	if err != nil {
		return false, err
	}
	return shouldInterrupt, nil
}

func (q *Queue) interruptDecision(mem GuestMemory, oldUsedIdx uint16) (bool, error) {
	if q.eventIdx {
		usedEvent, err := q.readUsedEvent(mem)
		if err != nil {
			return false, err
		}
		q.usedEvent = usedEvent
		return wraps16(oldUsedIdx, q.usedEvent, q.usedIdx), nil
	}

	flagsBuf := make([]byte, 2)
	if err := mem.Read(q.AvailGPA, flagsBuf); err != nil {
		return false, err
	}
	flags := binary.LittleEndian.Uint16(flagsBuf)
	return flags&availFNoInterrupt == 0, nil
}

// readUsedEvent reads the used_event field the driver maintains just past
// its ring, used by the device to implement EVENT_IDX suppression.
func (q *Queue) readUsedEvent(mem GuestMemory) (uint16, error) {
	off := q.AvailGPA + 4 + uint64(q.Size)*2
	buf := make([]byte, 2)
	if err := mem.Read(off, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// wraps16 reports whether old <= event < new, compared as a window over
// 16-bit indices that wrap at 2^16, per the virtio EVENT_IDX algorithm.
func wraps16(oldIdx, event, newIdx uint16) bool {
	return uint16(newIdx-event-1) < uint16(newIdx-oldIdx)
}

// UsedIdx reports the current used-ring index, for tests asserting
// monotonic publication.
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// LastAvailIdx reports the host's cursor into the available ring.
func (q *Queue) LastAvailIdx() uint16 { return q.lastAvailIdx }
