package memory

import (
	"bytes"
	"testing"
)

type fakeKVM struct {
	regions map[uint32]struct {
		gpa, size uint64
	}
}

func newFakeKVM() *fakeKVM {
	return &fakeKVM{regions: make(map[uint32]struct{ gpa, size uint64 })}
}

func (f *fakeKVM) SetUserMemoryRegion(slot uint32, gpa, size uint64, hostAddr uintptr) error {
	f.regions[slot] = struct{ gpa, size uint64 }{gpa, size}
	return nil
}

func (f *fakeKVM) DeleteMemoryRegion(slot uint32, gpa uint64) error {
	delete(f.regions, slot)
	return nil
}

func TestReadWriteRoundTrip(t *testing.T) {
	gm := New(newFakeKVM())
	if err := gm.AddSlot(0, 4096); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	want := []byte("hello guest")
	if err := gm.Write(16, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	if err := gm.Read(16, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestOutOfBounds(t *testing.T) {
	gm := New(newFakeKVM())
	if err := gm.AddSlot(0, 4096); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	buf := make([]byte, 8)
	err := gm.Read(4096, buf)
	if err == nil {
		t.Fatal("expected OutOfBoundsError, got nil")
	}
	if _, ok := err.(*OutOfBoundsError); !ok {
		t.Fatalf("expected *OutOfBoundsError, got %T", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("OutOfBounds read must not write any byte")
		}
	}
}

func TestAddSlotRejectsOverlap(t *testing.T) {
	gm := New(newFakeKVM())
	if err := gm.AddSlot(0, 4096); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := gm.AddSlot(2048, 4096); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestIovecSplitsAtSlotBoundary(t *testing.T) {
	gm := New(newFakeKVM())
	if err := gm.AddSlot(0, 4096); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}
	if err := gm.AddSlot(4096, 4096); err != nil {
		t.Fatalf("AddSlot: %v", err)
	}

	slices, err := gm.Iovec(4000, 200)
	if err != nil {
		t.Fatalf("Iovec: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("expected 2 host slices spanning the boundary, got %d", len(slices))
	}
	if len(slices[0].Bytes) != 96 || len(slices[1].Bytes) != 104 {
		t.Fatalf("unexpected split sizes: %d, %d", len(slices[0].Bytes), len(slices[1].Bytes))
	}
}

func TestAllocatorRejectsExhaustion(t *testing.T) {
	a := NewAllocator()
	_, err := a.AllocateRAM(lowRAMCeiling+1, 4096)
	if err == nil {
		t.Fatal("expected NoAddressSpaceError")
	}
	if _, ok := err.(*NoAddressSpaceError); !ok {
		t.Fatalf("expected *NoAddressSpaceError, got %T", err)
	}
}

func TestAllocatorAlignment(t *testing.T) {
	a := NewAllocator()
	base, err := a.AllocateRAM(1, 4096)
	if err != nil {
		t.Fatalf("AllocateRAM: %v", err)
	}
	if base != 0 {
		t.Fatalf("expected first allocation at 0, got 0x%x", base)
	}
	base2, err := a.AllocateRAM(1, 4096)
	if err != nil {
		t.Fatalf("AllocateRAM: %v", err)
	}
	if base2 != 4096 {
		t.Fatalf("expected second allocation aligned to 4096, got 0x%x", base2)
	}
}
