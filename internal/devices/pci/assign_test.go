package pci

import (
	"errors"
	"testing"
)

func TestAllocator(t *testing.T) {
	a := NewAllocator(0x1000_0000, 0x2_0000)
	got, err := a.Allocate(0x1000)
	if err != nil || got != 0x1000_0000 {
		t.Fatalf("Allocate(0x1000) = %#x, %v", got, err)
	}
	got, err = a.Allocate(0x1_0000)
	if err != nil || got != 0x1001_0000 {
		t.Fatalf("Allocate(0x10000) = %#x, %v; want aligned 0x10010000", got, err)
	}
	if _, err := a.Allocate(0x3000); !errors.Is(err, ErrInvalidBarAlignment) {
		t.Fatalf("Allocate(0x3000) err = %v", err)
	}
	if _, err := a.Allocate(0x1_0000); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("Allocate past limit err = %v", err)
	}
}

func TestAssignBARs(t *testing.T) {
	fn := newTestFunction(t)
	for slot, size := range map[int]uint64{0: 0x1000, 1: 0x20, 2: 0x4000} {
		if err := fn.SetBARSize(slot, size); err != nil {
			t.Fatalf("SetBARSize(%d): %v", slot, err)
		}
	}
	mem := NewAllocator(0xe000_0000, 0x100_0000)
	io := NewAllocator(0x1000, 0x1000)
	if err := AssignBARs(fn, mem, io); err != nil {
		t.Fatalf("AssignBARs: %v", err)
	}

	want := map[int]uint64{0: 0xe000_0000, 1: 0x1000, 2: 0xe000_4000}
	fn.View(func(r *Registers) {
		h := NewDeviceHeader(r)
		for slot, base := range want {
			b, err := h.BAR(slot)
			if err != nil || b.Base != base {
				t.Errorf("BAR(%d) = %v, %v; want base %#x", slot, b, err, base)
			}
		}
	})

	// Sizing still works at the new address.
	mustWrite(t, fn, 0x10, 4, 0xffff_ffff)
	if got := mustRead(t, fn, 0x10, 4); got != 0xffff_f000 {
		t.Fatalf("BAR0 size mask = %#x", got)
	}
}

func TestAssignBARsFailureLeavesFunction(t *testing.T) {
	fn := newTestFunction(t)
	if err := fn.SetBARSize(0, 0x1000); err != nil {
		t.Fatalf("SetBARSize(0): %v", err)
	}
	if err := fn.SetBARSize(1, 0x20); err != nil {
		t.Fatalf("SetBARSize(1): %v", err)
	}
	before := fn.Snapshot()

	if err := AssignBARs(fn, NewAllocator(0xe000_0000, 0x10_0000), nil); err == nil {
		t.Fatalf("AssignBARs without an I/O window succeeded")
	}
	if *fn.Snapshot() != *before {
		t.Fatalf("failed AssignBARs modified the function")
	}

	high := NewAllocator(0x1_0000_0000, 0x10_0000)
	if err := AssignBARs(fn, high, NewAllocator(0x1000, 0x1000)); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("32-bit BAR above 4 GiB err = %v", err)
	}
	if *fn.Snapshot() != *before {
		t.Fatalf("failed AssignBARs modified the function")
	}
}
