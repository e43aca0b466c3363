package pci

import (
	"errors"
	"testing"
)

func TestDeviceHeaderBARs(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)

	io := BAR{Space: BARSpaceIO, Base: 0xc000}
	mem64 := BAR{Space: BARSpaceMemory, Width: BARWidth64, Prefetchable: true, Base: 0x80_0000_0000}
	mem32 := BAR{Space: BARSpaceMemory, Base: 0xfebf_0000}

	if err := h.SetBAR(0, io); err != nil {
		t.Fatalf("SetBAR(0): %v", err)
	}
	if err := h.SetBAR(2, mem64); err != nil {
		t.Fatalf("SetBAR(2): %v", err)
	}
	if err := h.SetBAR(4, mem32); err != nil {
		t.Fatalf("SetBAR(4): %v", err)
	}

	for slot, want := range map[int]BAR{0: io, 2: mem64, 4: mem32} {
		got, err := h.BAR(slot)
		if err != nil || got != want {
			t.Fatalf("BAR(%d) = %v, %v; want %v", slot, got, err, want)
		}
	}
	if v, _ := r.Read(7); v != 0x80 {
		t.Fatalf("upper half register = %#x, want 0x80", v)
	}
	if !h.IsUpperBARHalf(3) || h.IsUpperBARHalf(2) || h.IsUpperBARHalf(4) {
		t.Fatalf("upper half detection wrong")
	}
	if _, err := h.BAR(3); !errors.Is(err, ErrAliasedBarSlot) {
		t.Fatalf("BAR(3) err = %v, want ErrAliasedBarSlot", err)
	}
}

func TestDeviceHeaderAliasedSlot(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)
	if err := h.SetBAR(0, BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x1_0000_0000}); err != nil {
		t.Fatalf("SetBAR(0): %v", err)
	}
	before := r.Bytes()
	err := h.SetBAR(1, BAR{Space: BARSpaceMemory, Base: 0x2000_0000})
	if !errors.Is(err, ErrAliasedBarSlot) {
		t.Fatalf("SetBAR(1) err = %v, want ErrAliasedBarSlot", err)
	}
	if r.Bytes() != before {
		t.Fatalf("failed SetBAR modified registers")
	}
}

// An upper half whose address bits look like a 64-bit type field must not
// be paired with the slot after it.
func TestDeviceHeaderUpperHalfLooksLike64Bit(t *testing.T) {
	h := NewDeviceHeader(NewRegisters())
	if err := h.SetBAR(0, BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x4_0000_0000}); err != nil {
		t.Fatalf("SetBAR(0): %v", err)
	}
	if err := h.SetBAR(2, BAR{Space: BARSpaceMemory, Base: 0x1000_0000}); err != nil {
		t.Fatalf("SetBAR(2) after 64-bit pair: %v", err)
	}
	if h.IsUpperBARHalf(2) {
		t.Fatalf("slot 2 treated as upper half")
	}
	got, err := h.BAR(0)
	if err != nil || got.Base != 0x4_0000_0000 {
		t.Fatalf("BAR(0) = %v, %v", got, err)
	}
}

func TestDeviceHeader64BitBARKeepsNeighbour(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)
	pair := BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x4_0000_0000}
	if err := h.SetBAR(2, pair); err != nil {
		t.Fatalf("SetBAR(2): %v", err)
	}
	before := r.Bytes()

	err := h.SetBAR(1, BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x8000_0000})
	if !errors.Is(err, ErrAliasedBarSlot) {
		t.Fatalf("SetBAR(1) over 64-bit slot 2 err = %v, want ErrAliasedBarSlot", err)
	}
	if r.Bytes() != before {
		t.Fatalf("rejected SetBAR modified registers")
	}
	if got, err := h.BAR(2); err != nil || got != pair {
		t.Fatalf("BAR(2) = %v, %v; want %v", got, err, pair)
	}
	if !h.IsUpperBARHalf(3) || h.IsUpperBARHalf(4) {
		t.Fatalf("pairing changed after rejected SetBAR")
	}

	// A 32-bit BAR in slot 1 leaves the pair alone.
	if err := h.SetBAR(1, BAR{Space: BARSpaceMemory, Base: 0x8000_0000}); err != nil {
		t.Fatalf("SetBAR(1) 32-bit: %v", err)
	}
	// Re-programming the pair itself is still allowed.
	if err := h.SetBAR(2, BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x5_0000_0000}); err != nil {
		t.Fatalf("SetBAR(2) again: %v", err)
	}
}

func TestDeviceHeaderBARErrors(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)
	tests := []struct {
		name string
		slot int
		bar  BAR
		want error
	}{
		{"slot out of range", DeviceBARCount, BAR{Space: BARSpaceIO, Base: 0x1000}, ErrOffsetOutOfBounds},
		{"negative slot", -1, BAR{Space: BARSpaceIO, Base: 0x1000}, ErrOffsetOutOfBounds},
		{"64-bit in last slot", 5, BAR{Space: BARSpaceMemory, Width: BARWidth64}, ErrOffsetOutOfBounds},
		{"misaligned memory", 0, BAR{Space: BARSpaceMemory, Base: 0x1001}, ErrInvalidBarAlignment},
		{"misaligned io", 1, BAR{Space: BARSpaceIO, Base: 0x1002}, ErrInvalidBarAlignment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.SetBAR(tt.slot, tt.bar); !errors.Is(err, tt.want) {
				t.Fatalf("SetBAR err = %v, want %v", err, tt.want)
			}
		})
	}
	if r.Bytes() != [ConfigSpaceSize]byte{} {
		t.Fatalf("failed SetBAR calls modified registers")
	}
}

func TestDeviceHeaderReplace64BitBAR(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)
	h.SetBAR(0, BAR{Space: BARSpaceMemory, Width: BARWidth64, Base: 0x5_0000_0000})
	if err := h.SetBAR(0, BAR{Space: BARSpaceMemory, Base: 0x1000_0000}); err != nil {
		t.Fatalf("SetBAR(0): %v", err)
	}
	if v, _ := r.Read(5); v != 0 {
		t.Fatalf("stale upper half = %#x", v)
	}
	if err := h.SetBAR(1, BAR{Space: BARSpaceIO, Base: 0x100}); err != nil {
		t.Fatalf("slot 1 not independent after downgrade: %v", err)
	}
}

func TestDeviceHeaderFields(t *testing.T) {
	r := NewRegisters()
	h := NewDeviceHeader(r)
	h.SetSubsystemVendorID(0x1af4)
	h.SetSubsystemID(0x0001)
	h.SetCapabilityPointer(0x40)
	h.SetInterruptLine(0x0b)
	h.SetInterruptPin(7) // out of the INTA-INTD range, stored as given
	h.SetMinGnt(0x22)
	h.SetMaxLat(0x33)
	h.SetCardbusCISPointer(0xdead_beef)

	want := map[int]uint32{
		10: 0xdead_beef,
		11: 0x0001_1af4,
		13: 0x0000_0040,
		15: 0x3322_070b,
	}
	for idx, w := range want {
		if got, _ := r.Read(idx); got != w {
			t.Fatalf("register %d = %#08x, want %#08x", idx, got, w)
		}
	}
	if h.InterruptPin() != 7 || h.MinGnt() != 0x22 || h.MaxLat() != 0x33 {
		t.Fatalf("interrupt register decoded wrong")
	}

	if err := h.SetExpansionROM(ExpansionROM{Base: 0xfeb0_0000, Enabled: true}); err != nil {
		t.Fatalf("SetExpansionROM: %v", err)
	}
	if v, _ := r.Read32(0x30); v != 0xfeb0_0001 {
		t.Fatalf("expansion ROM register = %#x", v)
	}
	if err := h.SetExpansionROM(ExpansionROM{Base: 0xfeb0_0100}); !errors.Is(err, ErrInvalidBarAlignment) {
		t.Fatalf("misaligned ROM err = %v", err)
	}
	if h.ExpansionROM() != (ExpansionROM{Base: 0xfeb0_0000, Enabled: true}) {
		t.Fatalf("failed SetExpansionROM changed the register: %+v", h.ExpansionROM())
	}
}

func TestDeviceEndToEnd(t *testing.T) {
	r := NewRegisters()
	common := NewCommonHeader(r)
	dev := NewDeviceHeader(r)

	common.SetVendorID(0x1af4)
	common.SetDeviceID(0x1000)
	bar0 := BAR{Space: BARSpaceMemory, Width: BARWidth32, Base: 0x1000_0000}
	if err := dev.SetBAR(0, bar0); err != nil {
		t.Fatalf("SetBAR(0): %v", err)
	}
	dev.SetCapabilityPointer(0x40)
	if err := WriteCapability(r, 0x40, 0x11, 0, nil); err != nil {
		t.Fatalf("WriteCapability: %v", err)
	}

	var caps []Capability
	w := dev.Capabilities()
	for w.Next() {
		caps = append(caps, w.Capability())
	}
	if err := w.Err(); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(caps) != 1 || caps[0] != (Capability{Offset: 0x40, ID: 0x11, Next: 0}) {
		t.Fatalf("capabilities = %+v", caps)
	}

	if common.VendorID() != 0x1af4 || common.DeviceID() != 0x1000 {
		t.Fatalf("identity = %04x:%04x", common.VendorID(), common.DeviceID())
	}
	got, err := dev.BAR(0)
	if err != nil || got != bar0 {
		t.Fatalf("BAR(0) = %v, %v", got, err)
	}
}
