package pci

import "fmt"

const (
	// DeviceBARCount is the number of BAR slots in a type 0x00 header.
	DeviceBARCount = 6
	// BridgeBARCount is the number of BAR slots in a type 0x01 header.
	BridgeBARCount = 2

	barFirstRegister = 4

	// CapabilityPointerOffset is the byte offset of the capability pointer
	// in both device and bridge headers.
	CapabilityPointerOffset = 0x34
)

// barSlots addresses the BAR registers starting at offset 0x10.
type barSlots struct {
	regs  *Registers
	count int
}

// upperHalves marks slots that hold the upper half of a 64-bit BAR. Pairing
// is resolved from slot 0 upward because an upper half holds plain address
// bits which may look like a 64-bit type field.
func (s barSlots) upperHalves() [DeviceBARCount]bool {
	var upper [DeviceBARCount]bool
	for i := 0; i < s.count; i++ {
		if DecodeBAR(s.regs.regs[barFirstRegister+i]).Is64() && i+1 < s.count {
			upper[i+1] = true
			i++
		}
	}
	return upper
}

func (s barSlots) check(slot int) error {
	if slot < 0 || slot >= s.count {
		return fmt.Errorf("BAR slot %d: %w", slot, ErrOffsetOutOfBounds)
	}
	if s.upperHalves()[slot] {
		return fmt.Errorf("BAR slot %d: %w", slot, ErrAliasedBarSlot)
	}
	return nil
}

func (s barSlots) get(slot int) (BAR, error) {
	if err := s.check(slot); err != nil {
		return BAR{}, err
	}
	low := s.regs.regs[barFirstRegister+slot]
	var high uint32
	if slot+1 < s.count {
		high = s.regs.regs[barFirstRegister+slot+1]
	}
	return DecodeBAR64(low, high), nil
}

func (s barSlots) set(slot int, b BAR) error {
	if err := s.check(slot); err != nil {
		return err
	}
	low, high, err := EncodeBAR(b)
	if err != nil {
		return fmt.Errorf("BAR slot %d: %w", slot, err)
	}
	if b.Is64() && slot+1 >= s.count {
		return fmt.Errorf("64-bit BAR in slot %d has no upper half: %w", slot, ErrOffsetOutOfBounds)
	}
	if upper := s.upperHalves(); b.Is64() && !upper[slot+1] && slot+2 < s.count && upper[slot+2] {
		return fmt.Errorf("64-bit BAR in slot %d would take slot %d from another 64-bit BAR: %w", slot, slot+1, ErrAliasedBarSlot)
	}
	was64 := DecodeBAR(s.regs.regs[barFirstRegister+slot]).Is64() && slot+1 < s.count
	s.regs.regs[barFirstRegister+slot] = low
	switch {
	case b.Is64():
		s.regs.regs[barFirstRegister+slot+1] = high
	case was64:
		// Drop the stale upper half so it does not decode as a BAR of its own.
		s.regs.regs[barFirstRegister+slot+1] = 0
	}
	return nil
}

// DeviceHeader accesses registers 4-15 of a type 0x00 (generic device)
// header. It does not check the header type byte; selecting the view is the
// caller's job.
type DeviceHeader struct {
	regs *Registers
}

// NewDeviceHeader returns a device header view over r.
func NewDeviceHeader(r *Registers) DeviceHeader {
	return DeviceHeader{regs: r}
}

func (h DeviceHeader) bars() barSlots {
	return barSlots{regs: h.regs, count: DeviceBARCount}
}

// BAR decodes BAR slot 0-5. The upper half of a 64-bit BAR is not
// addressable on its own and returns ErrAliasedBarSlot.
func (h DeviceHeader) BAR(slot int) (BAR, error) {
	return h.bars().get(slot)
}

// SetBAR encodes b into slot. A 64-bit BAR also writes the following slot.
// Writing the upper half of an existing 64-bit BAR returns ErrAliasedBarSlot;
// reconfigure the lower slot instead. On error nothing is written.
func (h DeviceHeader) SetBAR(slot int, b BAR) error {
	return h.bars().set(slot, b)
}

// IsUpperBARHalf reports whether slot currently holds the upper half of a
// 64-bit BAR.
func (h DeviceHeader) IsUpperBARHalf(slot int) bool {
	if slot < 0 || slot >= DeviceBARCount {
		return false
	}
	return h.bars().upperHalves()[slot]
}

func (h DeviceHeader) CardbusCISPointer() uint32     { return h.regs.get(fieldCardbusCIS) }
func (h DeviceHeader) SetCardbusCISPointer(v uint32) { h.regs.set(fieldCardbusCIS, v) }
func (h DeviceHeader) SubsystemVendorID() uint16     { return uint16(h.regs.get(fieldSubsystemVendorID)) }
func (h DeviceHeader) SetSubsystemVendorID(v uint16) { h.regs.set(fieldSubsystemVendorID, uint32(v)) }
func (h DeviceHeader) SubsystemID() uint16           { return uint16(h.regs.get(fieldSubsystemID)) }
func (h DeviceHeader) SetSubsystemID(v uint16)       { h.regs.set(fieldSubsystemID, uint32(v)) }

// ExpansionROMBase returns the raw expansion ROM base address register.
func (h DeviceHeader) ExpansionROMBase() uint32     { return h.regs.get(fieldExpansionROM) }
func (h DeviceHeader) SetExpansionROMBase(v uint32) { h.regs.set(fieldExpansionROM, v) }

// ExpansionROM decodes the expansion ROM base address register.
func (h DeviceHeader) ExpansionROM() ExpansionROM {
	return DecodeExpansionROM(h.ExpansionROMBase())
}

// SetExpansionROM encodes rom into the expansion ROM base address register.
func (h DeviceHeader) SetExpansionROM(rom ExpansionROM) error {
	raw, err := EncodeExpansionROM(rom)
	if err != nil {
		return err
	}
	h.SetExpansionROMBase(raw)
	return nil
}

// CapabilityPointer is the byte offset of the first capability, or 0.
func (h DeviceHeader) CapabilityPointer() uint8     { return uint8(h.regs.get(fieldCapPointer)) }
func (h DeviceHeader) SetCapabilityPointer(v uint8) { h.regs.set(fieldCapPointer, uint32(v)) }

func (h DeviceHeader) InterruptLine() uint8     { return uint8(h.regs.get(fieldInterruptLine)) }
func (h DeviceHeader) SetInterruptLine(v uint8) { h.regs.set(fieldInterruptLine, uint32(v)) }

// InterruptPin is 0 for none or 1-4 for INTA#-INTD#. Other values are stored
// as given.
func (h DeviceHeader) InterruptPin() uint8     { return uint8(h.regs.get(fieldInterruptPin)) }
func (h DeviceHeader) SetInterruptPin(v uint8) { h.regs.set(fieldInterruptPin, uint32(v)) }

// MinGnt and MaxLat are legacy fields kept as opaque bytes.
func (h DeviceHeader) MinGnt() uint8     { return uint8(h.regs.get(fieldMinGnt)) }
func (h DeviceHeader) SetMinGnt(v uint8) { h.regs.set(fieldMinGnt, uint32(v)) }
func (h DeviceHeader) MaxLat() uint8     { return uint8(h.regs.get(fieldMaxLat)) }
func (h DeviceHeader) SetMaxLat(v uint8) { h.regs.set(fieldMaxLat, uint32(v)) }

// Capabilities walks the capability list rooted at the capability pointer.
func (h DeviceHeader) Capabilities() *CapabilityWalker {
	return NewCapabilityWalker(h.regs, h.CapabilityPointer())
}
