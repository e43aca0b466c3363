package pci

import "fmt"

const (
	ioWindowGranularity     = 0x1000
	memoryWindowGranularity = 0x10_0000

	windowCodeMask      = 0xf
	windowCodeWide      = 0x1 // 32-bit I/O or 64-bit prefetchable decode
	ioWindowMax16       = 0xffff
	windowMax32         = 0xffff_ffff
	ioAddressMask       = 0xf0
	memAddressMask      = 0xfff0
	memWindowOffsetMask = memoryWindowGranularity - 1
)

// Bridge control register bits.
const (
	BridgeControlParityErrorResponse uint16 = 1 << 0
	BridgeControlSERREnable          uint16 = 1 << 1
	BridgeControlISAEnable           uint16 = 1 << 2
	BridgeControlVGAEnable           uint16 = 1 << 3
	BridgeControlMasterAbortMode     uint16 = 1 << 5
	BridgeControlSecondaryBusReset   uint16 = 1 << 6
)

// Window is a bridge forwarding window. Limit is the last address forwarded,
// inclusive. Wide selects 32-bit I/O decode for the I/O window and 64-bit
// decode for the prefetchable window; it is ignored for the memory window.
type Window struct {
	Base  uint64
	Limit uint64
	Wide  bool
}

func (w Window) String() string {
	return fmt.Sprintf("[%#x-%#x]", w.Base, w.Limit)
}

func checkWindow(name string, w Window, granularity, ceiling uint64) error {
	if w.Base%granularity != 0 || w.Limit%granularity != granularity-1 {
		return fmt.Errorf("%s window %s not aligned to %#x: %w", name, w, granularity, ErrInvalidBarAlignment)
	}
	if w.Base > ceiling || w.Limit > ceiling {
		return fmt.Errorf("%s window %s exceeds %#x: %w", name, w, ceiling, ErrInvalidBarAlignment)
	}
	return nil
}

// BridgeHeader accesses registers 4-15 of a type 0x01 (PCI-to-PCI bridge)
// header. Like DeviceHeader it performs no cross-field validation; bus
// topology rules belong to whoever emulates the bridge.
type BridgeHeader struct {
	regs *Registers
}

// NewBridgeHeader returns a bridge header view over r.
func NewBridgeHeader(r *Registers) BridgeHeader {
	return BridgeHeader{regs: r}
}

func (h BridgeHeader) bars() barSlots {
	return barSlots{regs: h.regs, count: BridgeBARCount}
}

// BAR decodes BAR slot 0 or 1.
func (h BridgeHeader) BAR(slot int) (BAR, error) { return h.bars().get(slot) }

// SetBAR encodes b into slot 0 or 1 with the same pairing rules as
// DeviceHeader.SetBAR.
func (h BridgeHeader) SetBAR(slot int, b BAR) error { return h.bars().set(slot, b) }

func (h BridgeHeader) PrimaryBus() uint8                { return uint8(h.regs.get(fieldPrimaryBus)) }
func (h BridgeHeader) SetPrimaryBus(v uint8)            { h.regs.set(fieldPrimaryBus, uint32(v)) }
func (h BridgeHeader) SecondaryBus() uint8              { return uint8(h.regs.get(fieldSecondaryBus)) }
func (h BridgeHeader) SetSecondaryBus(v uint8)          { h.regs.set(fieldSecondaryBus, uint32(v)) }
func (h BridgeHeader) SubordinateBus() uint8            { return uint8(h.regs.get(fieldSubordinateBus)) }
func (h BridgeHeader) SetSubordinateBus(v uint8)        { h.regs.set(fieldSubordinateBus, uint32(v)) }
func (h BridgeHeader) SecondaryLatencyTimer() uint8     { return uint8(h.regs.get(fieldSecondaryLatency)) }
func (h BridgeHeader) SetSecondaryLatencyTimer(v uint8) { h.regs.set(fieldSecondaryLatency, uint32(v)) }
func (h BridgeHeader) SecondaryStatus() uint16          { return uint16(h.regs.get(fieldSecondaryStatus)) }
func (h BridgeHeader) SetSecondaryStatus(v uint16)      { h.regs.set(fieldSecondaryStatus, uint32(v)) }
func (h BridgeHeader) BridgeControl() uint16            { return uint16(h.regs.get(fieldBridgeControl)) }
func (h BridgeHeader) SetBridgeControl(v uint16)        { h.regs.set(fieldBridgeControl, uint32(v)) }
func (h BridgeHeader) CapabilityPointer() uint8         { return uint8(h.regs.get(fieldBridgeCapPointer)) }
func (h BridgeHeader) SetCapabilityPointer(v uint8)     { h.regs.set(fieldBridgeCapPointer, uint32(v)) }
func (h BridgeHeader) InterruptLine() uint8             { return uint8(h.regs.get(fieldBridgeInterruptLine)) }
func (h BridgeHeader) SetInterruptLine(v uint8)         { h.regs.set(fieldBridgeInterruptLine, uint32(v)) }
func (h BridgeHeader) InterruptPin() uint8              { return uint8(h.regs.get(fieldBridgeInterruptPin)) }
func (h BridgeHeader) SetInterruptPin(v uint8)          { h.regs.set(fieldBridgeInterruptPin, uint32(v)) }
func (h BridgeHeader) ExpansionROMBase() uint32         { return h.regs.get(fieldBridgeExpansionROM) }
func (h BridgeHeader) SetExpansionROMBase(v uint32)     { h.regs.set(fieldBridgeExpansionROM, v) }

// ExpansionROM decodes the bridge expansion ROM register at 0x38.
func (h BridgeHeader) ExpansionROM() ExpansionROM {
	return DecodeExpansionROM(h.ExpansionROMBase())
}

// SetExpansionROM encodes rom into the register at 0x38.
func (h BridgeHeader) SetExpansionROM(rom ExpansionROM) error {
	raw, err := EncodeExpansionROM(rom)
	if err != nil {
		return err
	}
	h.SetExpansionROMBase(raw)
	return nil
}

// IOWindow decodes the I/O base/limit pair and, for 32-bit decode, the
// upper 16 address bits.
func (h BridgeHeader) IOWindow() Window {
	base := h.regs.get(fieldIOBase)
	limit := h.regs.get(fieldIOLimit)
	w := Window{
		Base:  uint64(base&ioAddressMask) << 8,
		Limit: uint64(limit&ioAddressMask)<<8 | (ioWindowGranularity - 1),
		Wide:  base&windowCodeMask == windowCodeWide,
	}
	if w.Wide {
		w.Base |= uint64(h.regs.get(fieldIOBaseUpper)) << 16
		w.Limit |= uint64(h.regs.get(fieldIOLimitUpper)) << 16
	}
	return w
}

// SetIOWindow encodes w. Base must be 4 KiB aligned and Limit must end on a
// 4 KiB boundary; without Wide both must fit 16 bits.
func (h BridgeHeader) SetIOWindow(w Window) error {
	ceiling := uint64(ioWindowMax16)
	code := uint32(0)
	if w.Wide {
		ceiling = windowMax32
		code = windowCodeWide
	}
	if err := checkWindow("I/O", w, ioWindowGranularity, ceiling); err != nil {
		return err
	}
	h.regs.set(fieldIOBase, uint32(w.Base>>8)&ioAddressMask|code)
	h.regs.set(fieldIOLimit, uint32(w.Limit>>8)&ioAddressMask|code)
	h.regs.set(fieldIOBaseUpper, uint32(w.Base>>16))
	h.regs.set(fieldIOLimitUpper, uint32(w.Limit>>16))
	return nil
}

// MemoryWindow decodes the non-prefetchable memory window.
func (h BridgeHeader) MemoryWindow() Window {
	return Window{
		Base:  uint64(h.regs.get(fieldMemoryBase)&memAddressMask) << 16,
		Limit: uint64(h.regs.get(fieldMemoryLimit)&memAddressMask)<<16 | memWindowOffsetMask,
	}
}

// SetMemoryWindow encodes w. Base and Limit+1 must be 1 MiB aligned and fit
// 32 bits.
func (h BridgeHeader) SetMemoryWindow(w Window) error {
	if err := checkWindow("memory", w, memoryWindowGranularity, windowMax32); err != nil {
		return err
	}
	h.regs.set(fieldMemoryBase, uint32(w.Base>>16)&memAddressMask)
	h.regs.set(fieldMemoryLimit, uint32(w.Limit>>16)&memAddressMask)
	return nil
}

// PrefetchableWindow decodes the prefetchable memory window, including the
// upper 32 bits when the window decodes 64-bit addresses.
func (h BridgeHeader) PrefetchableWindow() Window {
	base := h.regs.get(fieldPrefetchBase)
	limit := h.regs.get(fieldPrefetchLimit)
	w := Window{
		Base:  uint64(base&memAddressMask) << 16,
		Limit: uint64(limit&memAddressMask)<<16 | memWindowOffsetMask,
		Wide:  base&windowCodeMask == windowCodeWide,
	}
	if w.Wide {
		w.Base |= uint64(h.regs.get(fieldPrefetchBaseUpper)) << 32
		w.Limit |= uint64(h.regs.get(fieldPrefetchLimitUpper)) << 32
	}
	return w
}

// SetPrefetchableWindow encodes w. Without Wide both ends must fit 32 bits.
func (h BridgeHeader) SetPrefetchableWindow(w Window) error {
	ceiling := uint64(windowMax32)
	code := uint32(0)
	if w.Wide {
		ceiling = ^uint64(0)
		code = windowCodeWide
	}
	if err := checkWindow("prefetchable", w, memoryWindowGranularity, ceiling); err != nil {
		return err
	}
	h.regs.set(fieldPrefetchBase, uint32(w.Base>>16)&memAddressMask|code)
	h.regs.set(fieldPrefetchLimit, uint32(w.Limit>>16)&memAddressMask|code)
	h.regs.set(fieldPrefetchBaseUpper, uint32(w.Base>>32))
	h.regs.set(fieldPrefetchLimitUpper, uint32(w.Limit>>32))
	return nil
}

// Capabilities walks the capability list rooted at the capability pointer.
func (h BridgeHeader) Capabilities() *CapabilityWalker {
	return NewCapabilityWalker(h.regs, h.CapabilityPointer())
}
