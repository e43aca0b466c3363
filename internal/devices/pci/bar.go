package pci

import (
	"fmt"
	"math/bits"
)

// BARSpace selects the address space a BAR decodes.
type BARSpace uint8

const (
	BARSpaceMemory BARSpace = 0
	BARSpaceIO     BARSpace = 1
)

func (s BARSpace) String() string {
	if s == BARSpaceIO {
		return "I/O"
	}
	return "Memory"
}

// BARWidth is the memory BAR type field (bits 1-2).
type BARWidth uint8

const (
	BARWidth32      BARWidth = 0
	BARWidthBelow1M BARWidth = 1 // legacy, reserved since PCI 2.2
	BARWidth64      BARWidth = 2
)

func (w BARWidth) String() string {
	switch w {
	case BARWidth32:
		return "32-bit"
	case BARWidthBelow1M:
		return "low-1M"
	case BARWidth64:
		return "64-bit"
	default:
		return "reserved"
	}
}

const (
	barSpaceIO          uint32 = 1 << 0
	barTypeShift               = 1
	barTypeMask         uint32 = 0x3 << barTypeShift
	barPrefetchable     uint32 = 1 << 3
	barMemoryAttrMask   uint32 = 0xf
	barIOAttrMask       uint32 = 0x3
	barMemoryAlignment         = 16
	barIOAlignment             = 4
	expansionROMEnable  uint32 = 1 << 0
	expansionROMAddress uint32 = 0xffff_f800
)

// BAR is a decoded Base Address Register. Width and Prefetchable only apply
// to memory BARs and are zero for I/O BARs.
type BAR struct {
	Space        BARSpace
	Width        BARWidth
	Prefetchable bool
	Base         uint64
}

// Is64 reports whether the BAR occupies two consecutive registers.
func (b BAR) Is64() bool {
	return b.Space == BARSpaceMemory && b.Width == BARWidth64
}

func (b BAR) String() string {
	if b.Space == BARSpaceIO {
		return fmt.Sprintf("I/O ports at %#x", b.Base)
	}
	pf := "non-prefetchable"
	if b.Prefetchable {
		pf = "prefetchable"
	}
	return fmt.Sprintf("Memory at %#x (%s, %s)", b.Base, b.Width, pf)
}

// DecodeBAR decodes a single BAR register. For the low half of a 64-bit BAR
// only the low 32 address bits are returned; use DecodeBAR64 for the pair.
func DecodeBAR(raw uint32) BAR {
	if raw&barSpaceIO != 0 {
		return BAR{
			Space: BARSpaceIO,
			Base:  uint64(raw &^ barIOAttrMask),
		}
	}
	return BAR{
		Space:        BARSpaceMemory,
		Width:        BARWidth((raw & barTypeMask) >> barTypeShift),
		Prefetchable: raw&barPrefetchable != 0,
		Base:         uint64(raw &^ barMemoryAttrMask),
	}
}

// DecodeBAR64 decodes a BAR whose low register is low and whose upper half,
// if the type bits mark it 64-bit, is high.
func DecodeBAR64(low, high uint32) BAR {
	b := DecodeBAR(low)
	if b.Is64() {
		b.Base |= uint64(high) << 32
	}
	return b
}

// EncodeBAR packs b into register form. high is the upper address half and
// is only meaningful when b.Is64().
func EncodeBAR(b BAR) (low, high uint32, err error) {
	if b.Space == BARSpaceIO {
		if b.Base%barIOAlignment != 0 || b.Base > 0xffff_ffff {
			return 0, 0, fmt.Errorf("I/O BAR base %#x: %w", b.Base, ErrInvalidBarAlignment)
		}
		return uint32(b.Base) | barSpaceIO, 0, nil
	}
	if b.Base%barMemoryAlignment != 0 {
		return 0, 0, fmt.Errorf("memory BAR base %#x: %w", b.Base, ErrInvalidBarAlignment)
	}
	if !b.Is64() && b.Base > 0xffff_ffff {
		return 0, 0, fmt.Errorf("%s memory BAR base %#x exceeds 32 bits: %w", b.Width, b.Base, ErrInvalidBarAlignment)
	}
	low = uint32(b.Base) | (uint32(b.Width)<<barTypeShift)&barTypeMask
	if b.Prefetchable {
		low |= barPrefetchable
	}
	if b.Is64() {
		high = uint32(b.Base >> 32)
	}
	return low, high, nil
}

// BARSizeMask returns the register values a BAR of the given size reads back
// after the guest writes all ones to it. size must be a power of two.
func BARSizeMask(b BAR, size uint64) (low, high uint32) {
	if size == 0 {
		return 0, 0
	}
	mask := ^(size - 1)
	if b.Space == BARSpaceIO {
		// I/O BARs decode at most 32 address bits.
		return uint32(mask)&^barIOAttrMask | barSpaceIO, 0
	}
	low = uint32(mask)&^barMemoryAttrMask | (uint32(b.Width)<<barTypeShift)&barTypeMask
	if b.Prefetchable {
		low |= barPrefetchable
	}
	if b.Is64() {
		high = uint32(mask >> 32)
	}
	return low, high
}

// DecodeBARSize recovers the decode size from a sizing read-back. It returns
// 0 when the BAR is unimplemented.
func DecodeBARSize(low, high uint32) uint64 {
	b := DecodeBAR(low)
	switch {
	case b.Space == BARSpaceIO:
		addr := low &^ barIOAttrMask
		if addr == 0 {
			return 0
		}
		// Devices may leave the upper 16 I/O address bits unimplemented.
		if addr&0xffff_0000 == 0 {
			addr |= 0xffff_0000
		}
		return uint64(1) << bits.TrailingZeros32(addr)
	case b.Is64():
		mask := uint64(high)<<32 | uint64(low&^barMemoryAttrMask)
		if mask == 0 {
			return 0
		}
		return uint64(1) << bits.TrailingZeros64(mask)
	default:
		addr := low &^ barMemoryAttrMask
		if addr == 0 {
			return 0
		}
		return uint64(1) << bits.TrailingZeros32(addr)
	}
}

// ExpansionROM is a decoded expansion ROM base address register.
type ExpansionROM struct {
	Base    uint32
	Enabled bool
}

// DecodeExpansionROM decodes an expansion ROM base address register.
func DecodeExpansionROM(raw uint32) ExpansionROM {
	return ExpansionROM{
		Base:    raw & expansionROMAddress,
		Enabled: raw&expansionROMEnable != 0,
	}
}

// EncodeExpansionROM packs rom into register form. The base must be 2 KiB
// aligned.
func EncodeExpansionROM(rom ExpansionROM) (uint32, error) {
	if rom.Base&^expansionROMAddress != 0 {
		return 0, fmt.Errorf("expansion ROM base %#x: %w", rom.Base, ErrInvalidBarAlignment)
	}
	raw := rom.Base
	if rom.Enabled {
		raw |= expansionROMEnable
	}
	return raw, nil
}

// ExpansionROMSizeMask is the read-back of an expansion ROM of the given size
// after an all-ones address write. The enable bit is reported as written.
func ExpansionROMSizeMask(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	return ^(size - 1) & expansionROMAddress
}
