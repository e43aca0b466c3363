package profile

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/tinyrange/pcicfg/internal/devices/pci"
)

const (
	expansionROMMinSize = 2048
	maxByte             = 0xff
	maxWord             = 0xffff
)

// Validate reports every problem with p at once. The returned error wraps
// ErrInvalid.
func (p *Profile) Validate() error {
	v := &validator{}

	if p.Version != CurrentVersion {
		v.addf("unsupported version %d", p.Version)
	}
	v.fits("vendorID", p.VendorID, maxWord)
	v.fits("deviceID", p.DeviceID, maxWord)
	if p.VendorID == maxWord {
		v.addf("vendorID 0xffff is reserved for absent functions")
	}
	v.fits("revision", p.Revision, maxByte)
	v.fits("class", p.Class, maxByte)
	v.fits("subclass", p.Subclass, maxByte)
	v.fits("progIF", p.ProgIF, maxByte)
	v.fits("command", p.Command, maxWord)
	v.fits("subsystemVendorID", p.SubsystemVendorID, maxWord)
	v.fits("subsystemID", p.SubsystemID, maxWord)
	v.fits("interruptLine", p.InterruptLine, maxByte)
	v.fits("interruptPin", p.InterruptPin, maxByte)

	layout, err := p.layout()
	if err != nil {
		v.add(err)
	}
	barCount := pci.DeviceBARCount
	if layout == pci.HeaderTypeBridge {
		barCount = pci.BridgeBARCount
		if p.SubsystemVendorID != 0 || p.SubsystemID != 0 {
			v.addf("subsystem IDs require a %s header", HeaderDevice)
		}
	}

	p.validateBARs(v, barCount)
	if p.ExpansionROM != nil {
		p.ExpansionROM.validate(v)
	}
	if p.Bridge != nil {
		if layout != pci.HeaderTypeBridge {
			v.addf("bridge section requires headerType %q", HeaderBridge)
		}
		p.Bridge.validate(v)
	}
	p.validateCapabilities(v)

	if len(v.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(v.errs...))
	}
	return nil
}

type validator struct {
	errs []error
}

func (v *validator) add(err error) { v.errs = append(v.errs, err) }

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) fits(name string, value Hex, limit uint64) {
	if uint64(value) > limit {
		v.addf("%s %#x exceeds %#x", name, uint64(value), limit)
	}
}

func (p *Profile) layout() (pci.HeaderType, error) {
	switch p.HeaderType {
	case HeaderDevice:
		return pci.HeaderTypeDevice, nil
	case HeaderBridge:
		return pci.HeaderTypeBridge, nil
	default:
		return pci.HeaderTypeDevice, fmt.Errorf("headerType %q is not %q or %q", p.HeaderType, HeaderDevice, HeaderBridge)
	}
}

// decode converts b to the core representation.
func (b BAR) decode() (pci.BAR, error) {
	switch b.Space {
	case SpaceIO:
		if b.Width != 0 && b.Width != 32 {
			return pci.BAR{}, fmt.Errorf("I/O BAR width %d", b.Width)
		}
		if b.Prefetchable {
			return pci.BAR{}, fmt.Errorf("I/O BAR cannot be prefetchable")
		}
		return pci.BAR{Space: pci.BARSpaceIO, Base: uint64(b.Base)}, nil
	case SpaceMemory:
		out := pci.BAR{Space: pci.BARSpaceMemory, Prefetchable: b.Prefetchable, Base: uint64(b.Base)}
		switch b.Width {
		case 32:
			out.Width = pci.BARWidth32
		case 64:
			out.Width = pci.BARWidth64
		default:
			return pci.BAR{}, fmt.Errorf("memory BAR width %d is not 32 or 64", b.Width)
		}
		return out, nil
	default:
		return pci.BAR{}, fmt.Errorf("space %q is not %q or %q", b.Space, SpaceMemory, SpaceIO)
	}
}

func (p *Profile) validateBARs(v *validator, count int) {
	owner := make(map[int]int)
	for i, b := range p.BARs {
		bar, err := b.decode()
		if err != nil {
			v.addf("bars[%d]: %w", i, err)
			continue
		}
		span := 1
		if bar.Is64() {
			span = 2
		}
		if b.Slot < 0 || b.Slot+span > count {
			v.addf("bars[%d]: slot %d does not fit in %d BAR slots", i, b.Slot, count)
			continue
		}
		for s := b.Slot; s < b.Slot+span; s++ {
			if j, ok := owner[s]; ok {
				v.addf("bars[%d]: slot %d already used by bars[%d]", i, s, j)
			}
			owner[s] = i
		}

		if _, _, err := pci.EncodeBAR(bar); err != nil {
			v.addf("bars[%d]: %w", i, err)
		}
		size := uint64(b.Size)
		minSize := uint64(16)
		if bar.Space == pci.BARSpaceIO {
			minSize = 4
		}
		switch {
		case bits.OnesCount64(size) != 1 || size < minSize:
			v.addf("bars[%d]: size %#x is not a power of two of at least %#x", i, size, minSize)
		case uint64(b.Base)%size != 0:
			v.addf("bars[%d]: base %#x is not aligned to size %#x", i, uint64(b.Base), size)
		case !bar.Is64() && uint64(b.Base)+size > 1<<32:
			v.addf("bars[%d]: region [%#x, +%#x) exceeds 32 bits", i, uint64(b.Base), size)
		}
	}
}

func (r *ROM) validate(v *validator) {
	size := uint64(r.Size)
	switch {
	case bits.OnesCount64(size) != 1 || size < expansionROMMinSize || size > 1<<31:
		v.addf("expansionROM: size %#x is not a power of two between 2 KiB and 2 GiB", size)
	case uint64(r.Base)%size != 0:
		v.addf("expansionROM: base %#x is not aligned to size %#x", uint64(r.Base), size)
	case uint64(r.Base)+size > 1<<32:
		v.addf("expansionROM: region exceeds 32 bits")
	}
}

func (b *Bridge) validate(v *validator) {
	// A bridge that has not been enumerated yet has all bus numbers at 0.
	if b.SecondaryBus != 0 || b.SubordinateBus != 0 {
		if b.PrimaryBus >= b.SecondaryBus || b.SecondaryBus > b.SubordinateBus {
			v.addf("bridge: bus numbers %d/%d/%d must satisfy primary < secondary <= subordinate",
				b.PrimaryBus, b.SecondaryBus, b.SubordinateBus)
		}
	}
	v.fits("bridge.control", b.Control, maxWord)

	scratch := pci.NewBridgeHeader(pci.NewRegisters())
	if b.IOWindow != nil {
		if err := scratch.SetIOWindow(b.IOWindow.window()); err != nil {
			v.addf("bridge.ioWindow: %w", err)
		}
	}
	if b.MemoryWindow != nil {
		if b.MemoryWindow.Wide {
			v.addf("bridge.memoryWindow: the memory window is always 32-bit")
		}
		if err := scratch.SetMemoryWindow(b.MemoryWindow.window()); err != nil {
			v.addf("bridge.memoryWindow: %w", err)
		}
	}
	if b.PrefetchableWindow != nil {
		if err := scratch.SetPrefetchableWindow(b.PrefetchableWindow.window()); err != nil {
			v.addf("bridge.prefetchableWindow: %w", err)
		}
	}
}

func (w *Window) window() pci.Window {
	return pci.Window{Base: uint64(w.Base), Limit: uint64(w.Limit), Wide: w.Wide}
}

// span is a decoded capability ready to be written.
type span struct {
	index   int
	offset  int
	id      uint8
	payload []byte
}

func (s span) end() int { return s.offset + 2 + len(s.payload) }

// capabilitySpans decodes the capability list sorted by offset.
func (p *Profile) capabilitySpans() ([]span, []error) {
	var (
		spans []span
		errs  []error
	)
	for i, c := range p.Capabilities {
		payload, err := hex.DecodeString(c.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("capabilities[%d]: payload: %w", i, err))
			continue
		}
		if c.ID > maxByte {
			errs = append(errs, fmt.Errorf("capabilities[%d]: id %#x exceeds 0xff", i, uint64(c.ID)))
			continue
		}
		if c.Offset < pci.CapabilityRegionStart || c.Offset >= pci.ConfigSpaceSize {
			errs = append(errs, fmt.Errorf("capabilities[%d]: offset %#x outside [%#x, %#x): %w",
				i, uint64(c.Offset), pci.CapabilityRegionStart, pci.ConfigSpaceSize, pci.ErrOffsetOutOfBounds))
			continue
		}
		s := span{index: i, offset: int(c.Offset), id: uint8(c.ID), payload: payload}
		if s.end() > pci.ConfigSpaceSize {
			errs = append(errs, fmt.Errorf("capabilities[%d]: bytes [%#x, %#x) outside [%#x, %#x): %w",
				i, s.offset, s.end(), pci.CapabilityRegionStart, pci.ConfigSpaceSize, pci.ErrOffsetOutOfBounds))
			continue
		}
		spans = append(spans, s)
	}
	sort.Slice(spans, func(a, b int) bool { return spans[a].offset < spans[b].offset })
	for k := 1; k < len(spans); k++ {
		prev, cur := spans[k-1], spans[k]
		if prev.end() > cur.offset {
			errs = append(errs, fmt.Errorf("capabilities[%d] at %#x overlaps capabilities[%d] ending at %#x",
				cur.index, cur.offset, prev.index, prev.end()))
		}
	}
	return spans, errs
}

func (p *Profile) validateCapabilities(v *validator) {
	_, errs := p.capabilitySpans()
	for _, err := range errs {
		v.add(err)
	}
}
