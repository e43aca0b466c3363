package profile

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/pcicfg/internal/devices/pci"
)

// headerView is the part of the device and bridge header views that both
// layouts share.
type headerView interface {
	BAR(slot int) (pci.BAR, error)
	SetBAR(slot int, b pci.BAR) error
	ExpansionROM() pci.ExpansionROM
	SetExpansionROM(rom pci.ExpansionROM) error
	CapabilityPointer() uint8
	SetCapabilityPointer(v uint8)
	InterruptLine() uint8
	SetInterruptLine(v uint8)
	InterruptPin() uint8
	SetInterruptPin(v uint8)
	Capabilities() *pci.CapabilityWalker
}

func viewFor(r *pci.Registers, layout pci.HeaderType) (headerView, int, error) {
	switch layout {
	case pci.HeaderTypeDevice:
		return pci.NewDeviceHeader(r), pci.DeviceBARCount, nil
	case pci.HeaderTypeBridge:
		return pci.NewBridgeHeader(r), pci.BridgeBARCount, nil
	default:
		return nil, 0, fmt.Errorf("%v: %w", layout, ErrUnsupportedHeader)
	}
}

// Build validates p and returns a function whose registers and write masks
// match it. BAR and expansion ROM sizes become guest-visible through the
// standard all-ones sizing write.
func (p *Profile) Build() (*pci.Function, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	layout, _ := p.layout()

	r := pci.NewRegisters()
	h := pci.NewCommonHeader(r)
	h.SetVendorID(uint16(p.VendorID))
	h.SetDeviceID(uint16(p.DeviceID))
	h.SetRevisionID(uint8(p.Revision))
	h.SetClassCode(pci.ClassCode(p.Class))
	h.SetSubclass(uint8(p.Subclass))
	h.SetProgIF(uint8(p.ProgIF))
	h.SetCommand(uint16(p.Command))
	h.SetLayout(layout)
	h.SetMultiFunction(p.MultiFunction)

	view, _, err := viewFor(r, layout)
	if err != nil {
		return nil, err
	}
	view.SetInterruptLine(uint8(p.InterruptLine))
	view.SetInterruptPin(uint8(p.InterruptPin))

	switch layout {
	case pci.HeaderTypeDevice:
		dev := pci.NewDeviceHeader(r)
		dev.SetSubsystemVendorID(uint16(p.SubsystemVendorID))
		dev.SetSubsystemID(uint16(p.SubsystemID))
	case pci.HeaderTypeBridge:
		if p.Bridge != nil {
			if err := p.Bridge.apply(pci.NewBridgeHeader(r)); err != nil {
				return nil, err
			}
		}
	}

	for i, b := range p.BARs {
		bar, _ := b.decode()
		if err := view.SetBAR(b.Slot, bar); err != nil {
			return nil, fmt.Errorf("bars[%d]: %w", i, err)
		}
	}
	if rom := p.ExpansionROM; rom != nil {
		if err := view.SetExpansionROM(pci.ExpansionROM{Base: uint32(rom.Base), Enabled: rom.Enabled}); err != nil {
			return nil, fmt.Errorf("expansionROM: %w", err)
		}
	}

	spans, _ := p.capabilitySpans()
	for k, s := range spans {
		var next uint8
		if k+1 < len(spans) {
			next = uint8(spans[k+1].offset)
		}
		if err := pci.WriteCapability(r, uint8(s.offset), pci.CapabilityID(s.id), next, s.payload); err != nil {
			return nil, fmt.Errorf("capabilities[%d]: %w", s.index, err)
		}
	}
	if len(spans) > 0 {
		view.SetCapabilityPointer(uint8(spans[0].offset))
		h.SetStatus(h.Status() | pci.StatusCapabilitiesList)
	}

	fn := pci.NewFunction(r)
	for i, b := range p.BARs {
		if err := fn.SetBARSize(b.Slot, uint64(b.Size)); err != nil {
			return nil, fmt.Errorf("bars[%d]: %w", i, err)
		}
	}
	if rom := p.ExpansionROM; rom != nil {
		if err := fn.SetExpansionROMSize(uint32(rom.Size)); err != nil {
			return nil, fmt.Errorf("expansionROM: %w", err)
		}
	}
	return fn, nil
}

func (b *Bridge) apply(h pci.BridgeHeader) error {
	h.SetPrimaryBus(b.PrimaryBus)
	h.SetSecondaryBus(b.SecondaryBus)
	h.SetSubordinateBus(b.SubordinateBus)
	h.SetSecondaryLatencyTimer(b.SecondaryLatency)
	h.SetBridgeControl(uint16(b.Control))
	if b.IOWindow != nil {
		if err := h.SetIOWindow(b.IOWindow.window()); err != nil {
			return fmt.Errorf("bridge.ioWindow: %w", err)
		}
	}
	if b.MemoryWindow != nil {
		if err := h.SetMemoryWindow(b.MemoryWindow.window()); err != nil {
			return fmt.Errorf("bridge.memoryWindow: %w", err)
		}
	}
	if b.PrefetchableWindow != nil {
		if err := h.SetPrefetchableWindow(b.PrefetchableWindow.window()); err != nil {
			return fmt.Errorf("bridge.prefetchableWindow: %w", err)
		}
	}
	return nil
}

// Sizes carries the decode sizes that registers alone do not record. A zero
// BAR size means the slot is unimplemented.
type Sizes struct {
	BARs         [pci.DeviceBARCount]uint64
	ExpansionROM uint32
}

// Export describes fn as a profile, including the BAR and expansion ROM sizes
// it was configured with.
func Export(fn *pci.Function) (Profile, error) {
	var sizes Sizes
	for slot := range sizes.BARs {
		sizes.BARs[slot] = fn.BARSize(slot)
	}
	sizes.ExpansionROM = fn.ExpansionROMSize()
	return FromRegisters(fn.Snapshot(), sizes)
}

// FromRegisters describes the configuration space r as a profile. Capability
// payloads extend to the next capability or the end of configuration space,
// without trailing zero bytes.
func FromRegisters(r *pci.Registers, sizes Sizes) (Profile, error) {
	h := pci.NewCommonHeader(r)
	layout := h.Layout()
	view, barCount, err := viewFor(r, layout)
	if err != nil {
		return Profile{}, err
	}

	p := Profile{
		Version:       CurrentVersion,
		VendorID:      Hex(h.VendorID()),
		DeviceID:      Hex(h.DeviceID()),
		Revision:      Hex(h.RevisionID()),
		Class:         Hex(h.ClassCode()),
		Subclass:      Hex(h.Subclass()),
		ProgIF:        Hex(h.ProgIF()),
		MultiFunction: h.MultiFunction(),
		Command:       Hex(h.Command()),
		InterruptLine: Hex(view.InterruptLine()),
		InterruptPin:  Hex(view.InterruptPin()),
	}

	switch layout {
	case pci.HeaderTypeDevice:
		p.HeaderType = HeaderDevice
		dev := pci.NewDeviceHeader(r)
		p.SubsystemVendorID = Hex(dev.SubsystemVendorID())
		p.SubsystemID = Hex(dev.SubsystemID())
	case pci.HeaderTypeBridge:
		p.HeaderType = HeaderBridge
		p.Bridge = exportBridge(pci.NewBridgeHeader(r))
	}

	for slot := 0; slot < barCount; slot++ {
		if sizes.BARs[slot] == 0 {
			continue
		}
		bar, err := view.BAR(slot)
		if errors.Is(err, pci.ErrAliasedBarSlot) {
			continue
		}
		if err != nil {
			return Profile{}, err
		}
		p.BARs = append(p.BARs, exportBAR(slot, bar, sizes.BARs[slot]))
	}

	if sizes.ExpansionROM != 0 {
		rom := view.ExpansionROM()
		p.ExpansionROM = &ROM{Base: Hex(rom.Base), Size: Hex(sizes.ExpansionROM), Enabled: rom.Enabled}
	}

	caps, err := exportCapabilities(r, view.Capabilities())
	if err != nil {
		return Profile{}, err
	}
	p.Capabilities = caps

	p.normalize()
	return p, nil
}

func exportBAR(slot int, b pci.BAR, size uint64) BAR {
	out := BAR{Slot: slot, Base: Hex(b.Base), Size: Hex(size)}
	if b.Space == pci.BARSpaceIO {
		out.Space = SpaceIO
		return out
	}
	out.Space = SpaceMemory
	out.Prefetchable = b.Prefetchable
	out.Width = 32
	if b.Is64() {
		out.Width = 64
	}
	return out
}

func exportBridge(h pci.BridgeHeader) *Bridge {
	b := &Bridge{
		PrimaryBus:       h.PrimaryBus(),
		SecondaryBus:     h.SecondaryBus(),
		SubordinateBus:   h.SubordinateBus(),
		SecondaryLatency: h.SecondaryLatencyTimer(),
		Control:          Hex(h.BridgeControl()),
	}
	// All-zero window registers mean the window was never programmed.
	if w := h.IOWindow(); w.Base != 0 || w.Limit != 0xfff || w.Wide {
		b.IOWindow = exportWindow(w)
	}
	if w := h.MemoryWindow(); w.Base != 0 || w.Limit != 0xf_ffff {
		b.MemoryWindow = exportWindow(w)
	}
	if w := h.PrefetchableWindow(); w.Base != 0 || w.Limit != 0xf_ffff || w.Wide {
		b.PrefetchableWindow = exportWindow(w)
	}
	return b
}

func exportWindow(w pci.Window) *Window {
	return &Window{Base: Hex(w.Base), Limit: Hex(w.Limit), Wide: w.Wide}
}

func exportCapabilities(r *pci.Registers, w *pci.CapabilityWalker) ([]Capability, error) {
	var found []pci.Capability
	for w.Next() {
		found = append(found, w.Capability())
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("capability list: %w", err)
	}
	sort.Slice(found, func(a, b int) bool { return found[a].Offset < found[b].Offset })

	img := r.Bytes()
	var caps []Capability
	for k, c := range found {
		end := pci.ConfigSpaceSize
		if k+1 < len(found) {
			end = int(found[k+1].Offset)
		}
		start := int(c.Offset) + 2
		if start > end {
			// Headers two bytes apart leave no room for a payload.
			start = end
		}
		payload := bytes.TrimRight(img[start:end], "\x00")
		caps = append(caps, Capability{
			Offset:  Hex(c.Offset),
			ID:      Hex(c.ID),
			Payload: hex.EncodeToString(payload),
		})
	}
	return caps, nil
}
