package pci

import "fmt"

const (
	// CapabilityRegionStart is the first offset a capability may occupy.
	CapabilityRegionStart = 0x40
	// capabilityLastOffset is the last offset at which the two-byte
	// (ID, next) header still fits.
	capabilityLastOffset = ConfigSpaceSize - 2
	// maxCapabilities bounds a walk so a guest-written pointer cycle
	// cannot stall the caller.
	maxCapabilities = NumRegisters
)

// CapabilityID identifies a capability structure.
type CapabilityID uint8

const (
	CapabilityPowerManagement    CapabilityID = 0x01
	CapabilityAGP                CapabilityID = 0x02
	CapabilityVPD                CapabilityID = 0x03
	CapabilitySlotID             CapabilityID = 0x04
	CapabilityMSI                CapabilityID = 0x05
	CapabilityCompactPCIHotSwap  CapabilityID = 0x06
	CapabilityPCIX               CapabilityID = 0x07
	CapabilityHyperTransport     CapabilityID = 0x08
	CapabilityVendorSpecific     CapabilityID = 0x09
	CapabilityDebugPort          CapabilityID = 0x0a
	CapabilityCompactPCIResource CapabilityID = 0x0b
	CapabilityHotPlug            CapabilityID = 0x0c
	CapabilityBridgeSubsystemID  CapabilityID = 0x0d
	CapabilityAGP8x              CapabilityID = 0x0e
	CapabilitySecureDevice       CapabilityID = 0x0f
	CapabilityPCIExpress         CapabilityID = 0x10
	CapabilityMSIX               CapabilityID = 0x11
	CapabilitySATA               CapabilityID = 0x12
	CapabilityAdvancedFeatures   CapabilityID = 0x13
	CapabilityEnhancedAllocation CapabilityID = 0x14
)

var capabilityNames = map[CapabilityID]string{
	CapabilityPowerManagement:    "Power Management",
	CapabilityAGP:                "AGP",
	CapabilityVPD:                "Vital Product Data",
	CapabilitySlotID:             "Slot Identification",
	CapabilityMSI:                "MSI",
	CapabilityCompactPCIHotSwap:  "CompactPCI Hot Swap",
	CapabilityPCIX:               "PCI-X",
	CapabilityHyperTransport:     "HyperTransport",
	CapabilityVendorSpecific:     "Vendor Specific",
	CapabilityDebugPort:          "Debug Port",
	CapabilityCompactPCIResource: "CompactPCI Central Resource Control",
	CapabilityHotPlug:            "PCI Hot-Plug",
	CapabilityBridgeSubsystemID:  "Bridge Subsystem Vendor ID",
	CapabilityAGP8x:              "AGP 8x",
	CapabilitySecureDevice:       "Secure Device",
	CapabilityPCIExpress:         "PCI Express",
	CapabilityMSIX:               "MSI-X",
	CapabilitySATA:               "SATA Data/Index Configuration",
	CapabilityAdvancedFeatures:   "Advanced Features",
	CapabilityEnhancedAllocation: "Enhanced Allocation",
}

func (id CapabilityID) String() string {
	if name, ok := capabilityNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Capability %#02x", uint8(id))
}

// Capability is one entry of a capability list. The payload that follows the
// two-byte header is not interpreted.
type Capability struct {
	Offset uint8
	ID     CapabilityID
	Next   uint8
}

// CapabilityWalker traverses a capability list. It reads each entry only when
// Next is called and cannot be restarted:
//
//	w := hdr.Capabilities()
//	for w.Next() {
//		c := w.Capability()
//		...
//	}
//	if err := w.Err(); err != nil {
//		...
//	}
type CapabilityWalker struct {
	regs    *Registers
	offset  uint8
	cur     Capability
	count   int
	visited [ConfigSpaceSize]bool
	err     error
	done    bool
}

// NewCapabilityWalker returns a walker that starts at offset start. A start of
// zero yields no entries.
func NewCapabilityWalker(r *Registers, start uint8) *CapabilityWalker {
	return &CapabilityWalker{regs: r, offset: start, done: start == 0}
}

// Next advances to the next entry. It returns false at the end of the list or
// on error; Err distinguishes the two.
func (w *CapabilityWalker) Next() bool {
	if w.done {
		return false
	}
	off := w.offset
	if off < CapabilityRegionStart || int(off) > capabilityLastOffset {
		return w.fail(fmt.Errorf("capability at %#02x outside [%#02x, %#02x]: %w",
			off, CapabilityRegionStart, capabilityLastOffset, ErrOffsetOutOfBounds))
	}
	if w.visited[off] || w.count >= maxCapabilities {
		return w.fail(fmt.Errorf("capability list revisits %#02x after %d entries: %w",
			off, w.count, ErrCapabilityListCycle))
	}
	id, err := w.regs.Read8(int(off))
	if err != nil {
		return w.fail(err)
	}
	next, err := w.regs.Read8(int(off) + 1)
	if err != nil {
		return w.fail(err)
	}
	w.visited[off] = true
	w.count++
	w.cur = Capability{Offset: off, ID: CapabilityID(id), Next: next}
	w.offset = next
	w.done = next == 0
	return true
}

func (w *CapabilityWalker) fail(err error) bool {
	w.err = err
	w.done = true
	return false
}

// Capability returns the entry produced by the last successful call to Next.
func (w *CapabilityWalker) Capability() Capability { return w.cur }

// Err returns the error that stopped the walk, if any.
func (w *CapabilityWalker) Err() error { return w.err }

// FindCapability advances w until it yields an entry with the given ID.
func FindCapability(w *CapabilityWalker, id CapabilityID) (Capability, bool, error) {
	for w.Next() {
		if c := w.Capability(); c.ID == id {
			return c, true, nil
		}
	}
	return Capability{}, false, w.Err()
}

// WriteCapability stores a capability header and its payload at offset. The
// capability pointer and the Capabilities List status bit are left to the
// caller.
func WriteCapability(r *Registers, offset uint8, id CapabilityID, next uint8, payload []byte) error {
	end := int(offset) + 2 + len(payload)
	if offset < CapabilityRegionStart || end > ConfigSpaceSize {
		return fmt.Errorf("capability %s at %#02x spanning %d bytes: %w", id, offset, end-int(offset), ErrOffsetOutOfBounds)
	}
	if next != 0 && (next < CapabilityRegionStart || int(next) > capabilityLastOffset) {
		return fmt.Errorf("capability %s next pointer %#02x: %w", id, next, ErrOffsetOutOfBounds)
	}
	hdr := append([]byte{uint8(id), next}, payload...)
	for i, b := range hdr {
		// Byte writes never fail alignment and end was checked above.
		_ = r.Write8(int(offset)+i, b)
	}
	return nil
}
