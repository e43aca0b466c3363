package pci

// field locates a bit range inside one 32-bit register. Fields are packed
// low bits first, which matches little-endian byte order within a register.
type field struct {
	reg   int
	shift uint
	width uint
}

func (f field) mask() uint32 {
	return uint32(uint64(1)<<f.width - 1)
}

func (f field) extract(v uint32) uint32 {
	return (v >> f.shift) & f.mask()
}

func (f field) insert(v, x uint32) uint32 {
	m := f.mask() << f.shift
	return (v &^ m) | ((x << f.shift) & m)
}

// get and set are only used with the fixed header fields below, whose
// register indices are always in range.
func (r *Registers) get(f field) uint32 {
	return f.extract(r.regs[f.reg])
}

func (r *Registers) set(f field, x uint32) {
	r.regs[f.reg] = f.insert(r.regs[f.reg], x)
}

// Common header, registers 0-3.
var (
	fieldVendorID      = field{0, 0, 16}
	fieldDeviceID      = field{0, 16, 16}
	fieldCommand       = field{1, 0, 16}
	fieldStatus        = field{1, 16, 16}
	fieldRevisionID    = field{2, 0, 8}
	fieldProgIF        = field{2, 8, 8}
	fieldSubclass      = field{2, 16, 8}
	fieldClassCode     = field{2, 24, 8}
	fieldCacheLineSize = field{3, 0, 8}
	fieldLatencyTimer  = field{3, 8, 8}
	fieldHeaderType    = field{3, 16, 8}
	fieldBIST          = field{3, 24, 8}
)

// Header type 0x00, registers 4-15.
var (
	fieldCardbusCIS        = field{10, 0, 32}
	fieldSubsystemVendorID = field{11, 0, 16}
	fieldSubsystemID       = field{11, 16, 16}
	fieldExpansionROM      = field{12, 0, 32}
	fieldCapPointer        = field{13, 0, 8}
	fieldInterruptLine     = field{15, 0, 8}
	fieldInterruptPin      = field{15, 8, 8}
	fieldMinGnt            = field{15, 16, 8}
	fieldMaxLat            = field{15, 24, 8}
)

// Header type 0x01, registers 4-15.
var (
	fieldPrimaryBus          = field{6, 0, 8}
	fieldSecondaryBus        = field{6, 8, 8}
	fieldSubordinateBus      = field{6, 16, 8}
	fieldSecondaryLatency    = field{6, 24, 8}
	fieldIOBase              = field{7, 0, 8}
	fieldIOLimit             = field{7, 8, 8}
	fieldSecondaryStatus     = field{7, 16, 16}
	fieldMemoryBase          = field{8, 0, 16}
	fieldMemoryLimit         = field{8, 16, 16}
	fieldPrefetchBase        = field{9, 0, 16}
	fieldPrefetchLimit       = field{9, 16, 16}
	fieldPrefetchBaseUpper   = field{10, 0, 32}
	fieldPrefetchLimitUpper  = field{11, 0, 32}
	fieldIOBaseUpper         = field{12, 0, 16}
	fieldIOLimitUpper        = field{12, 16, 16}
	fieldBridgeCapPointer    = field{13, 0, 8}
	fieldBridgeExpansionROM  = field{14, 0, 32}
	fieldBridgeInterruptLine = field{15, 0, 8}
	fieldBridgeInterruptPin  = field{15, 8, 8}
	fieldBridgeControl       = field{15, 16, 16}
)
