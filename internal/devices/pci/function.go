package pci

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
)

// ConfigSpace models configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

const (
	regCommandStatus   = 1
	regCacheLine       = 3
	regBusNumbers      = 6
	regIOWindow        = 7
	regMemoryWindow    = 8
	regPrefetchWindow  = 9
	regPrefetchUpper   = 10
	regPrefetchLimitHi = 11
	regIOUpper         = 12
	regDeviceROM       = 12
	regBridgeROM       = 14
	regInterrupt       = 15

	commandWritable = CommandIOEnable | CommandMemoryEnable | CommandBusMaster |
		CommandSpecialCycles | CommandMemWriteInvalid | CommandVGAPaletteSnoop |
		CommandParityResponse | CommandSERREnable | CommandFastBackToBack |
		CommandINTxDisable
	bridgeControlWritable = 0x0fff
	expansionROMMinSize   = 2048
)

// Function is the configuration space of one emulated PCI function as the
// guest sees it. It owns a register file behind a mutex and applies
// per-register write masks, so identity registers stay read-only and a BAR
// written with all ones reads back its size mask.
//
// Device code configures the function through Update and View; guest
// accesses arrive through ReadConfig and WriteConfig.
type Function struct {
	mu        sync.Mutex
	regs      Registers
	writeMask [NumRegisters]uint32
	clearMask [NumRegisters]uint32
	barSize   [DeviceBARCount]uint64
	romSize   uint32

	onBARWrite func(slot int, bar BAR)
}

var _ ConfigSpace = (*Function)(nil)

// NewFunction returns a function backed by a copy of r. The default write
// masks follow the header layout recorded in r: command, cache line size,
// latency timer and interrupt line are writable, status error bits are
// write-1-to-clear, and for bridges the bus numbers, windows and bridge
// control are writable. BARs and the expansion ROM stay read-only until
// sized with SetBARSize or SetExpansionROMSize.
func NewFunction(r *Registers) *Function {
	f := &Function{}
	if r != nil {
		f.regs = *r
	}
	f.resetMasks()
	return f
}

func (f *Function) resetMasks() {
	f.writeMask = [NumRegisters]uint32{}
	f.clearMask = [NumRegisters]uint32{}

	f.writeMask[regCommandStatus] = uint32(commandWritable)
	f.clearMask[regCommandStatus] = uint32(StatusErrorBits) << 16
	f.writeMask[regCacheLine] = 0x0000_ffff

	switch NewCommonHeader(&f.regs).Layout() {
	case HeaderTypeDevice:
		f.writeMask[regInterrupt] = 0x0000_00ff
	case HeaderTypeBridge:
		f.writeMask[regBusNumbers] = 0xffff_ffff
		f.writeMask[regIOWindow] = 0x0000_f0f0
		f.clearMask[regIOWindow] = uint32(StatusErrorBits) << 16
		f.writeMask[regMemoryWindow] = 0xfff0_fff0
		f.writeMask[regPrefetchWindow] = 0xfff0_fff0
		br := NewBridgeHeader(&f.regs)
		if br.PrefetchableWindow().Wide {
			f.writeMask[regPrefetchUpper] = 0xffff_ffff
			f.writeMask[regPrefetchLimitHi] = 0xffff_ffff
		}
		if br.IOWindow().Wide {
			f.writeMask[regIOUpper] = 0xffff_ffff
		}
		f.writeMask[regInterrupt] = 0x0000_00ff | bridgeControlWritable<<16
	}
}

func (f *Function) bars() barSlots {
	count := DeviceBARCount
	if NewCommonHeader(&f.regs).Layout() == HeaderTypeBridge {
		count = BridgeBARCount
	}
	return barSlots{regs: &f.regs, count: count}
}

func (f *Function) romRegister() int {
	if NewCommonHeader(&f.regs).Layout() == HeaderTypeBridge {
		return regBridgeROM
	}
	return regDeviceROM
}

// OnBARWrite registers fn to be called after a guest write changes a BAR
// register. fn runs without the function lock held and receives the slot of
// the low half for 64-bit BARs.
func (f *Function) OnBARWrite(fn func(slot int, bar BAR)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBARWrite = fn
}

// SetWriteMask replaces the guest-writable bits of register index.
func (f *Function) SetWriteMask(index int, mask uint32) error {
	if index < 0 || index >= NumRegisters {
		return fmt.Errorf("write mask for register %d: %w", index, ErrOffsetOutOfBounds)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeMask[index] = mask
	return nil
}

// SetClearMask replaces the write-1-to-clear bits of register index.
func (f *Function) SetClearMask(index int, mask uint32) error {
	if index < 0 || index >= NumRegisters {
		return fmt.Errorf("clear mask for register %d: %w", index, ErrOffsetOutOfBounds)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearMask[index] = mask
	return nil
}

// SetBARSize makes the address bits of the BAR in slot guest-writable for a
// region of size bytes. The current base must be aligned to size. A size of
// zero makes the BAR read-only again.
func (f *Function) SetBARSize(slot int, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.bars()
	b, err := s.get(slot)
	if err != nil {
		return err
	}
	reg := barFirstRegister + slot
	if size == 0 {
		f.writeMask[reg] = 0
		if b.Is64() {
			f.writeMask[reg+1] = 0
		}
		f.barSize[slot] = 0
		return nil
	}

	minSize := uint64(barMemoryAlignment)
	limit := uint64(1) << 32
	if b.Space == BARSpaceIO {
		minSize = barIOAlignment
	}
	if b.Is64() {
		limit = 1 << 63
	}
	if bits.OnesCount64(size) != 1 || size < minSize || size > limit {
		return fmt.Errorf("BAR slot %d size %#x: %w", slot, size, ErrInvalidBarAlignment)
	}
	if b.Base%size != 0 {
		return fmt.Errorf("BAR slot %d base %#x not aligned to size %#x: %w", slot, b.Base, size, ErrInvalidBarAlignment)
	}

	low, high := BARSizeMask(b, size)
	attr := barMemoryAttrMask
	if b.Space == BARSpaceIO {
		attr = barIOAttrMask
	}
	f.writeMask[reg] = low &^ attr
	if b.Is64() {
		f.writeMask[reg+1] = high
	}
	f.barSize[slot] = size
	return nil
}

// BARSize returns the size recorded by SetBARSize, or 0.
func (f *Function) BARSize(slot int) uint64 {
	if slot < 0 || slot >= DeviceBARCount {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barSize[slot]
}

// SetExpansionROMSize makes the expansion ROM base and enable bit
// guest-writable for a ROM of size bytes. Size must be a power of two of at
// least 2 KiB, or zero to make the register read-only.
func (f *Function) SetExpansionROMSize(size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	reg := f.romRegister()
	if size == 0 {
		f.writeMask[reg] = 0
		f.romSize = 0
		return nil
	}
	if bits.OnesCount32(size) != 1 || size < expansionROMMinSize {
		return fmt.Errorf("expansion ROM size %#x: %w", size, ErrInvalidBarAlignment)
	}
	if base := DecodeExpansionROM(f.regs.regs[reg]).Base; base%size != 0 {
		return fmt.Errorf("expansion ROM base %#x not aligned to size %#x: %w", base, size, ErrInvalidBarAlignment)
	}
	f.writeMask[reg] = ExpansionROMSizeMask(size) | expansionROMEnable
	f.romSize = size
	return nil
}

// ExpansionROMSize returns the size recorded by SetExpansionROMSize, or 0.
func (f *Function) ExpansionROMSize() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.romSize
}

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkAccessSize(size); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs.readLane(int(offset), int(size))
}

// WriteConfig implements ConfigSpace. Bits outside the register's write mask
// are ignored; bits in its clear mask are cleared when written as 1.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkAccessSize(size); err != nil {
		return err
	}
	if err := checkAccess(int(offset), int(size)); err != nil {
		return err
	}

	f.mu.Lock()
	index := int(offset / 4)
	shift := uint(offset%4) * 8
	lane := uint32(uint64(1)<<(uint(size)*8)-1) << shift
	v := (value << shift) & lane
	wm := f.writeMask[index] & lane
	cm := f.clearMask[index] & lane

	cur := f.regs.regs[index]
	next := (cur &^ wm) | (v & wm)
	next &^= v & cm
	f.regs.regs[index] = next

	if ignored := v &^ (wm | cm); ignored != 0 {
		slog.Debug("pci: ignored write to read-only bits",
			"offset", offset, "size", size, "value", value, "ignored", ignored>>shift)
	}

	hook := f.onBARWrite
	slot, bar, changed := -1, BAR{}, next != cur
	if changed && hook != nil {
		slot, bar = f.barForRegister(index)
	}
	f.mu.Unlock()

	if slot >= 0 {
		hook(slot, bar)
	}
	return nil
}

// barForRegister maps register index to the BAR slot it belongs to.
func (f *Function) barForRegister(index int) (int, BAR) {
	s := f.bars()
	slot := index - barFirstRegister
	if slot < 0 || slot >= s.count {
		return -1, BAR{}
	}
	if s.upperHalves()[slot] {
		slot--
	}
	b, err := s.get(slot)
	if err != nil {
		return -1, BAR{}
	}
	return slot, b
}

func checkAccessSize(size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config access size %d: %w", size, ErrUnalignedAccess)
	}
	return nil
}

// View runs fn with the register file locked. fn must not retain r.
func (f *Function) View(fn func(r *Registers)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.regs)
}

// Update runs fn with the register file locked. If fn returns an error every
// register is restored to its value before the call. Changing the header
// layout resets the write masks and forgets BAR and ROM sizes. Otherwise a
// BAR whose type bits or 64-bit pairing changed loses its size and becomes
// read-only again.
func (f *Function) Update(fn func(r *Registers) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := f.regs
	if err := fn(&f.regs); err != nil {
		f.regs = saved
		return err
	}
	if NewCommonHeader(&saved).Layout() != NewCommonHeader(&f.regs).Layout() {
		f.resetMasks()
		f.barSize = [DeviceBARCount]uint64{}
		f.romSize = 0
		return nil
	}
	f.forgetChangedBARs(&saved)
	return nil
}

// forgetChangedBARs drops the size and write masks of every BAR slot whose
// kind differs between saved and the current registers.
func (f *Function) forgetChangedBARs(saved *Registers) {
	cur := f.bars()
	prev := barSlots{regs: saved, count: cur.count}
	prevUpper, curUpper := prev.upperHalves(), cur.upperHalves()
	for i := 0; i < cur.count; i++ {
		if barKind(prev, prevUpper, i) == barKind(cur, curUpper, i) {
			continue
		}
		reg := barFirstRegister + i
		f.writeMask[reg] = 0
		f.barSize[i] = 0
		if !prevUpper[i] && i+1 < cur.count && prevUpper[i+1] {
			f.writeMask[reg+1] = 0
		}
	}
}

// barKind returns the attribute bits of slot i, or barKindUpper when the
// slot holds the upper half of a 64-bit BAR.
func barKind(s barSlots, upper [DeviceBARCount]bool, i int) uint32 {
	if upper[i] {
		return barKindUpper
	}
	low := s.regs.regs[barFirstRegister+i]
	if low&barSpaceIO != 0 {
		return low & barIOAttrMask
	}
	return low & barMemoryAttrMask
}

const barKindUpper = ^uint32(0)

// Snapshot returns a copy of the register file.
func (f *Function) Snapshot() *Registers {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.regs
	return &r
}
