package pci

import (
	"encoding/binary"
	"fmt"
)

const (
	// ConfigSpaceSize is the size of a conventional PCI configuration space in bytes.
	ConfigSpaceSize = 256
	// NumRegisters is the number of 32-bit registers in a configuration space.
	NumRegisters = ConfigSpaceSize / 4
)

// Registers is the raw register file backing one function's configuration
// space. It performs bounds checking only; field semantics live in the header
// views layered on top of it.
//
// Registers is not safe for concurrent use. Callers sharing a register file
// between a vCPU and a device thread must serialize access, see Function.
type Registers struct {
	regs [NumRegisters]uint32
}

// NewRegisters returns a zero-initialized register file.
func NewRegisters() *Registers {
	return &Registers{}
}

// RegistersFromBytes builds a register file from a little-endian image of
// exactly ConfigSpaceSize bytes.
func RegistersFromBytes(b []byte) (*Registers, error) {
	if len(b) != ConfigSpaceSize {
		return nil, fmt.Errorf("config space image is %d bytes, want %d: %w", len(b), ConfigSpaceSize, ErrOffsetOutOfBounds)
	}
	r := &Registers{}
	for i := range r.regs {
		r.regs[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return r, nil
}

// Read returns register index.
func (r *Registers) Read(index int) (uint32, error) {
	if index < 0 || index >= NumRegisters {
		return 0, fmt.Errorf("read register %d: %w", index, ErrOffsetOutOfBounds)
	}
	return r.regs[index], nil
}

// Write stores value in register index. Any value is accepted.
func (r *Registers) Write(index int, value uint32) error {
	if index < 0 || index >= NumRegisters {
		return fmt.Errorf("write register %d: %w", index, ErrOffsetOutOfBounds)
	}
	r.regs[index] = value
	return nil
}

// Bytes returns the little-endian image of the configuration space.
func (r *Registers) Bytes() [ConfigSpaceSize]byte {
	var out [ConfigSpaceSize]byte
	for i, v := range r.regs {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func checkAccess(offset int, size int) error {
	if offset < 0 || offset+size > ConfigSpaceSize {
		return fmt.Errorf("%d-byte access at %#x: %w", size, offset, ErrOffsetOutOfBounds)
	}
	if offset%size != 0 {
		return fmt.Errorf("%d-byte access at %#x: %w", size, offset, ErrUnalignedAccess)
	}
	return nil
}

func (r *Registers) readLane(offset int, size int) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0, err
	}
	shift := uint(offset%4) * 8
	mask := uint32(uint64(1)<<(uint(size)*8) - 1)
	return (r.regs[offset/4] >> shift) & mask, nil
}

func (r *Registers) writeLane(offset int, size int, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	shift := uint(offset%4) * 8
	mask := uint32(uint64(1)<<(uint(size)*8)-1) << shift
	reg := &r.regs[offset/4]
	*reg = (*reg &^ mask) | ((value << shift) & mask)
	return nil
}

// Read8 reads the byte at offset.
func (r *Registers) Read8(offset int) (uint8, error) {
	v, err := r.readLane(offset, 1)
	return uint8(v), err
}

// Read16 reads the 16-bit word at offset, which must be 2-byte aligned.
func (r *Registers) Read16(offset int) (uint16, error) {
	v, err := r.readLane(offset, 2)
	return uint16(v), err
}

// Read32 reads the dword at offset, which must be 4-byte aligned.
func (r *Registers) Read32(offset int) (uint32, error) {
	return r.readLane(offset, 4)
}

// Write8 stores a byte at offset.
func (r *Registers) Write8(offset int, value uint8) error {
	return r.writeLane(offset, 1, uint32(value))
}

// Write16 stores a 16-bit word at offset, which must be 2-byte aligned.
func (r *Registers) Write16(offset int, value uint16) error {
	return r.writeLane(offset, 2, uint32(value))
}

// Write32 stores a dword at offset, which must be 4-byte aligned.
func (r *Registers) Write32(offset int, value uint32) error {
	return r.writeLane(offset, 4, value)
}
