package pci

import "errors"

// Errors returned by the configuration space model. Operations wrap them with
// context, so match with errors.Is.
var (
	ErrOffsetOutOfBounds   = errors.New("pci: offset out of bounds")
	ErrUnalignedAccess     = errors.New("pci: unaligned access")
	ErrInvalidBarAlignment = errors.New("pci: invalid BAR alignment")
	ErrAliasedBarSlot      = errors.New("pci: BAR slot is the upper half of a 64-bit BAR")
	ErrCapabilityListCycle = errors.New("pci: capability list does not terminate")

	ErrAddressSpaceExhausted = errors.New("pci: address space exhausted")
)
