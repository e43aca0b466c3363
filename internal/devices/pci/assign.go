package pci

import (
	"fmt"
	"math/bits"
)

// Allocator hands out naturally aligned addresses from one window.
type Allocator struct {
	base  uint64
	limit uint64
	next  uint64
}

// NewAllocator returns an allocator for [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{base: base, limit: base + size, next: base}
}

// Allocate reserves size bytes aligned to size, which must be a power of two.
func (a *Allocator) Allocate(size uint64) (uint64, error) {
	if bits.OnesCount64(size) != 1 {
		return 0, fmt.Errorf("allocation size %#x is not a power of two: %w", size, ErrInvalidBarAlignment)
	}
	base := (a.next + size - 1) &^ (size - 1)
	if base < a.next || base+size < base || base+size > a.limit {
		return 0, fmt.Errorf("%#x bytes in [%#x, %#x): %w", size, a.base, a.limit, ErrAddressSpaceExhausted)
	}
	a.next = base + size
	return base, nil
}

// AssignBARs gives every sized BAR of fn an address from mem or io
// according to its space. On error fn is unchanged, but addresses already
// handed out by the allocators are not reclaimed.
func AssignBARs(fn *Function, mem, io *Allocator) error {
	fn.mu.Lock()
	defer fn.mu.Unlock()

	saved := fn.regs
	fail := func(err error) error {
		fn.regs = saved
		return err
	}
	s := fn.bars()
	upper := s.upperHalves()
	for slot := 0; slot < s.count; slot++ {
		size := fn.barSize[slot]
		if size == 0 || upper[slot] {
			continue
		}
		bar, err := s.get(slot)
		if err != nil {
			return fail(err)
		}
		a := mem
		if bar.Space == BARSpaceIO {
			a = io
		}
		if a == nil {
			return fail(fmt.Errorf("BAR%d: no %s window to allocate from", slot, bar.Space))
		}
		base, err := a.Allocate(size)
		if err != nil {
			return fail(fmt.Errorf("BAR%d: %w", slot, err))
		}
		if ceiling := barCeiling(bar); base+size > ceiling {
			return fail(fmt.Errorf("BAR%d: %#x does not fit a %s BAR: %w", slot, base, bar.Width, ErrAddressSpaceExhausted))
		}
		bar.Base = base
		if err := s.set(slot, bar); err != nil {
			return fail(err)
		}
	}
	return nil
}

func barCeiling(b BAR) uint64 {
	switch {
	case b.Space == BARSpaceIO:
		return 1 << 32
	case b.Width == BARWidthBelow1M:
		return 1 << 20
	case b.Width == BARWidth64:
		return ^uint64(0)
	default:
		return 1 << 32
	}
}
