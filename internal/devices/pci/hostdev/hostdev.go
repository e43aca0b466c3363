// Package hostdev seeds profiles from PCI functions present on the host.
package hostdev

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMount is where sysfs is normally mounted.
const DefaultMount = "/sys"

var (
	ErrUnsupported = errors.New("hostdev: host PCI devices can only be read on linux")
	ErrNotFound    = errors.New("hostdev: no such PCI device")
	ErrBadAddress  = errors.New("hostdev: malformed PCI address")
)

// Address is a PCI function address.
type Address struct {
	Domain   uint
	Bus      uint
	Device   uint
	Function uint
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseAddress accepts "dddd:bb:dd.f" or the short "bb:dd.f" form, which
// implies domain 0.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) == 2 {
		parts = append([]string{"0000"}, parts...)
	}
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%q: %w", s, ErrBadAddress)
	}
	devFn := strings.Split(parts[2], ".")
	if len(devFn) != 2 {
		return Address{}, fmt.Errorf("%q: %w", s, ErrBadAddress)
	}

	fields := []struct {
		text  string
		limit uint64
	}{
		{parts[0], 0xffff},
		{parts[1], 0xff},
		{devFn[0], 0x1f},
		{devFn[1], 0x7},
	}
	var vals [4]uint
	for i, f := range fields {
		v, err := strconv.ParseUint(f.text, 16, 32)
		if err != nil || v > f.limit {
			return Address{}, fmt.Errorf("%q: %w", s, ErrBadAddress)
		}
		vals[i] = uint(v)
	}
	return Address{Domain: vals[0], Bus: vals[1], Device: vals[2], Function: vals[3]}, nil
}
