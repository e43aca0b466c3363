//go:build !linux

package hostdev

import "github.com/tinyrange/pcicfg/internal/devices/pci/profile"

// List is only implemented on linux.
func List(mount string) ([]Address, error) {
	return nil, ErrUnsupported
}

// Import is only implemented on linux.
func Import(mount string, addr Address) (profile.Profile, error) {
	return profile.Profile{}, ErrUnsupported
}
