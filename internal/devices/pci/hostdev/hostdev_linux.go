//go:build linux

package hostdev

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
	"github.com/tinyrange/pcicfg/internal/devices/pci"
	"github.com/tinyrange/pcicfg/internal/devices/pci/profile"
)

const pciDevicesPath = "bus/pci/devices"

// Resource flags from linux/ioport.h.
const (
	resourceIO       = 0x0000_0100
	resourcePrefetch = 0x0000_2000
	resourceMem64    = 0x0010_0000

	// Index of the expansion ROM line in the resource file.
	resourceROM = 6
)

// hostResource is one line of a sysfs resource file.
type hostResource struct {
	start, end, flags uint64
}

func (r hostResource) size() uint64 {
	if r.start == 0 && r.end == 0 {
		return 0
	}
	return r.end - r.start + 1
}

func openFS(mount string) (sysfs.FS, string, error) {
	if mount == "" {
		mount = DefaultMount
	}
	fs, err := sysfs.NewFS(mount)
	if err != nil {
		return sysfs.FS{}, "", fmt.Errorf("failed to open sysfs: %w", err)
	}
	return fs, mount, nil
}

// List returns the address of every PCI function under mount, sorted.
func List(mount string) ([]Address, error) {
	fs, _, err := openFS(mount)
	if err != nil {
		return nil, err
	}
	devices, err := fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read pci devices: %w", err)
	}

	addrs := make([]Address, 0, len(devices))
	for _, d := range devices {
		addrs = append(addrs, addressOf(d))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	return addrs, nil
}

func addressOf(d sysfs.PciDevice) Address {
	return Address{
		Domain:   uint(d.Location.Segment),
		Bus:      uint(d.Location.Bus),
		Device:   uint(d.Location.Device),
		Function: uint(d.Location.Function),
	}
}

// Import describes the host function at addr as a profile. Identity comes
// from the sysfs attribute files. Header fields, BARs and capabilities come
// from the config file when it is readable; BAR and ROM sizes come from the
// resource file. Unprivileged readers only see the first 64 bytes of config
// space, in which case capabilities are left out.
func Import(mount string, addr Address) (profile.Profile, error) {
	fs, mount, err := openFS(mount)
	if err != nil {
		return profile.Profile{}, err
	}
	devices, err := fs.PciDevices()
	if err != nil {
		return profile.Profile{}, fmt.Errorf("failed to read pci devices: %w", err)
	}
	var (
		dev   sysfs.PciDevice
		found bool
	)
	for _, d := range devices {
		if addressOf(d) == addr {
			dev, found = d, true
			break
		}
	}
	if !found {
		return profile.Profile{}, fmt.Errorf("%s: %w", addr, ErrNotFound)
	}

	dir := filepath.Join(mount, pciDevicesPath, addr.String())
	resources, err := readResources(filepath.Join(dir, "resource"))
	if err != nil {
		slog.Debug("hostdev: no resource file", "device", addr, "error", err)
	}

	regs, err := readConfig(filepath.Join(dir, "config"), addr)
	if err != nil {
		slog.Debug("hostdev: config space unreadable, using resource flags", "device", addr, "error", err)
		regs = synthesize(resources)
	}
	applyIdentity(regs, dev)

	var sizes profile.Sizes
	for slot := range sizes.BARs {
		if slot < len(resources) {
			sizes.BARs[slot] = resources[slot].size()
		}
	}
	if resourceROM < len(resources) {
		sizes.ExpansionROM = uint32(resources[resourceROM].size())
	}

	p, err := profile.FromRegisters(regs, sizes)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", addr, err)
	}
	p.Name = addr.String()
	return p, nil
}

// readConfig loads the config file. A short read keeps the header and
// detaches the capability list, which lies beyond it.
func readConfig(path string, addr Address) (*pci.Registers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 0x40 {
		return nil, fmt.Errorf("config file holds %d bytes, want at least 64", len(data))
	}
	var img [pci.ConfigSpaceSize]byte
	n := copy(img[:], data)
	regs, err := pci.RegistersFromBytes(img[:])
	if err != nil {
		return nil, err
	}
	if n < pci.ConfigSpaceSize {
		slog.Debug("hostdev: partial config space, dropping capabilities", "device", addr, "bytes", n)
		hdr := pci.NewCommonHeader(regs)
		hdr.SetStatus(hdr.Status() &^ pci.StatusCapabilitiesList)
		if err := regs.Write8(pci.CapabilityPointerOffset, 0); err != nil {
			return nil, err
		}
	}
	return regs, nil
}

// synthesize builds a device header from resource flags alone.
func synthesize(resources []hostResource) *pci.Registers {
	regs := pci.NewRegisters()
	dev := pci.NewDeviceHeader(regs)
	for slot := 0; slot < pci.DeviceBARCount && slot < len(resources); slot++ {
		res := resources[slot]
		if res.size() == 0 || dev.IsUpperBARHalf(slot) {
			continue
		}
		bar := pci.BAR{Space: pci.BARSpaceMemory, Base: res.start}
		switch {
		case res.flags&resourceIO != 0:
			bar = pci.BAR{Space: pci.BARSpaceIO, Base: res.start}
		case res.flags&resourceMem64 != 0:
			bar.Width = pci.BARWidth64
		}
		bar.Prefetchable = bar.Space == pci.BARSpaceMemory && res.flags&resourcePrefetch != 0
		if err := dev.SetBAR(slot, bar); err != nil {
			slog.Debug("hostdev: skipping resource", "slot", slot, "error", err)
		}
	}
	return regs
}

// applyIdentity overrides the identity registers with the kernel's view,
// which accounts for quirks applied at enumeration.
func applyIdentity(regs *pci.Registers, d sysfs.PciDevice) {
	h := pci.NewCommonHeader(regs)
	h.SetVendorID(uint16(d.Vendor))
	h.SetDeviceID(uint16(d.Device))
	h.SetRevisionID(uint8(d.Revision))
	h.SetClassCode(pci.ClassCode(d.Class >> 16))
	h.SetSubclass(uint8(d.Class >> 8))
	h.SetProgIF(uint8(d.Class))
	if h.Layout() == pci.HeaderTypeDevice {
		dev := pci.NewDeviceHeader(regs)
		dev.SetSubsystemVendorID(uint16(d.SubsystemVendor))
		dev.SetSubsystemID(uint16(d.SubsystemDevice))
	}
}

// readResources parses a sysfs resource file: one "start end flags" line per
// resource, in hexadecimal.
func readResources(path string) ([]hostResource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []hostResource
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: want 3 fields, got %d", path, line, len(fields))
		}
		var vals [3]uint64
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			vals[i] = v
		}
		out = append(out, hostResource{start: vals[0], end: vals[1], flags: vals[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("empty resource file")
	}
	return out, nil
}
