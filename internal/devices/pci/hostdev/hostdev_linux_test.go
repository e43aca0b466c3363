//go:build linux

package hostdev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/pcicfg/internal/devices/pci"
	"github.com/tinyrange/pcicfg/internal/devices/pci/profile"
)

type fakeDevice struct {
	id       string
	attrs    map[string]string
	config   []byte
	resource string
}

func writeFakePCIDevice(t *testing.T, sysRoot string, d fakeDevice) {
	t.Helper()

	parent := "pci0000:00"
	devDir := filepath.Join(sysRoot, "devices", parent, d.id)
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", devDir, err)
	}

	for _, f := range []string{"class", "vendor", "device", "subsystem_vendor", "subsystem_device", "revision"} {
		val, ok := d.attrs[f]
		if !ok {
			t.Fatalf("missing required %s in attrs", f)
		}
		path := filepath.Join(devDir, f)
		if err := os.WriteFile(path, []byte(val+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if d.config != nil {
		if err := os.WriteFile(filepath.Join(devDir, "config"), d.config, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	if d.resource != "" {
		if err := os.WriteFile(filepath.Join(devDir, "resource"), []byte(d.resource), 0o644); err != nil {
			t.Fatalf("write resource: %v", err)
		}
	}

	busDevicesDir := filepath.Join(sysRoot, "bus", "pci", "devices")
	if err := os.MkdirAll(busDevicesDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", busDevicesDir, err)
	}
	linkPath := filepath.Join(busDevicesDir, d.id)
	target := filepath.Join("..", "..", "..", "devices", parent, d.id)
	if err := os.Symlink(target, linkPath); err != nil {
		t.Fatalf("symlink %s -> %s: %v", linkPath, target, err)
	}
}

func resourceLines(lines ...[3]uint64) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "0x%016x 0x%016x 0x%016x\n", l[0], l[1], l[2])
	}
	return b.String()
}

var virtioNetAttrs = map[string]string{
	"class":            "0x020000",
	"vendor":           "0x1af4",
	"device":           "0x1041",
	"subsystem_vendor": "0x1af4",
	"subsystem_device": "0x0001",
	"revision":         "0x01",
}

// virtioNetConfig is a config space image for the device described by
// virtioNetAttrs, with a 64-bit BAR at slot 4 and one MSI-X capability.
func virtioNetConfig(t *testing.T) []byte {
	t.Helper()
	r := pci.NewRegisters()
	h := pci.NewCommonHeader(r)
	h.SetVendorID(0x1af4)
	h.SetDeviceID(0x1041)
	h.SetClassCode(pci.ClassNetwork)
	h.SetRevisionID(1)
	h.SetCommand(pci.CommandIOEnable | pci.CommandMemoryEnable | pci.CommandBusMaster)
	h.SetStatus(pci.StatusCapabilitiesList)
	dev := pci.NewDeviceHeader(r)
	dev.SetSubsystemVendorID(0x1af4)
	dev.SetSubsystemID(0x0001)
	dev.SetInterruptLine(11)
	dev.SetInterruptPin(1)
	if err := dev.SetBAR(1, pci.BAR{Space: pci.BARSpaceMemory, Base: 0xfebd_1000}); err != nil {
		t.Fatalf("SetBAR(1): %v", err)
	}
	if err := dev.SetBAR(4, pci.BAR{Space: pci.BARSpaceMemory, Width: pci.BARWidth64, Prefetchable: true, Base: 0xfe00_0000}); err != nil {
		t.Fatalf("SetBAR(4): %v", err)
	}
	dev.SetCapabilityPointer(0x40)
	if err := pci.WriteCapability(r, 0x40, pci.CapabilityMSIX, 0, []byte{0x02, 0x00, 0x01}); err != nil {
		t.Fatalf("WriteCapability: %v", err)
	}
	img := r.Bytes()
	return img[:]
}

func virtioNetResources() string {
	lines := make([][3]uint64, 13)
	lines[1] = [3]uint64{0xfebd_1000, 0xfebd_1fff, 0x0004_0200}
	lines[4] = [3]uint64{0xfe00_0000, 0xfe00_3fff, 0x0014_220c}
	return resourceLines(lines...)
}

func TestListAndImport(t *testing.T) {
	sysRoot := t.TempDir()
	writeFakePCIDevice(t, sysRoot, fakeDevice{
		id:       "0000:00:03.0",
		attrs:    virtioNetAttrs,
		config:   virtioNetConfig(t),
		resource: virtioNetResources(),
	})
	writeFakePCIDevice(t, sysRoot, fakeDevice{
		id: "0000:00:00.0",
		attrs: map[string]string{
			"class":            "0x060000",
			"vendor":           "0x8086",
			"device":           "0x29c0",
			"subsystem_vendor": "0x1af4",
			"subsystem_device": "0x1100",
			"revision":         "0x00",
		},
	})

	addrs, err := List(sysRoot)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Address{{}, {Device: 3}}
	if diff := cmp.Diff(want, addrs); diff != "" {
		t.Fatalf("List (-want +got):\n%s", diff)
	}

	p, err := Import(sysRoot, Address{Device: 3})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	wantProfile := profile.Profile{
		Version:           profile.CurrentVersion,
		Name:              "0000:00:03.0",
		VendorID:          0x1af4,
		DeviceID:          0x1041,
		Revision:          1,
		Class:             0x02,
		HeaderType:        profile.HeaderDevice,
		Command:           0x7,
		SubsystemVendorID: 0x1af4,
		SubsystemID:       0x0001,
		InterruptLine:     11,
		InterruptPin:      1,
		BARs: []profile.BAR{
			{Slot: 1, Space: profile.SpaceMemory, Width: 32, Base: 0xfebd_1000, Size: 0x1000},
			{Slot: 4, Space: profile.SpaceMemory, Width: 64, Prefetchable: true, Base: 0xfe00_0000, Size: 0x4000},
		},
		Capabilities: []profile.Capability{{Offset: 0x40, ID: 0x11, Payload: "020001"}},
	}
	if diff := cmp.Diff(wantProfile, p); diff != "" {
		t.Fatalf("Import (-want +got):\n%s", diff)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("imported profile invalid: %v", err)
	}

	if _, err := Import(sysRoot, Address{Bus: 9}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Import(missing) err = %v, want ErrNotFound", err)
	}
}

func TestImportWithoutConfig(t *testing.T) {
	sysRoot := t.TempDir()
	writeFakePCIDevice(t, sysRoot, fakeDevice{
		id:       "0000:00:03.0",
		attrs:    virtioNetAttrs,
		resource: virtioNetResources(),
	})

	p, err := Import(sysRoot, Address{Device: 3})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if p.VendorID != 0x1af4 || p.Class != 0x02 || p.SubsystemID != 1 {
		t.Fatalf("identity = %#x/%#x/%#x", uint64(p.VendorID), uint64(p.Class), uint64(p.SubsystemID))
	}
	wantBARs := []profile.BAR{
		{Slot: 1, Space: profile.SpaceMemory, Width: 32, Base: 0xfebd_1000, Size: 0x1000},
		{Slot: 4, Space: profile.SpaceMemory, Width: 64, Prefetchable: true, Base: 0xfe00_0000, Size: 0x4000},
	}
	if diff := cmp.Diff(wantBARs, p.BARs); diff != "" {
		t.Fatalf("BARs from resource flags (-want +got):\n%s", diff)
	}
}

func TestImportPartialConfig(t *testing.T) {
	sysRoot := t.TempDir()
	writeFakePCIDevice(t, sysRoot, fakeDevice{
		id:       "0000:00:03.0",
		attrs:    virtioNetAttrs,
		config:   virtioNetConfig(t)[:64],
		resource: virtioNetResources(),
	})

	p, err := Import(sysRoot, Address{Device: 3})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(p.Capabilities) != 0 {
		t.Fatalf("capabilities from a 64-byte config: %+v", p.Capabilities)
	}
	if len(p.BARs) != 2 || p.Command != 0x7 {
		t.Fatalf("header not imported: %+v", p)
	}
}
