// Package profile describes emulated PCI functions as YAML documents and
// turns them into configured pci.Function values.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1

	HeaderDevice = "device"
	HeaderBridge = "bridge"

	SpaceMemory = "memory"
	SpaceIO     = "io"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("profile: invalid")
	// ErrUnsupportedHeader is returned when exporting a header layout
	// that profiles cannot describe.
	ErrUnsupportedHeader = errors.New("profile: unsupported header type")
)

// Hex is an integer that is written to YAML in hexadecimal. Any YAML
// integer form is accepted when reading.
type Hex uint64

func (h Hex) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("%#x", uint64(h))}, nil
}

// Profile is the on-disk description of one PCI function.
type Profile struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	VendorID      Hex    `yaml:"vendorID"`
	DeviceID      Hex    `yaml:"deviceID"`
	Revision      Hex    `yaml:"revision,omitempty"`
	Class         Hex    `yaml:"class"`
	Subclass      Hex    `yaml:"subclass,omitempty"`
	ProgIF        Hex    `yaml:"progIF,omitempty"`
	HeaderType    string `yaml:"headerType"`
	MultiFunction bool   `yaml:"multiFunction,omitempty"`
	Command       Hex    `yaml:"command,omitempty"`

	SubsystemVendorID Hex `yaml:"subsystemVendorID,omitempty"`
	SubsystemID       Hex `yaml:"subsystemID,omitempty"`

	InterruptLine Hex `yaml:"interruptLine,omitempty"`
	InterruptPin  Hex `yaml:"interruptPin,omitempty"`

	BARs         []BAR        `yaml:"bars,omitempty"`
	ExpansionROM *ROM         `yaml:"expansionROM,omitempty"`
	Bridge       *Bridge      `yaml:"bridge,omitempty"`
	Capabilities []Capability `yaml:"capabilities,omitempty"`
}

type BAR struct {
	Slot         int    `yaml:"slot"`
	Space        string `yaml:"space"`
	Width        int    `yaml:"width,omitempty"`
	Prefetchable bool   `yaml:"prefetchable,omitempty"`
	Base         Hex    `yaml:"base"`
	Size         Hex    `yaml:"size"`
}

type ROM struct {
	Base    Hex  `yaml:"base"`
	Size    Hex  `yaml:"size"`
	Enabled bool `yaml:"enabled,omitempty"`
}

type Bridge struct {
	PrimaryBus       uint8 `yaml:"primaryBus"`
	SecondaryBus     uint8 `yaml:"secondaryBus"`
	SubordinateBus   uint8 `yaml:"subordinateBus"`
	SecondaryLatency uint8 `yaml:"secondaryLatency,omitempty"`
	Control          Hex   `yaml:"control,omitempty"`

	IOWindow           *Window `yaml:"ioWindow,omitempty"`
	MemoryWindow       *Window `yaml:"memoryWindow,omitempty"`
	PrefetchableWindow *Window `yaml:"prefetchableWindow,omitempty"`
}

type Window struct {
	Base  Hex  `yaml:"base"`
	Limit Hex  `yaml:"limit"`
	Wide  bool `yaml:"wide,omitempty"`
}

// Capability is a capability structure. Payload holds the bytes after the
// two-byte header as a hex string.
type Capability struct {
	Offset  Hex    `yaml:"offset"`
	ID      Hex    `yaml:"id"`
	Payload string `yaml:"payload,omitempty"`
}

func (p *Profile) normalize() {
	if p.Version == 0 {
		p.Version = CurrentVersion
	}
	if p.HeaderType == "" {
		p.HeaderType = HeaderDevice
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("%04x:%04x", uint64(p.VendorID), uint64(p.DeviceID))
	}
	for i := range p.BARs {
		b := &p.BARs[i]
		if b.Space == "" {
			b.Space = SpaceMemory
		}
		if b.Space == SpaceMemory && b.Width == 0 {
			b.Width = 32
		}
	}
}

// Parse decodes a profile document. Unknown keys are rejected.
func Parse(data []byte) (Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Profile{}, fmt.Errorf("parse profile: empty document")
		}
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()
	return p, nil
}

// Load reads and parses the profile at path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Encode writes p as YAML to w.
func (p Profile) Encode(w io.Writer) error {
	p.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close profile encoder: %w", err)
	}
	return nil
}

// Save writes p to path, replacing any existing file.
func (p Profile) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := p.Encode(f); err != nil {
		return err
	}
	return f.Close()
}
