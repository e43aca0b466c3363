package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/pcicfg/internal/devices/pci"
	"github.com/tinyrange/pcicfg/internal/devices/pci/hostdev"
	"github.com/tinyrange/pcicfg/internal/devices/pci/pcidump"
	"github.com/tinyrange/pcicfg/internal/devices/pci/profile"
	"golang.org/x/term"
)

const (
	assignWindowSize = 1 << 30
	ioWindowBase     = 0xc000
	ioWindowSize     = 0x4000
)

// configWrite is a guest access applied through the function's write masks.
type configWrite struct {
	offset uint16
	size   uint8
	value  uint32
}

// parseConfigWrite parses OFFSET[/SIZE]=VALUE. SIZE defaults to 4.
func parseConfigWrite(s string) (configWrite, error) {
	lhs, rhs, ok := strings.Cut(s, "=")
	if !ok {
		return configWrite{}, fmt.Errorf("write %q: expected OFFSET[/SIZE]=VALUE", s)
	}
	w := configWrite{size: 4}
	offset, size, sized := strings.Cut(lhs, "/")
	off, err := strconv.ParseUint(offset, 0, 16)
	if err != nil {
		return configWrite{}, fmt.Errorf("write %q: offset: %w", s, err)
	}
	w.offset = uint16(off)
	if sized {
		n, err := strconv.ParseUint(size, 0, 8)
		if err != nil {
			return configWrite{}, fmt.Errorf("write %q: size: %w", s, err)
		}
		w.size = uint8(n)
	}
	v, err := strconv.ParseUint(rhs, 0, 32)
	if err != nil {
		return configWrite{}, fmt.Errorf("write %q: value: %w", s, err)
	}
	w.value = uint32(v)
	return w, nil
}

func useColor(mode string) (bool, error) {
	switch mode {
	case "auto":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("invalid -color %q (want auto, always or never)", mode)
	}
}

func loadProfile(path, host, mount string) (profile.Profile, error) {
	switch {
	case path != "" && host != "":
		return profile.Profile{}, errors.New("-profile and -host are mutually exclusive")
	case path != "":
		return profile.Load(path)
	case host != "":
		addr, err := hostdev.ParseAddress(host)
		if err != nil {
			return profile.Profile{}, err
		}
		return hostdev.Import(mount, addr)
	default:
		return profile.Profile{}, errors.New("one of -profile, -host or -list is required")
	}
}

func run() error {
	profilePath := flag.String("profile", "", "load a YAML device profile")
	host := flag.String("host", "", "import the host PCI device at `ADDR` (e.g. 0000:00:03.0)")
	mount := flag.String("sysfs", hostdev.DefaultMount, "sysfs mount point used by -host and -list")
	list := flag.Bool("list", false, "list host PCI devices and exit")
	hexDump := flag.Bool("x", false, "append a hex dump of the configuration space")
	color := flag.String("color", "auto", "colorize output: auto, always or never")
	export := flag.String("export", "", "write the resulting configuration space back out as a profile")
	verbose := flag.Bool("v", false, "enable debug logging")
	assign := flag.String("assign", "", "place sized BARs in the memory window starting at `ADDR` (I/O BARs go to 0xc000)")

	var writes []configWrite
	flag.Func("write", "apply a guest config write `OFFSET[/SIZE]=VALUE` before rendering (repeatable)", func(s string) error {
		w, err := parseConfigWrite(s)
		if err != nil {
			return err
		}
		writes = append(writes, w)
		return nil
	})

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pcicfg - build and inspect PCI configuration spaces

USAGE:
  pcicfg -profile FILE [flags]
  pcicfg -host ADDR [-sysfs DIR] [flags]
  pcicfg -list [-sysfs DIR]

FLAGS:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
EXAMPLES:
  pcicfg -profile virtio-net.yaml                 Render a profile
  pcicfg -profile virtio-net.yaml -write 0x10=0xffffffff
                                                  Show the BAR0 size mask readback
  pcicfg -host 0000:00:1f.2 -export ahci.yaml     Capture a host device as a profile
  pcicfg -profile virtio-net.yaml -assign 0xe0000000
                                                  Relocate BARs into a memory window
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	colorOn, err := useColor(*color)
	if err != nil {
		return err
	}

	if *list {
		addrs, err := hostdev.List(*mount)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			fmt.Println(a)
		}
		return nil
	}

	p, err := loadProfile(*profilePath, *host, *mount)
	if err != nil {
		return err
	}
	fn, err := p.Build()
	if err != nil {
		return fmt.Errorf("build %s: %w", p.Name, err)
	}
	fn.OnBARWrite(func(slot int, bar pci.BAR) {
		slog.Debug("BAR reprogrammed", "slot", slot, "bar", bar.String())
	})

	if *assign != "" {
		base, err := strconv.ParseUint(*assign, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid -assign %q: %w", *assign, err)
		}
		mem := pci.NewAllocator(base, assignWindowSize)
		io := pci.NewAllocator(ioWindowBase, ioWindowSize)
		if err := pci.AssignBARs(fn, mem, io); err != nil {
			return fmt.Errorf("assign BARs: %w", err)
		}
	}

	for _, w := range writes {
		if err := fn.WriteConfig(w.offset, w.size, w.value); err != nil {
			return fmt.Errorf("write %#x/%d: %w", w.offset, w.size, err)
		}
		slog.Debug("applied config write", "offset", w.offset, "size", w.size, "value", w.value)
	}

	opts := pcidump.Options{
		Title:   p.Name,
		Color:   colorOn,
		Hex:     *hexDump,
		ROMSize: fn.ExpansionROMSize(),
	}
	for slot := range opts.BARSizes {
		opts.BARSizes[slot] = fn.BARSize(slot)
	}
	if err := pcidump.Render(os.Stdout, fn.Snapshot(), opts); err != nil {
		return err
	}

	if *export != "" {
		out, err := profile.Export(fn)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		out.Name = p.Name
		if err := out.Save(*export); err != nil {
			return err
		}
		slog.Info("exported profile", "path", *export)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pcicfg: %v\n", err)
		os.Exit(1)
	}
}
