// Package pcidump renders a configuration space in a human readable form
// similar to lspci -vv.
package pcidump

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/pcicfg/internal/devices/pci"
)

const labelWidth = 14

// Options controls Render.
type Options struct {
	// Title is printed as the first line when set.
	Title string
	// Color enables ANSI styling.
	Color bool
	// Hex appends a dump of all 256 bytes.
	Hex bool
	// BARSizes and ROMSize annotate decoded regions when non-zero.
	BARSizes [pci.DeviceBARCount]uint64
	ROMSize  uint32
}

type styles struct {
	title ansi.Style
	label ansi.Style
	err   ansi.Style
	faint ansi.Style
}

func newStyles(color bool) styles {
	if !color {
		return styles{}
	}
	return styles{
		title: ansi.Style{}.Bold(),
		label: ansi.Style{}.ForegroundColor(ansi.Cyan),
		err:   ansi.Style{}.Bold().ForegroundColor(ansi.Red),
		faint: ansi.Style{}.Faint(),
	}
}

// printer keeps the first write error so rendering code can ignore it.
type printer struct {
	w   io.Writer
	st  styles
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) field(label, format string, args ...any) {
	p.printf("  %s %s\n", p.st.label.Styled(fmt.Sprintf("%-*s", labelWidth, label+":")), fmt.Sprintf(format, args...))
}

func (p *printer) problem(format string, args ...any) {
	p.printf("  %s\n", p.st.err.Styled("! "+fmt.Sprintf(format, args...)))
}

// Render writes a description of r to w. Malformed structures such as a
// cyclic capability list are reported inline; the returned error is only
// ever a write error.
func Render(w io.Writer, r *pci.Registers, opts Options) error {
	p := &printer{w: w, st: newStyles(opts.Color)}
	if opts.Title != "" {
		p.printf("%s\n", p.st.title.Styled(opts.Title))
	}

	h := pci.NewCommonHeader(r)
	p.field("Identity", "%04x:%04x rev %02x", h.VendorID(), h.DeviceID(), h.RevisionID())
	p.field("Class", "%s [%02x%02x] prog-if %02x", h.ClassCode(), uint8(h.ClassCode()), h.Subclass(), h.ProgIF())
	fn := "single-function"
	if h.MultiFunction() {
		fn = "multi-function"
	}
	p.field("Header", "%s (%s)", h.Layout(), fn)
	p.field("Command", "0x%04x %s", h.Command(), flags(h.Command(), commandFlags))
	p.field("Status", "0x%04x %s", h.Status(), flags(h.Status(), statusFlags))

	var walker *pci.CapabilityWalker
	switch h.Layout() {
	case pci.HeaderTypeDevice:
		walker = renderDevice(p, pci.NewDeviceHeader(r), opts)
	case pci.HeaderTypeBridge:
		walker = renderBridge(p, pci.NewBridgeHeader(r), opts)
	default:
		p.problem("header layout %s is not decoded", h.Layout())
	}
	if walker != nil {
		renderCapabilities(p, walker)
	}
	if opts.Hex {
		renderHex(p, r)
	}
	return p.err
}

// barView is implemented by both header views.
type barView interface {
	BAR(slot int) (pci.BAR, error)
}

func renderBARs(p *printer, v barView, count int, opts Options) {
	for slot := 0; slot < count; slot++ {
		b, err := v.BAR(slot)
		if err != nil {
			p.problem("BAR%d: %v", slot, err)
			continue
		}
		if b.Base == 0 && opts.BARSizes[slot] == 0 {
			if b.Is64() {
				slot++
			}
			continue
		}
		desc := b.String()
		if size := opts.BARSizes[slot]; size != 0 {
			desc += " [size=" + formatSize(size) + "]"
		}
		p.field(fmt.Sprintf("BAR%d", slot), "%s", desc)
		if b.Is64() {
			// The upper half belongs to this slot.
			slot++
		}
	}
}

func renderROM(p *printer, rom pci.ExpansionROM, size uint32) {
	if rom.Base == 0 && !rom.Enabled && size == 0 {
		return
	}
	state := "disabled"
	if rom.Enabled {
		state = "enabled"
	}
	desc := fmt.Sprintf("%#x [%s]", rom.Base, state)
	if size != 0 {
		desc += " [size=" + formatSize(uint64(size)) + "]"
	}
	p.field("Expansion ROM", "%s", desc)
}

func renderInterrupt(p *printer, line, pin uint8) {
	switch {
	case pin == 0:
		p.field("Interrupt", "none")
	case pin <= 4:
		p.field("Interrupt", "pin %c routed to IRQ %d", 'A'+rune(pin-1), line)
	default:
		p.field("Interrupt", "pin 0x%02x (invalid) routed to IRQ %d", pin, line)
	}
}

func renderDevice(p *printer, d pci.DeviceHeader, opts Options) *pci.CapabilityWalker {
	p.field("Subsystem", "%04x:%04x", d.SubsystemVendorID(), d.SubsystemID())
	renderInterrupt(p, d.InterruptLine(), d.InterruptPin())
	renderBARs(p, d, pci.DeviceBARCount, opts)
	renderROM(p, d.ExpansionROM(), opts.ROMSize)
	return d.Capabilities()
}

func renderBridge(p *printer, b pci.BridgeHeader, opts Options) *pci.CapabilityWalker {
	p.field("Bus", "primary=%02x, secondary=%02x, subordinate=%02x, sec-latency=%d",
		b.PrimaryBus(), b.SecondaryBus(), b.SubordinateBus(), b.SecondaryLatencyTimer())
	renderInterrupt(p, b.InterruptLine(), b.InterruptPin())
	renderBARs(p, b, pci.BridgeBARCount, opts)
	renderWindow(p, "I/O behind", b.IOWindow(), "32-bit")
	renderWindow(p, "Memory behind", b.MemoryWindow(), "")
	renderWindow(p, "Prefetchable", b.PrefetchableWindow(), "64-bit")
	p.field("Sec status", "0x%04x %s", b.SecondaryStatus(), flags(b.SecondaryStatus(), statusFlags))
	p.field("BridgeCtl", "0x%04x %s", b.BridgeControl(), flags(b.BridgeControl(), bridgeControlFlags))
	renderROM(p, b.ExpansionROM(), opts.ROMSize)
	return b.Capabilities()
}

func renderWindow(p *printer, label string, w pci.Window, wideName string) {
	if w.Base > w.Limit {
		p.field(label, "[disabled]")
		return
	}
	desc := fmt.Sprintf("%#x-%#x [size=%s]", w.Base, w.Limit, formatSize(w.Limit-w.Base+1))
	if w.Wide && wideName != "" {
		desc += " [" + wideName + "]"
	}
	p.field(label, "%s", desc)
}

func renderCapabilities(p *printer, w *pci.CapabilityWalker) {
	first := true
	for w.Next() {
		if first {
			p.printf("  %s\n", p.st.label.Styled("Capabilities:"))
			first = false
		}
		c := w.Capability()
		p.printf("    [%02x] %s (0x%02x)\n", c.Offset, c.ID, uint8(c.ID))
	}
	if err := w.Err(); err != nil {
		p.problem("%v", err)
	}
}

func renderHex(p *printer, r *pci.Registers) {
	img := r.Bytes()
	for off := 0; off < len(img); off += 16 {
		var sb strings.Builder
		for i, b := range img[off : off+16] {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%02x", b)
		}
		p.printf("%s %s\n", p.st.faint.Styled(fmt.Sprintf("%02x:", off)), sb.String())
	}
}

type flagName struct {
	bit  uint16
	name string
}

var commandFlags = []flagName{
	{pci.CommandIOEnable, "I/O"},
	{pci.CommandMemoryEnable, "Mem"},
	{pci.CommandBusMaster, "BusMaster"},
	{pci.CommandSpecialCycles, "SpecCycle"},
	{pci.CommandMemWriteInvalid, "MemWINV"},
	{pci.CommandVGAPaletteSnoop, "VGASnoop"},
	{pci.CommandParityResponse, "ParErr"},
	{pci.CommandSERREnable, "SERR"},
	{pci.CommandFastBackToBack, "FastB2B"},
	{pci.CommandINTxDisable, "DisINTx"},
}

var statusFlags = []flagName{
	{pci.StatusCapabilitiesList, "Cap"},
	{pci.Status66MHz, "66MHz"},
	{pci.StatusFastBackToBack, "FastB2B"},
	{pci.StatusMasterParityError, "ParErr"},
	{pci.StatusSignaledTargetAbort, ">TAbort"},
	{pci.StatusReceivedTargetAbort, "<TAbort"},
	{pci.StatusReceivedMasterAbort, "<MAbort"},
	{pci.StatusSignaledSystemError, ">SERR"},
	{pci.StatusDetectedParityError, "<PERR"},
	{pci.StatusInterrupt, "INTx"},
}

var bridgeControlFlags = []flagName{
	{pci.BridgeControlParityErrorResponse, "Parity"},
	{pci.BridgeControlSERREnable, "SERR"},
	{pci.BridgeControlISAEnable, "ISA"},
	{pci.BridgeControlVGAEnable, "VGA"},
	{pci.BridgeControlMasterAbortMode, "MAbort"},
	{pci.BridgeControlSecondaryBusReset, ">Reset"},
}

func flags(v uint16, names []flagName) string {
	parts := make([]string, len(names))
	for i, f := range names {
		sign := "-"
		if v&f.bit != 0 {
			sign = "+"
		}
		parts[i] = f.name + sign
	}
	return "<" + strings.Join(parts, " ") + ">"
}

func formatSize(n uint64) string {
	units := []string{"", "K", "M", "G", "T", "P", "E"}
	i := 0
	for n >= 1024 && n%1024 == 0 && i < len(units)-1 {
		n /= 1024
		i++
	}
	return fmt.Sprintf("%d%s", n, units[i])
}
