package pci

import "fmt"

// HeaderType is the layout selector stored in the low 7 bits of the header
// type byte.
type HeaderType uint8

const (
	HeaderTypeDevice  HeaderType = 0x00
	HeaderTypeBridge  HeaderType = 0x01
	HeaderTypeCardBus HeaderType = 0x02 // not modeled

	headerTypeMultiFunction = 0x80
)

func (t HeaderType) String() string {
	switch t {
	case HeaderTypeDevice:
		return "device"
	case HeaderTypeBridge:
		return "pci-bridge"
	case HeaderTypeCardBus:
		return "cardbus-bridge"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint8(t))
	}
}

// Command register bits.
const (
	CommandIOEnable        uint16 = 1 << 0
	CommandMemoryEnable    uint16 = 1 << 1
	CommandBusMaster       uint16 = 1 << 2
	CommandSpecialCycles   uint16 = 1 << 3
	CommandMemWriteInvalid uint16 = 1 << 4
	CommandVGAPaletteSnoop uint16 = 1 << 5
	CommandParityResponse  uint16 = 1 << 6
	CommandSERREnable      uint16 = 1 << 8
	CommandFastBackToBack  uint16 = 1 << 9
	CommandINTxDisable     uint16 = 1 << 10
)

// Status register bits.
const (
	StatusInterrupt           uint16 = 1 << 3
	StatusCapabilitiesList    uint16 = 1 << 4
	Status66MHz               uint16 = 1 << 5
	StatusFastBackToBack      uint16 = 1 << 7
	StatusMasterParityError   uint16 = 1 << 8
	StatusSignaledTargetAbort uint16 = 1 << 11
	StatusReceivedTargetAbort uint16 = 1 << 12
	StatusReceivedMasterAbort uint16 = 1 << 13
	StatusSignaledSystemError uint16 = 1 << 14
	StatusDetectedParityError uint16 = 1 << 15

	// StatusErrorBits are cleared by writing 1.
	StatusErrorBits = StatusMasterParityError | StatusSignaledTargetAbort |
		StatusReceivedTargetAbort | StatusReceivedMasterAbort |
		StatusSignaledSystemError | StatusDetectedParityError
)

// CommonHeader accesses registers 0-3, which every header type shares.
type CommonHeader struct {
	regs *Registers
}

// NewCommonHeader returns a view over r. The view does not own r.
func NewCommonHeader(r *Registers) CommonHeader {
	return CommonHeader{regs: r}
}

func (h CommonHeader) VendorID() uint16         { return uint16(h.regs.get(fieldVendorID)) }
func (h CommonHeader) SetVendorID(v uint16)     { h.regs.set(fieldVendorID, uint32(v)) }
func (h CommonHeader) DeviceID() uint16         { return uint16(h.regs.get(fieldDeviceID)) }
func (h CommonHeader) SetDeviceID(v uint16)     { h.regs.set(fieldDeviceID, uint32(v)) }
func (h CommonHeader) Command() uint16          { return uint16(h.regs.get(fieldCommand)) }
func (h CommonHeader) SetCommand(v uint16)      { h.regs.set(fieldCommand, uint32(v)) }
func (h CommonHeader) Status() uint16           { return uint16(h.regs.get(fieldStatus)) }
func (h CommonHeader) SetStatus(v uint16)       { h.regs.set(fieldStatus, uint32(v)) }
func (h CommonHeader) RevisionID() uint8        { return uint8(h.regs.get(fieldRevisionID)) }
func (h CommonHeader) SetRevisionID(v uint8)    { h.regs.set(fieldRevisionID, uint32(v)) }
func (h CommonHeader) ProgIF() uint8            { return uint8(h.regs.get(fieldProgIF)) }
func (h CommonHeader) SetProgIF(v uint8)        { h.regs.set(fieldProgIF, uint32(v)) }
func (h CommonHeader) Subclass() uint8          { return uint8(h.regs.get(fieldSubclass)) }
func (h CommonHeader) SetSubclass(v uint8)      { h.regs.set(fieldSubclass, uint32(v)) }
func (h CommonHeader) ClassCode() ClassCode     { return ClassCode(h.regs.get(fieldClassCode)) }
func (h CommonHeader) SetClassCode(v ClassCode) { h.regs.set(fieldClassCode, uint32(v)) }
func (h CommonHeader) CacheLineSize() uint8     { return uint8(h.regs.get(fieldCacheLineSize)) }
func (h CommonHeader) SetCacheLineSize(v uint8) { h.regs.set(fieldCacheLineSize, uint32(v)) }
func (h CommonHeader) LatencyTimer() uint8      { return uint8(h.regs.get(fieldLatencyTimer)) }
func (h CommonHeader) SetLatencyTimer(v uint8)  { h.regs.set(fieldLatencyTimer, uint32(v)) }
func (h CommonHeader) BIST() uint8              { return uint8(h.regs.get(fieldBIST)) }
func (h CommonHeader) SetBIST(v uint8)          { h.regs.set(fieldBIST, uint32(v)) }

// HeaderType returns the raw header type byte, including the multi-function bit.
func (h CommonHeader) HeaderType() uint8 { return uint8(h.regs.get(fieldHeaderType)) }

// SetHeaderType stores the raw header type byte. It does not validate the
// value; callers must reinterpret registers 4-15 through the matching view.
func (h CommonHeader) SetHeaderType(v uint8) { h.regs.set(fieldHeaderType, uint32(v)) }

// Layout returns the header layout encoded in the low 7 bits of the header type.
func (h CommonHeader) Layout() HeaderType {
	return HeaderType(h.HeaderType() &^ headerTypeMultiFunction)
}

// MultiFunction reports whether bit 7 of the header type is set.
func (h CommonHeader) MultiFunction() bool {
	return h.HeaderType()&headerTypeMultiFunction != 0
}

// SetLayout sets the layout bits and keeps the multi-function flag.
func (h CommonHeader) SetLayout(t HeaderType) {
	h.SetHeaderType(h.HeaderType()&headerTypeMultiFunction | uint8(t)&^headerTypeMultiFunction)
}

// SetMultiFunction sets or clears the multi-function flag.
func (h CommonHeader) SetMultiFunction(on bool) {
	v := h.HeaderType() &^ headerTypeMultiFunction
	if on {
		v |= headerTypeMultiFunction
	}
	h.SetHeaderType(v)
}

// ClassCode is the base class byte at offset 0x0b.
type ClassCode uint8

const (
	ClassUnclassified          ClassCode = 0x00
	ClassMassStorage           ClassCode = 0x01
	ClassNetwork               ClassCode = 0x02
	ClassDisplay               ClassCode = 0x03
	ClassMultimedia            ClassCode = 0x04
	ClassMemory                ClassCode = 0x05
	ClassBridge                ClassCode = 0x06
	ClassCommunication         ClassCode = 0x07
	ClassSystemPeripheral      ClassCode = 0x08
	ClassInput                 ClassCode = 0x09
	ClassDockingStation        ClassCode = 0x0a
	ClassProcessor             ClassCode = 0x0b
	ClassSerialBus             ClassCode = 0x0c
	ClassWireless              ClassCode = 0x0d
	ClassIntelligentIO         ClassCode = 0x0e
	ClassSatellite             ClassCode = 0x0f
	ClassEncryption            ClassCode = 0x10
	ClassSignalProcessing      ClassCode = 0x11
	ClassProcessingAccelerator ClassCode = 0x12
	ClassInstrumentation       ClassCode = 0x13
	ClassCoprocessor           ClassCode = 0x40
	ClassOther                 ClassCode = 0xff
)

var classNames = map[ClassCode]string{
	ClassUnclassified:          "Unclassified device",
	ClassMassStorage:           "Mass storage controller",
	ClassNetwork:               "Network controller",
	ClassDisplay:               "Display controller",
	ClassMultimedia:            "Multimedia controller",
	ClassMemory:                "Memory controller",
	ClassBridge:                "Bridge",
	ClassCommunication:         "Communication controller",
	ClassSystemPeripheral:      "Generic system peripheral",
	ClassInput:                 "Input device controller",
	ClassDockingStation:        "Docking station",
	ClassProcessor:             "Processor",
	ClassSerialBus:             "Serial bus controller",
	ClassWireless:              "Wireless controller",
	ClassIntelligentIO:         "Intelligent controller",
	ClassSatellite:             "Satellite communications controller",
	ClassEncryption:            "Encryption controller",
	ClassSignalProcessing:      "Signal processing controller",
	ClassProcessingAccelerator: "Processing accelerators",
	ClassInstrumentation:       "Non-Essential Instrumentation",
	ClassCoprocessor:           "Coprocessor",
	ClassOther:                 "Unassigned class",
}

func (c ClassCode) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Class %02x", uint8(c))
}

// BridgeSubclass values for ClassBridge.
type BridgeSubclass uint8

const (
	BridgeSubclassHost    BridgeSubclass = 0x00
	BridgeSubclassISA     BridgeSubclass = 0x01
	BridgeSubclassPCI     BridgeSubclass = 0x04
	BridgeSubclassCardBus BridgeSubclass = 0x07
	BridgeSubclassOther   BridgeSubclass = 0x80
)
