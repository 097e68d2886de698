package comedi

import (
	"errors"
	"fmt"
	"strings"
)

// SubdeviceType describes what kind of I/O block a subdevice is.
type SubdeviceType int

// TriggerSource is an event source for one phase of a streaming command.
// Sources are bits so a command test can report the set a driver supports.
type TriggerSource uint32

// ARef is an analog reference configuration for a channel.
type ARef uint32

// Unit is the physical unit attached to a calibration range.
type Unit uint32

// SubdeviceFlags is the SDF_* capability and status bitfield of a subdevice.
type SubdeviceFlags uint32

// ChanSpec is a packed channel descriptor: channel index, range index and
// analog reference in one word, as chanlist entries and instruction
// chanspecs require.
type ChanSpec uint32

// CmdTestResult is the outcome of a command validation pass.  The values
// are the stage numbers the driver reports, in the order the stages run.
type CmdTestResult int

// DioDirection configures a digital channel as input or output.
type DioDirection uint32

// InsnOp is an immediate instruction opcode, INSN_* in the driver headers.
type InsnOp uint32

const (
	// SubdUnused marks an unoccupied subdevice slot
	SubdUnused SubdeviceType = iota

	// SubdAI is an analog input subdevice
	SubdAI

	// SubdAO is an analog output subdevice
	SubdAO

	// SubdDI is a digital input subdevice
	SubdDI

	// SubdDO is a digital output subdevice
	SubdDO

	// SubdDIO is a digital input/output subdevice
	SubdDIO

	// SubdCounter is a counter subdevice
	SubdCounter

	// SubdTimer is a timer subdevice
	SubdTimer

	// SubdMemory is a memory, EEPROM or DPRAM subdevice
	SubdMemory

	// SubdCalib holds calibration DACs
	SubdCalib

	// SubdProc is a processor or DSP subdevice
	SubdProc

	// SubdSerial is a serial I/O subdevice
	SubdSerial

	// SubdPWM is a pulse width modulation subdevice
	SubdPWM
)

const (
	// TrigNone never triggers
	TrigNone TriggerSource = 1 << iota

	// TrigNow triggers immediately
	TrigNow

	// TrigFollow triggers on completion of the preceding phase
	TrigFollow

	// TrigTime triggers at an absolute time
	TrigTime

	// TrigTimer triggers periodically, argument in nanoseconds
	TrigTimer

	// TrigCount triggers after a number of events, argument is the count
	TrigCount

	// TrigExt triggers on an external signal, argument is the signal id
	TrigExt

	// TrigInt triggers on a software instruction (INSN_INTTRIG)
	TrigInt

	// TrigOther is a driver-specific source
	TrigOther
)

// TrigAny is every trigger source at once.  Submitting a descriptor full
// of TrigAny to CommandTest makes the driver mask each field down to the
// sources it supports.
const TrigAny TriggerSource = 0xffffffff

// Command flag bits, CMDF_* in the driver headers.
const (
	// CmdFlagPriority requests a real-time interrupt for the command
	CmdFlagPriority uint32 = 0x08

	// CmdFlagWakeEOS wakes the reader at each end of scan
	CmdFlagWakeEOS uint32 = 0x20

	// CmdFlagWrite marks the command as output; set implicitly on
	// write subdevices
	CmdFlagWrite uint32 = 0x40
)

const (
	// ARefGround samples against board ground
	ARefGround ARef = iota

	// ARefCommon samples against the common reference point
	ARefCommon

	// ARefDiff samples differentially between a channel pair
	ARefDiff

	// ARefOther is a driver-specific reference
	ARefOther
)

const (
	// UnitVolt marks a range calibrated in volts
	UnitVolt Unit = iota

	// UnitMilliamp marks a range calibrated in milliamperes
	UnitMilliamp

	// UnitNone marks a dimensionless range
	UnitNone
)

// Subdevice flag bits, SDF_* in the driver headers.
const (
	// FlagBusy means a command is running on the subdevice
	FlagBusy SubdeviceFlags = 0x0001

	// FlagBusyOwner means the command was issued through this handle
	FlagBusyOwner SubdeviceFlags = 0x0002

	// FlagLocked means the subdevice is locked
	FlagLocked SubdeviceFlags = 0x0004

	// FlagLockOwner means this handle holds the lock
	FlagLockOwner SubdeviceFlags = 0x0008

	// FlagMaxdataPerChannel means maxdata varies by channel
	FlagMaxdataPerChannel SubdeviceFlags = 0x0010

	// FlagFlagsPerChannel means the flag word varies by channel
	FlagFlagsPerChannel SubdeviceFlags = 0x0020

	// FlagRangePerChannel means the range table varies by channel
	FlagRangePerChannel SubdeviceFlags = 0x0040

	// FlagCmd means the subdevice supports streaming commands
	FlagCmd SubdeviceFlags = 0x1000

	// FlagSoftCalibrated means the subdevice uses software calibration
	FlagSoftCalibrated SubdeviceFlags = 0x2000

	// FlagCmdWrite means streaming commands move data to the device
	FlagCmdWrite SubdeviceFlags = 0x4000

	// FlagCmdRead means streaming commands move data from the device
	FlagCmdRead SubdeviceFlags = 0x8000

	// FlagReadable means the subdevice can be read
	FlagReadable SubdeviceFlags = 0x00010000

	// FlagWritable means the subdevice can be written
	FlagWritable SubdeviceFlags = 0x00020000

	// FlagInternal marks a subdevice with no external signals
	FlagInternal SubdeviceFlags = 0x00040000

	// FlagGround means aref ground is usable
	FlagGround SubdeviceFlags = 0x00100000

	// FlagCommon means aref common is usable
	FlagCommon SubdeviceFlags = 0x00200000

	// FlagDiff means aref diff is usable
	FlagDiff SubdeviceFlags = 0x00400000

	// FlagOther means aref other is usable
	FlagOther SubdeviceFlags = 0x00800000

	// FlagDither means channels accept the dither flag
	FlagDither SubdeviceFlags = 0x01000000

	// FlagDeglitch means channels accept the deglitch flag
	FlagDeglitch SubdeviceFlags = 0x02000000

	// FlagMMap means the streaming ring buffer can be memory mapped
	FlagMMap SubdeviceFlags = 0x04000000

	// FlagRunning means a command is running and data is moving
	FlagRunning SubdeviceFlags = 0x08000000

	// FlagLSampl means samples are 32 bits wide instead of 16
	FlagLSampl SubdeviceFlags = 0x10000000

	// FlagPacked means digital samples are packed one channel per bit
	FlagPacked SubdeviceFlags = 0x20000000
)

// Instruction opcodes, INSN_* in the driver headers.
const (
	insnMaskWrite   InsnOp = 0x8000000
	insnMaskRead    InsnOp = 0x4000000
	insnMaskSpecial InsnOp = 0x2000000

	// InsnRead acquires immediate samples from a channel; with no data
	// elements it is a conversion hint that settles the input multiplexer
	InsnRead InsnOp = 0 | insnMaskRead

	// InsnWrite emits immediate samples on a channel
	InsnWrite InsnOp = 1 | insnMaskWrite

	// InsnBits reads and writes up to 32 digital lines atomically
	InsnBits InsnOp = 2 | insnMaskRead | insnMaskWrite

	// InsnConfig configures a channel property, e.g. digital direction
	InsnConfig InsnOp = 3 | insnMaskRead | insnMaskWrite

	// InsnGTOD samples the driver clock as seconds and microseconds
	InsnGTOD InsnOp = 4 | insnMaskRead | insnMaskSpecial

	// InsnWait pauses an instruction batch, argument in nanoseconds
	InsnWait InsnOp = 5 | insnMaskWrite | insnMaskSpecial

	// InsnIntTrig fires a software trigger at a subdevice
	InsnIntTrig InsnOp = 6 | insnMaskWrite | insnMaskSpecial
)

// Configuration ids consumed by INSN_CONFIG.
const (
	configDioInput  uint32 = 0
	configDioOutput uint32 = 1
	configDioQuery  uint32 = 28
)

const (
	// DioInput configures a digital channel to read external signals
	DioInput DioDirection = 0

	// DioOutput configures a digital channel to drive external signals
	DioOutput DioDirection = 1
)

const (
	// CmdTestOK means the descriptor passed every validation stage
	CmdTestOK CmdTestResult = iota

	// CmdTestBadSource means a trigger source is unsupported; the driver
	// masked the field to its supported set
	CmdTestBadSource

	// CmdTestConflictingSource means trigger sources are individually
	// supported but mutually incompatible
	CmdTestConflictingSource

	// CmdTestBadArgument means a trigger argument was out of range and
	// has been rewritten in place
	CmdTestBadArgument

	// CmdTestAdjustedArgument means the driver rounded a timing argument;
	// not fatal, retesting the adjusted descriptor should pass
	CmdTestAdjustedArgument

	// CmdTestBadChanList means the channel list is unusable, e.g. mixed
	// ranges on hardware that cannot do that; never self-corrects
	CmdTestBadChanList
)

var cmdTestNames = [...]string{
	"success",
	"invalid source",
	"source conflict",
	"invalid argument",
	"argument conflict",
	"invalid chanlist",
}

func (r CmdTestResult) String() string {
	if r < 0 || int(r) >= len(cmdTestNames) {
		return fmt.Sprintf("unknown command test stage %d", int(r))
	}
	return cmdTestNames[r]
}

var subdeviceTypeNames = [...]string{
	"unused",
	"analog input",
	"analog output",
	"digital input",
	"digital output",
	"digital I/O",
	"counter",
	"timer",
	"memory",
	"calibration",
	"processor",
	"serial",
	"pwm",
}

func (t SubdeviceType) String() string {
	if t < 0 || int(t) >= len(subdeviceTypeNames) {
		return fmt.Sprintf("unknown subdevice type %d", int(t))
	}
	return subdeviceTypeNames[t]
}

// ValidateTriggerSource converts a human trigger source name to the
// matching bit.  s is a member of
// {none, now, follow, time, timer, count, ext, int, other}.
func ValidateTriggerSource(s string) (TriggerSource, error) {
	switch strings.ToLower(s) {
	case "none":
		return TrigNone, nil
	case "now":
		return TrigNow, nil
	case "follow":
		return TrigFollow, nil
	case "time":
		return TrigTime, nil
	case "timer":
		return TrigTimer, nil
	case "count":
		return TrigCount, nil
	case "ext", "external":
		return TrigExt, nil
	case "int", "internal":
		return TrigInt, nil
	case "other":
		return TrigOther, nil
	default:
		return 0, fmt.Errorf("trigger source must be a member of {none, now, follow, time, timer, count, ext, int, other}, got %q", s)
	}
}

// FormatTriggerSource converts a trigger source bit to its name.  Multi-bit
// masks format as a | joined list.
func FormatTriggerSource(t TriggerSource) string {
	if t == 0 {
		return ""
	}
	names := []string{}
	bits := []TriggerSource{TrigNone, TrigNow, TrigFollow, TrigTime, TrigTimer, TrigCount, TrigExt, TrigInt, TrigOther}
	labels := []string{"none", "now", "follow", "time", "timer", "count", "ext", "int", "other"}
	for i, b := range bits {
		if t&b != 0 {
			names = append(names, labels[i])
		}
	}
	return strings.Join(names, "|")
}

// ValidateARef converts an analog reference name to its value.  s is a
// member of {ground, common, diff, other}.
func ValidateARef(s string) (ARef, error) {
	switch strings.ToLower(s) {
	case "ground":
		return ARefGround, nil
	case "common":
		return ARefCommon, nil
	case "diff", "differential":
		return ARefDiff, nil
	case "other":
		return ARefOther, nil
	default:
		return 0, fmt.Errorf("analog reference must be a member of {ground, common, diff, other}, got %q", s)
	}
}

// FormatARef converts an analog reference to its name.
func FormatARef(a ARef) string {
	switch a {
	case ARefGround:
		return "ground"
	case ARefCommon:
		return "common"
	case ARefDiff:
		return "diff"
	case ARefOther:
		return "other"
	default:
		return ""
	}
}

// ValidateDioDirection converts a digital direction name to its value.
// s is a member of {input, output}.
func ValidateDioDirection(s string) (DioDirection, error) {
	switch strings.ToLower(s) {
	case "input", "in":
		return DioInput, nil
	case "output", "out":
		return DioOutput, nil
	default:
		return 0, fmt.Errorf("digital direction must be a member of {input, output}, got %q", s)
	}
}

// FormatDioDirection converts a digital direction to its name.
func FormatDioDirection(d DioDirection) string {
	switch d {
	case DioInput:
		return "input"
	case DioOutput:
		return "output"
	default:
		return ""
	}
}

// FormatUnit converts a range unit to its suffix.
func FormatUnit(u Unit) string {
	switch u {
	case UnitVolt:
		return "V"
	case UnitMilliamp:
		return "mA"
	case UnitNone:
		return ""
	default:
		return ""
	}
}

// Busy returns true while a command runs on the subdevice.
func (f SubdeviceFlags) Busy() bool { return f&FlagBusy != 0 }

// Running returns true while a command is running and moving data.
func (f SubdeviceFlags) Running() bool { return f&FlagRunning != 0 }

// Locked returns true if the subdevice is locked by some handle.
func (f SubdeviceFlags) Locked() bool { return f&FlagLocked != 0 }

// SupportsCommands returns true if the subdevice accepts streaming commands.
func (f SubdeviceFlags) SupportsCommands() bool { return f&FlagCmd != 0 }

// CommandReads returns true if streaming commands acquire data.
func (f SubdeviceFlags) CommandReads() bool { return f&FlagCmdRead != 0 }

// CommandWrites returns true if streaming commands emit data.
func (f SubdeviceFlags) CommandWrites() bool { return f&FlagCmdWrite != 0 }

// Readable returns true if the subdevice can be read.
func (f SubdeviceFlags) Readable() bool { return f&FlagReadable != 0 }

// Writable returns true if the subdevice can be written.
func (f SubdeviceFlags) Writable() bool { return f&FlagWritable != 0 }

// LSampl returns true if samples are 32 bits wide.
func (f SubdeviceFlags) LSampl() bool { return f&FlagLSampl != 0 }

// Packed returns true if digital samples pack one channel per bit.
func (f SubdeviceFlags) Packed() bool { return f&FlagPacked != 0 }

// MMapable returns true if the ring buffer supports memory mapping.
func (f SubdeviceFlags) MMapable() bool { return f&FlagMMap != 0 }

// SampleBytes returns the width of one sample under these flags: 4 bytes
// when the LSampl flag is set, otherwise 2.
func (f SubdeviceFlags) SampleBytes() int {
	if f.LSampl() {
		return 4
	}
	return 2
}

// Pack builds a ChanSpec from a channel index, an index into the channel's
// range table, and an analog reference.
func Pack(channel, rangeIndex int, aref ARef) ChanSpec {
	return ChanSpec(uint32(channel)&0xffff | (uint32(rangeIndex)&0xff)<<16 | (uint32(aref)&0x3)<<24)
}

// Channel unpacks the channel index.
func (c ChanSpec) Channel() int { return int(uint32(c) & 0xffff) }

// RangeIndex unpacks the range table index.
func (c ChanSpec) RangeIndex() int { return int(uint32(c) >> 16 & 0xff) }

// ARef unpacks the analog reference.
func (c ChanSpec) ARef() ARef { return ARef(uint32(c) >> 24 & 0x3) }

var (
	// ErrClosed is generated by operations on a closed device handle.
	ErrClosed = errors.New("device is closed")

	// ErrInvalidCommand is generated when command negotiation runs out of
	// passes without the driver accepting the descriptor.
	ErrInvalidCommand = errors.New("command failed negotiation")

	// ErrNotNegotiated is generated when a command is run without a
	// successful validation pass.
	ErrNotNegotiated = errors.New("command has not passed a validation test")

	// ErrBusy is generated when a streaming operation is issued to a
	// subdevice that already has a command in flight.
	ErrBusy = errors.New("subdevice is busy")

	// ErrNoSubdevice is generated when a search for a subdevice by type
	// or capability comes up empty.
	ErrNoSubdevice = errors.New("no matching subdevice")

	// ErrOutOfRange is generated by the converter under the error policy
	// when a physical value falls outside the channel's range.
	ErrOutOfRange = errors.New("value outside channel range")
)
