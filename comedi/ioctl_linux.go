package comedi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// This file mirrors the comedi kernel ABI: ioctl request numbers and the
// structs the driver copies across the user/kernel boundary.  Field order
// and widths match include/uapi/linux/comedi.h; natural alignment produces
// the same layout the C compiler does on both 32 and 64-bit Linux.

// ioctl direction bits and field widths, from asm-generic/ioctl.h
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// comediMagic is the ioctl type byte claimed by the comedi driver, 'd'.
const comediMagic = 0x64

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | comediMagic<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

var (
	ioctlDevInfo   = ioc(iocRead, 1, unsafe.Sizeof(devInfo{}))
	ioctlSubdInfo  = ioc(iocRead, 2, unsafe.Sizeof(subdInfo{}))
	ioctlChanInfo  = ioc(iocRead, 3, unsafe.Sizeof(chanInfo{}))
	ioctlLock      = ioc(iocNone, 5, 0)
	ioctlUnlock    = ioc(iocNone, 6, 0)
	ioctlCancel    = ioc(iocNone, 7, 0)
	ioctlRangeInfo = ioc(iocRead, 8, unsafe.Sizeof(rangeInfo{}))
	ioctlCmd       = ioc(iocRead, 9, unsafe.Sizeof(rawCmd{}))
	ioctlCmdTest   = ioc(iocRead, 10, unsafe.Sizeof(rawCmd{}))
	ioctlInsnList  = ioc(iocRead, 11, unsafe.Sizeof(rawInsnList{}))
	ioctlInsn      = ioc(iocRead, 12, unsafe.Sizeof(rawInsn{}))
	ioctlBufConfig = ioc(iocRead, 13, unsafe.Sizeof(bufConfig{}))
	ioctlBufInfo   = ioc(iocRead|iocWrite, 14, unsafe.Sizeof(bufInfo{}))
	ioctlPoll      = ioc(iocNone, 15, 0)
	ioctlSetRSubd  = ioc(iocNone, 16, 0)
	ioctlSetWSubd  = ioc(iocNone, 17, 0)
)

// comediNameLen is COMEDI_NAMELEN, the fixed width of name fields.
const comediNameLen = 20

// devInfo mirrors struct comedi_devinfo.
type devInfo struct {
	VersionCode uint32
	NSubdevs    uint32
	DriverName  [comediNameLen]byte
	BoardName   [comediNameLen]byte
	ReadSubdev  int32
	WriteSubdev int32
	Unused      [30]int32
}

// subdInfo mirrors struct comedi_subdinfo.  COMEDI_SUBDINFO fills one of
// these per subdevice; the ioctl size encodes a single element.
type subdInfo struct {
	Type            uint32
	NChan           uint32
	SubdFlags       uint32
	TimerType       uint32
	LenChanlist     uint32
	Maxdata         uint32
	Flags           uint32
	RangeType       uint32
	SettlingTime0   uint32
	InsnBitsSupport uint32
	Unused          [8]uint32
}

// chanInfo mirrors struct comedi_chaninfo.  The three list pointers receive
// one entry per channel when the matching SDF_* flag marks the property as
// channel-dependent.
type chanInfo struct {
	Subdev      uint32
	MaxdataList *uint32
	Flaglist    *uint32
	Rangelist   *uint32
	Unused      [4]uint32
}

// kRange mirrors struct comedi_krange; min and max are in millionths of
// the unit encoded in the low byte of Flags.
type kRange struct {
	Min   int32
	Max   int32
	Flags uint32
}

// rangeInfo mirrors struct comedi_rangeinfo.  RangeType packs
// (subdevice<<24)|(channel<<16)|n_ranges and RangePtr receives n_ranges
// kRange entries.
type rangeInfo struct {
	RangeType uint32
	RangePtr  *kRange
}

// rawCmd mirrors struct comedi_cmd.
type rawCmd struct {
	Subdev       uint32
	Flags        uint32
	StartSrc     uint32
	StartArg     uint32
	ScanBeginSrc uint32
	ScanBeginArg uint32
	ConvertSrc   uint32
	ConvertArg   uint32
	ScanEndSrc   uint32
	ScanEndArg   uint32
	StopSrc      uint32
	StopArg      uint32
	Chanlist     *uint32
	ChanlistLen  uint32
	Data         *uint16
	DataLen      uint32
}

// rawInsn mirrors struct comedi_insn.
type rawInsn struct {
	Insn     uint32
	N        uint32
	Data     *uint32
	Subdev   uint32
	Chanspec uint32
	Unused   [3]uint32
}

// rawInsnList mirrors struct comedi_insnlist.
type rawInsnList struct {
	NInsns uint32
	Insns  *rawInsn
}

// bufConfig mirrors struct comedi_bufconfig.  Writing zero to Size or
// MaximumSize queries the current value instead of changing it.
type bufConfig struct {
	Subdevice   uint32
	Flags       uint32
	MaximumSize uint32
	Size        uint32
}

// bufInfo mirrors struct comedi_bufinfo.  BytesRead/BytesWritten are
// consumed by the driver to mark progress on mmap'd streams; the counters
// and ring pointers come back refreshed.
type bufInfo struct {
	Subdevice     uint32
	BytesRead     uint32
	BufWritePtr   uint32
	BufReadPtr    uint32
	BufWriteCount uint32
	BufReadCount  uint32
	BytesWritten  uint32
}

// iocaller dispatches ioctls for a Device.  Tests substitute a fake that
// plays the kernel's part; production devices use realSys.
type iocaller interface {
	// ptr issues an ioctl whose argument is a pointer to a struct.
	ptr(fd int, req uintptr, arg unsafe.Pointer) (int, error)

	// val issues an ioctl whose argument is a plain integer, e.g. a
	// subdevice index for COMEDI_CANCEL.
	val(fd int, req uintptr, arg uintptr) (int, error)
}

type realSys struct{}

func (realSys) ptr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r1), errno
	}
	return int(r1), nil
}

func (realSys) val(fd int, req uintptr, arg uintptr) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return int(r1), errno
	}
	return int(r1), nil
}

// enrich decorates a driver error with the name of the failing procedure.
func enrich(err error, procedure string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", procedure, err)
}

// mmap maps length bytes of the device file.  prot selects which streaming
// buffer the kernel exposes: PROT_READ maps the read subdevice's ring,
// PROT_WRITE the write subdevice's.
func mmap(fd, length, prot int) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, length, prot, unix.MAP_SHARED)
	return b, enrich(err, "mmap")
}

// Unmap releases a ring mapping obtained from Subdevice.MMapRead or
// Subdevice.MMapWrite.
func Unmap(b []byte) error {
	return enrich(unix.Munmap(b), "munmap")
}
