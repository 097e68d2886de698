package comedi

import (
	"math/bits"
	"os"
	"testing"
	"unsafe"
)

// insnRecord is one instruction as the fake driver saw it.
type insnRecord struct {
	op     uint32
	subdev uint32
	spec   uint32
	n      uint32
}

type valCall struct {
	req uintptr
	arg int
}

// fakeSys stands in for the driver's ioctl surface.  The stock fixture
// looks like a small NI-ish board: AI subdevice 0 (16 channels, two
// bipolar ranges), AO subdevice 1 (2 channels, one range), DIO
// subdevice 2 (8 lines).
type fakeSys struct {
	info devInfo
	subs []subdInfo

	// per-subdevice maxdata lists served by CHANINFO
	maxdata map[int][]uint32

	// range tables keyed by packed range descriptor
	ranges map[uint32][]kRange

	// command validation; nil accepts everything untouched
	cmdTest func(c *rawCmd, chanlist []uint32) int
	tests   int
	ran     []rawCmd

	// insn hook for data-bearing instructions; records happen regardless
	insn  func(in *rawInsn, data []uint32) error
	insns []insnRecord

	bufSize  map[int]uint32
	bufMax   map[int]uint32
	readCnt  map[int]uint32
	writeCnt map[int]uint32
	readPtr  map[int]uint32
	writePtr map[int]uint32

	vals      []valCall
	lockErr   []error
	cancelErr []error
	pollRet   []int
}

func name20(s string) [comediNameLen]byte {
	var out [comediNameLen]byte
	copy(out[:], s)
	return out
}

func newFakeSys() *fakeSys {
	f := &fakeSys{
		info: devInfo{
			VersionCode: 7<<8 | 76,
			NSubdevs:    3,
			DriverName:  name20("ni_pcimio"),
			BoardName:   name20("pci-6052e"),
			ReadSubdev:  0,
			WriteSubdev: 1,
		},
		subs: []subdInfo{
			{
				Type:        uint32(SubdAI),
				NChan:       16,
				SubdFlags:   uint32(FlagCmd | FlagCmdRead | FlagReadable | FlagGround | FlagCommon | FlagDiff),
				LenChanlist: 512,
				Maxdata:     0xffff,
				RangeType:   0<<24 | 2,
			},
			{
				Type:        uint32(SubdAO),
				NChan:       2,
				SubdFlags:   uint32(FlagCmd | FlagCmdWrite | FlagWritable | FlagGround),
				LenChanlist: 2,
				Maxdata:     0xffff,
				RangeType:   1<<24 | 1,
			},
			{
				Type:      uint32(SubdDIO),
				NChan:     8,
				SubdFlags: uint32(FlagReadable | FlagWritable),
				Maxdata:   1,
				RangeType: 2<<24 | 1,
			},
		},
		maxdata: map[int][]uint32{},
		ranges: map[uint32][]kRange{
			0<<24 | 2: {
				{Min: -10e6, Max: 10e6, Flags: uint32(UnitVolt)},
				{Min: -5e6, Max: 5e6, Flags: uint32(UnitVolt)},
			},
			1<<24 | 1: {
				{Min: -10e6, Max: 10e6, Flags: uint32(UnitVolt)},
			},
			2<<24 | 1: {
				{Min: 0, Max: 5e6, Flags: uint32(UnitVolt)},
			},
		},
		bufSize:  map[int]uint32{0: 65536, 1: 65536},
		bufMax:   map[int]uint32{0: 1 << 20, 1: 1 << 20},
		readCnt:  map[int]uint32{},
		writeCnt: map[int]uint32{},
		readPtr:  map[int]uint32{},
		writePtr: map[int]uint32{},
	}
	f.cmdTest = f.kernelCmdTest
	return f
}

func (f *fakeSys) ptr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	switch req {
	case ioctlDevInfo:
		*(*devInfo)(arg) = f.info
	case ioctlSubdInfo:
		dst := unsafe.Slice((*subdInfo)(arg), len(f.subs))
		copy(dst, f.subs)
	case ioctlChanInfo:
		ci := (*chanInfo)(arg)
		n := int(f.subs[ci.Subdev].NChan)
		if ci.MaxdataList != nil {
			copy(unsafe.Slice(ci.MaxdataList, n), f.maxdata[int(ci.Subdev)])
		}
	case ioctlRangeInfo:
		ri := (*rangeInfo)(arg)
		krs := f.ranges[ri.RangeType]
		copy(unsafe.Slice(ri.RangePtr, len(krs)), krs)
	case ioctlCmdTest:
		f.tests++
		c := (*rawCmd)(arg)
		var chanlist []uint32
		if c.Chanlist != nil {
			chanlist = unsafe.Slice(c.Chanlist, c.ChanlistLen)
		}
		if f.cmdTest == nil {
			return 0, nil
		}
		return f.cmdTest(c, chanlist), nil
	case ioctlCmd:
		f.ran = append(f.ran, *(*rawCmd)(arg))
	case ioctlInsn:
		return f.handleInsn((*rawInsn)(arg))
	case ioctlInsnList:
		il := (*rawInsnList)(arg)
		insns := unsafe.Slice(il.Insns, il.NInsns)
		for i := range insns {
			if _, err := f.handleInsn(&insns[i]); err != nil {
				return i, err
			}
		}
		return len(insns), nil
	case ioctlBufConfig:
		bc := (*bufConfig)(arg)
		i := int(bc.Subdevice)
		if bc.MaximumSize != 0 {
			f.bufMax[i] = bc.MaximumSize
		}
		if bc.Size != 0 {
			f.bufSize[i] = bc.Size
		}
		bc.Size = f.bufSize[i]
		bc.MaximumSize = f.bufMax[i]
	case ioctlBufInfo:
		bi := (*bufInfo)(arg)
		i := int(bi.Subdevice)
		if bi.BytesRead != 0 {
			f.readCnt[i] += bi.BytesRead
			if f.bufSize[i] != 0 {
				f.readPtr[i] = (f.readPtr[i] + bi.BytesRead) % f.bufSize[i]
			}
		}
		if bi.BytesWritten != 0 {
			f.writeCnt[i] += bi.BytesWritten
			if f.bufSize[i] != 0 {
				f.writePtr[i] = (f.writePtr[i] + bi.BytesWritten) % f.bufSize[i]
			}
		}
		bi.BufReadCount = f.readCnt[i]
		bi.BufWriteCount = f.writeCnt[i]
		bi.BufReadPtr = f.readPtr[i]
		bi.BufWritePtr = f.writePtr[i]
	}
	return 0, nil
}

func (f *fakeSys) val(fd int, req uintptr, arg uintptr) (int, error) {
	f.vals = append(f.vals, valCall{req: req, arg: int(arg)})
	switch req {
	case ioctlLock:
		if len(f.lockErr) > 0 {
			err := f.lockErr[0]
			f.lockErr = f.lockErr[1:]
			if err != nil {
				return 0, err
			}
		}
	case ioctlCancel:
		if len(f.cancelErr) > 0 {
			err := f.cancelErr[0]
			f.cancelErr = f.cancelErr[1:]
			if err != nil {
				return 0, err
			}
		}
	case ioctlPoll:
		if len(f.pollRet) > 0 {
			n := f.pollRet[0]
			f.pollRet = f.pollRet[1:]
			return n, nil
		}
	}
	return 0, nil
}

func (f *fakeSys) handleInsn(in *rawInsn) (int, error) {
	var data []uint32
	if in.Data != nil {
		data = unsafe.Slice(in.Data, in.N)
	}
	f.insns = append(f.insns, insnRecord{op: in.Insn, subdev: in.Subdev, spec: in.Chanspec, n: in.N})
	if f.insn != nil {
		if err := f.insn(in, data); err != nil {
			return 0, err
		}
	}
	return int(in.N), nil
}

// calls counts the val-argument ioctls issued for one request.
func (f *fakeSys) calls(req uintptr) int {
	n := 0
	for _, v := range f.vals {
		if v.req == req {
			n++
		}
	}
	return n
}

// kernelCmdTest walks the driver's validation stages the way a real
// board-specific do_cmdtest does: mask sources, insist on single
// sources, clamp bad arguments, round timer arguments to the clock,
// then vet the chanlist.
func (f *fakeSys) kernelCmdTest(c *rawCmd, chanlist []uint32) int {
	m := f.srcMasks(c.Subdev)

	// stage 1: strip unsupported sources
	changed := false
	mask := func(src *uint32, allowed uint32) {
		if *src&^allowed != 0 {
			*src &= allowed
			changed = true
		}
	}
	mask(&c.StartSrc, m.start)
	mask(&c.ScanBeginSrc, m.scanBegin)
	mask(&c.ConvertSrc, m.convert)
	mask(&c.ScanEndSrc, m.scanEnd)
	mask(&c.StopSrc, m.stop)
	if changed {
		return 1
	}

	// stage 2: exactly one source per phase
	for _, src := range []uint32{c.StartSrc, c.ScanBeginSrc, c.ConvertSrc, c.ScanEndSrc, c.StopSrc} {
		if bits.OnesCount32(src) != 1 {
			return 2
		}
	}

	// stage 3: arguments in range, rewritten in place
	adjusted := false
	if c.StartSrc == uint32(TrigNow) && c.StartArg != 0 {
		c.StartArg = 0
		adjusted = true
	}
	if c.ScanBeginSrc == uint32(TrigTimer) && c.ScanBeginArg < 10000 {
		c.ScanBeginArg = 10000
		adjusted = true
	}
	if c.StopSrc == uint32(TrigCount) && c.StopArg > 1<<20 {
		c.StopArg = 1 << 20
		adjusted = true
	}
	if adjusted {
		return 3
	}

	// stage 4: round timers to the 100ns clock
	if c.ScanBeginSrc == uint32(TrigTimer) && c.ScanBeginArg%100 != 0 {
		c.ScanBeginArg -= c.ScanBeginArg % 100
		return 4
	}

	// stage 5: chanlist must exist on the board and share one range
	if len(chanlist) > 0 {
		first := ChanSpec(chanlist[0]).RangeIndex()
		for _, packed := range chanlist {
			cs := ChanSpec(packed)
			if cs.Channel() >= int(f.subs[c.Subdev].NChan) {
				return 5
			}
			if cs.RangeIndex() != first {
				return 5
			}
		}
	}
	return 0
}

type srcMasks struct {
	start, scanBegin, convert, scanEnd, stop uint32
}

func (f *fakeSys) srcMasks(subdev uint32) srcMasks {
	if SubdeviceFlags(f.subs[subdev].SubdFlags).CommandWrites() {
		return srcMasks{
			start:     uint32(TrigInt | TrigExt),
			scanBegin: uint32(TrigTimer),
			convert:   uint32(TrigNow),
			scanEnd:   uint32(TrigCount),
			stop:      uint32(TrigCount | TrigNone),
		}
	}
	return srcMasks{
		start:     uint32(TrigNow | TrigInt | TrigExt),
		scanBegin: uint32(TrigTimer | TrigExt),
		convert:   uint32(TrigTimer | TrigNow),
		scanEnd:   uint32(TrigCount),
		stop:      uint32(TrigCount | TrigNone),
	}
}

// newFakeDevice builds a Device over fakeSys.  The device file is the
// read end of a pipe so streaming reads work when a test wants them;
// most tests only exercise the ioctl path.
func newFakeDevice(t *testing.T, f *fakeSys) (*Device, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	d := &Device{f: r, sys: f, currentRead: -1, currentWrite: -1}
	if err := d.fetchInfo(); err != nil {
		t.Fatal(err)
	}
	if err := d.enumerate(); err != nil {
		t.Fatal(err)
	}
	return d, w
}
