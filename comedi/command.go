package comedi

import (
	"fmt"
	"unsafe"
)

// Command describes a streaming acquisition or output run: what starts it,
// what paces scans and the conversions within a scan, which channels each
// scan covers, and when it stops.  Descriptors are negotiated with the
// driver before running; see NegotiateCommand.
type Command struct {
	SubdevIndex int
	Flags       uint32

	// Each phase pairs a trigger source with a source-specific argument:
	// nanoseconds for TrigTimer, a count for TrigCount, a signal id for
	// TrigExt, a trigger number for TrigInt.
	StartSrc     TriggerSource
	StartArg     uint32
	ScanBeginSrc TriggerSource
	ScanBeginArg uint32
	ConvertSrc   TriggerSource
	ConvertArg   uint32
	ScanEndSrc   TriggerSource
	ScanEndArg   uint32
	StopSrc      TriggerSource
	StopArg      uint32

	// ChanList is the per-scan channel sequence.  Entries may repeat a
	// channel; ScanEndArg conventionally equals len(ChanList).
	ChanList []ChanSpec

	// tested records that the descriptor last came through CommandTest
	// clean.  Any other outcome, and any fresh template, clears it.
	tested bool
}

func (c *Command) String() string {
	return fmt.Sprintf("subdev %d start %s/%d scan_begin %s/%d convert %s/%d scan_end %s/%d stop %s/%d chanlist %d",
		c.SubdevIndex,
		FormatTriggerSource(c.StartSrc), c.StartArg,
		FormatTriggerSource(c.ScanBeginSrc), c.ScanBeginArg,
		FormatTriggerSource(c.ConvertSrc), c.ConvertArg,
		FormatTriggerSource(c.ScanEndSrc), c.ScanEndArg,
		FormatTriggerSource(c.StopSrc), c.StopArg,
		len(c.ChanList))
}

func (c *Command) packChanlist() []uint32 {
	if len(c.ChanList) == 0 {
		return nil
	}
	out := make([]uint32, len(c.ChanList))
	for i, cs := range c.ChanList {
		out[i] = uint32(cs)
	}
	return out
}

func (c *Command) raw(chanlist []uint32) rawCmd {
	r := rawCmd{
		Subdev:       uint32(c.SubdevIndex),
		Flags:        c.Flags,
		StartSrc:     uint32(c.StartSrc),
		StartArg:     c.StartArg,
		ScanBeginSrc: uint32(c.ScanBeginSrc),
		ScanBeginArg: c.ScanBeginArg,
		ConvertSrc:   uint32(c.ConvertSrc),
		ConvertArg:   c.ConvertArg,
		ScanEndSrc:   uint32(c.ScanEndSrc),
		ScanEndArg:   c.ScanEndArg,
		StopSrc:      uint32(c.StopSrc),
		StopArg:      c.StopArg,
	}
	if len(chanlist) > 0 {
		r.Chanlist = &chanlist[0]
		r.ChanlistLen = uint32(len(chanlist))
	}
	return r
}

// update copies driver adjustments back into the descriptor after a test.
func (c *Command) update(r *rawCmd, chanlist []uint32) {
	c.Flags = r.Flags
	c.StartSrc = TriggerSource(r.StartSrc)
	c.StartArg = r.StartArg
	c.ScanBeginSrc = TriggerSource(r.ScanBeginSrc)
	c.ScanBeginArg = r.ScanBeginArg
	c.ConvertSrc = TriggerSource(r.ConvertSrc)
	c.ConvertArg = r.ConvertArg
	c.ScanEndSrc = TriggerSource(r.ScanEndSrc)
	c.ScanEndArg = r.ScanEndArg
	c.StopSrc = TriggerSource(r.StopSrc)
	c.StopArg = r.StopArg
	for i := range chanlist {
		c.ChanList[i] = ChanSpec(chanlist[i])
	}
}

// CommandTest submits the descriptor for validation without running it.
// The driver walks its validation stages, stops at the first problem,
// possibly rewriting fields in place (masking unsupported sources,
// rounding timer arguments), and reports the stage that complained.
// CmdTestOK means the descriptor would run as written.
func (s *Subdevice) CommandTest(c *Command) (CmdTestResult, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	chanlist := c.packChanlist()
	r := c.raw(chanlist)
	stage, err := s.dev.sys.ptr(s.dev.fd(), ioctlCmdTest, unsafe.Pointer(&r))
	if err != nil {
		return 0, enrich(err, "COMEDI_CMDTEST")
	}
	c.update(&r, chanlist)
	res := CmdTestResult(stage)
	c.tested = res == CmdTestOK
	return res, nil
}

// commandTestPasses bounds how many validation rounds NegotiateCommand
// gives a descriptor to settle.  One round fixes sources, one fixes
// arguments, one confirms; a descriptor that still complains after three
// is not going to converge.
const commandTestPasses = 3

// NegotiateCommand submits the descriptor to CommandTest repeatedly,
// accepting the driver's in-place adjustments, until it passes clean.
// Fails with ErrInvalidCommand wrapping the last outcome when the
// descriptor cannot settle, immediately so for an invalid chanlist, which
// the driver never rewrites.
func (s *Subdevice) NegotiateCommand(c *Command) error {
	var res CmdTestResult
	for i := 0; i < commandTestPasses; i++ {
		var err error
		res, err = s.CommandTest(c)
		if err != nil {
			return err
		}
		if res == CmdTestOK {
			return nil
		}
		if res == CmdTestBadChanList {
			break
		}
	}
	return fmt.Errorf("%w: %s (%s)", ErrInvalidCommand, res, c)
}

// RunCommand starts the streaming command.  The descriptor must have come
// through CommandTest clean, which NegotiateCommand guarantees, and the
// subdevice must be idle.
func (s *Subdevice) RunCommand(c *Command) error {
	if err := s.ok(); err != nil {
		return err
	}
	if !c.tested {
		return fmt.Errorf("%w: subdevice %d", ErrNotNegotiated, s.index)
	}
	busy, err := s.Busy()
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%w: subdevice %d has a command in flight", ErrBusy, s.index)
	}
	chanlist := c.packChanlist()
	r := c.raw(chanlist)
	if _, err := s.dev.sys.ptr(s.dev.fd(), ioctlCmd, unsafe.Pointer(&r)); err != nil {
		return enrich(err, "COMEDI_CMD")
	}
	return nil
}

// CommandSourceMask probes which trigger sources each command phase
// supports: an any-source descriptor goes through one validation pass and
// comes back with every field masked to the supported set.  The returned
// descriptor is a probe result, not runnable as is.
func (s *Subdevice) CommandSourceMask() (*Command, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	c := &Command{
		SubdevIndex:  s.index,
		StartSrc:     TrigAny,
		ScanBeginSrc: TrigAny,
		ConvertSrc:   TrigAny,
		ScanEndSrc:   TrigAny,
		StopSrc:      TrigAny,
	}
	if _, err := s.CommandTest(c); err != nil {
		return nil, err
	}
	c.tested = false
	return c, nil
}

// GenericTimedCommand builds a descriptor that samples nChan channels
// every periodNS nanoseconds, paced however the board prefers (per-scan
// timer when available, otherwise a per-conversion timer).  The template
// carries placeholder channels 0..nChan-1 at range 0 against ground and a
// two-scan stop; replace ChanList, StopSrc and StopArg with the real run
// parameters and negotiate before running.
func (s *Subdevice) GenericTimedCommand(nChan int, periodNS uint32) (*Command, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if nChan < 1 {
		return nil, fmt.Errorf("timed command needs at least one channel, got %d", nChan)
	}
	if s.info.LenChanlist != 0 && nChan > int(s.info.LenChanlist) {
		return nil, fmt.Errorf("timed command with %d channels exceeds subdevice %d chanlist limit %d",
			nChan, s.index, s.info.LenChanlist)
	}
	probe, err := s.CommandSourceMask()
	if err != nil {
		return nil, err
	}
	c := &Command{
		SubdevIndex: s.index,
		ScanEndSrc:  TrigCount,
		ScanEndArg:  uint32(nChan),
		StopSrc:     TrigCount,
		StopArg:     2,
	}
	switch {
	case probe.StartSrc&TrigNow != 0:
		c.StartSrc = TrigNow
	case probe.StartSrc&TrigInt != 0:
		c.StartSrc = TrigInt
	default:
		return nil, fmt.Errorf("subdevice %d offers no usable start source for a timed command", s.index)
	}
	switch {
	case probe.ScanBeginSrc&TrigTimer != 0:
		c.ScanBeginSrc, c.ScanBeginArg = TrigTimer, periodNS
		switch {
		case probe.ConvertSrc&TrigTimer != 0:
			c.ConvertSrc, c.ConvertArg = TrigTimer, 0
		case probe.ConvertSrc&TrigNow != 0:
			c.ConvertSrc, c.ConvertArg = TrigNow, 0
		default:
			return nil, fmt.Errorf("subdevice %d offers no usable convert source for a timed command", s.index)
		}
	case probe.ConvertSrc&TrigTimer != 0:
		// no per-scan pacing; spread the scan period over the
		// conversions instead
		c.ScanBeginSrc, c.ScanBeginArg = TrigFollow, 0
		c.ConvertSrc, c.ConvertArg = TrigTimer, periodNS/uint32(nChan)
	default:
		return nil, fmt.Errorf("subdevice %d offers no timer pacing", s.index)
	}
	c.ChanList = make([]ChanSpec, nChan)
	for i := range c.ChanList {
		c.ChanList[i] = Pack(i, 0, ARefGround)
	}
	// two passes let the driver snap the timer arguments to what its
	// clock can actually do; remaining complaints are the caller's to
	// settle once the chanlist and stop condition are real
	for i := 0; i < 2; i++ {
		res, err := s.CommandTest(c)
		if err != nil {
			return nil, err
		}
		if res == CmdTestOK {
			break
		}
	}
	c.tested = false
	return c, nil
}
