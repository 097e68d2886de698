// Package aio coordinates simultaneous analog output and input: one
// streaming command plays a waveform while another records the response,
// both released by software triggers and, in synchronized mode, sharing
// their first hardware clock edge.
//
// A Session moves through an explicit lifecycle:
//
//	Closed --Open--> Initialized --Setup--> Setup --Arm--> Armed
//	Armed --StartRead--> Reading
//	{Setup, Armed, Reading} --Reset--> Initialized
//	any --Close--> Closed
//
// Calls out of order fail with ErrWrongState rather than touching the
// hardware.
package aio

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/util"
)

// State is a session's position in its lifecycle.
type State int

const (
	// Closed sessions have no subdevices attached
	Closed State = iota

	// Open sessions hold subdevices not yet vetted; the state is
	// transient inside Open
	Open

	// Initialized sessions are idle and ready for Setup
	Initialized

	// Setup sessions hold negotiated, running commands waiting on their
	// start triggers, with output preloaded
	Setup

	// Armed sessions have released the output stream, or handed it to
	// the input's start event in synchronized mode
	Armed

	// Reading sessions are in or past the drain loop
	Reading
)

var stateNames = [...]string{
	"Closed",
	"Open",
	"Initialized",
	"Setup",
	"Armed",
	"Reading",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ErrWrongState means a session call arrived outside the lifecycle
// position that allows it.
var ErrWrongState = errors.New("call not valid in this session state")

const (
	// chunkBytes matches the driver's default ring size; the drain loop
	// moves half-chunk quotas so neither direction starves the other.
	chunkBytes = 65536

	// aiStartEventArg names the analog input START1 event as an external
	// trigger source.  In synchronized mode the output command starts on
	// this event, so its first sample leaves with the input's first
	// conversion.
	aiStartEventArg = 18

	// drainIdleSleep is how long the drain loop rests when the input
	// ring has nothing for it.
	drainIdleSleep = 500 * time.Microsecond
)

// Port is the slice of streaming subdevice behavior a session drives.
// *comedi.Subdevice satisfies it; tests substitute fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	GenericTimedCommand(nChan int, periodNS uint32) (*comedi.Command, error)
	NegotiateCommand(c *comedi.Command) error
	RunCommand(c *comedi.Command) error
	InternalTrigger(trignum uint32) error
	Cancel() error
	Flags() (comedi.SubdeviceFlags, error)
	BufferContents() (int, error)
	SampleBytes() int
}

// Session drives one analog output stream and one analog input stream
// against a shared start.
type Session struct {
	// Log, when set, receives paced progress lines from the drain loop.
	Log *log.Logger

	// Synchronized gates the output command on the input's hardware
	// start event instead of a software trigger, so the first samples of
	// both streams share a clock edge.  Set before Setup.
	Synchronized bool

	// InChanList and OutChanList override the default channel selection,
	// channels 0..n-1 at range 0 against ground, when set before Setup.
	// Each must then hold exactly as many entries as Setup's channel
	// count.
	InChanList  []comedi.ChanSpec
	OutChanList []comedi.ChanSpec

	in  Port
	out Port

	state    State
	scans    int
	channels int

	inCmd  *comedi.Command
	outCmd *comedi.Command

	outBuf []byte
	outOff int

	logLimit *rate.Limiter
}

// State reports the session's lifecycle position.
func (s *Session) State() State {
	return s.state
}

func (s *Session) require(want State, op string) error {
	if s.state != want {
		return fmt.Errorf("%w: %s from %s, need %s", ErrWrongState, op, s.state, want)
	}
	return nil
}

// Open attaches the input and output subdevices and vets their
// capabilities.  Closed -> Initialized.
func (s *Session) Open(in, out Port) error {
	if err := s.require(Closed, "Open"); err != nil {
		return err
	}
	s.state = Open
	inF, err := in.Flags()
	if err != nil {
		s.state = Closed
		return err
	}
	if !inF.CommandReads() {
		s.state = Closed
		return fmt.Errorf("input subdevice cannot stream reads (flags %#x)", uint32(inF))
	}
	outF, err := out.Flags()
	if err != nil {
		s.state = Closed
		return err
	}
	if !outF.CommandWrites() {
		s.state = Closed
		return fmt.Errorf("output subdevice cannot stream writes (flags %#x)", uint32(outF))
	}
	s.in, s.out = in, out
	s.logLimit = rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	s.state = Initialized
	return nil
}

// Setup negotiates and starts both streaming commands without releasing
// them: scans per stream, channels per scan, scan rate in Hz, and the
// output samples to play.
//
// out must hold scans x channels samples at the output's width.  The
// device holds whatever level it saw last after a command ends, so the
// session appends one extra copy of the final scan as a hold value; make
// the last scan the level the hardware should rest at.  Up to one chunk
// of output is preloaded here, before any trigger can land.
//
// Initialized -> Setup; failures leave the state unchanged.
func (s *Session) Setup(scans, channels int, freq float64, out []byte) error {
	if err := s.require(Initialized, "Setup"); err != nil {
		return err
	}
	if scans < 1 || channels < 1 {
		return fmt.Errorf("setup needs at least one scan of one channel, got %d x %d", scans, channels)
	}
	if freq <= 0 {
		return fmt.Errorf("setup needs a positive scan rate, got %g Hz", freq)
	}
	outScan := channels * s.out.SampleBytes()
	if len(out) != scans*outScan {
		return fmt.Errorf("output buffer is %d bytes, %d scans x %d byte scans needs %d",
			len(out), scans, outScan, scans*outScan)
	}
	if len(s.InChanList) != 0 && len(s.InChanList) != channels {
		return fmt.Errorf("input chanlist has %d entries for %d channels", len(s.InChanList), channels)
	}
	if len(s.OutChanList) != 0 && len(s.OutChanList) != channels {
		return fmt.Errorf("output chanlist has %d entries for %d channels", len(s.OutChanList), channels)
	}
	period := uint32(1e9 / freq)

	outCmd, err := s.out.GenericTimedCommand(channels, period)
	if err != nil {
		return fmt.Errorf("output command template: %w", err)
	}
	if s.Synchronized {
		outCmd.StartSrc, outCmd.StartArg = comedi.TrigExt, aiStartEventArg
	} else {
		outCmd.StartSrc, outCmd.StartArg = comedi.TrigInt, 0
	}
	outCmd.StopSrc = comedi.TrigCount
	outCmd.StopArg = uint32(scans) + 1 // the appended hold scan
	outCmd.Flags |= comedi.CmdFlagWrite
	if len(s.OutChanList) != 0 {
		outCmd.ChanList = append([]comedi.ChanSpec(nil), s.OutChanList...)
	}
	if err := s.out.NegotiateCommand(outCmd); err != nil {
		return fmt.Errorf("output command: %w", err)
	}

	inCmd, err := s.in.GenericTimedCommand(channels, period)
	if err != nil {
		return fmt.Errorf("input command template: %w", err)
	}
	inCmd.StartSrc, inCmd.StartArg = comedi.TrigInt, 0
	inCmd.StopSrc = comedi.TrigCount
	inCmd.StopArg = uint32(scans)
	if len(s.InChanList) != 0 {
		inCmd.ChanList = append([]comedi.ChanSpec(nil), s.InChanList...)
	}
	if err := s.in.NegotiateCommand(inCmd); err != nil {
		return fmt.Errorf("input command: %w", err)
	}

	if err := s.out.RunCommand(outCmd); err != nil {
		return fmt.Errorf("output command: %w", err)
	}
	if err := s.in.RunCommand(inCmd); err != nil {
		s.out.Cancel()
		return fmt.Errorf("input command: %w", err)
	}

	// buffer = caller's samples + one hold scan, primed up to a chunk
	// while both commands still wait on their triggers
	s.outBuf = make([]byte, 0, len(out)+outScan)
	s.outBuf = append(s.outBuf, out...)
	s.outBuf = append(s.outBuf, out[len(out)-outScan:]...)
	pre := chunkBytes
	if pre > len(s.outBuf) {
		pre = len(s.outBuf)
	}
	n, err := s.out.Write(s.outBuf[:pre])
	s.outOff = n
	if err != nil {
		s.in.Cancel()
		s.out.Cancel()
		return fmt.Errorf("output preload at %d of %d bytes: %w", n, pre, err)
	}

	s.scans, s.channels = scans, channels
	s.inCmd, s.outCmd = inCmd, outCmd
	s.state = Setup
	if s.Log != nil {
		chans := make([]int, len(inCmd.ChanList))
		for i, cs := range inCmd.ChanList {
			chans[i] = cs.Channel()
		}
		s.Log.Printf("aio setup: %d scans of channels %s at %g Hz, %d bytes preloaded",
			scans, util.IntSliceToCSV(chans), freq, s.outOff)
	}
	return nil
}

// Arm releases the output stream.  With Synchronized set the output is
// already gated on the input's start event, so arming is only the state
// transition; otherwise the output's software trigger fires here and the
// waveform starts playing immediately.  Setup -> Armed.
func (s *Session) Arm() error {
	if err := s.require(Setup, "Arm"); err != nil {
		return err
	}
	if !s.Synchronized {
		if err := s.out.InternalTrigger(0); err != nil {
			return err
		}
	}
	s.state = Armed
	return nil
}

// StartRead releases the input stream, which in synchronized mode also
// releases the output, and drains it into in while refilling the output
// ring.  in must hold scans x channels samples at the input's width.
// The call returns when the input buffer is full and the output fully
// queued; the session stays in Reading until Reset.
//
// A failed transfer is fatal to the run but leaves Reset callable.
func (s *Session) StartRead(in []byte) error {
	if err := s.require(Armed, "StartRead"); err != nil {
		return err
	}
	inScan := s.channels * s.in.SampleBytes()
	if len(in) != s.scans*inScan {
		return fmt.Errorf("input buffer is %d bytes, %d scans x %d byte scans needs %d",
			len(in), s.scans, inScan, s.scans*inScan)
	}
	s.state = Reading
	if err := s.in.InternalTrigger(0); err != nil {
		return err
	}
	return s.drain(in)
}

// drain interleaves input reads and output refills in half-chunk quotas.
// Reads are bounded by what the driver reports pending, so neither
// direction blocks long enough to starve the other.
func (s *Session) drain(in []byte) error {
	inOff := 0
	for inOff < len(in) || s.outOff < len(s.outBuf) {
		if inOff < len(in) {
			avail, err := s.in.BufferContents()
			if err != nil {
				return fmt.Errorf("input ring at %d of %d bytes: %w", inOff, len(in), err)
			}
			if avail == 0 {
				time.Sleep(drainIdleSleep)
			} else {
				want := chunkBytes / 2
				if avail < want {
					want = avail
				}
				if rem := len(in) - inOff; rem < want {
					want = rem
				}
				n, err := s.in.Read(in[inOff : inOff+want])
				inOff += n
				if err != nil {
					return fmt.Errorf("input drain at %d of %d bytes: %w", inOff, len(in), err)
				}
			}
		}
		if s.outOff < len(s.outBuf) {
			want := chunkBytes / 2
			if rem := len(s.outBuf) - s.outOff; rem < want {
				want = rem
			}
			n, err := s.out.Write(s.outBuf[s.outOff : s.outOff+want])
			s.outOff += n
			if err != nil {
				return fmt.Errorf("output refill at %d of %d bytes: %w", s.outOff, len(s.outBuf), err)
			}
		}
		if s.Log != nil && s.logLimit.Allow() {
			s.Log.Printf("aio drain: in %d/%d out %d/%d bytes",
				inOff, len(in), s.outOff, len(s.outBuf))
		}
	}
	return nil
}

// Reset aborts both streams and discards the run's commands and output
// queue.  {Initialized, Setup, Armed, Reading} -> Initialized; resetting
// an already idle session is a no-op, so double Reset is safe.
func (s *Session) Reset() error {
	switch s.state {
	case Initialized, Setup, Armed, Reading:
	default:
		return fmt.Errorf("%w: Reset from %s", ErrWrongState, s.state)
	}
	if err := s.in.Cancel(); err != nil {
		return err
	}
	if err := s.out.Cancel(); err != nil {
		return err
	}
	s.inCmd, s.outCmd = nil, nil
	s.outBuf, s.outOff = nil, 0
	s.scans, s.channels = 0, 0
	s.state = Initialized
	return nil
}

// Close cancels anything in flight and detaches the subdevices.  Any
// state -> Closed; closing a closed session is a no-op.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	var first error
	if s.in != nil {
		if err := s.in.Cancel(); err != nil {
			first = err
		}
	}
	if s.out != nil {
		if err := s.out.Cancel(); err != nil && first == nil {
			first = err
		}
	}
	s.in, s.out = nil, nil
	s.inCmd, s.outCmd = nil, nil
	s.outBuf, s.outOff = nil, 0
	s.state = Closed
	return first
}
