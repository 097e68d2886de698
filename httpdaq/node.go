package httpdaq

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/oscilloscope"
	"github.com/nasa-jpl/gocomedi/stream"
)

// Node adapts one DAQ device to the capability interfaces in this
// package.  Construction probes for the first analog input, analog
// output, and digital subdevices; a capability whose subdevice is
// absent fails when used, not at construction, so a board with only
// analog output still serves its output routes.
type Node struct {
	dev *comedi.Device

	ai  *comedi.Subdevice
	ao  *comedi.Subdevice
	dio *comedi.Subdevice
}

// NewNode probes dev for the subdevices backing each capability
func NewNode(dev *comedi.Device) *Node {
	n := &Node{dev: dev}
	if sd, err := dev.FindSubdeviceByType(comedi.SubdAI, 0); err == nil {
		n.ai = sd
	}
	if sd, err := dev.FindSubdeviceByType(comedi.SubdAO, 0); err == nil {
		n.ao = sd
	}
	for _, typ := range []comedi.SubdeviceType{comedi.SubdDIO, comedi.SubdDI, comedi.SubdDO} {
		if sd, err := dev.FindSubdeviceByType(typ, 0); err == nil {
			n.dio = sd
			break
		}
	}
	return n
}

// DriverName returns the name of the kernel driver
func (n *Node) DriverName() string {
	return n.dev.DriverName()
}

// BoardName returns the name of the board the driver attached to
func (n *Node) BoardName() string {
	return n.dev.BoardName()
}

// Version returns the driver version as a dotted string
func (n *Node) Version() string {
	return n.dev.Version()
}

func (n *Node) missing(what string) error {
	return fmt.Errorf("%s has no %s subdevice", n.dev.BoardName(), what)
}

// ReadVoltage reads one sample from an analog input channel in volts
func (n *Node) ReadVoltage(channel int) (float64, error) {
	if n.ai == nil {
		return 0, n.missing("analog input")
	}
	ch, err := n.ai.Channel(channel)
	if err != nil {
		return 0, err
	}
	return ch.ReadPhysical()
}

// ReadDN reads one raw data number from an analog input channel
func (n *Node) ReadDN(channel int) (uint32, error) {
	if n.ai == nil {
		return 0, n.missing("analog input")
	}
	ch, err := n.ai.Channel(channel)
	if err != nil {
		return 0, err
	}
	return ch.DataRead()
}

// Output writes a voltage to an analog output channel
func (n *Node) Output(channel int, voltage float64) error {
	if n.ao == nil {
		return n.missing("analog output")
	}
	ch, err := n.ao.Channel(channel)
	if err != nil {
		return err
	}
	return ch.WritePhysical(voltage)
}

// OutputDN writes a raw data number to an analog output channel
func (n *Node) OutputDN(channel int, dn uint32) error {
	if n.ao == nil {
		return n.missing("analog output")
	}
	ch, err := n.ao.Channel(channel)
	if err != nil {
		return err
	}
	return ch.DataWrite(dn)
}

// OutputMulti writes a sequence of voltages to a sequence of channels
func (n *Node) OutputMulti(channels []int, voltages []float64) error {
	if len(channels) != len(voltages) {
		return fmt.Errorf("got %d channels and %d voltages, need equal counts", len(channels), len(voltages))
	}
	for i := range channels {
		if err := n.Output(channels[i], voltages[i]); err != nil {
			return err
		}
	}
	return nil
}

// OutputMultiDN writes a sequence of data numbers to a sequence of channels
func (n *Node) OutputMultiDN(channels []int, dns []uint32) error {
	if len(channels) != len(dns) {
		return fmt.Errorf("got %d channels and %d data numbers, need equal counts", len(channels), len(dns))
	}
	for i := range channels {
		if err := n.OutputDN(channels[i], dns[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetDirection configures a digital line as "input" or "output"
func (n *Node) SetDirection(channel int, direction string) error {
	if n.dio == nil {
		return n.missing("digital")
	}
	dir, err := comedi.ValidateDioDirection(direction)
	if err != nil {
		return err
	}
	return n.dio.DioConfig(channel, dir)
}

// GetDirection returns "input" or "output" for a digital line
func (n *Node) GetDirection(channel int) (string, error) {
	if n.dio == nil {
		return "", n.missing("digital")
	}
	dir, err := n.dio.DioGetConfig(channel)
	if err != nil {
		return "", err
	}
	return comedi.FormatDioDirection(dir), nil
}

// ReadBit returns the level on a digital line
func (n *Node) ReadBit(channel int) (bool, error) {
	if n.dio == nil {
		return false, n.missing("digital")
	}
	return n.dio.DioRead(channel)
}

// WriteBit sets the level on a digital output line
func (n *Node) WriteBit(channel int, on bool) error {
	if n.dio == nil {
		return n.missing("digital")
	}
	return n.dio.DioWrite(channel, on)
}

// Bitfield writes bits under mask starting at a base line and returns the
// levels of the whole word
func (n *Node) Bitfield(mask, bits uint32, base int) (uint32, error) {
	if n.dio == nil {
		return 0, n.missing("digital")
	}
	return n.dio.DioBitfield(mask, bits, base)
}

// Capture runs a hardware-timed acquisition on the analog input
// subdevice: scans samples per channel at sampleRate Hz, all channels
// sampled within each scan.  The waveform's channels are labeled aiN
// and scaled to physical units using each channel's range 0.
func (n *Node) Capture(channels []int, sampleRate float64, scans int) (*oscilloscope.Waveform, error) {
	if n.ai == nil {
		return nil, n.missing("analog input")
	}
	if len(channels) == 0 {
		return nil, errors.New("capture needs at least one channel")
	}
	if scans < 1 {
		return nil, fmt.Errorf("capture needs at least one scan, got %d", scans)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("capture needs a positive sample rate, got %g", sampleRate)
	}
	cmd, err := n.ai.GenericTimedCommand(len(channels), uint32(1e9/sampleRate))
	if err != nil {
		return nil, err
	}
	cmd.ChanList = make([]comedi.ChanSpec, len(channels))
	for i, ch := range channels {
		cmd.ChanList[i] = comedi.Pack(ch, 0, comedi.ARefGround)
	}
	cmd.StopSrc, cmd.StopArg = comedi.TrigCount, uint32(scans)
	if err := n.ai.NegotiateCommand(cmd); err != nil {
		return nil, err
	}

	layout := stream.Layout{Scans: scans, Channels: len(channels), SampleBytes: n.ai.SampleBytes()}
	buf := make([]byte, layout.Bytes())
	rdr := &stream.Reader{From: n.ai, Buf: buf, Layout: layout}
	if err := n.ai.RunCommand(cmd); err != nil {
		return nil, err
	}
	if err := rdr.Start(); err != nil {
		n.ai.Cancel()
		return nil, err
	}
	readErr := rdr.Join()
	// release the driver's claim on the stream whether the read
	// finished or not
	cancelErr := n.ai.Cancel()
	if readErr != nil {
		return nil, readErr
	}
	if cancelErr != nil {
		return nil, cancelErr
	}
	return n.demux(cmd, channels, buf, layout)
}

// demux splits the interleaved sample buffer into labeled, scaled
// waveform channels
func (n *Node) demux(cmd *comedi.Command, channels []int, buf []byte, layout stream.Layout) (*oscilloscope.Waveform, error) {
	// the driver may have snapped the timer to what its clock can do;
	// trust the negotiated arguments over the requested rate
	periodNS := cmd.ScanBeginArg
	if cmd.ScanBeginSrc != comedi.TrigTimer {
		periodNS = cmd.ConvertArg * uint32(len(channels))
	}
	wav := &oscilloscope.Waveform{
		DT:       float64(periodNS) / 1e9,
		Channels: map[string]oscilloscope.Channel{},
	}
	for i, chanIdx := range channels {
		ch, err := n.ai.Channel(chanIdx)
		if err != nil {
			return nil, err
		}
		conv, err := ch.Converter(comedi.OverflowNumber)
		if err != nil {
			return nil, err
		}
		oc := oscilloscope.Channel{
			Scale:  (conv.Range.Max - conv.Range.Min) / float64(conv.Maxdata),
			Offset: conv.Range.Min,
		}
		// samples leave the kernel in native byte order, which is
		// little endian on every linux target this package builds for
		switch layout.SampleBytes {
		case 2:
			data := make([]uint16, layout.Scans)
			for j := range data {
				off := (j*layout.Channels + i) * 2
				data[j] = binary.LittleEndian.Uint16(buf[off:])
			}
			oc.Data = data
		case 4:
			data := make([]uint32, layout.Scans)
			for j := range data {
				off := (j*layout.Channels + i) * 4
				data[j] = binary.LittleEndian.Uint32(buf[off:])
			}
			oc.Data = data
		default:
			return nil, fmt.Errorf("cannot demux %d byte samples", layout.SampleBytes)
		}
		wav.Channels[fmt.Sprintf("ai%d", chanIdx)] = oc
	}
	return wav, nil
}
