package comedi

import "fmt"

// AnalogIn reads immediate samples from a set of input channels.  Each
// Read is one atomic instruction batch, so the samples land as close
// together in time as the board allows without a streaming command.
type AnalogIn struct {
	dev      *Device
	Channels []*Channel
}

// NewAnalogIn binds input channels on sub; no channels means channel 0.
// Adjust range and reference on the Channels afterwards if range 0
// against ground is not right.
func NewAnalogIn(sub *Subdevice, channels ...int) (*AnalogIn, error) {
	chans, err := bindChannels(sub, channels)
	if err != nil {
		return nil, err
	}
	return &AnalogIn{dev: sub.dev, Channels: chans}, nil
}

// Read acquires one sample per channel, in channel order.
func (a *AnalogIn) Read() ([]uint32, error) {
	data := make([]uint32, len(a.Channels))
	insns := make([]Insn, len(a.Channels))
	for i, c := range a.Channels {
		insns[i] = Insn{Op: InsnRead, Subdev: c.sub.index, Spec: c.Spec(), Data: data[i : i+1]}
	}
	n, err := a.dev.DoInsnList(insns)
	if err != nil {
		return nil, err
	}
	if n != len(insns) {
		return nil, fmt.Errorf("analog input batch: %d of %d reads completed", n, len(insns))
	}
	return data, nil
}

// ReadPhysical acquires one sample per channel and converts each to the
// physical units of its selected range.
func (a *AnalogIn) ReadPhysical() ([]float64, error) {
	raw, err := a.Read()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, c := range a.Channels {
		conv, err := c.Converter(OverflowNumber)
		if err != nil {
			return nil, err
		}
		out[i] = conv.ToPhysical(raw[i])
	}
	return out, nil
}

// AnalogOut emits immediate samples on a set of output channels, one
// atomic instruction batch per Write.
type AnalogOut struct {
	dev      *Device
	Channels []*Channel
}

// NewAnalogOut binds output channels on sub; no channels means channel 0.
func NewAnalogOut(sub *Subdevice, channels ...int) (*AnalogOut, error) {
	chans, err := bindChannels(sub, channels)
	if err != nil {
		return nil, err
	}
	return &AnalogOut{dev: sub.dev, Channels: chans}, nil
}

// Write emits one sample per channel, in channel order.
func (a *AnalogOut) Write(values []uint32) error {
	if len(values) != len(a.Channels) {
		return fmt.Errorf("analog output batch: %d values for %d channels", len(values), len(a.Channels))
	}
	insns := make([]Insn, len(a.Channels))
	for i, c := range a.Channels {
		insns[i] = Insn{Op: InsnWrite, Subdev: c.sub.index, Spec: c.Spec(), Data: values[i : i+1]}
	}
	n, err := a.dev.DoInsnList(insns)
	if err != nil {
		return err
	}
	if n != len(insns) {
		return fmt.Errorf("analog output batch: %d of %d writes completed", n, len(insns))
	}
	return nil
}

// WritePhysical converts one physical value per channel to raw codes,
// saturating at the rails, and emits them.
func (a *AnalogOut) WritePhysical(values []float64) error {
	if len(values) != len(a.Channels) {
		return fmt.Errorf("analog output batch: %d values for %d channels", len(values), len(a.Channels))
	}
	raw := make([]uint32, len(values))
	for i, c := range a.Channels {
		conv, err := c.Converter(OverflowNumber)
		if err != nil {
			return err
		}
		raw[i], err = conv.FromPhysical(values[i])
		if err != nil {
			return err
		}
	}
	return a.Write(raw)
}

func bindChannels(sub *Subdevice, channels []int) ([]*Channel, error) {
	if len(channels) == 0 {
		channels = []int{0}
	}
	chans := make([]*Channel, len(channels))
	for i, idx := range channels {
		c, err := sub.Channel(idx)
		if err != nil {
			return nil, err
		}
		chans[i] = c
	}
	return chans, nil
}
