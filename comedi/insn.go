package comedi

import (
	"fmt"
	"time"
	"unsafe"
)

// Insn is one immediate instruction.  Data is shared between caller and
// driver: operands go in, results come back in place.  Instructions run
// right away, outside any streaming command.
type Insn struct {
	Op     InsnOp
	Subdev int
	Spec   ChanSpec
	Data   []uint32
}

func (in *Insn) raw() rawInsn {
	r := rawInsn{
		Insn:     uint32(in.Op),
		N:        uint32(len(in.Data)),
		Subdev:   uint32(in.Subdev),
		Chanspec: uint32(in.Spec),
	}
	if len(in.Data) > 0 {
		r.Data = &in.Data[0]
	}
	return r
}

// DoInsn executes one instruction and reports how many data elements the
// driver processed.
func (d *Device) DoInsn(in *Insn) (int, error) {
	if err := d.ok(); err != nil {
		return 0, err
	}
	r := in.raw()
	n, err := d.sys.ptr(d.fd(), ioctlInsn, unsafe.Pointer(&r))
	if err != nil {
		return 0, enrich(err, "COMEDI_INSN")
	}
	return n, nil
}

// DoInsnList executes instructions as one atomic batch, with no other
// device activity interleaved, and reports how many of them completed.
func (d *Device) DoInsnList(insns []Insn) (int, error) {
	if err := d.ok(); err != nil {
		return 0, err
	}
	if len(insns) == 0 {
		return 0, nil
	}
	raws := make([]rawInsn, len(insns))
	for i := range insns {
		raws[i] = insns[i].raw()
	}
	list := rawInsnList{NInsns: uint32(len(raws)), Insns: &raws[0]}
	n, err := d.sys.ptr(d.fd(), ioctlInsnList, unsafe.Pointer(&list))
	if err != nil {
		return n, enrich(err, "COMEDI_INSNLIST")
	}
	return n, nil
}

// GTOD samples the driver's clock.  Batched with reads in an instruction
// list it timestamps acquisitions without a user-space round trip.
func (d *Device) GTOD() (time.Time, error) {
	data := make([]uint32, 2)
	in := Insn{Op: InsnGTOD, Data: data}
	if _, err := d.DoInsn(&in); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(data[0]), int64(data[1])*1000), nil
}

// InternalTrigger fires software trigger trignum at the subdevice,
// releasing a streaming command whose start source is TrigInt with a
// matching start argument.
func (s *Subdevice) InternalTrigger(trignum uint32) error {
	if err := s.ok(); err != nil {
		return err
	}
	in := Insn{Op: InsnIntTrig, Subdev: s.index, Data: []uint32{trignum}}
	_, err := s.dev.DoInsn(&in)
	return err
}

// DataRead acquires one immediate sample from the channel.
func (c *Channel) DataRead() (uint32, error) {
	data := make([]uint32, 1)
	in := Insn{Op: InsnRead, Subdev: c.sub.index, Spec: c.Spec(), Data: data}
	if _, err := c.sub.dev.DoInsn(&in); err != nil {
		return 0, err
	}
	return data[0], nil
}

// DataReadN acquires n immediate samples back to back from the channel.
func (c *Channel) DataReadN(n int) ([]uint32, error) {
	data := make([]uint32, n)
	in := Insn{Op: InsnRead, Subdev: c.sub.index, Spec: c.Spec(), Data: data}
	got, err := c.sub.dev.DoInsn(&in)
	if err != nil {
		return nil, err
	}
	return data[:got], nil
}

// DataReadDelayed acquires one sample after the input has settled for at
// least nanos nanoseconds.  Three instructions run as one batch: a
// conversion hint that switches the multiplexer to the channel, the wait,
// then the read.
func (c *Channel) DataReadDelayed(nanos uint32) (uint32, error) {
	spec := c.Spec()
	data := make([]uint32, 1)
	insns := []Insn{
		{Op: InsnRead, Subdev: c.sub.index, Spec: spec},
		{Op: InsnWait, Data: []uint32{nanos}},
		{Op: InsnRead, Subdev: c.sub.index, Spec: spec, Data: data},
	}
	n, err := c.sub.dev.DoInsnList(insns)
	if err != nil {
		return 0, err
	}
	if n != len(insns) {
		return 0, fmt.Errorf("delayed read on subdevice %d channel %d: %d of %d instructions completed",
			c.sub.index, c.index, n, len(insns))
	}
	return data[0], nil
}

// DataReadHint points the input multiplexer at the channel without
// converting, so a later DataRead sees a settled signal.
func (c *Channel) DataReadHint() error {
	in := Insn{Op: InsnRead, Subdev: c.sub.index, Spec: c.Spec()}
	_, err := c.sub.dev.DoInsn(&in)
	return err
}

// DataWrite emits one immediate sample on the channel.
func (c *Channel) DataWrite(v uint32) error {
	in := Insn{Op: InsnWrite, Subdev: c.sub.index, Spec: c.Spec(), Data: []uint32{v}}
	_, err := c.sub.dev.DoInsn(&in)
	return err
}

// TimedRead brackets one sample between two driver timestamps in a single
// batch, returning the sample, the first timestamp, and the elapsed time
// between the timestamps, which bounds the conversion latency.
func (c *Channel) TimedRead() (uint32, time.Time, time.Duration, error) {
	before := make([]uint32, 2)
	sample := make([]uint32, 1)
	after := make([]uint32, 2)
	insns := []Insn{
		{Op: InsnGTOD, Data: before},
		{Op: InsnRead, Subdev: c.sub.index, Spec: c.Spec(), Data: sample},
		{Op: InsnGTOD, Data: after},
	}
	n, err := c.sub.dev.DoInsnList(insns)
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	if n != len(insns) {
		return 0, time.Time{}, 0, fmt.Errorf("timed read on subdevice %d channel %d: %d of %d instructions completed",
			c.sub.index, c.index, n, len(insns))
	}
	t0 := time.Unix(int64(before[0]), int64(before[1])*1000)
	t1 := time.Unix(int64(after[0]), int64(after[1])*1000)
	return sample[0], t0, t1.Sub(t0), nil
}

// ReadPhysical acquires one sample and converts it to the physical units
// of the channel's selected range, numeric at the rails.
func (c *Channel) ReadPhysical() (float64, error) {
	conv, err := c.Converter(OverflowNumber)
	if err != nil {
		return 0, err
	}
	raw, err := c.DataRead()
	if err != nil {
		return 0, err
	}
	return conv.ToPhysical(raw), nil
}

// WritePhysical converts a physical value to the nearest raw code in the
// channel's selected range, saturating at the rails, and emits it.
func (c *Channel) WritePhysical(v float64) error {
	conv, err := c.Converter(OverflowNumber)
	if err != nil {
		return err
	}
	raw, err := conv.FromPhysical(v)
	if err != nil {
		return err
	}
	return c.DataWrite(raw)
}
