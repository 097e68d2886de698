package comedi

import "fmt"

// DioConfig sets the direction of one digital line.
func (s *Subdevice) DioConfig(channel int, dir DioDirection) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	var v uint32
	switch dir {
	case DioInput:
		v = configDioInput
	case DioOutput:
		v = configDioOutput
	default:
		return fmt.Errorf("unknown digital direction %d", dir)
	}
	in := Insn{Op: InsnConfig, Subdev: s.index, Spec: Pack(channel, 0, 0), Data: []uint32{v}}
	_, err := s.dev.DoInsn(&in)
	return err
}

// DioGetConfig reports the direction one digital line is configured as.
func (s *Subdevice) DioGetConfig(channel int) (DioDirection, error) {
	if err := s.checkChannel(channel); err != nil {
		return 0, err
	}
	data := []uint32{configDioQuery, 0}
	in := Insn{Op: InsnConfig, Subdev: s.index, Spec: Pack(channel, 0, 0), Data: data}
	if _, err := s.dev.DoInsn(&in); err != nil {
		return 0, err
	}
	return DioDirection(data[1]), nil
}

// DioRead samples one digital line.
func (s *Subdevice) DioRead(channel int) (bool, error) {
	if err := s.checkChannel(channel); err != nil {
		return false, err
	}
	data := make([]uint32, 1)
	in := Insn{Op: InsnRead, Subdev: s.index, Spec: Pack(channel, 0, 0), Data: data}
	if _, err := s.dev.DoInsn(&in); err != nil {
		return false, err
	}
	return data[0] != 0, nil
}

// DioWrite drives one digital line.
func (s *Subdevice) DioWrite(channel int, bit bool) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	var v uint32
	if bit {
		v = 1
	}
	in := Insn{Op: InsnWrite, Subdev: s.index, Spec: Pack(channel, 0, 0), Data: []uint32{v}}
	_, err := s.dev.DoInsn(&in)
	return err
}

// DioBitfield writes bits to the lines selected by mask and reads back the
// state of all lines, atomically.  Lines outside mask keep their state.
// base shifts the 32-line window on wider subdevices; the returned word
// reflects the lines after the write.
func (s *Subdevice) DioBitfield(mask, bits uint32, base int) (uint32, error) {
	if err := s.checkChannel(base); err != nil {
		return 0, err
	}
	data := []uint32{mask, bits}
	in := Insn{Op: InsnBits, Subdev: s.index, Spec: Pack(base, 0, 0), Data: data}
	if _, err := s.dev.DoInsn(&in); err != nil {
		return 0, err
	}
	return data[1], nil
}
