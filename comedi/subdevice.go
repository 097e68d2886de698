package comedi

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// Subdevice is one function block of a device (analog input, analog output,
// digital I/O, counter, ...).  Static capabilities (type, channel count,
// maxdata, ranges) are snapshotted at open and memoized; the flag word is
// refetched on every Flags call because busy/running change at runtime.
type Subdevice struct {
	dev   *Device
	index int
	info  subdInfo

	// per-channel capability lists, fetched lazily when the flag word
	// advertises them
	chanListsLoaded bool
	maxdataList     []uint32
	flagList        []uint32
	rangetypeList   []uint32

	// ranges keyed by packed range descriptor
	ranges map[uint32][]Range
}

func (s *Subdevice) ok() error {
	return s.dev.ok()
}

// invalidate drops memoized capability data when the device closes.
func (s *Subdevice) invalidate() {
	s.chanListsLoaded = false
	s.maxdataList = nil
	s.flagList = nil
	s.rangetypeList = nil
	s.ranges = nil
}

// Index reports the subdevice's position on its device.
func (s *Subdevice) Index() int {
	return s.index
}

// Type reports what kind of function block this is.
func (s *Subdevice) Type() SubdeviceType {
	return SubdeviceType(s.info.Type)
}

// NChannels reports how many channels the subdevice has.
func (s *Subdevice) NChannels() int {
	return int(s.info.NChan)
}

// MaxChanlistLen reports the longest chanlist a streaming command may carry.
func (s *Subdevice) MaxChanlistLen() int {
	return int(s.info.LenChanlist)
}

// SampleBytes reports the width of one sample on this subdevice, 4 for
// LSampl subdevices and 2 otherwise.
func (s *Subdevice) SampleBytes() int {
	return SubdeviceFlags(s.info.SubdFlags).SampleBytes()
}

// Flags fetches the subdevice flag word.  Unlike the other capability
// queries this always round-trips to the driver, since the busy, running,
// and lock bits change as acquisitions start and stop.
func (s *Subdevice) Flags() (SubdeviceFlags, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	infos := make([]subdInfo, len(s.dev.subdevices))
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlSubdInfo, unsafe.Pointer(&infos[0]))
	if err != nil {
		return 0, enrich(err, "COMEDI_SUBDINFO")
	}
	s.info = infos[s.index]
	return SubdeviceFlags(s.info.SubdFlags), nil
}

// Busy reports whether a streaming command is in flight on the subdevice.
func (s *Subdevice) Busy() (bool, error) {
	f, err := s.Flags()
	return f.Busy(), err
}

// Running reports whether a streaming command is still producing or
// consuming samples.  A command can be busy but no longer running when the
// hardware is done and unread data remains in the buffer.
func (s *Subdevice) Running() (bool, error) {
	f, err := s.Flags()
	return f.Running(), err
}

func (s *Subdevice) checkChannel(channel int) error {
	if err := s.ok(); err != nil {
		return err
	}
	if channel < 0 || channel >= int(s.info.NChan) {
		return fmt.Errorf("channel %d out of range [0, %d) on subdevice %d",
			channel, s.info.NChan, s.index)
	}
	return nil
}

// fetchChanLists pulls whichever per-channel capability lists the flag word
// advertises, in one CHANINFO round trip, and memoizes them.
func (s *Subdevice) fetchChanLists() error {
	if s.chanListsLoaded {
		return nil
	}
	f := SubdeviceFlags(s.info.SubdFlags)
	n := int(s.info.NChan)
	ci := chanInfo{Subdev: uint32(s.index)}
	var md, fl, rt []uint32
	if f&FlagMaxdataPerChannel != 0 {
		md = make([]uint32, n)
		ci.MaxdataList = &md[0]
	}
	if f&FlagFlagsPerChannel != 0 {
		fl = make([]uint32, n)
		ci.Flaglist = &fl[0]
	}
	if f&FlagRangePerChannel != 0 {
		rt = make([]uint32, n)
		ci.Rangelist = &rt[0]
	}
	if md != nil || fl != nil || rt != nil {
		_, err := s.dev.sys.ptr(s.dev.fd(), ioctlChanInfo, unsafe.Pointer(&ci))
		if err != nil {
			return enrich(err, "COMEDI_CHANINFO")
		}
	}
	s.maxdataList, s.flagList, s.rangetypeList = md, fl, rt
	s.chanListsLoaded = true
	return nil
}

// MaxData reports the largest raw sample value the channel can produce or
// accept.
func (s *Subdevice) MaxData(channel int) (uint32, error) {
	if err := s.checkChannel(channel); err != nil {
		return 0, err
	}
	if SubdeviceFlags(s.info.SubdFlags)&FlagMaxdataPerChannel == 0 {
		return s.info.Maxdata, nil
	}
	if err := s.fetchChanLists(); err != nil {
		return 0, err
	}
	return s.maxdataList[channel], nil
}

// rangeType resolves the packed range descriptor for a channel, which is
// per-channel on some boards and subdevice-global on most.
func (s *Subdevice) rangeType(channel int) (uint32, error) {
	if SubdeviceFlags(s.info.SubdFlags)&FlagRangePerChannel != 0 {
		if err := s.fetchChanLists(); err != nil {
			return 0, err
		}
		return s.rangetypeList[channel], nil
	}
	return s.info.RangeType, nil
}

// NRanges reports how many calibration ranges the channel offers.
func (s *Subdevice) NRanges(channel int) (int, error) {
	if err := s.checkChannel(channel); err != nil {
		return 0, err
	}
	rt, err := s.rangeType(channel)
	if err != nil {
		return 0, err
	}
	return int(rt & 0xffff), nil
}

// fetchRanges pulls and memoizes the range table behind a packed range
// descriptor.  Range values are plain copies and stay valid after close.
func (s *Subdevice) fetchRanges(rt uint32) ([]Range, error) {
	if rs, ok := s.ranges[rt]; ok {
		return rs, nil
	}
	n := int(rt & 0xffff)
	rs := make([]Range, n)
	if n > 0 {
		kr := make([]kRange, n)
		ri := rangeInfo{RangeType: rt, RangePtr: &kr[0]}
		_, err := s.dev.sys.ptr(s.dev.fd(), ioctlRangeInfo, unsafe.Pointer(&ri))
		if err != nil {
			return nil, enrich(err, "COMEDI_RANGEINFO")
		}
		for i, k := range kr {
			rs[i] = Range{
				Min:  float64(k.Min) * 1e-6,
				Max:  float64(k.Max) * 1e-6,
				Unit: Unit(k.Flags & 0xff),
			}
		}
	}
	if s.ranges == nil {
		s.ranges = make(map[uint32][]Range)
	}
	s.ranges[rt] = rs
	return rs, nil
}

// Range returns one calibration range of a channel.
func (s *Subdevice) Range(channel, index int) (Range, error) {
	if err := s.checkChannel(channel); err != nil {
		return Range{}, err
	}
	rt, err := s.rangeType(channel)
	if err != nil {
		return Range{}, err
	}
	rs, err := s.fetchRanges(rt)
	if err != nil {
		return Range{}, err
	}
	if index < 0 || index >= len(rs) {
		return Range{}, fmt.Errorf("%w: range index %d out of [0, %d) on subdevice %d channel %d",
			ErrOutOfRange, index, len(rs), s.index, channel)
	}
	return rs[index], nil
}

// Ranges returns all calibration ranges of a channel.
func (s *Subdevice) Ranges(channel int) ([]Range, error) {
	if err := s.checkChannel(channel); err != nil {
		return nil, err
	}
	rt, err := s.rangeType(channel)
	if err != nil {
		return nil, err
	}
	rs, err := s.fetchRanges(rt)
	if err != nil {
		return nil, err
	}
	out := make([]Range, len(rs))
	copy(out, rs)
	return out, nil
}

// Lock claims exclusive use of the subdevice for this file handle.  A lock
// held by a process that is shutting down clears within moments, so
// contention is retried briefly before giving up.
func (s *Subdevice) Lock() error {
	if err := s.ok(); err != nil {
		return err
	}
	op := func() error {
		_, err := s.dev.sys.val(s.dev.fd(), ioctlLock, uintptr(s.index))
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EACCES) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	return enrich(err, "COMEDI_LOCK")
}

// Unlock releases a lock taken with Lock.
func (s *Subdevice) Unlock() error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.dev.sys.val(s.dev.fd(), ioctlUnlock, uintptr(s.index))
	return enrich(err, "COMEDI_UNLOCK")
}

// Cancel aborts any streaming command on the subdevice.  Idempotent; the
// driver's complaint about an idle subdevice is swallowed so callers can
// cancel unconditionally during cleanup.
func (s *Subdevice) Cancel() error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.dev.sys.val(s.dev.fd(), ioctlCancel, uintptr(s.index))
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return enrich(err, "COMEDI_CANCEL")
	}
	return nil
}

// Poll asks the driver to flush any samples sitting in the board's FIFO
// into the streaming buffer, and reports how many bytes are newly
// available.
func (s *Subdevice) Poll() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	n, err := s.dev.sys.val(s.dev.fd(), ioctlPoll, uintptr(s.index))
	if err != nil {
		return 0, enrich(err, "COMEDI_POLL")
	}
	return n, nil
}

// BufferSize reports the current size in bytes of the streaming ring
// buffer.
func (s *Subdevice) BufferSize() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bc := bufConfig{Subdevice: uint32(s.index)}
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlBufConfig, unsafe.Pointer(&bc))
	if err != nil {
		return 0, enrich(err, "COMEDI_BUFCONFIG")
	}
	return int(bc.Size), nil
}

// SetBufferSize resizes the streaming ring buffer and returns the size the
// driver settled on, which is rounded up to a whole number of pages.
func (s *Subdevice) SetBufferSize(size int) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bc := bufConfig{Subdevice: uint32(s.index), Size: uint32(size)}
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlBufConfig, unsafe.Pointer(&bc))
	if err != nil {
		return 0, enrich(err, "COMEDI_BUFCONFIG")
	}
	return int(bc.Size), nil
}

// MaxBufferSize reports the ceiling SetBufferSize may request.
func (s *Subdevice) MaxBufferSize() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bc := bufConfig{Subdevice: uint32(s.index)}
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlBufConfig, unsafe.Pointer(&bc))
	if err != nil {
		return 0, enrich(err, "COMEDI_BUFCONFIG")
	}
	return int(bc.MaximumSize), nil
}

// SetMaxBufferSize raises or lowers that ceiling.  Needs CAP_SYS_ADMIN.
func (s *Subdevice) SetMaxBufferSize(size int) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bc := bufConfig{Subdevice: uint32(s.index), MaximumSize: uint32(size)}
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlBufConfig, unsafe.Pointer(&bc))
	if err != nil {
		return 0, enrich(err, "COMEDI_BUFCONFIG")
	}
	return int(bc.MaximumSize), nil
}

func (s *Subdevice) bufInfo(bi *bufInfo) error {
	bi.Subdevice = uint32(s.index)
	_, err := s.dev.sys.ptr(s.dev.fd(), ioctlBufInfo, unsafe.Pointer(bi))
	return enrich(err, "COMEDI_BUFINFO")
}

// BufferContents reports how many bytes sit unread in the streaming buffer
// (for input) or unconsumed by the hardware (for output).
func (s *Subdevice) BufferContents() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var bi bufInfo
	if err := s.bufInfo(&bi); err != nil {
		return 0, err
	}
	return int(bi.BufWriteCount - bi.BufReadCount), nil
}

// BufferReadOffset reports where the next unread byte sits in the ring,
// for consumers addressing a read mapping directly.
func (s *Subdevice) BufferReadOffset() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var bi bufInfo
	if err := s.bufInfo(&bi); err != nil {
		return 0, err
	}
	return int(bi.BufReadPtr), nil
}

// BufferWriteOffset reports where the next byte should be placed in the
// ring, for producers addressing a write mapping directly.
func (s *Subdevice) BufferWriteOffset() (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var bi bufInfo
	if err := s.bufInfo(&bi); err != nil {
		return 0, err
	}
	return int(bi.BufWritePtr), nil
}

// MarkBufferRead tells the driver n bytes have been consumed from a read
// mapping, freeing that span of the ring for the hardware.  Returns the
// count the driver accepted.
func (s *Subdevice) MarkBufferRead(n int) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bi := bufInfo{BytesRead: uint32(n)}
	if err := s.bufInfo(&bi); err != nil {
		return 0, err
	}
	return int(bi.BytesRead), nil
}

// MarkBufferWritten tells the driver n bytes have been placed into a write
// mapping and may be streamed out.  Returns the count the driver accepted.
func (s *Subdevice) MarkBufferWritten(n int) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	bi := bufInfo{BytesWritten: uint32(n)}
	if err := s.bufInfo(&bi); err != nil {
		return 0, err
	}
	return int(bi.BytesWritten), nil
}

// Read drains streaming input through the device file.  The subdevice is
// bound as the file's read subdevice on first use.  Blocks per ordinary
// read(2) semantics until at least one byte is available.
func (s *Subdevice) Read(p []byte) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	if s.dev.currentRead != s.index {
		if err := s.dev.SetReadSubdevice(s.index); err != nil {
			return 0, err
		}
	}
	return s.dev.f.Read(p)
}

// Write feeds streaming output through the device file.  The subdevice is
// bound as the file's write subdevice on first use.
func (s *Subdevice) Write(p []byte) (int, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	if s.dev.currentWrite != s.index {
		if err := s.dev.SetWriteSubdevice(s.index); err != nil {
			return 0, err
		}
	}
	return s.dev.f.Write(p)
}

// MMapRead maps the subdevice's streaming ring read-only, binding the
// subdevice as the file's read subdevice first (the kernel picks which
// ring to map by the mapping's direction).  Release with Unmap.
func (s *Subdevice) MMapRead() ([]byte, error) {
	if err := s.dev.SetReadSubdevice(s.index); err != nil {
		return nil, err
	}
	size, err := s.BufferSize()
	if err != nil {
		return nil, err
	}
	return mmap(s.dev.fd(), size, unix.PROT_READ)
}

// MMapWrite maps the subdevice's streaming ring write-only, binding the
// subdevice as the file's write subdevice first.  Release with Unmap.
func (s *Subdevice) MMapWrite() ([]byte, error) {
	if err := s.dev.SetWriteSubdevice(s.index); err != nil {
		return nil, err
	}
	size, err := s.BufferSize()
	if err != nil {
		return nil, err
	}
	return mmap(s.dev.fd(), size, unix.PROT_WRITE)
}
