package stream

import (
	"errors"
	"fmt"
	"time"
)

// defaultPollInterval is the sleep between ring queries when no data has
// arrived yet.
const defaultPollInterval = time.Millisecond

// ReadRing is the ring-control surface a mapped input ring needs,
// satisfied by *comedi.Subdevice.
type ReadRing interface {
	// BufferContents reports how many bytes the driver has made
	// available and not yet had marked as read.
	BufferContents() (int, error)

	// BufferReadOffset reports where the next unread byte sits in the
	// ring.
	BufferReadOffset() (int, error)

	// MarkBufferRead tells the driver n bytes have been consumed.
	MarkBufferRead(n int) (int, error)
}

// WriteRing is the ring-control surface a mapped output ring needs,
// satisfied by *comedi.Subdevice.
type WriteRing interface {
	// BufferContents reports how many bytes are queued ahead of the
	// hardware.
	BufferContents() (int, error)

	// BufferWriteOffset reports where the next byte belongs in the ring.
	BufferWriteOffset() (int, error)

	// MarkBufferWritten tells the driver n bytes are ready to stream.
	MarkBufferWritten(n int) (int, error)
}

// MMapReader drains a mapped input ring into a caller-owned buffer with
// no read(2) round trips: each pass copies whatever the driver has made
// available, bounded by the space left in the buffer and by the wrap at
// the ring end, then marks the copy consumed.  No ring offset is
// revisited without an intervening mark.
//
// The worker runs until it has filled Buf, so size Buf to the command's
// stop count.
type MMapReader struct {
	worker
	Ring   []byte
	Ctl    ReadRing
	Buf    []byte
	Layout Layout

	// PollInterval is the sleep used when the ring is empty;
	// defaultPollInterval when zero.
	PollInterval time.Duration
}

// Start spawns the worker.
func (m *MMapReader) Start() error {
	if err := m.Layout.Check(m.Buf); err != nil {
		return err
	}
	if len(m.Ring) == 0 {
		return errors.New("mmap reader needs a mapped ring")
	}
	poll := m.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	return m.launch(func() error {
		done := 0
		for done < len(m.Buf) {
			avail, err := m.Ctl.BufferContents()
			if err != nil {
				return fmt.Errorf("input ring at %d of %d bytes: %w", done, len(m.Buf), err)
			}
			if avail == 0 {
				time.Sleep(poll)
				continue
			}
			off, err := m.Ctl.BufferReadOffset()
			if err != nil {
				return fmt.Errorf("input ring at %d of %d bytes: %w", done, len(m.Buf), err)
			}
			n := avail
			if rem := len(m.Buf) - done; n > rem {
				n = rem
			}
			if wrap := len(m.Ring) - off; n > wrap {
				n = wrap
			}
			copy(m.Buf[done:done+n], m.Ring[off:off+n])
			if _, err := m.Ctl.MarkBufferRead(n); err != nil {
				return fmt.Errorf("input ring at %d of %d bytes: %w", done+n, len(m.Buf), err)
			}
			done += n
		}
		return nil
	})
}

// MMapWriter feeds a mapped output ring from a caller-owned buffer: each
// pass copies into whatever space the hardware has freed, bounded by the
// data left and by the wrap at the ring end, then marks the copy ready.
//
// Because the ring starts empty, the first pass preloads up to a full
// ring of output before the command needs its trigger.
type MMapWriter struct {
	worker
	Ring   []byte
	Ctl    WriteRing
	Buf    []byte
	Layout Layout

	// PollInterval is the sleep used when the ring is full;
	// defaultPollInterval when zero.
	PollInterval time.Duration
}

// Start spawns the worker.
func (m *MMapWriter) Start() error {
	if err := m.Layout.Check(m.Buf); err != nil {
		return err
	}
	if len(m.Ring) == 0 {
		return errors.New("mmap writer needs a mapped ring")
	}
	poll := m.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	return m.launch(func() error {
		done := 0
		for done < len(m.Buf) {
			queued, err := m.Ctl.BufferContents()
			if err != nil {
				return fmt.Errorf("output ring at %d of %d bytes: %w", done, len(m.Buf), err)
			}
			free := len(m.Ring) - queued
			if free == 0 {
				time.Sleep(poll)
				continue
			}
			off, err := m.Ctl.BufferWriteOffset()
			if err != nil {
				return fmt.Errorf("output ring at %d of %d bytes: %w", done, len(m.Buf), err)
			}
			n := free
			if rem := len(m.Buf) - done; n > rem {
				n = rem
			}
			if wrap := len(m.Ring) - off; n > wrap {
				n = wrap
			}
			copy(m.Ring[off:off+n], m.Buf[done:done+n])
			if _, err := m.Ctl.MarkBufferWritten(n); err != nil {
				return fmt.Errorf("output ring at %d of %d bytes: %w", done+n, len(m.Buf), err)
			}
			done += n
		}
		return nil
	})
}
