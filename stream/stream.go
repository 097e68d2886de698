// Package stream provides the concurrent data movers that service a
// streaming command: one-shot goroutine workers that shuttle samples
// between a caller-owned buffer and a subdevice, either through the
// device file or through a memory-mapped ring.
//
// Every mover follows the same discipline: construct it around a buffer,
// Start it once to spawn the worker, Join it once to block until the
// worker finishes and collect its error.  Buffers are borrowed, never
// resized; geometry travels as a Layout so width mismatches surface
// before any data moves.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

var (
	// ErrShortTransfer means a mover could not move the whole buffer;
	// the wrapping message carries the counts.
	ErrShortTransfer = errors.New("short transfer")

	// ErrAlreadyStarted means Start was called twice on a one-shot mover.
	ErrAlreadyStarted = errors.New("mover already started")

	// ErrNotStarted means Join was called before Start.
	ErrNotStarted = errors.New("mover not started")
)

// Layout describes the geometry of a sample buffer: scans of interleaved
// channel samples, row-major, each sample SampleBytes wide (2, or 4 on
// subdevices with 32-bit samples).
type Layout struct {
	Scans       int
	Channels    int
	SampleBytes int
}

// ScanBytes reports the size of one scan.
func (l Layout) ScanBytes() int {
	return l.Channels * l.SampleBytes
}

// Bytes reports the buffer size the layout calls for.
func (l Layout) Bytes() int {
	return l.Scans * l.ScanBytes()
}

// Check verifies that buf matches the layout.
func (l Layout) Check(buf []byte) error {
	if len(buf) != l.Bytes() {
		return fmt.Errorf("buffer is %d bytes, %d scans x %d channels x %d byte samples needs %d",
			len(buf), l.Scans, l.Channels, l.SampleBytes, l.Bytes())
	}
	return nil
}

// worker is the one-shot Start/Join discipline shared by the movers.
type worker struct {
	started bool
	done    chan struct{}
	err     error
}

func (w *worker) launch(fn func() error) error {
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.done = make(chan struct{})
	go func() {
		w.err = fn()
		close(w.done)
	}()
	return nil
}

// Join blocks until the worker exits and returns the first error it hit.
func (w *worker) Join() error {
	if !w.started {
		return ErrNotStarted
	}
	<-w.done
	return w.err
}

// Reader drains a streaming input into a caller-owned buffer through the
// device file, filling it exactly once.  From is typically a
// *comedi.Subdevice.
type Reader struct {
	worker
	From   io.Reader
	Buf    []byte
	Layout Layout
}

// Start spawns the worker.  It reads until Buf is full; anything less,
// including the stream ending early, is a short transfer.
func (r *Reader) Start() error {
	if err := r.Layout.Check(r.Buf); err != nil {
		return err
	}
	return r.launch(func() error {
		n, err := io.ReadFull(r.From, r.Buf)
		if err != nil {
			return fmt.Errorf("%w: read %d of %d bytes (%v)", ErrShortTransfer, n, len(r.Buf), err)
		}
		return nil
	})
}

// Writer feeds a streaming output from a caller-owned buffer through the
// device file.  Preload part of the buffer before the command is
// triggered so the driver's FIFO is primed when the start event lands;
// Start then streams the remainder.
type Writer struct {
	worker
	To     io.Writer
	Buf    []byte
	Layout Layout

	off int
}

// Preload synchronously writes the first n samples, before any worker
// exists.  Call at most once, before Start; more samples than the buffer
// holds preloads the whole buffer.
func (w *Writer) Preload(n int) error {
	if w.started {
		return ErrAlreadyStarted
	}
	if err := w.Layout.Check(w.Buf); err != nil {
		return err
	}
	nb := n * w.Layout.SampleBytes
	if nb > len(w.Buf)-w.off {
		nb = len(w.Buf) - w.off
	}
	wrote, err := w.To.Write(w.Buf[w.off : w.off+nb])
	w.off += wrote
	if err != nil {
		return fmt.Errorf("preload of %d samples: %w", n, err)
	}
	if wrote != nb {
		return fmt.Errorf("%w: preload wrote %d of %d bytes", ErrShortTransfer, wrote, nb)
	}
	return nil
}

// Start spawns the worker, which streams whatever Preload did not
// already write.
func (w *Writer) Start() error {
	if err := w.Layout.Check(w.Buf); err != nil {
		return err
	}
	return w.launch(func() error {
		want := len(w.Buf) - w.off
		n, err := w.To.Write(w.Buf[w.off:])
		if err != nil {
			return fmt.Errorf("%w: wrote %d of %d bytes (%v)", ErrShortTransfer, n, want, err)
		}
		return nil
	})
}

// CallbackReader hands scans to a callback as they arrive instead of
// filling a flat buffer.  The worker repeats single-scan reads Count
// times; a negative Count runs unbounded until Stop.
type CallbackReader struct {
	worker
	From   io.Reader
	Layout Layout

	// Callback receives each scan in acquisition order.  The slice is
	// reused between calls; copy it to keep it.
	Callback func(scan []byte)

	// Count is the number of scans to read; negative means run until
	// Stop.
	Count int64

	remaining atomic.Int64
}

// Start spawns the worker.
func (c *CallbackReader) Start() error {
	if c.Callback == nil {
		return errors.New("callback reader needs a callback")
	}
	if c.Layout.ScanBytes() <= 0 {
		return fmt.Errorf("callback reader needs a positive scan size, layout has %d channels x %d byte samples",
			c.Layout.Channels, c.Layout.SampleBytes)
	}
	c.remaining.Store(c.Count)
	scan := make([]byte, c.Layout.ScanBytes())
	return c.launch(func() error {
		for {
			rem := c.remaining.Load()
			if rem == 0 {
				return nil
			}
			n, err := io.ReadFull(c.From, scan)
			if err != nil {
				return fmt.Errorf("%w: scan read %d of %d bytes (%v)", ErrShortTransfer, n, len(scan), err)
			}
			c.Callback(scan)
			if rem > 0 {
				// a concurrent Stop wins the swap and ends the
				// run on the next pass
				c.remaining.CompareAndSwap(rem, rem-1)
			}
		}
	})
}

// Stop zeroes the remaining scan count from any goroutine.  The worker
// notices before its next read; Join still collects it.
func (c *CallbackReader) Stop() {
	c.remaining.Store(0)
}

// Runner is the running-state and abort surface BlockWhileRunning polls,
// satisfied by *comedi.Subdevice.
type Runner interface {
	Running() (bool, error)
	Cancel() error
}

// BlockWhileRunning polls the running flag every poll interval until it
// clears, then cancels the subdevice to release the driver's claim on
// the stream.  The cancel is idempotent, so calling this on a subdevice
// that already stopped is safe.
func BlockWhileRunning(r Runner, poll time.Duration) error {
	for {
		running, err := r.Running()
		if err != nil {
			return err
		}
		if !running {
			break
		}
		time.Sleep(poll)
	}
	return r.Cancel()
}
