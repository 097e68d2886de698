// Package comedi provides a Go interface to the Linux comedi data
// acquisition driver: device and subdevice discovery, immediate
// single-sample and digital I/O, calibration range handling, and the
// streaming command machinery used by hardware-timed acquisition.
//
// The package speaks the kernel ABI directly over ioctl; it does not link
// against comedilib.  Streaming transfers happen through the device file
// (read/write) or through a memory mapping of the driver's ring buffer,
// see the stream package for the concurrent data movers that ride on top.
package comedi

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// Device is an open handle to a comedi device node, e.g. /dev/comedi0.
// The handle owns the file descriptor shared by every Subdevice it
// enumerates; closing the device invalidates them all.
type Device struct {
	f *os.File

	sys iocaller

	info devInfo

	subdevices []*Subdevice

	// currentRead/currentWrite track the subdevice bound to the fd for
	// read(2)/write(2); -1 means whatever the driver defaulted to.
	currentRead  int
	currentWrite int

	closed bool
}

// Open opens a comedi device node.  Opens are retried briefly with
// exponential backoff: at daemon start the node may not exist yet (driver
// still loading) or may be transiently busy while another process releases
// it.
func Open(path string) (*Device, error) {
	var f *os.File
	op := func() error {
		var err error
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.EBUSY) {
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
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Device{f: f, sys: realSys{}, currentRead: -1, currentWrite: -1}
	if err := d.fetchInfo(); err != nil {
		f.Close()
		return nil, err
	}
	if err := d.enumerate(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) fetchInfo() error {
	_, err := d.sys.ptr(d.fd(), ioctlDevInfo, unsafe.Pointer(&d.info))
	return enrich(err, "COMEDI_DEVINFO")
}

// enumerate snapshots every subdevice's static capabilities.  The dynamic
// flag word is refetched on demand; see Subdevice.Flags.
func (d *Device) enumerate() error {
	n := int(d.info.NSubdevs)
	if n == 0 {
		d.subdevices = nil
		return nil
	}
	infos := make([]subdInfo, n)
	_, err := d.sys.ptr(d.fd(), ioctlSubdInfo, unsafe.Pointer(&infos[0]))
	if err != nil {
		return enrich(err, "COMEDI_SUBDINFO")
	}
	d.subdevices = make([]*Subdevice, n)
	for i := 0; i < n; i++ {
		d.subdevices[i] = &Subdevice{dev: d, index: i, info: infos[i]}
	}
	return nil
}

// Close releases the device node.  Every Subdevice and Channel obtained
// from this handle is invalid afterwards; Range values already fetched
// stay usable because they are plain copies.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	for _, s := range d.subdevices {
		s.invalidate()
	}
	return d.f.Close()
}

func (d *Device) fd() int {
	return int(d.f.Fd())
}

// File exposes the underlying device file.  Blocking read/write on it
// moves streaming data for the current read/write subdevice.
func (d *Device) File() *os.File {
	return d.f
}

func (d *Device) ok() error {
	if d == nil || d.closed {
		return ErrClosed
	}
	return nil
}

// DriverName reports the kernel driver bound to the device.
func (d *Device) DriverName() string {
	return cstr(d.info.DriverName[:])
}

// BoardName reports the hardware model the driver detected.
func (d *Device) BoardName() string {
	return cstr(d.info.BoardName[:])
}

// VersionCode reports the driver version as packed by the kernel,
// major<<16 | minor<<8 | micro.
func (d *Device) VersionCode() uint32 {
	return d.info.VersionCode
}

// Version formats the driver version as major.minor.micro.
func (d *Device) Version() string {
	v := d.info.VersionCode
	return fmt.Sprintf("%d.%d.%d", v>>16&0xff, v>>8&0xff, v&0xff)
}

// NSubdevices reports how many subdevices the board exposes.
func (d *Device) NSubdevices() int {
	return len(d.subdevices)
}

// Subdevice returns the subdevice at index i.
func (d *Device) Subdevice(i int) (*Subdevice, error) {
	if err := d.ok(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(d.subdevices) {
		return nil, fmt.Errorf("subdevice index %d out of range [0, %d)", i, len(d.subdevices))
	}
	return d.subdevices[i], nil
}

// FindSubdeviceByType returns the first subdevice of the given type at or
// after index from.  ErrNoSubdevice if the board has none.
func (d *Device) FindSubdeviceByType(typ SubdeviceType, from int) (*Subdevice, error) {
	if err := d.ok(); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	for i := from; i < len(d.subdevices); i++ {
		if d.subdevices[i].Type() == typ {
			return d.subdevices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: type %s from index %d", ErrNoSubdevice, typ, from)
}

// ReadSubdevice returns the subdevice the driver routes read(2) to.
func (d *Device) ReadSubdevice() (*Subdevice, error) {
	if err := d.ok(); err != nil {
		return nil, err
	}
	if d.currentRead >= 0 {
		return d.Subdevice(d.currentRead)
	}
	if d.info.ReadSubdev < 0 {
		return nil, fmt.Errorf("%w: device has no read subdevice", ErrNoSubdevice)
	}
	return d.Subdevice(int(d.info.ReadSubdev))
}

// WriteSubdevice returns the subdevice the driver routes write(2) to.
func (d *Device) WriteSubdevice() (*Subdevice, error) {
	if err := d.ok(); err != nil {
		return nil, err
	}
	if d.currentWrite >= 0 {
		return d.Subdevice(d.currentWrite)
	}
	if d.info.WriteSubdev < 0 {
		return nil, fmt.Errorf("%w: device has no write subdevice", ErrNoSubdevice)
	}
	return d.Subdevice(int(d.info.WriteSubdev))
}

// SetReadSubdevice binds read(2) on the device file to subdevice i.
func (d *Device) SetReadSubdevice(i int) error {
	if err := d.ok(); err != nil {
		return err
	}
	_, err := d.sys.val(d.fd(), ioctlSetRSubd, uintptr(i))
	if err != nil {
		return enrich(err, "COMEDI_SETRSUBD")
	}
	d.currentRead = i
	return nil
}

// SetWriteSubdevice binds write(2) on the device file to subdevice i.
func (d *Device) SetWriteSubdevice(i int) error {
	if err := d.ok(); err != nil {
		return err
	}
	_, err := d.sys.val(d.fd(), ioctlSetWSubd, uintptr(i))
	if err != nil {
		return enrich(err, "COMEDI_SETWSUBD")
	}
	d.currentWrite = i
	return nil
}

// cstr trims a fixed-width, NUL padded kernel string.
func cstr(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
