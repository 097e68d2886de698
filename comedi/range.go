package comedi

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/gocomedi/mathx"
)

// Range is one calibration range of a channel: the physical values of raw
// code 0 and of maxdata.  Ranges are plain copies of driver data and stay
// valid after the device closes.
type Range struct {
	// Min is the physical value of raw code 0.
	Min float64

	// Max is the physical value of raw code maxdata.
	Max float64

	// Unit is the physical unit of Min and Max.
	Unit Unit
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g] %s", r.Min, r.Max, FormatUnit(r.Unit))
}

// Contains reports whether the physical value v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// OverflowPolicy selects how a Converter treats values at or beyond the
// ends of a range.
type OverflowPolicy int

const (
	// OverflowNumber converts rail codes and out of range physical values
	// numerically, clamping the inverse direction to [0, maxdata].
	OverflowNumber OverflowPolicy = iota

	// OverflowNaN reports the rail codes 0 and maxdata as NaN on the
	// forward conversion, since the true value may lie beyond the rail,
	// and rejects out of range physical values on the inverse.
	OverflowNaN
)

// Converter translates between raw device codes and physical quantities
// for one channel and range.  The map is linear: code 0 is Range.Min, code
// Maxdata is Range.Max.  Conversions are pure; overflow behavior is the
// policy carried by the value, not global state.
type Converter struct {
	Range   Range
	Maxdata uint32
	Policy  OverflowPolicy
}

// ToPhysical converts a raw sample to physical units.
func (c Converter) ToPhysical(raw uint32) float64 {
	if c.Policy == OverflowNaN && (raw == 0 || raw == c.Maxdata) {
		return math.NaN()
	}
	return c.Range.Min + float64(raw)/float64(c.Maxdata)*(c.Range.Max-c.Range.Min)
}

// FromPhysical converts a physical value to the nearest raw code.  Values
// beyond the range ends saturate under OverflowNumber and fail with
// ErrOutOfRange under OverflowNaN.
func (c Converter) FromPhysical(v float64) (uint32, error) {
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: cannot convert NaN to a raw code", ErrOutOfRange)
	}
	s := (v - c.Range.Min) / (c.Range.Max - c.Range.Min) * float64(c.Maxdata)
	if s < 0 {
		if c.Policy == OverflowNaN {
			return 0, fmt.Errorf("%w: %g below range minimum %g %s",
				ErrOutOfRange, v, c.Range.Min, FormatUnit(c.Range.Unit))
		}
		return 0, nil
	}
	if s > float64(c.Maxdata) {
		if c.Policy == OverflowNaN {
			return 0, fmt.Errorf("%w: %g above range maximum %g %s",
				ErrOutOfRange, v, c.Range.Max, FormatUnit(c.Range.Unit))
		}
		return c.Maxdata, nil
	}
	return uint32(mathx.Round(s, 1)), nil
}
