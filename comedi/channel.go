package comedi

import "fmt"

// Channel addresses one channel of a subdevice together with the
// calibration range and analog reference its transfers use.  RangeIndex
// and Aref are plain fields; set them directly or via FindRange.
type Channel struct {
	sub   *Subdevice
	index int

	// RangeIndex selects which of the channel's calibration ranges
	// applies to reads, writes and converters.
	RangeIndex int

	// Aref selects the analog reference on boards that support several.
	Aref ARef
}

// Channel returns a handle on channel i, initially using range 0 against
// board ground.
func (s *Subdevice) Channel(i int) (*Channel, error) {
	if err := s.checkChannel(i); err != nil {
		return nil, err
	}
	return &Channel{sub: s, index: i, Aref: ARefGround}, nil
}

// Index reports the channel's position on its subdevice.
func (c *Channel) Index() int {
	return c.index
}

// Subdevice returns the subdevice the channel belongs to.
func (c *Channel) Subdevice() *Subdevice {
	return c.sub
}

// Spec packs the channel index, selected range and reference into the
// word chanlists and instruction chanspecs carry.
func (c *Channel) Spec() ChanSpec {
	return Pack(c.index, c.RangeIndex, c.Aref)
}

// MaxData reports the largest raw value the channel can produce or accept.
func (c *Channel) MaxData() (uint32, error) {
	return c.sub.MaxData(c.index)
}

// NRanges reports how many calibration ranges the channel offers.
func (c *Channel) NRanges() (int, error) {
	return c.sub.NRanges(c.index)
}

// Range returns the currently selected calibration range.
func (c *Channel) Range() (Range, error) {
	return c.sub.Range(c.index, c.RangeIndex)
}

// RangeAt returns the calibration range at index i.
func (c *Channel) RangeAt(i int) (Range, error) {
	return c.sub.Range(c.index, i)
}

// FindRange returns the index of the first calibration range in the given
// unit that covers [min, max].  ErrOutOfRange if no range qualifies.
// Assign the result to RangeIndex to adopt it.
func (c *Channel) FindRange(unit Unit, min, max float64) (int, error) {
	ranges, err := c.sub.Ranges(c.index)
	if err != nil {
		return 0, err
	}
	for i, r := range ranges {
		if r.Unit == unit && r.Min <= min && r.Max >= max {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no %s range covering [%g, %g] on subdevice %d channel %d",
		ErrOutOfRange, FormatUnit(unit), min, max, c.sub.index, c.index)
}

// Converter builds a unit converter for the channel's selected range.
func (c *Channel) Converter(policy OverflowPolicy) (Converter, error) {
	rng, err := c.Range()
	if err != nil {
		return Converter{}, err
	}
	md, err := c.MaxData()
	if err != nil {
		return Converter{}, err
	}
	return Converter{Range: rng, Maxdata: md, Policy: policy}, nil
}
