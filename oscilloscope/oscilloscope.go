// Package oscilloscope provides types for captured waveforms and
// recordings and their CSV and FITS encodings
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Waveform describes a multi-channel capture from a DAQ or scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds named data streams
	Channels map[string]Channel
}

// SortedChannels returns the channel names in sorted order, so encoders
// emit columns deterministically
func (wav *Waveform) SortedChannels() []string {
	labels := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale + offset
type Channel struct {
	// Data is the actual buffer, []byte, []int16, []uint16, or similar
	Data Data

	// Scale is the size of a single increment in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data after scaling
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Physical computes the data scaled to real units
func (c Channel) Physical() []float64 {
	// a lot of copy paste, but this gets us around the type system
	switch v := c.Data.(type) {
	case []uint8:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []uint16:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []uint32:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []uint64:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []int8:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []int16:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []int32:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []int64:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []float32:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((float64(v[i]) - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	case []float64:
		length := len(v)
		ret := make([]float64, length)
		for i := 0; i < length; i++ {
			ret[i] = ((v[i] - c.Reference) * c.Scale) + c.Offset
		}
		return ret
	default:
		panic("attempt to convert non numerical data to physical units")
	}
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion.  The first column is the
// timestamp, the remainder one column per channel in sorted name order
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	labels := wav.SortedChannels()
	if len(labels) == 0 {
		return fmt.Errorf("waveform has no channels")
	}
	data := make([][]float64, len(labels))
	for j, label := range labels {
		data[j] = wav.Channels[label].Physical()
	}

	buf := bufio.NewWriter(w)
	cw := csv.NewWriter(buf)
	row := append([]string{"time"}, labels...)
	if err := cw.Write(row); err != nil {
		return err
	}
	for i := 0; i < len(data[0]); i++ {
		row[0] = strconv.FormatFloat(float64(i)*wav.DT, 'G', -1, 64)
		for j := 0; j < len(data); j++ {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return buf.Flush()
}
