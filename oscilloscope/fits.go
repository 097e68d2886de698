package oscilloscope

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFITS streams the waveform to w as a FITS file: a single image
// HDU of float64 physical values, one row per channel in sorted name
// order, with the sample spacing and channel names in the header
func WriteFITS(w io.Writer, metadata []fitsio.Card, wav *Waveform) error {
	labels := wav.SortedChannels()
	if len(labels) == 0 {
		return fmt.Errorf("waveform has no channels")
	}
	data := make([][]float64, len(labels))
	for i, label := range labels {
		data[i] = wav.Channels[label].Physical()
	}
	samples := len(data[0])

	cards := []fitsio.Card{
		{Name: "DT", Value: wav.DT, Comment: "sample spacing, seconds"},
		{Name: "NCHAN", Value: len(labels), Comment: "channel count"},
	}
	for i, label := range labels {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CHAN%d", i+1), Value: label, Comment: "row label"})
	}
	cards = append(cards, metadata...)

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{samples, len(labels)})
	defer im.Close()
	err = im.Header().Append(cards...)
	if err != nil {
		return err
	}

	flat := make([]float64, 0, samples*len(labels))
	for i, d := range data {
		if len(d) != samples {
			return fmt.Errorf("channel %s has %d samples, others have %d", labels[i], len(d), samples)
		}
		flat = append(flat, d...)
	}
	err = im.Write(flat)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
