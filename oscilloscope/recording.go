package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recording is a sequence of data from the DAQ
type Recording struct {
	// ID uniquely labels the recording
	ID string

	// RelTimes is the relative time of each sample
	RelTimes []float64

	// AbsTimes is the absolute time of each sample
	AbsTimes []time.Time

	// Measurement is the actual numeric data
	Measurement []float64

	// Name is the label to use for the data
	Name string
}

// NewRecording returns an empty recording with a fresh unique ID
func NewRecording(name string) *Recording {
	return &Recording{ID: uuid.New().String(), Name: name}
}

// EncodeCSV writes the recording to a CSV file.  With timestamps the
// output has a time column and a data column; relative times win when
// both are present.  Without timestamps the output is a bare column
// headed by the recording's name
func (r Recording) EncodeCSV(w io.Writer) error {
	if (len(r.AbsTimes) == 0) && (len(r.RelTimes) == 0) {
		encoded := make([]string, len(r.Measurement)+1)
		encoded[0] = r.Name
		for i := 0; i < len(r.Measurement); i++ {
			encoded[i+1] = strconv.FormatFloat(r.Measurement[i], 'G', -1, 64)
		}
		payload := []byte(strings.Join(encoded, "\n"))
		_, err := w.Write(payload)
		return err
	}

	buf := bufio.NewWriter(w)
	cw := csv.NewWriter(buf)
	if err := cw.Write([]string{"time", r.Name}); err != nil {
		return err
	}
	row := make([]string, 2)
	if len(r.RelTimes) != 0 {
		if len(r.RelTimes) != len(r.Measurement) {
			return fmt.Errorf("recording has %d relative timestamps for %d measurements",
				len(r.RelTimes), len(r.Measurement))
		}
		for i := 0; i < len(r.Measurement); i++ {
			row[0] = strconv.FormatFloat(r.RelTimes[i], 'G', -1, 64)
			row[1] = strconv.FormatFloat(r.Measurement[i], 'G', -1, 64)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	} else {
		if len(r.AbsTimes) != len(r.Measurement) {
			return fmt.Errorf("recording has %d absolute timestamps for %d measurements",
				len(r.AbsTimes), len(r.Measurement))
		}
		for i := 0; i < len(r.Measurement); i++ {
			row[0] = r.AbsTimes[i].Format(time.RFC3339Nano)
			row[1] = strconv.FormatFloat(r.Measurement[i], 'G', -1, 64)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return buf.Flush()
}
