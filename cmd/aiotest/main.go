// aiotest plays a sine wave out of analog output 0 while recording analog
// input 0 and checks that the two agree.  Wire AO0 to AI0 before running.
//
// Usage: aiotest [device] [dump.csv]
//
// device defaults to /dev/comedi0.  If a second argument is given the
// commanded and recorded waveforms are written there as CSV.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/gocomedi/aio"
	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/mathx"
	"github.com/nasa-jpl/gocomedi/oscilloscope"
)

var (
	scans   = 4000
	freq    = 10000. // Hz
	periods = 10

	// a dead short should regress with slope 1; anything above this
	// threshold means the loopback is connected and the codec sane
	passingSlope = 0.7
)

// sine fills a scan buffer with a full-scale-ish sine wave in both volts
// and raw codes.  The amplitude stays inside 80% of the range so ringing
// at the edges cannot clip.
func sine(conv comedi.Converter, n int) ([]float64, []uint32, error) {
	mid := (conv.Range.Max + conv.Range.Min) / 2
	amp := (conv.Range.Max - conv.Range.Min) / 2 * 0.8
	volts := make([]float64, n)
	codes := make([]uint32, n)
	for i := 0; i < n; i++ {
		v := mid + amp*math.Sin(2*math.Pi*float64(periods)*float64(i)/float64(n))
		dn, err := conv.FromPhysical(v)
		if err != nil {
			return nil, nil, err
		}
		// regress against the quantized value actually sent to the DAC
		volts[i] = conv.ToPhysical(dn)
		codes[i] = dn
	}
	return volts, codes, nil
}

func pack(codes []uint32, width int) ([]byte, error) {
	buf := make([]byte, 0, len(codes)*width)
	switch width {
	case 2:
		for _, dn := range codes {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(dn))
		}
	case 4:
		for _, dn := range codes {
			buf = binary.LittleEndian.AppendUint32(buf, dn)
		}
	default:
		return nil, fmt.Errorf("cannot pack %d byte samples", width)
	}
	return buf, nil
}

func unpack(raw []byte, width int, conv comedi.Converter) ([]float64, error) {
	var volts []float64
	switch width {
	case 2:
		volts = make([]float64, len(raw)/2)
		for i := range volts {
			volts[i] = conv.ToPhysical(uint32(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case 4:
		volts = make([]float64, len(raw)/4)
		for i := range volts {
			volts[i] = conv.ToPhysical(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	default:
		return nil, fmt.Errorf("cannot unpack %d byte samples", width)
	}
	return volts, nil
}

func main() {
	device := "/dev/comedi0"
	if len(os.Args) > 1 {
		device = os.Args[1]
	}
	log.Println("connecting to", device)
	dev, err := comedi.Open(device)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()
	log.Printf("%s: %s driving a %s", device, dev.DriverName(), dev.BoardName())

	ai, err := dev.FindSubdeviceByType(comedi.SubdAI, 0)
	if err != nil {
		log.Fatal(err)
	}
	ao, err := dev.FindSubdeviceByType(comedi.SubdAO, 0)
	if err != nil {
		log.Fatal(err)
	}

	aoCh, err := ao.Channel(0)
	if err != nil {
		log.Fatal(err)
	}
	aoConv, err := aoCh.Converter(comedi.OverflowNumber)
	if err != nil {
		log.Fatal(err)
	}
	aiCh, err := ai.Channel(0)
	if err != nil {
		log.Fatal(err)
	}
	aiConv, err := aiCh.Converter(comedi.OverflowNumber)
	if err != nil {
		log.Fatal(err)
	}

	outV, outDN, err := sine(aoConv, scans)
	if err != nil {
		log.Fatal(err)
	}
	outBytes, err := pack(outDN, ao.SampleBytes())
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("playing %d scans of a %d period sine at %.0f Hz", scans, periods, freq)

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " loopback",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}

	sess := &aio.Session{Synchronized: true}
	if err := sess.Open(ai, ao); err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	spinner.Start()
	spinner.Message("negotiating commands")
	err = sess.Setup(scans, 1, freq, outBytes)
	if err != nil {
		// boards without an internal start trigger on the output refuse
		// synchronized mode; a failed Setup leaves the session reusable
		spinner.Message("synchronized start refused, retrying free running")
		sess.Synchronized = false
		err = sess.Setup(scans, 1, freq, outBytes)
	}
	if err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}

	spinner.Message("acquiring")
	if err := sess.Arm(); err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}
	inBytes := make([]byte, scans*ai.SampleBytes())
	if err := sess.StartRead(inBytes); err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}
	if err := sess.Reset(); err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}
	spinner.Stop()

	inV, err := unpack(inBytes, ai.SampleBytes(), aiConv)
	if err != nil {
		log.Fatal(err)
	}

	if len(os.Args) > 2 {
		wav := &oscilloscope.Waveform{
			DT: 1 / freq,
			Channels: map[string]oscilloscope.Channel{
				"ao0": {Data: outV, Scale: 1},
				"ai0": {Data: inV, Scale: 1},
			},
		}
		f, err := os.Create(os.Args[2])
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if err := wav.EncodeCSV(f); err != nil {
			log.Fatal(err)
		}
		log.Println("wrote waveforms to", os.Args[2])
	}

	slope, intercept := mathx.Linregress(outV, inV)
	log.Printf("recorded against commanded: slope %.4f intercept %.4f", slope, intercept)
	if slope < passingSlope {
		log.Fatalf("expected slope above %.2f, got %.4f; check the AO0 to AI0 jumper", passingSlope, slope)
	}
	log.Println("PASS")
}
