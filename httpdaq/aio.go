package httpdaq

import (
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/nasa-jpl/gocomedi/aio"
	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/oscilloscope"
)

type channelWaveformVolt struct {
	channel int

	waveform []float64
}

type channelWaveformDN struct {
	channel int

	waveform []uint32
}

func csvToWaveformFloat(r io.Reader) ([]channelWaveformVolt, error) {
	var out []channelWaveformVolt
	reader := csv.NewReader(r)
	skip := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if skip {
			skip = false
			// allocate; one column per channel.  Leak to outer scope
			out = make([]channelWaveformVolt, len(record))
			for i := 0; i < len(record); i++ {
				c, err := strconv.Atoi(record[i])
				if err != nil {
					return out, err
				}
				out[i].channel = c
			}
			continue
		}
		for i := 0; i < len(record); i++ {
			f, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return out, err
			}
			out[i].waveform = append(out[i].waveform, f)
		}
	}
	return out, nil
}

func csvToWaveformDN(r io.Reader) ([]channelWaveformDN, error) {
	// same walk as the float version with one parse call changed
	var out []channelWaveformDN
	reader := csv.NewReader(r)
	skip := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if skip {
			skip = false
			out = make([]channelWaveformDN, len(record))
			for i := 0; i < len(record); i++ {
				c, err := strconv.Atoi(record[i])
				if err != nil {
					return out, err
				}
				out[i].channel = c
			}
			continue
		}
		for i := 0; i < len(record); i++ {
			u, err := strconv.ParseUint(record[i], 10, 32)
			if err != nil {
				return out, err
			}
			out[i].waveform = append(out[i].waveform, uint32(u))
		}
	}
	return out, nil
}

// HTTPAIO exposes a simultaneous analog I/O session over HTTP.  Upload
// an output waveform as CSV, one column per channel, then walk the
// session lifecycle: setup, arm, run.  The run response carries the
// recorded input waveform in the requested encoding.
type HTTPAIO struct {
	// OutCode converts a voltage to the raw code for an output channel.
	// Nil disables the float upload route, leaving raw DN upload.
	OutCode func(channel int, volts float64) (uint32, error)

	// InCal returns the scale and offset mapping an input channel's raw
	// codes to physical units.  Nil records dimensionless codes.
	InCal func(channel int) (scale, offset float64, err error)

	sess *aio.Session
	in   aio.Port
	out  aio.Port

	mu         sync.Mutex
	wave       []channelWaveformDN
	inChannels []int
	scans      int
	rate       float64

	RouteTable RouteTable
}

// NewHTTPAIO opens a session over the input and output streaming
// subdevices and builds its routes.  Volt conversion is not wired here;
// see NewNodeAIO for the calibrated path.
func NewHTTPAIO(in, out aio.Port) (*HTTPAIO, error) {
	sess := &aio.Session{}
	if err := sess.Open(in, out); err != nil {
		return nil, err
	}
	h := &HTTPAIO{sess: sess, in: in, out: out}
	rt := RouteTable{}
	rt[MethodPath{Method: http.MethodGet, Path: "/state"}] = h.GetState
	rt[MethodPath{Method: http.MethodPost, Path: "/waveform/upload/float/csv"}] = h.UploadFloatCSV
	rt[MethodPath{Method: http.MethodPost, Path: "/waveform/upload/dn/csv"}] = h.UploadDNCSV
	rt[MethodPath{Method: http.MethodPost, Path: "/setup"}] = h.Setup
	rt[MethodPath{Method: http.MethodPost, Path: "/arm"}] = h.Arm
	rt[MethodPath{Method: http.MethodPost, Path: "/run"}] = h.Run
	rt[MethodPath{Method: http.MethodPost, Path: "/reset"}] = h.Reset
	h.RouteTable = rt
	return h, nil
}

// NewNodeAIO opens a session over the first analog input and output
// subdevices of dev, converting between volts and raw codes with each
// channel's range 0
func NewNodeAIO(dev *comedi.Device) (*HTTPAIO, error) {
	ai, err := dev.FindSubdeviceByType(comedi.SubdAI, 0)
	if err != nil {
		return nil, err
	}
	ao, err := dev.FindSubdeviceByType(comedi.SubdAO, 0)
	if err != nil {
		return nil, err
	}
	h, err := NewHTTPAIO(ai, ao)
	if err != nil {
		return nil, err
	}
	h.OutCode = func(channel int, volts float64) (uint32, error) {
		ch, err := ao.Channel(channel)
		if err != nil {
			return 0, err
		}
		conv, err := ch.Converter(comedi.OverflowNumber)
		if err != nil {
			return 0, err
		}
		return conv.FromPhysical(volts)
	}
	h.InCal = func(channel int) (float64, float64, error) {
		ch, err := ai.Channel(channel)
		if err != nil {
			return 0, 0, err
		}
		conv, err := ch.Converter(comedi.OverflowNumber)
		if err != nil {
			return 0, 0, err
		}
		return (conv.Range.Max - conv.Range.Min) / float64(conv.Maxdata), conv.Range.Min, nil
	}
	return h, nil
}

// RT satisfies HTTPer
func (h *HTTPAIO) RT() RouteTable {
	return h.RouteTable
}

// Session returns the underlying session, for wiring a logger or
// closing at server shutdown
func (h *HTTPAIO) Session() *aio.Session {
	return h.sess
}

// Close aborts anything in flight and detaches the subdevices
func (h *HTTPAIO) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess.Close()
}

// GetState returns the session's lifecycle position as json {'str': state}
func (h *HTTPAIO) GetState(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	state := h.sess.State().String()
	h.mu.Unlock()
	hp := HumanPayload{T: types.String, String: state}
	hp.EncodeAndRespond(w, r)
}

// UploadFloatCSV accepts a CSV of voltages, header row naming the output
// channels, one column per channel, and stores it for the next setup
func (h *HTTPAIO) UploadFloatCSV(w http.ResponseWriter, r *http.Request) {
	if h.OutCode == nil {
		http.Error(w, "no volt calibration wired, upload raw data numbers instead", http.StatusNotImplemented)
		return
	}
	data, err := csvToWaveformFloat(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wave := make([]channelWaveformDN, len(data))
	for i := range data {
		wave[i].channel = data[i].channel
		wave[i].waveform = make([]uint32, len(data[i].waveform))
		for j, v := range data[i].waveform {
			dn, err := h.OutCode(data[i].channel, v)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			wave[i].waveform[j] = dn
		}
	}
	if err := h.storeWave(wave); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// UploadDNCSV accepts a CSV of raw data numbers, header row naming the
// output channels, and stores it for the next setup
func (h *HTTPAIO) UploadDNCSV(w http.ResponseWriter, r *http.Request) {
	wave, err := csvToWaveformDN(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.storeWave(wave); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAIO) storeWave(wave []channelWaveformDN) error {
	if len(wave) == 0 {
		return errors.New("waveform has no channels")
	}
	if len(wave[0].waveform) == 0 {
		return errors.New("waveform has no samples")
	}
	h.mu.Lock()
	h.wave = wave
	h.mu.Unlock()
	return nil
}

type aioSetup struct {
	SampleRate float64 `json:"sampleRate"`

	Synchronized bool `json:"synchronized"`

	// InChannels names the input channels to record; empty means
	// channels 0..n-1 where n is the output channel count
	InChannels []int `json:"inChannels"`
}

// Setup negotiates and primes both streaming commands from the uploaded
// waveform and json {'sampleRate', 'synchronized', 'inChannels'}
func (h *HTTPAIO) Setup(w http.ResponseWriter, r *http.Request) {
	var input aioSetup
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.wave) == 0 {
		http.Error(w, "no waveform uploaded", http.StatusBadRequest)
		return
	}
	channels := len(h.wave)
	scans := len(h.wave[0].waveform)

	inChannels := input.InChannels
	if len(inChannels) == 0 {
		inChannels = make([]int, channels)
		for i := range inChannels {
			inChannels[i] = i
		}
	}

	h.sess.Synchronized = input.Synchronized
	h.sess.OutChanList = make([]comedi.ChanSpec, channels)
	for i := range h.wave {
		h.sess.OutChanList[i] = comedi.Pack(h.wave[i].channel, 0, comedi.ARefGround)
	}
	h.sess.InChanList = make([]comedi.ChanSpec, len(inChannels))
	for i, ch := range inChannels {
		h.sess.InChanList[i] = comedi.Pack(ch, 0, comedi.ARefGround)
	}

	buf, err := h.interleave(scans, channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.sess.Setup(scans, channels, input.SampleRate, buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.inChannels = inChannels
	h.scans = scans
	h.rate = input.SampleRate
	w.WriteHeader(http.StatusOK)
}

// interleave packs the stored per-channel waveform columns into the
// scan-major byte order the output stream wants
func (h *HTTPAIO) interleave(scans, channels int) ([]byte, error) {
	sb := h.out.SampleBytes()
	buf := make([]byte, 0, scans*channels*sb)
	for j := 0; j < scans; j++ {
		for i := 0; i < channels; i++ {
			dn := h.wave[i].waveform[j]
			switch sb {
			case 2:
				buf = binary.LittleEndian.AppendUint16(buf, uint16(dn))
			case 4:
				buf = binary.LittleEndian.AppendUint32(buf, dn)
			default:
				return nil, fmt.Errorf("cannot pack %d byte samples", sb)
			}
		}
	}
	return buf, nil
}

// Arm releases the output stream, or hands it to the input's start
// event in synchronized mode
func (h *HTTPAIO) Arm(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	err := h.sess.Arm()
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type aioRun struct {
	// Format selects the response encoding, one of "json", "csv",
	// "fits".  Empty means json.
	Format string `json:"format"`
}

// Run releases the input stream, drains the whole acquisition, and
// streams the recorded waveform back in the requested encoding
func (h *HTTPAIO) Run(w http.ResponseWriter, r *http.Request) {
	var input aioRun
	err := json.NewDecoder(r.Body).Decode(&input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	in := make([]byte, h.scans*len(h.inChannels)*h.in.SampleBytes())
	if err := h.sess.StartRead(in); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wav, err := h.waveformFromInput(in)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondWaveform(w, input.Format, wav)
}

// waveformFromInput splits the drained input buffer into labeled,
// scaled waveform channels
func (h *HTTPAIO) waveformFromInput(in []byte) (*oscilloscope.Waveform, error) {
	sb := h.in.SampleBytes()
	nchan := len(h.inChannels)
	wav := &oscilloscope.Waveform{
		DT:       1 / h.rate,
		Channels: map[string]oscilloscope.Channel{},
	}
	for i, ch := range h.inChannels {
		scale, offset := 1.0, 0.0
		if h.InCal != nil {
			var err error
			scale, offset, err = h.InCal(ch)
			if err != nil {
				return nil, err
			}
		}
		oc := oscilloscope.Channel{Scale: scale, Offset: offset}
		switch sb {
		case 2:
			data := make([]uint16, h.scans)
			for j := range data {
				data[j] = binary.LittleEndian.Uint16(in[(j*nchan+i)*2:])
			}
			oc.Data = data
		case 4:
			data := make([]uint32, h.scans)
			for j := range data {
				data[j] = binary.LittleEndian.Uint32(in[(j*nchan+i)*4:])
			}
			oc.Data = data
		default:
			return nil, fmt.Errorf("cannot demux %d byte samples", sb)
		}
		wav.Channels[fmt.Sprintf("ai%d", ch)] = oc
	}
	return wav, nil
}

// Reset aborts both streams and returns the session to idle
func (h *HTTPAIO) Reset(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	err := h.sess.Reset()
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
