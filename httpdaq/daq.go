package httpdaq

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/gocomedi/oscilloscope"
)

// Identifier describes devices which can name the hardware behind them
type Identifier interface {
	// DriverName returns the name of the kernel driver
	DriverName() string

	// BoardName returns the name of the board the driver attached to
	BoardName() string

	// Version returns the driver version as a dotted string
	Version() string
}

// HTTPIdentify adds a route describing the hardware to a table
func HTTPIdentify(iface Identifier, table RouteTable) {
	table[MethodPath{Method: http.MethodGet, Path: "/id"}] = Identify(iface)
}

type identityT struct {
	Driver string `json:"driver"`

	Board string `json:"board"`

	Version string `json:"version"`
}

// Identify returns an HTTP handlerfunc that describes the hardware
func Identify(i Identifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityT{Driver: i.DriverName(), Board: i.BoardName(), Version: i.Version()}
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// ADC is a model for a simple analog to digital converter
type ADC interface {
	// ReadVoltage returns the voltage on a given channel
	ReadVoltage(int) (float64, error)

	// ReadDN returns the raw data number on a given channel
	ReadDN(int) (uint32, error)
}

// HTTPADC adds routes for single-sample analog input to a table
func HTTPADC(iface ADC, table RouteTable) {
	table[MethodPath{Method: http.MethodGet, Path: "/voltage"}] = ReadVoltage(iface)
	table[MethodPath{Method: http.MethodGet, Path: "/voltage-dn"}] = ReadDN(iface)
}

type channelT struct {
	Channel int `json:"channel"`
}

type channelVoltage struct {
	Channel int `json:"channel"`

	Voltage float64 `json:"voltage"`
}

type channelDN struct {
	Channel int `json:"channel"`

	DN uint32 `json:"dn"`
}

// ReadVoltage returns an HTTP handlerfunc that reads the voltage on a channel
func ReadVoltage(a ADC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := a.ReadVoltage(input.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

// ReadDN returns an HTTP handlerfunc that reads the raw data number on a channel
func ReadDN(a ADC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dn, err := a.ReadDN(input.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(Uint32T{Uint: dn})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// DAC is a model for a simple digital to analog converter
type DAC interface {
	// Output sends a voltage on a given channel
	Output(int, float64) error

	// OutputDN sends a raw data number on a given channel
	OutputDN(int, uint32) error
}

// HTTPDAC adds routes for single-sample analog output to a table
func HTTPDAC(iface DAC, table RouteTable) {
	table[MethodPath{Method: http.MethodPost, Path: "/output"}] = Output(iface)
	table[MethodPath{Method: http.MethodPost, Path: "/output-dn"}] = OutputDN(iface)
}

// Output returns an HTTP handlerfunc that will write a voltage to a channel
func Output(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelVoltage
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.Output(input.Channel, input.Voltage)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// OutputDN returns an HTTP handlerfunc that will write a data number to a channel
func OutputDN(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelDN
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.OutputDN(input.Channel, input.DN)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// MultiChannelDAC allows multiple channels to be written at once
type MultiChannelDAC interface {
	DAC

	// OutputMulti writes a sequence of voltages to a sequence of channels
	OutputMulti([]int, []float64) error

	// OutputMultiDN writes a sequence of data numbers to a sequence of channels
	OutputMultiDN([]int, []uint32) error
}

// HTTPMultiChannel adds routes for multi channel output to a table
func HTTPMultiChannel(iface MultiChannelDAC, table RouteTable) {
	table[MethodPath{Method: http.MethodPost, Path: "/output-multi"}] = OutputMulti(iface)
	table[MethodPath{Method: http.MethodPost, Path: "/output-multi-dn"}] = OutputMultiDN(iface)
}

type channelsVoltages struct {
	Channels []int `json:"channel"`

	Voltages []float64 `json:"voltage"`
}

type channelsDNs struct {
	Channels []int `json:"channel"`

	DNs []uint32 `json:"dn"`
}

// OutputMulti returns an HTTP handlerfunc that will write voltages to several channels
func OutputMulti(d MultiChannelDAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelsVoltages
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.OutputMulti(input.Channels, input.Voltages)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// OutputMultiDN returns an HTTP handlerfunc that will write data numbers to several channels
func OutputMultiDN(d MultiChannelDAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelsDNs
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.OutputMultiDN(input.Channels, input.DNs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// DigitalIO is a bank of digital lines with per-line direction control
type DigitalIO interface {
	// SetDirection configures a line as "input" or "output"
	SetDirection(int, string) error

	// GetDirection returns "input" or "output" for a line
	GetDirection(int) (string, error)

	// ReadBit returns the level on a line
	ReadBit(int) (bool, error)

	// WriteBit sets the level on an output line
	WriteBit(int, bool) error

	// Bitfield writes bits under mask starting at a base line and returns
	// the levels of the whole word
	Bitfield(mask, bits uint32, base int) (uint32, error)
}

// HTTPDigital adds routes for digital line control to a table
func HTTPDigital(iface DigitalIO, table RouteTable) {
	table[MethodPath{Method: http.MethodPost, Path: "/digital/direction"}] = SetDigitalDirection(iface)
	table[MethodPath{Method: http.MethodGet, Path: "/digital/direction"}] = GetDigitalDirection(iface)

	table[MethodPath{Method: http.MethodGet, Path: "/digital/bit"}] = ReadBit(iface)
	table[MethodPath{Method: http.MethodPost, Path: "/digital/bit"}] = WriteBit(iface)

	table[MethodPath{Method: http.MethodPost, Path: "/digital/bitfield"}] = Bitfield(iface)
}

type channelDirection struct {
	Channel int `json:"channel"`

	Direction string `json:"direction"`
}

type channelBit struct {
	Channel int `json:"channel"`

	On bool `json:"on"`
}

type bitfieldT struct {
	Mask uint32 `json:"mask"`

	Bits uint32 `json:"bits"`

	Base int `json:"base"`
}

// SetDigitalDirection configures one digital line as input or output
func SetDigitalDirection(d DigitalIO) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelDirection
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.SetDirection(input.Channel, input.Direction)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetDigitalDirection retrieves the direction of one digital line
func GetDigitalDirection(d DigitalIO) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dir, err := d.GetDirection(input.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: dir}
		hp.EncodeAndRespond(w, r)
	}
}

// ReadBit returns an HTTP handlerfunc that reads the level on a digital line
func ReadBit(d DigitalIO) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		on, err := d.ReadBit(input.Channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: on}
		hp.EncodeAndRespond(w, r)
	}
}

// WriteBit returns an HTTP handlerfunc that sets the level on a digital line
func WriteBit(d DigitalIO) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelBit
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.WriteBit(input.Channel, input.On)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Bitfield returns an HTTP handlerfunc that updates a group of digital lines
// in one shot and reports the resulting word
func Bitfield(d DigitalIO) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input bitfieldT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		word, err := d.Bitfield(input.Mask, input.Bits, input.Base)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(Uint32T{Uint: word})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Capturer runs hardware-timed acquisitions
type Capturer interface {
	// Capture samples the given channels at sampleRate Hz for scans samples
	// per channel and returns the recorded waveform
	Capture(channels []int, sampleRate float64, scans int) (*oscilloscope.Waveform, error)
}

// HTTPCapture adds a route for timed acquisition to a table
func HTTPCapture(iface Capturer, table RouteTable) {
	table[MethodPath{Method: http.MethodPost, Path: "/capture"}] = CaptureWaveform(iface)
}

type captureT struct {
	Channels []int `json:"channels"`

	SampleRate float64 `json:"sampleRate"`

	Scans int `json:"scans"`

	// Format selects the response encoding, one of "json", "csv", "fits".
	// Empty means json.
	Format string `json:"format"`
}

type waveformJSON struct {
	DT float64 `json:"dt"`

	Channels map[string][]float64 `json:"channels"`
}

// respondWaveform streams wav back in the requested encoding, one of
// json, csv, or fits.  Empty means json.
func respondWaveform(w http.ResponseWriter, format string, wav *oscilloscope.Waveform) {
	var err error
	switch format {
	case "", "json":
		out := waveformJSON{DT: wav.DT, Channels: map[string][]float64{}}
		for _, label := range wav.SortedChannels() {
			out.Channels[label] = wav.Channels[label].Physical()
		}
		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(out)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		err = wav.EncodeCSV(w)
	case "fits":
		w.Header().Set("Content-Type", "application/fits")
		err = oscilloscope.WriteFITS(w, nil, wav)
	default:
		http.Error(w, fmt.Sprintf("format must be one of {json, csv, fits}, got %q", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// CaptureWaveform returns an HTTP handlerfunc that runs a timed acquisition
// and streams the waveform back in the requested encoding
func CaptureWaveform(c Capturer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input captureT
		err := json.NewDecoder(r.Body).Decode(&input)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, err := c.Capture(input.Channels, input.SampleRate, input.Scans)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondWaveform(w, input.Format, wav)
	}
}

// HTTPDevice wraps a device satisfying any combination of the interfaces in
// this package in an HTTP route table
type HTTPDevice struct {
	dev interface{}

	RouteTable RouteTable
}

// NewHTTPDevice probes dev for each capability and builds routes for the
// ones it satisfies
func NewHTTPDevice(dev interface{}) HTTPDevice {
	h := HTTPDevice{dev: dev}
	rt := RouteTable{}
	if i, ok := dev.(Identifier); ok {
		HTTPIdentify(i, rt)
	}
	if a, ok := dev.(ADC); ok {
		HTTPADC(a, rt)
	}
	if d, ok := dev.(DAC); ok {
		HTTPDAC(d, rt)
	}
	if md, ok := dev.(MultiChannelDAC); ok {
		HTTPMultiChannel(md, rt)
	}
	if dio, ok := dev.(DigitalIO); ok {
		HTTPDigital(dio, rt)
	}
	if c, ok := dev.(Capturer); ok {
		HTTPCapture(c, rt)
	}
	h.RouteTable = rt
	return h
}

// RT satisfies HTTPer
func (h HTTPDevice) RT() RouteTable {
	return h.RouteTable
}
