package httpdaq_test

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/gocomedi/comedi"
	"github.com/nasa-jpl/gocomedi/httpdaq"
	"github.com/nasa-jpl/gocomedi/oscilloscope"
)

// fakeDAQ satisfies every capability interface so one router exercises
// the whole grammar
type fakeDAQ struct {
	voltages map[int]float64
	dns      map[int]uint32

	out   map[int]float64
	outDN map[int]uint32

	dirs map[int]string
	bits map[int]bool
	word uint32

	captureChannels []int
	captureRate     float64
	captureScans    int

	err error
}

func newFakeDAQ() *fakeDAQ {
	return &fakeDAQ{
		voltages: map[int]float64{},
		dns:      map[int]uint32{},
		out:      map[int]float64{},
		outDN:    map[int]uint32{},
		dirs:     map[int]string{},
		bits:     map[int]bool{},
	}
}

func (f *fakeDAQ) DriverName() string { return "fake" }
func (f *fakeDAQ) BoardName() string  { return "sim" }
func (f *fakeDAQ) Version() string    { return "0.7.76" }

func (f *fakeDAQ) ReadVoltage(ch int) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.voltages[ch], nil
}

func (f *fakeDAQ) ReadDN(ch int) (uint32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.dns[ch], nil
}

func (f *fakeDAQ) Output(ch int, v float64) error {
	if f.err != nil {
		return f.err
	}
	f.out[ch] = v
	return nil
}

func (f *fakeDAQ) OutputDN(ch int, dn uint32) error {
	if f.err != nil {
		return f.err
	}
	f.outDN[ch] = dn
	return nil
}

func (f *fakeDAQ) OutputMulti(chs []int, vs []float64) error {
	for i := range chs {
		if err := f.Output(chs[i], vs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDAQ) OutputMultiDN(chs []int, dns []uint32) error {
	for i := range chs {
		if err := f.OutputDN(chs[i], dns[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDAQ) SetDirection(ch int, dir string) error {
	f.dirs[ch] = dir
	return nil
}

func (f *fakeDAQ) GetDirection(ch int) (string, error) {
	return f.dirs[ch], nil
}

func (f *fakeDAQ) ReadBit(ch int) (bool, error) {
	return f.bits[ch], nil
}

func (f *fakeDAQ) WriteBit(ch int, on bool) error {
	f.bits[ch] = on
	return nil
}

func (f *fakeDAQ) Bitfield(mask, bits uint32, base int) (uint32, error) {
	f.word = (f.word &^ mask) | (bits & mask)
	return f.word, nil
}

func (f *fakeDAQ) Capture(channels []int, rate float64, scans int) (*oscilloscope.Waveform, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.captureChannels = channels
	f.captureRate = rate
	f.captureScans = scans
	return &oscilloscope.Waveform{
		DT: 1 / rate,
		Channels: map[string]oscilloscope.Channel{
			"ai0": {Data: []uint16{1, 2, 3}, Scale: 1},
		},
	}, nil
}

// outOnly satisfies DAC and nothing else
type outOnly struct {
	ch int
	v  float64
}

func (o *outOnly) Output(ch int, v float64) error {
	o.ch, o.v = ch, v
	return nil
}

func (o *outOnly) OutputDN(ch int, dn uint32) error { return nil }

func newRouter(dev interface{}) chi.Router {
	r := chi.NewRouter()
	httpdaq.NewHTTPDevice(dev).RT().Bind(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouteTableFollowsCapabilities(t *testing.T) {
	full := httpdaq.NewHTTPDevice(newFakeDAQ()).RT().Endpoints()
	if !sort.StringsAreSorted(full) {
		t.Errorf("expected sorted endpoint list, got %v", full)
	}
	wanted := []string{
		"GET /id",
		"GET /voltage",
		"GET /voltage-dn",
		"POST /output",
		"POST /output-dn",
		"POST /output-multi",
		"POST /output-multi-dn",
		"POST /digital/direction",
		"GET /digital/direction",
		"GET /digital/bit",
		"POST /digital/bit",
		"POST /digital/bitfield",
		"POST /capture",
	}
	have := map[string]bool{}
	for _, e := range full {
		have[e] = true
	}
	for _, w := range wanted {
		if !have[w] {
			t.Errorf("expected endpoint %q, got %v", w, full)
		}
	}

	partial := httpdaq.NewHTTPDevice(&outOnly{}).RT().Endpoints()
	if len(partial) != 2 {
		t.Errorf("expected 2 endpoints for an output-only device, got %v", partial)
	}
	for _, e := range partial {
		if e != "POST /output" && e != "POST /output-dn" {
			t.Errorf("expected only output routes, got %q", e)
		}
	}
}

func TestEndpointsRoute(t *testing.T) {
	r := newRouter(&outOnly{})
	rec := do(t, r, http.MethodGet, "/endpoints", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var eps []string
	if err := json.NewDecoder(rec.Body).Decode(&eps); err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Errorf("expected 2 endpoints got %v", eps)
	}
}

func TestIdentify(t *testing.T) {
	r := newRouter(newFakeDAQ())
	rec := do(t, r, http.MethodGet, "/id", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var id struct {
		Driver  string `json:"driver"`
		Board   string `json:"board"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&id); err != nil {
		t.Fatal(err)
	}
	if id.Driver != "fake" || id.Board != "sim" || id.Version != "0.7.76" {
		t.Errorf("expected fake/sim/0.7.76 got %+v", id)
	}
}

func TestAnalogRoutes(t *testing.T) {
	fake := newFakeDAQ()
	fake.voltages[1] = 2.5
	fake.dns[1] = 4096
	r := newRouter(fake)

	rec := do(t, r, http.MethodGet, "/voltage", `{"channel": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var f struct {
		F64 float64 `json:"f64"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 2.5 {
		t.Errorf("expected 2.5 got %v", f.F64)
	}

	rec = do(t, r, http.MethodGet, "/voltage-dn", `{"channel": 1}`)
	var u struct {
		Uint uint32 `json:"uint"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatal(err)
	}
	if u.Uint != 4096 {
		t.Errorf("expected 4096 got %v", u.Uint)
	}

	rec = do(t, r, http.MethodPost, "/output", `{"channel": 2, "voltage": -3.3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if fake.out[2] != -3.3 {
		t.Errorf("expected -3.3 on channel 2 got %v", fake.out[2])
	}

	rec = do(t, r, http.MethodPost, "/output-dn", `{"channel": 0, "dn": 32768}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if fake.outDN[0] != 32768 {
		t.Errorf("expected 32768 on channel 0 got %v", fake.outDN[0])
	}

	rec = do(t, r, http.MethodPost, "/output-multi", `{"channel": [0, 1], "voltage": [1, 2]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if fake.out[0] != 1 || fake.out[1] != 2 {
		t.Errorf("expected 1 and 2 got %v", fake.out)
	}
}

func TestAnalogRouteErrors(t *testing.T) {
	fake := newFakeDAQ()
	fake.err = fmt.Errorf("the magic smoke escaped")
	r := newRouter(fake)

	rec := do(t, r, http.MethodGet, "/voltage", `{"channel": 0}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/output", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 got %d", rec.Code)
	}
}

func TestDigitalRoutes(t *testing.T) {
	fake := newFakeDAQ()
	r := newRouter(fake)

	rec := do(t, r, http.MethodPost, "/digital/direction", `{"channel": 3, "direction": "output"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if fake.dirs[3] != "output" {
		t.Errorf("expected output got %q", fake.dirs[3])
	}

	rec = do(t, r, http.MethodGet, "/digital/direction", `{"channel": 3}`)
	var s struct {
		Str string `json:"str"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Str != "output" {
		t.Errorf("expected output got %q", s.Str)
	}

	rec = do(t, r, http.MethodPost, "/digital/bit", `{"channel": 3, "on": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/digital/bit", `{"channel": 3}`)
	var b struct {
		Bool bool `json:"bool"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if !b.Bool {
		t.Error("expected the bit to read back true")
	}

	rec = do(t, r, http.MethodPost, "/digital/bitfield", `{"mask": 3, "bits": 2, "base": 0}`)
	var u struct {
		Uint uint32 `json:"uint"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&u); err != nil {
		t.Fatal(err)
	}
	if u.Uint != 2 {
		t.Errorf("expected word 2 got %d", u.Uint)
	}
}

func TestCaptureFormats(t *testing.T) {
	fake := newFakeDAQ()
	r := newRouter(fake)

	rec := do(t, r, http.MethodPost, "/capture", `{"channels": [0], "sampleRate": 1000, "scans": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var wav struct {
		DT       float64              `json:"dt"`
		Channels map[string][]float64 `json:"channels"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&wav); err != nil {
		t.Fatal(err)
	}
	if wav.DT != 0.001 {
		t.Errorf("expected dt 0.001 got %v", wav.DT)
	}
	if got := wav.Channels["ai0"]; len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("expected [1 2 3] got %v", got)
	}
	if fake.captureScans != 3 || fake.captureRate != 1000 {
		t.Errorf("expected the capture args to pass through, got %d scans at %g Hz",
			fake.captureScans, fake.captureRate)
	}

	rec = do(t, r, http.MethodPost, "/capture", `{"channels": [0], "sampleRate": 1000, "scans": 3, "format": "csv"}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv got %q", ct)
	}
	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("expected header plus 3 rows got %d", len(rows))
	}

	rec = do(t, r, http.MethodPost, "/capture", `{"channels": [0], "sampleRate": 1000, "scans": 3, "format": "fits"}`)
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("SIMPLE")) {
		t.Error("expected a FITS stream starting with SIMPLE")
	}

	rec = do(t, r, http.MethodPost, "/capture", `{"channels": [0], "sampleRate": 1000, "scans": 3, "format": "xml"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown format got %d", rec.Code)
	}
}

func TestLockerBouncesProtectedRoutes(t *testing.T) {
	fake := newFakeDAQ()
	lk := httpdaq.NewLocker()
	h := httpdaq.NewHTTPDevice(fake)
	httpdaq.InjectLock(h, lk)
	r := chi.NewRouter()
	r.Use(lk.Check)
	h.RT().Bind(r)

	rec := do(t, r, http.MethodPost, "/lock", `{"bool": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/output", `{"channel": 0, "voltage": 1}`)
	if rec.Code != http.StatusLocked {
		t.Errorf("expected 423 while locked got %d", rec.Code)
	}
	if len(fake.out) != 0 {
		t.Errorf("expected no output writes while locked, got %v", fake.out)
	}
	rec = do(t, r, http.MethodGet, "/endpoints", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected the endpoint index to stay reachable, got %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/lock", "")
	var b struct {
		Bool bool `json:"bool"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if !b.Bool {
		t.Error("expected the lock to read back held")
	}

	rec = do(t, r, http.MethodPost, "/lock", `{"bool": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/output", `{"channel": 0, "voltage": 1}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after unlock got %d", rec.Code)
	}
}

// fakePort is a scripted streaming subdevice for session tests
type fakePort struct {
	flags  comedi.SubdeviceFlags
	inData []byte
	inOff  int
	sink   []byte
	trigs  int
}

func (f *fakePort) Read(p []byte) (int, error) {
	n := copy(p, f.inData[f.inOff:])
	f.inOff += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.sink = append(f.sink, p...)
	return len(p), nil
}

func (f *fakePort) GenericTimedCommand(nChan int, periodNS uint32) (*comedi.Command, error) {
	c := &comedi.Command{
		StartSrc:     comedi.TrigNow,
		ScanBeginSrc: comedi.TrigTimer,
		ScanBeginArg: periodNS,
		ConvertSrc:   comedi.TrigNow,
		ScanEndSrc:   comedi.TrigCount,
		ScanEndArg:   uint32(nChan),
		StopSrc:      comedi.TrigCount,
		StopArg:      2,
		ChanList:     make([]comedi.ChanSpec, nChan),
	}
	for i := range c.ChanList {
		c.ChanList[i] = comedi.Pack(i, 0, comedi.ARefGround)
	}
	return c, nil
}

func (f *fakePort) NegotiateCommand(c *comedi.Command) error { return nil }
func (f *fakePort) RunCommand(c *comedi.Command) error       { return nil }

func (f *fakePort) InternalTrigger(trignum uint32) error {
	f.trigs++
	return nil
}

func (f *fakePort) Cancel() error { return nil }

func (f *fakePort) Flags() (comedi.SubdeviceFlags, error) { return f.flags, nil }

func (f *fakePort) BufferContents() (int, error) { return len(f.inData) - f.inOff, nil }

func (f *fakePort) SampleBytes() int { return 2 }

func le16(vals ...uint16) []byte {
	var out []byte
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out
}

func TestAIOLifecycleOverHTTP(t *testing.T) {
	in := &fakePort{
		flags:  comedi.FlagCmd | comedi.FlagCmdRead | comedi.FlagReadable,
		inData: le16(10, 20, 30, 40),
	}
	out := &fakePort{flags: comedi.FlagCmd | comedi.FlagCmdWrite | comedi.FlagWritable}
	h, err := httpdaq.NewHTTPAIO(in, out)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	h.RT().Bind(r)

	state := func() string {
		rec := do(t, r, http.MethodGet, "/state", "")
		var s struct {
			Str string `json:"str"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
			t.Fatal(err)
		}
		return s.Str
	}

	if got := state(); got != "Initialized" {
		t.Fatalf("expected Initialized got %q", got)
	}

	rec := do(t, r, http.MethodPost, "/waveform/upload/dn/csv", "0,1\n100,200\n150,250")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodPost, "/setup", `{"sampleRate": 1000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if got := state(); got != "Setup" {
		t.Errorf("expected Setup got %q", got)
	}
	// scan-major interleave plus one hold scan, all primed at setup
	wantSink := le16(100, 200, 150, 250, 150, 250)
	if !bytes.Equal(out.sink, wantSink) {
		t.Errorf("expected preload %v got %v", wantSink, out.sink)
	}

	rec = do(t, r, http.MethodPost, "/arm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if out.trigs != 1 {
		t.Errorf("expected one output trigger got %d", out.trigs)
	}
	if got := state(); got != "Armed" {
		t.Errorf("expected Armed got %q", got)
	}

	rec = do(t, r, http.MethodPost, "/run", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var wav struct {
		DT       float64              `json:"dt"`
		Channels map[string][]float64 `json:"channels"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&wav); err != nil {
		t.Fatal(err)
	}
	if wav.DT != 0.001 {
		t.Errorf("expected dt 0.001 got %v", wav.DT)
	}
	if got := wav.Channels["ai0"]; len(got) != 2 || got[0] != 10 || got[1] != 30 {
		t.Errorf("expected ai0 [10 30] got %v", got)
	}
	if got := wav.Channels["ai1"]; len(got) != 2 || got[0] != 20 || got[1] != 40 {
		t.Errorf("expected ai1 [20 40] got %v", got)
	}

	rec = do(t, r, http.MethodPost, "/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if got := state(); got != "Initialized" {
		t.Errorf("expected Initialized got %q", got)
	}
}

func TestAIOFloatUpload(t *testing.T) {
	in := &fakePort{flags: comedi.FlagCmd | comedi.FlagCmdRead | comedi.FlagReadable}
	out := &fakePort{flags: comedi.FlagCmd | comedi.FlagCmdWrite | comedi.FlagWritable}
	h, err := httpdaq.NewHTTPAIO(in, out)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	h.RT().Bind(r)

	rec := do(t, r, http.MethodPost, "/waveform/upload/float/csv", "0\n1.5\n2.5")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 without calibration got %d", rec.Code)
	}

	h.OutCode = func(channel int, volts float64) (uint32, error) {
		return uint32(volts * 10), nil
	}
	rec = do(t, r, http.MethodPost, "/waveform/upload/float/csv", "0\n1.5\n2.5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, r, http.MethodPost, "/setup", `{"sampleRate": 500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	wantSink := le16(15, 25, 25)
	if !bytes.Equal(out.sink, wantSink) {
		t.Errorf("expected preload %v got %v", wantSink, out.sink)
	}
}

func TestAIOUploadValidation(t *testing.T) {
	in := &fakePort{flags: comedi.FlagCmd | comedi.FlagCmdRead | comedi.FlagReadable}
	out := &fakePort{flags: comedi.FlagCmd | comedi.FlagCmdWrite | comedi.FlagWritable}
	h, err := httpdaq.NewHTTPAIO(in, out)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	h.RT().Bind(r)

	rec := do(t, r, http.MethodPost, "/waveform/upload/dn/csv", "0,1\n1,2\n3")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for ragged columns got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/waveform/upload/dn/csv", "0,1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a header with no samples got %d", rec.Code)
	}
	rec = do(t, r, http.MethodPost, "/setup", `{"sampleRate": 1000}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for setup before upload got %d", rec.Code)
	}
}
