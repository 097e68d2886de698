package comedi

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func ExampleConverter() {
	c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff}
	fmt.Println(c.ToPhysical(0), c.ToPhysical(0xffff))
	// Output: -10 10
}

func ExampleRange_String() {
	r := Range{Min: -5, Max: 5, Unit: UnitVolt}
	fmt.Println(r)
	// Output: [-5, 5] V
}

func TestConverterRoundTrip(t *testing.T) {
	c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff}
	for _, raw := range []uint32{0, 1, 255, 12345, 32767, 32768, 65534, 65535} {
		phys := c.ToPhysical(raw)
		back, err := c.FromPhysical(phys)
		if err != nil {
			t.Fatalf("raw %d: %v", raw, err)
		}
		if back != raw {
			t.Errorf("expected raw %d back through physical %g, got %d", raw, phys, back)
		}
	}
}

func TestConverterEndpoints(t *testing.T) {
	c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff}
	if got := c.ToPhysical(0); got != -10 {
		t.Errorf("expected code 0 to read -10 got %g", got)
	}
	if got := c.ToPhysical(0xffff); got != 10 {
		t.Errorf("expected code 0xffff to read 10 got %g", got)
	}
	// 0V sits exactly between two codes; ties round up
	mid, err := c.FromPhysical(0)
	if err != nil {
		t.Fatal(err)
	}
	if mid != 32768 {
		t.Errorf("expected 0V to code as 32768 got %d", mid)
	}
}

func TestConverterSaturates(t *testing.T) {
	c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff}
	got, err := c.FromPhysical(12)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xffff {
		t.Errorf("expected overdrive to saturate at 0xffff got %d", got)
	}
	got, err = c.FromPhysical(-12)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("expected underdrive to saturate at 0 got %d", got)
	}
}

func TestConverterNaNPolicy(t *testing.T) {
	c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff, Policy: OverflowNaN}
	// the rails only bound the true value, so they read as NaN
	if got := c.ToPhysical(0); !math.IsNaN(got) {
		t.Errorf("expected NaN at the low rail got %g", got)
	}
	if got := c.ToPhysical(0xffff); !math.IsNaN(got) {
		t.Errorf("expected NaN at the high rail got %g", got)
	}
	if got := c.ToPhysical(1); math.IsNaN(got) {
		t.Error("expected a number one code above the rail")
	}
	if _, err := c.FromPhysical(12); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange above the range, got %v", err)
	}
	if _, err := c.FromPhysical(-12); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange below the range, got %v", err)
	}
}

func TestConverterRejectsNaNInput(t *testing.T) {
	for _, policy := range []OverflowPolicy{OverflowNumber, OverflowNaN} {
		c := Converter{Range: Range{Min: -10, Max: 10, Unit: UnitVolt}, Maxdata: 0xffff, Policy: policy}
		if _, err := c.FromPhysical(math.NaN()); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("policy %d: expected ErrOutOfRange for NaN, got %v", policy, err)
		}
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Min: -5, Max: 5, Unit: UnitVolt}
	for _, tc := range []struct {
		v    float64
		want bool
	}{
		{-5, true},
		{0, true},
		{5, true},
		{5.01, false},
		{-5.01, false},
	} {
		if got := r.Contains(tc.v); got != tc.want {
			t.Errorf("Contains(%g): expected %v got %v", tc.v, tc.want, got)
		}
	}
}
