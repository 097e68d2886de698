// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// ArangeByte mirrors numpy's arange for bytes.  It accepts one, two, or
// three arguments: (end), (start, end), or (start, end, step).  The end
// value is excluded.
func ArangeByte(args ...byte) []byte {
	var start, end, step byte
	switch len(args) {
	case 1:
		start, end, step = 0, args[0], 1
	case 2:
		start, end, step = args[0], args[1], 1
	case 3:
		start, end, step = args[0], args[1], args[2]
	default:
		return nil
	}
	out := make([]byte, 0, (end-start)/step)
	for v := start; v < end; v += step {
		out = append(out, v)
	}
	return out
}

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// SetBit returns b with the given bit set to on
func SetBit(b byte, bitIndex uint, on bool) byte {
	if on {
		return b | 1<<bitIndex
	}
	return b &^ (1 << bitIndex)
}

// UniqueString reduces a slice of strings to its unique elements,
// preserving first appearance order.
func UniqueString(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Clamp limits x to the range [low, high].
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a Duration.
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
