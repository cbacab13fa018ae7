// Package util contains misc internal utilities.
package util

import (
	"strings"
	"time"
	"unicode"
)

// MultiError is a collection of errors returned by MergeErrors
type MultiError []error

// Error joins the messages of the contained errors with "; "
func (m MultiError) Error() string {
	s := make([]string, len(m))
	for i, e := range m {
		s[i] = e.Error()
	}
	return strings.Join(s, "; ")
}

// Unwrap allows errors.Is and errors.As to inspect each member
func (m MultiError) Unwrap() []error {
	return m
}

// MergeErrors drops nil errors and merges the remainder.
// it returns nil if there are none, the error itself if there is one,
// and a MultiError otherwise.
func MergeErrors(errs []error) error {
	var out MultiError
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// Clamp restricts input to the closed interval [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// AllElementsNumbers returns true if every rune in s is a digit or a decimal point.
// "" is not a number.
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}
