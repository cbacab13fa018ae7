package util_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/modscope/util"
)

func ExampleMergeErrors() {
	err := util.MergeErrors([]error{nil, errors.New("camera stop"), errors.New("dmd stop")})
	fmt.Println(err)
	// Output: camera stop; dmd stop
}

func TestMergeErrorsAllNil(t *testing.T) {
	if err := util.MergeErrors([]error{nil, nil}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMergeErrorsSingleIsUnwrapped(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := util.MergeErrors([]error{nil, sentinel})
	if err != sentinel {
		t.Errorf("expected the sole error to be returned as-is, got %v", err)
	}
}

func TestMergeErrorsIs(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	err := util.MergeErrors([]error{a, b})
	if !errors.Is(err, a) || !errors.Is(err, b) {
		t.Errorf("expected errors.Is to find both members of %v", err)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	out := util.SecsToDuration(0.01)
	if out != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %v", out)
	}
}

func TestAllElementsNumbers(t *testing.T) {
	cases := map[string]bool{
		"":     false,
		"10":   true,
		"0.04": true,
		"25ms": false,
	}
	for in, expected := range cases {
		if got := util.AllElementsNumbers(in); got != expected {
			t.Errorf("AllElementsNumbers(%q) = %v, expected %v", in, got, expected)
		}
	}
}
