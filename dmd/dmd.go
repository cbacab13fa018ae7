// Package dmd describes digital micromirror device pattern projectors.
//
// A projector holds a sequence of patterns in on-board memory and projects a
// contiguous, inclusive range of them at a fixed picture period.  When it is
// the master, each projected pattern emits a trigger pulse.
package dmd

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrProjecting is generated when a change is attempted during projection
	ErrProjecting = errors.New("dmd: projection is running")

	// ErrNoPatterns is generated when projection is started with empty memory
	ErrNoPatterns = errors.New("dmd: no patterns loaded")
)

// Range is an inclusive, zero-based interval of pattern indices
type Range struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Count is the number of patterns in the range
func (r Range) Count() int {
	return r.Last - r.First + 1
}

// RangeError is generated for a range that cannot be projected
type RangeError struct {
	Range  Range
	Loaded int
	Reason string
}

func (e RangeError) Error() string {
	return fmt.Sprintf("dmd: range %d..%d rejected: %s", e.Range.First, e.Range.Last, e.Reason)
}

// Validate checks the range against the number of loaded patterns.
// loaded < 0 skips the memory bound.
func (r Range) Validate(loaded int) error {
	if r.First < 0 || r.Last < 0 {
		return RangeError{Range: r, Loaded: loaded, Reason: "negative index"}
	}
	if r.First > r.Last {
		return RangeError{Range: r, Loaded: loaded, Reason: "first frame is after last frame"}
	}
	if loaded >= 0 && r.Last >= loaded {
		return RangeError{Range: r, Loaded: loaded, Reason: fmt.Sprintf("beyond the %d loaded patterns", loaded)}
	}
	return nil
}

// Timing holds the sequence timing, in milliseconds
type Timing struct {
	// TimeOn is how long each pattern is displayed
	TimeOn float64 `json:"timeOn"`

	// PicturePeriod is the interval between the starts of consecutive patterns
	PicturePeriod float64 `json:"picturePeriod"`
}

// Validate checks that the timing can be realized
func (t Timing) Validate() error {
	if t.PicturePeriod <= 0 {
		return fmt.Errorf("dmd: picture period %v ms must be positive", t.PicturePeriod)
	}
	if t.TimeOn < 0 {
		return fmt.Errorf("dmd: time on %v ms is negative", t.TimeOn)
	}
	if t.TimeOn >= t.PicturePeriod {
		return fmt.Errorf("dmd: time on %v ms is not shorter than the picture period %v ms", t.TimeOn, t.PicturePeriod)
	}
	return nil
}

// Memory is on-board pattern storage
type Memory interface {
	// AllocateMemory reserves room for n patterns of the given bit depth,
	// releasing any previous allocation
	AllocateMemory(n, bitDepth int) error

	// LoadPatterns copies patterns into the allocation
	LoadPatterns([]*image.Gray) error

	// AvailableMemory is the free memory, in binary frames
	AvailableMemory() (int, error)

	// PatternCount is the number of loaded patterns
	PatternCount() int
}

// PatternProjector is the DMD as seen by an acquisition controller
type PatternProjector interface {
	Memory

	// Resolution is the mirror array size
	Resolution() (width, height int)

	SetRange(Range) error
	GetRange() (Range, error)

	SetTiming(Timing) error
	GetTiming() (Timing, error)

	// SetMaster makes the projector the clock source for the camera
	SetMaster(bool) error
	GetMaster() (bool, error)

	// Start begins projecting the range, repeating until Stop
	Start() error

	// Stop halts projection.  It is safe to call when not projecting.
	Stop() error
}

// Black returns an all-zero 8-bit pattern of the given size
func Black(width, height int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, width, height))
}

// Import allocates memory for pats, loads them, and selects all of them for projection
func Import(p PatternProjector, pats []*image.Gray) error {
	if len(pats) == 0 {
		return ErrNoPatterns
	}
	if err := p.AllocateMemory(len(pats), 8); err != nil {
		return err
	}
	if err := p.LoadPatterns(pats); err != nil {
		return err
	}
	return p.SetRange(Range{First: 0, Last: len(pats) - 1})
}
