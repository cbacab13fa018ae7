// Package trigger couples a camera to a pattern projector so that each
// projected pattern exposes exactly one frame.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/dmd"
	"go.uber.org/zap"
)

const (
	// TimeOnMargin is subtracted from the exposure (ms) to get the pattern on time
	TimeOnMargin = 10.

	// PeriodMargin is added to the exposure (ms) to get the picture period
	PeriodMargin = 20.

	// DefaultMaxExposure is the longest exposure accepted by default
	DefaultMaxExposure = 10 * time.Second
)

var (
	// ErrAcquisitionActive is generated when Configure is called while an acquisition holds the coordinator
	ErrAcquisitionActive = errors.New("trigger: cannot reconfigure during an acquisition")
)

// ExposureError is generated for an exposure time outside the accepted interval
type ExposureError struct {
	Exposure time.Duration
	Max      time.Duration
	Reason   string
}

func (e ExposureError) Error() string {
	return fmt.Sprintf("trigger: exposure %v rejected: %s (accepted interval (0, %v])", e.Exposure, e.Reason, e.Max)
}

// Timing is the derived sequence timing for one exposure
type Timing struct {
	Exposure time.Duration `json:"exposure"`

	// TimeOn and PicturePeriod are in milliseconds
	TimeOn        float64 `json:"timeOn"`
	PicturePeriod float64 `json:"picturePeriod"`

	// Frames is the number of patterns, and so of frames, in the sequence
	Frames int `json:"frames"`
}

// Projector returns the projector half of the timing
func (t Timing) Projector() dmd.Timing {
	return dmd.Timing{TimeOn: t.TimeOn, PicturePeriod: t.PicturePeriod}
}

// Camera is the part of a camera.FrameSource the coordinator drives
type Camera interface {
	camera.Exposer
	camera.Triggerable
	SetAcquisitionMode(camera.AcquisitionMode) error
	SetNumberFrames(int) error
}

// Projector is the part of a dmd.PatternProjector the coordinator drives
type Projector interface {
	PatternCount() int
	SetRange(dmd.Range) error
	SetTiming(dmd.Timing) error
	SetMaster(bool) error
}

// Compute derives the sequence timing from an exposure.  It does not touch any device.
func Compute(exposure, max time.Duration) (Timing, error) {
	if max <= 0 {
		max = DefaultMaxExposure
	}
	if exposure <= 0 {
		return Timing{}, ExposureError{Exposure: exposure, Max: max, Reason: "not positive"}
	}
	if exposure > max {
		return Timing{}, ExposureError{Exposure: exposure, Max: max, Reason: "too long"}
	}
	ms := float64(exposure) / float64(time.Millisecond)
	t := Timing{
		Exposure:      exposure,
		TimeOn:        ms - TimeOnMargin,
		PicturePeriod: ms + PeriodMargin,
	}
	if t.TimeOn < 0 {
		return Timing{}, ExposureError{Exposure: exposure, Max: max,
			Reason: fmt.Sprintf("shorter than the %v ms projector settling margin", TimeOnMargin)}
	}
	return t, nil
}

// Coordinator configures a camera and a projector for projector-mastered acquisition
type Coordinator struct {
	Camera    Camera
	Projector Projector

	// MaxExposure bounds the exposure time; zero means DefaultMaxExposure
	MaxExposure time.Duration

	Log *zap.Logger

	mu     sync.Mutex
	active bool
}

// New returns a Coordinator for the devices
func New(cam Camera, proj Projector, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{Camera: cam, Projector: proj, MaxExposure: DefaultMaxExposure, Log: log}
}

// Begin marks the start of an acquisition; Configure is rejected until End
func (c *Coordinator) Begin() {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
}

// End marks the end of an acquisition
func (c *Coordinator) End() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// Active returns true between Begin and End
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Validate checks a range and exposure without touching the devices
func (c *Coordinator) Validate(r dmd.Range, exposure time.Duration) (Timing, error) {
	t, err := Compute(exposure, c.MaxExposure)
	if err != nil {
		return t, err
	}
	if err := r.Validate(c.Projector.PatternCount()); err != nil {
		return Timing{}, err
	}
	t.Frames = r.Count()
	return t, nil
}

// Configure pushes the range and derived timing to the projector, makes it
// the master, and arms the camera for exactly one frame per projected pattern
// on a positive edge external trigger.
//
// All arguments are validated before any device is touched.
func (c *Coordinator) Configure(r dmd.Range, exposure time.Duration) (Timing, error) {
	if c.Active() {
		return Timing{}, ErrAcquisitionActive
	}
	t, err := c.Validate(r, exposure)
	if err != nil {
		return Timing{}, err
	}
	steps := []struct {
		what string
		fn   func() error
	}{
		{"projector range", func() error { return c.Projector.SetRange(r) }},
		{"projector timing", func() error { return c.Projector.SetTiming(t.Projector()) }},
		{"camera acquisition mode", func() error { return c.Camera.SetAcquisitionMode(camera.FixedLength) }},
		{"camera frame count", func() error { return c.Camera.SetNumberFrames(t.Frames) }},
		{"camera exposure", func() error { return c.Camera.SetExposureTime(exposure) }},
		{"projector master", func() error { return c.Projector.SetMaster(true) }},
		{"camera trigger source", func() error { return c.Camera.SetTriggerSource(camera.SourceExternal) }},
		{"camera trigger mode", func() error { return c.Camera.SetTriggerMode(camera.ModeNormal) }},
		{"camera trigger polarity", func() error { return c.Camera.SetTriggerPolarity(camera.PolarityPositive) }},
		{"camera trigger active", func() error { return c.Camera.SetTriggerActive(camera.ActiveEdge) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return Timing{}, fmt.Errorf("trigger: setting %s: %w", s.what, err)
		}
	}
	c.Log.Info("trigger configured",
		zap.Int("first", r.First), zap.Int("last", r.Last), zap.Int("frames", t.Frames),
		zap.Duration("exposure", exposure),
		zap.Float64("timeOnMs", t.TimeOn), zap.Float64("picturePeriodMs", t.PicturePeriod))
	return t, nil
}
