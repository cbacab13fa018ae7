/*Package camera describes the interfaces used to drive a scientific camera
for triggered acquisition.

A FrameSource owns a ring of frame buffers that it fills from its own capture
goroutine (or from hardware).  Consumers never write to the ring; they fetch
batches, the newest frame, or a frame at a ring index they compute.

*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotAcquiring is generated when a frame is requested and the camera is not acquiring
	ErrNotAcquiring = errors.New("camera: acquisition not running")

	// ErrTimeout is generated when a blocking fetch waits longer than the camera's frame timeout
	ErrTimeout = errors.New("camera: timeout waiting for frame")

	// ErrBadSlot is generated when a ring index outside [0, NumberImageBuffers) is requested
	ErrBadSlot = errors.New("camera: ring index out of range")
)

// EnumError is generated when a string does not name a member of an enum
type EnumError struct {
	Enum  string
	Value string
}

func (e EnumError) Error() string {
	return fmt.Sprintf("camera: %q is not a valid %s", e.Value, e.Enum)
}

// AcquisitionMode is the way the camera fills its ring
type AcquisitionMode int

const (
	// FixedLength stops capturing after NumberFrames frames
	FixedLength AcquisitionMode = iota

	// RunTillAbort captures into the ring until stopped, overwriting the oldest slot
	RunTillAbort
)

// AcquisitionModes maps config strings to modes
var AcquisitionModes = map[string]AcquisitionMode{
	"fixed_length":   FixedLength,
	"run_till_abort": RunTillAbort,
}

func (m AcquisitionMode) String() string {
	for k, v := range AcquisitionModes {
		if v == m {
			return k
		}
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// ParseAcquisitionMode converts a string like "run_till_abort" to an AcquisitionMode
func ParseAcquisitionMode(s string) (AcquisitionMode, error) {
	m, ok := AcquisitionModes[strings.ToLower(s)]
	if !ok {
		return 0, EnumError{Enum: "acquisition mode", Value: s}
	}
	return m, nil
}

// MarshalText satisfies encoding.TextMarshaler
func (m AcquisitionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler
func (m *AcquisitionMode) UnmarshalText(b []byte) error {
	mode, err := ParseAcquisitionMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// TriggerSource selects what starts an exposure
type TriggerSource string

// TriggerMode selects how a trigger is interpreted
type TriggerMode string

// TriggerPolarity selects the electrical polarity of the trigger line
type TriggerPolarity string

// TriggerActive selects whether the trigger acts on an edge or a level
type TriggerActive string

const (
	SourceInternal TriggerSource = "internal"
	SourceExternal TriggerSource = "external"
	SourceSoftware TriggerSource = "software"

	ModeNormal TriggerMode = "normal"
	ModeStart  TriggerMode = "start"

	PolarityPositive TriggerPolarity = "positive"
	PolarityNegative TriggerPolarity = "negative"

	ActiveEdge  TriggerActive = "edge"
	ActiveLevel TriggerActive = "level"
)

// Trigger is the full trigger configuration of the camera
type Trigger struct {
	Source   TriggerSource   `json:"source"`
	Mode     TriggerMode     `json:"mode"`
	Polarity TriggerPolarity `json:"polarity"`
	Active   TriggerActive   `json:"active"`
}

// AOI describes an area of interest on the camera
type AOI struct {
	// Left is the left pixel index.  1-based
	Left int `json:"left"`

	// Top is the top pixel index.  1-based
	Top int `json:"top"`

	// Width is the width in pixels (subarray h)
	Width int `json:"width"`

	// Height is the height in pixels (subarray v)
	Height int `json:"height"`
}

// Binning encapsulates information about pixel addition on camera
type Binning struct {
	// H is the horizontal binning factor
	H int `json:"h"`

	// V is the vertical binning factor
	V int `json:"v"`
}

// EffectiveShape is the (rows, cols) of frames read out with this AOI and binning.
// a binning factor below 1 is treated as 1.
func EffectiveShape(aoi AOI, b Binning) (rows, cols int) {
	h, v := b.H, b.V
	if h < 1 {
		h = 1
	}
	if v < 1 {
		v = 1
	}
	return aoi.Height / v, aoi.Width / h
}

// Frame is one slot of the ring as delivered to a consumer
type Frame struct {
	// Data is row-major pixel data, len(Data) == Width*Height
	Data []uint16

	// Width and Height are the dimensions of Data as read out
	Width, Height int

	// Slot is the ring index the frame was read from
	Slot int

	// Number is the capture sequence number of the frame, starting from 0
	// at StartAcquisition
	Number uint64
}

// Reshape returns the frame data viewed as rows of length cols.
// It does not copy; an error is returned if the sizes are incompatible.
func (f Frame) Reshape(rows, cols int) ([][]uint16, error) {
	if rows*cols != len(f.Data) {
		return nil, fmt.Errorf("camera: cannot reshape %d pixels to (%d, %d)", len(f.Data), rows, cols)
	}
	out := make([][]uint16, rows)
	for i := range out {
		out[i] = f.Data[i*cols : (i+1)*cols]
	}
	return out, nil
}

// Exposer can get and set the exposure time
type Exposer interface {
	// SetExposureTime sets the exposure time
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time
	GetExposureTime() (time.Duration, error)
}

// Triggerable has a configurable trigger
type Triggerable interface {
	SetTriggerSource(TriggerSource) error
	SetTriggerMode(TriggerMode) error
	SetTriggerPolarity(TriggerPolarity) error
	SetTriggerActive(TriggerActive) error

	// GetTrigger returns the current trigger configuration
	GetTrigger() (Trigger, error)
}

// Buffered exposes the bookkeeping of the ring
type Buffered interface {
	// NumberImageBuffers is the number of slots in the ring
	NumberImageBuffers() int

	// BufferIndex is the slot most recently written by the capture side
	BufferIndex() int

	// Backlog is the number of frames captured between the two most recent fetches
	Backlog() int
}

// Sequencer configures what the camera acquires
type Sequencer interface {
	// GetAcquisitionMode returns the current acquisition mode
	GetAcquisitionMode() (AcquisitionMode, error)

	// SetAcquisitionMode changes the acquisition mode
	SetAcquisitionMode(AcquisitionMode) error

	// GetNumberFrames returns the number of frames to capture (fixed length)
	// or to save (run till abort)
	GetNumberFrames() (int, error)

	// SetNumberFrames sets the number of frames
	SetNumberFrames(int) error
}

// Geometry exposes the readout geometry
type Geometry interface {
	GetAOI() (AOI, error)
	SetAOI(AOI) error
	GetBinning() (Binning, error)
	SetBinning(Binning) error
}

// FrameSource is the camera as seen by an acquisition controller
type FrameSource interface {
	Exposer
	Triggerable
	Buffered
	Sequencer
	Geometry

	// ReadFromHardware refreshes any cached settings from the device
	ReadFromHardware() error

	// StartAcquisition allocates the ring if needed and begins capture
	StartAcquisition() error

	// StopAcquisition halts capture and releases the ring
	StopAcquisition() error

	// StopAcquisitionNotReleasing halts capture but keeps the ring readable
	StopAcquisitionNotReleasing() error

	// GetFrames blocks until at least one frame has been captured since the
	// previous call, and returns all of them in capture order
	GetFrames(context.Context) ([]Frame, error)

	// GetLastFrame blocks until a frame is available and returns the newest one
	GetLastFrame(context.Context) (Frame, error)

	// GetRequiredFrame returns the frame held in a given ring slot once it
	// holds frame number or a later one.  It blocks while capture runs and the
	// slot is older, and returns ErrNotAcquiring if capture has stopped first.
	GetRequiredFrame(ctx context.Context, slot int, number uint64) (Frame, error)
}
