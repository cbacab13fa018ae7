package acquisition

import (
	"time"

	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/trigger"
)

// State is a controller state
type State string

const (
	Idle        State = "idle"
	Configuring State = "configuring"
	Acquiring   State = "acquiring"
	Saving      State = "saving"
	Stopping    State = "stopping"
)

// States lists every state in lifecycle order
var States = []State{Idle, Configuring, Acquiring, Saving, Stopping}

// Outcome is how a session ended
type Outcome string

const (
	Completed   Outcome = "completed"
	Interrupted Outcome = "interrupted"
	Failed      Outcome = "failed"
)

// Session describes a running acquisition
type Session struct {
	ID         string                 `json:"id"`
	Mode       camera.AcquisitionMode `json:"mode"`
	Started    time.Time              `json:"started"`
	Rows       int                    `json:"rows"`
	Cols       int                    `json:"cols"`
	DMDTrigger bool                   `json:"dmdTrigger"`
	SaveToDisk bool                   `json:"saveToDisk"`
	Background bool                   `json:"background"`
	Sample     string                 `json:"sample,omitempty"`

	// Capacity is the number of ring slots
	Capacity int `json:"capacity"`

	// Expected is the camera's configured number of frames
	Expected int `json:"expected"`

	// FrameIndex is the index of the most recently handled frame, -1 before the first
	FrameIndex int `json:"frameIndex"`

	// Stored is the number of frames written to the dataset
	Stored int `json:"stored"`

	// Halted is true once capture was stopped to protect unsaved slots
	Halted bool `json:"halted"`

	Dataset string          `json:"dataset,omitempty"`
	Timing  *trigger.Timing `json:"timing,omitempty"`
}

// Progress is (FrameIndex+1)*100/Expected, limited to [0, 100]
func (s Session) Progress() float64 {
	if s.Expected <= 0 {
		return 0
	}
	p := float64(s.FrameIndex+1) * 100 / float64(s.Expected)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Report is a finished session
type Report struct {
	Session
	Finished time.Time `json:"finished"`
	Outcome  Outcome   `json:"outcome"`
	Err      string    `json:"error,omitempty"`
}

// Observer is notified of controller activity.  Methods are called from the
// acquisition goroutine and must not block.  They may call Interrupt and the
// read-only accessors of the controller.
type Observer interface {
	StateChanged(from, to State)
	SessionStarted(Session)
	FrameCaptured(Session)
	FrameStored(s Session, index int)
	CaptureHalted(Session)
	SessionEnded(Report)
}

// NopObserver implements Observer with no-ops, for embedding
type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)      {}
func (NopObserver) SessionStarted(Session)           {}
func (NopObserver) FrameCaptured(Session)            {}
func (NopObserver) FrameStored(s Session, index int) {}
func (NopObserver) CaptureHalted(Session)            {}
func (NopObserver) SessionEnded(Report)              {}
