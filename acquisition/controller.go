/*Package acquisition orchestrates a camera, an optional pattern projector and
a dataset sink through one acquisition session at a time.

A session moves through the states

	idle -> configuring -> acquiring [-> saving] -> stopping -> idle

and always passes through stopping, where the camera and projector are stopped
and the dataset is closed, no matter how the session ended.

*/
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/dataset"
	"github.com/nasa-jpl/modscope/dmd"
	"github.com/nasa-jpl/modscope/trigger"
	"github.com/nasa-jpl/modscope/util"
)

var (
	// ErrBusy is generated when an operation needs an idle controller
	ErrBusy = errors.New("acquisition: a session is already running")

	// ErrInvalidSettings wraps every settings validation failure
	ErrInvalidSettings = errors.New("acquisition: invalid settings")

	// ErrNoProjector is generated when a projector is required and none is attached
	ErrNoProjector = errors.New("acquisition: no pattern projector attached")

	// ErrUnsupported is generated by AcquireBackground without DMD triggering
	ErrUnsupported = errors.New("acquisition: background capture requires DMD triggering")

	// ErrOverrun is generated when capture overwrote a ring slot before it was saved
	ErrOverrun = errors.New("acquisition: capture overwrote a ring slot before it was saved")
)

const (
	evConfigure = "configure"
	evAcquire   = "acquire"
	evSave      = "save"
	evStop      = "stop"
	evFinish    = "finish"
)

// Sink creates datasets
type Sink interface {
	Open(dataset.Spec) (dataset.Writer, error)
}

// Controller runs acquisition sessions
type Controller struct {
	Camera    camera.FrameSource
	Projector dmd.PatternProjector
	Trigger   *trigger.Coordinator
	Sink      Sink
	Log       *zap.Logger

	machine *fsm.FSM

	mu          sync.Mutex
	observers   []Observer
	settings    Settings
	session     *Session
	last        *Report
	latest      camera.Frame
	hasLatest   bool
	cancel      context.CancelFunc
	interrupted bool
	selfStopped bool
	ds          dataset.Writer
}

// NewController returns an idle controller.  proj may be nil when no projector
// is attached; sink may be nil if sessions never save.
func NewController(cam camera.FrameSource, proj dmd.PatternProjector, sink Sink, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		Camera:    cam,
		Projector: proj,
		Sink:      sink,
		Log:       log,
		settings:  DefaultSettings(),
	}
	var tp trigger.Projector
	if proj != nil {
		tp = proj
	}
	c.Trigger = trigger.New(cam, tp, log.Named("trigger"))
	c.machine = fsm.NewFSM(string(Idle),
		fsm.Events{
			{Name: evConfigure, Src: []string{string(Idle)}, Dst: string(Configuring)},
			{Name: evAcquire, Src: []string{string(Configuring)}, Dst: string(Acquiring)},
			{Name: evSave, Src: []string{string(Acquiring)}, Dst: string(Saving)},
			{Name: evStop, Src: []string{string(Configuring), string(Acquiring), string(Saving)}, Dst: string(Stopping)},
			{Name: evFinish, Src: []string{string(Stopping)}, Dst: string(Idle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				from, to := State(e.Src), State(e.Dst)
				c.Log.Debug("state change", zap.String("from", e.Src), zap.String("to", e.Dst))
				for _, o := range c.observerList() {
					o.StateChanged(from, to)
				}
			},
		})
	return c
}

// Observe registers o for notifications
func (c *Controller) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Controller) observerList() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observer(nil), c.observers...)
}

// event fires a transition.  Transitions never depend on the session
// context, so an interrupted session can still reach idle.
func (c *Controller) event(name string) error {
	return c.machine.Event(context.Background(), name)
}

// State is the current state
func (c *Controller) State() State {
	return State(c.machine.Current())
}

// Settings returns the live settings
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings validates and replaces the live settings.  They take effect at
// the next session.
func (c *Controller) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	return nil
}

// SetLevels records display levels computed from a frame into the live settings
func (c *Controller) SetLevels(min, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.LevelMin, c.settings.LevelMax = min, max
}

// Session returns a snapshot of the running session
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// LastReport returns the report of the most recently finished session
func (c *Controller) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Progress is the percentage of expected frames handled by the running
// session, or by the last one when idle
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.Progress()
	}
	if c.last != nil {
		return c.last.Progress()
	}
	return 0
}

// LatestFrame is the most recent frame seen by the controller, for display
func (c *Controller) LatestFrame() (camera.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLatest
}

// Refresh re-reads the camera's cached settings from the device
func (c *Controller) Refresh() error {
	return c.Camera.ReadFromHardware()
}

// Interrupt asks the running session to stop.  The session notices between
// frames.  It is a no-op when no session is running and may be called any
// number of times.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	if !c.interrupted {
		c.Log.Info("interrupt requested", zap.String("session", c.session.ID))
	}
	c.interrupted = true
	c.cancel()
}

// Start runs a session with the live settings
func (c *Controller) Start(ctx context.Context) error {
	return c.Run(ctx, c.Settings())
}

// Run executes one session and returns when it has ended.  Settings are
// validated before any device is touched.  Cancelling ctx is equivalent to
// Interrupt.
func (c *Controller) Run(ctx context.Context, s Settings) error {
	return c.run(ctx, s, false)
}

func (c *Controller) run(ctx context.Context, s Settings, background bool) (err error) {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.DMDTrigger {
		if c.Projector == nil {
			return ErrNoProjector
		}
		if _, err := c.Trigger.Validate(s.Range(), s.Exposure()); err != nil {
			return err
		}
	}
	if s.SaveToDisk && c.Sink == nil {
		return fmt.Errorf("%w: saving requested with no dataset sink", ErrInvalidSettings)
	}
	if err := c.event(evConfigure); err != nil {
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:         uuid.New().String(),
		Started:    time.Now(),
		DMDTrigger: s.DMDTrigger,
		SaveToDisk: s.SaveToDisk,
		Background: background,
		Sample:     s.Sample,
		FrameIndex: -1,
	}
	c.mu.Lock()
	c.settings = s
	c.session = sess
	c.cancel = cancel
	c.interrupted = false
	c.selfStopped = false
	c.mu.Unlock()
	log := c.Log.With(zap.String("session", sess.ID))
	defer func() {
		err = c.exit(ctx, log, s, err)
		cancel()
	}()

	if err := c.enter(log, s); err != nil {
		return err
	}
	snap, _ := c.Session()
	for _, o := range c.observerList() {
		o.SessionStarted(snap)
	}
	if err := c.event(evAcquire); err != nil {
		return err
	}
	switch snap.Mode {
	case camera.FixedLength:
		return c.runFixedLength(ctx, log, s)
	case camera.RunTillAbort:
		return c.runTillAbort(ctx, log, s)
	default:
		return fmt.Errorf("acquisition: unknown acquisition mode %v", snap.Mode)
	}
}

// enter configures the devices and starts the camera
func (c *Controller) enter(log *zap.Logger, s Settings) error {
	aoi, err := c.Camera.GetAOI()
	if err != nil {
		return err
	}
	bin, err := c.Camera.GetBinning()
	if err != nil {
		return err
	}
	rows, cols := camera.EffectiveShape(aoi, bin)
	if err := c.Camera.ReadFromHardware(); err != nil {
		return err
	}
	var timing *trigger.Timing
	if s.DMDTrigger {
		t, err := c.Trigger.Configure(s.Range(), s.Exposure())
		if err != nil {
			return err
		}
		timing = &t
	}
	c.Trigger.Begin()
	if err := c.Camera.StartAcquisition(); err != nil {
		return err
	}
	mode, err := c.Camera.GetAcquisitionMode()
	if err != nil {
		return err
	}
	n, err := c.Camera.GetNumberFrames()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session.Rows, c.session.Cols = rows, cols
	c.session.Mode = mode
	c.session.Expected = n
	c.session.Capacity = c.Camera.NumberImageBuffers()
	c.session.Timing = timing
	c.mu.Unlock()
	log.Info("acquisition started", zap.Stringer("mode", mode),
		zap.Int("rows", rows), zap.Int("cols", cols), zap.Int("frames", n),
		zap.Int("buffers", c.Camera.NumberImageBuffers()),
		zap.Bool("dmdTrigger", s.DMDTrigger), zap.Bool("save", s.SaveToDisk))
	return nil
}

// exit always runs at the end of a session.  It stops the devices, closes
// the dataset, clears the save flag, and returns the controller to idle.
func (c *Controller) exit(ctx context.Context, log *zap.Logger, s Settings, runErr error) error {
	if c.State() != Stopping {
		if err := c.event(evStop); err != nil {
			log.Error("entering stopping state", zap.Error(err))
		}
	}
	errs := []error{runErr}
	if err := c.Camera.StopAcquisition(); err != nil {
		errs = append(errs, fmt.Errorf("stopping camera: %w", err))
	}
	if s.DMDTrigger {
		if err := c.Projector.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping projector: %w", err))
		}
	}
	c.mu.Lock()
	ds := c.ds
	c.ds = nil
	c.mu.Unlock()
	if ds != nil {
		if err := ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dataset: %w", err))
		}
	}
	c.Trigger.End()
	err := util.MergeErrors(errs)

	c.mu.Lock()
	c.settings.SaveToDisk = false
	rep := Report{Session: *c.session, Finished: time.Now()}
	switch {
	case err != nil:
		rep.Outcome = Failed
		rep.Err = err.Error()
	case c.interrupted || (ctx.Err() != nil && !c.selfStopped):
		rep.Outcome = Interrupted
	default:
		rep.Outcome = Completed
	}
	c.last = &rep
	c.session = nil
	c.cancel = nil
	c.mu.Unlock()

	fields := []zap.Field{zap.String("outcome", string(rep.Outcome)),
		zap.Int("frames", rep.FrameIndex+1), zap.Int("stored", rep.Stored)}
	if err != nil {
		log.Error("acquisition ended", append(fields, zap.Error(err))...)
	} else {
		log.Info("acquisition ended", fields...)
	}
	// observers have seen the end of the session by the time the state is idle
	for _, o := range c.observerList() {
		o.SessionEnded(rep)
	}
	if ferr := c.event(evFinish); ferr != nil {
		log.Error("returning to idle", zap.Error(ferr))
	}
	return err
}

// attrs are the session attributes stored with a dataset
func (c *Controller) attrs(s Settings) map[string]interface{} {
	c.mu.Lock()
	sess := *c.session
	c.mu.Unlock()
	out := map[string]interface{}{
		"session":         sess.ID,
		"mode":            sess.Mode.String(),
		"acquisitionTime": s.AcquisitionTime,
		"dmdTrigger":      s.DMDTrigger,
		"background":      sess.Background,
		"expectedFrames":  sess.Expected,
		"buffers":         sess.Capacity,
	}
	if sess.Timing != nil {
		out["dmdFirstFrame"] = s.DMDFirstFrame
		out["dmdLastFrame"] = s.DMDLastFrame
		out["timeOnMs"] = sess.Timing.TimeOn
		out["picturePeriodMs"] = sess.Timing.PicturePeriod
	}
	if aoi, err := c.Camera.GetAOI(); err == nil {
		out["aoi"] = aoi
	}
	if bin, err := c.Camera.GetBinning(); err == nil {
		out["binning"] = bin
	}
	return out
}

// openDataset creates the session dataset sized to the ring capacity
func (c *Controller) openDataset(log *zap.Logger, s Settings) (dataset.Writer, error) {
	c.mu.Lock()
	sess := *c.session
	c.mu.Unlock()
	ds, err := c.Sink.Open(dataset.Spec{
		Frames: sess.Capacity,
		Rows:   sess.Rows,
		Cols:   sess.Cols,
		Sample: s.Sample,
		Attrs:  c.attrs(s),
	})
	if err != nil {
		return nil, fmt.Errorf("acquisition: opening dataset: %w", err)
	}
	c.mu.Lock()
	c.ds = ds
	c.session.Dataset = ds.Path()
	c.mu.Unlock()
	log.Info("saving", zap.String("dataset", ds.Path()), zap.Int("capacity", sess.Capacity))
	return ds, nil
}

// display checks the shape of f and keeps it as the latest frame
func (c *Controller) display(f camera.Frame) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := f.Reshape(c.session.Rows, c.session.Cols); err != nil {
		return *c.session, err
	}
	c.latest = f
	c.hasLatest = true
	return *c.session, nil
}

// advance records index as the most recently handled frame
func (c *Controller) advance(index int) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.FrameIndex = index
	return *c.session
}

func (c *Controller) stored() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Stored++
	return *c.session
}

func (c *Controller) halted() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Halted = true
	return *c.session
}

// selfStop cancels the session without marking it interrupted
func (c *Controller) selfStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.selfStopped = true
		c.cancel()
	}
}
