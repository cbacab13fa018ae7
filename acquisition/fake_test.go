package acquisition

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/dmd"
)

// fakeCamera is a deterministic FrameSource.  Frames are captured only when
// the controller fetches, so tests fully control how far capture runs ahead.
// Every pixel of frame n holds uint16(n).
type fakeCamera struct {
	mu    sync.Mutex
	calls []string

	mode     camera.AcquisitionMode
	frames   int
	buffers  int
	exposure time.Duration
	trig     camera.Trigger
	aoi      camera.AOI
	bin      camera.Binning

	// batch is the number of frames captured per GetFrames
	batch int

	// initial is the number of frames captured before the first GetLastFrame
	initial int

	// script is the number of frames captured after each GetRequiredFrame;
	// the last entry repeats.  Zero lets the copy catch up with capture.
	script []int
	step   int

	// onLast is called with the poll count after each GetLastFrame
	onLast func(int)
	polls  int

	failStart error

	ring      []uint64
	captured  uint64
	delivered uint64
	capturing bool
	backlog   int
}

func newFakeCamera(rows, cols int) *fakeCamera {
	return &fakeCamera{
		mode:    camera.FixedLength,
		frames:  10,
		buffers: 10,
		batch:   1,
		initial: 1,
		script:  []int{1},
		aoi:     camera.AOI{Left: 1, Top: 1, Width: cols, Height: rows},
		bin:     camera.Binning{H: 1, V: 1},
	}
}

func (f *fakeCamera) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCamera) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCamera) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeCamera) capacity() int {
	if f.ring != nil {
		return len(f.ring)
	}
	if f.mode == camera.FixedLength {
		return f.frames
	}
	return f.buffers
}

func (f *fakeCamera) capture(n int) {
	for i := 0; i < n && f.capturing; i++ {
		f.ring[f.captured%uint64(len(f.ring))] = f.captured + 1
		f.captured++
		if f.mode == camera.FixedLength && f.captured >= uint64(f.frames) {
			f.capturing = false
		}
	}
}

func (f *fakeCamera) frame(seq uint64) camera.Frame {
	rows, cols := camera.EffectiveShape(f.aoi, f.bin)
	data := make([]uint16, rows*cols)
	for i := range data {
		data[i] = uint16(seq)
	}
	return camera.Frame{Data: data, Width: cols, Height: rows, Slot: int(seq % uint64(len(f.ring))), Number: seq}
}

func (f *fakeCamera) SetExposureTime(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exposure %v", d)
	f.exposure = d
	return nil
}

func (f *fakeCamera) GetExposureTime() (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exposure, nil
}

func (f *fakeCamera) SetTriggerSource(s camera.TriggerSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("source %s", s)
	f.trig.Source = s
	return nil
}

func (f *fakeCamera) SetTriggerMode(m camera.TriggerMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("trigger mode %s", m)
	f.trig.Mode = m
	return nil
}

func (f *fakeCamera) SetTriggerPolarity(p camera.TriggerPolarity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("polarity %s", p)
	f.trig.Polarity = p
	return nil
}

func (f *fakeCamera) SetTriggerActive(a camera.TriggerActive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("active %s", a)
	f.trig.Active = a
	return nil
}

func (f *fakeCamera) GetTrigger() (camera.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trig, nil
}

func (f *fakeCamera) NumberImageBuffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity()
}

func (f *fakeCamera) BufferIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captured == 0 || len(f.ring) == 0 {
		return -1
	}
	return int((f.captured - 1) % uint64(len(f.ring)))
}

func (f *fakeCamera) Backlog() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backlog
}

func (f *fakeCamera) GetAcquisitionMode() (camera.AcquisitionMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, nil
}

func (f *fakeCamera) SetAcquisitionMode(m camera.AcquisitionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mode %s", m)
	f.mode = m
	return nil
}

func (f *fakeCamera) GetNumberFrames() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames, nil
}

func (f *fakeCamera) SetNumberFrames(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("frames %d", n)
	f.frames = n
	return nil
}

func (f *fakeCamera) GetAOI() (camera.AOI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aoi, nil
}

func (f *fakeCamera) SetAOI(a camera.AOI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aoi = a
	return nil
}

func (f *fakeCamera) GetBinning() (camera.Binning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bin, nil
}

func (f *fakeCamera) SetBinning(b camera.Binning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bin = b
	return nil
}

func (f *fakeCamera) ReadFromHardware() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("read")
	return nil
}

func (f *fakeCamera) StartAcquisition() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.failStart != nil {
		return f.failStart
	}
	f.ring = make([]uint64, f.capacity())
	f.captured, f.delivered, f.backlog, f.step, f.polls = 0, 0, 0, 0, 0
	f.capturing = true
	return nil
}

func (f *fakeCamera) StopAcquisition() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	f.capturing = false
	f.ring = nil
	return nil
}

func (f *fakeCamera) StopAcquisitionNotReleasing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("halt")
	f.capturing = false
	return nil
}

func (f *fakeCamera) GetFrames(ctx context.Context) ([]camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.capture(f.batch)
	if f.captured == f.delivered {
		return nil, camera.ErrNotAcquiring
	}
	var out []camera.Frame
	for n := f.delivered; n < f.captured; n++ {
		out = append(out, f.frame(n))
	}
	f.backlog = int(f.captured - f.delivered)
	f.delivered = f.captured
	return out, nil
}

func (f *fakeCamera) GetLastFrame(ctx context.Context) (camera.Frame, error) {
	f.mu.Lock()
	if err := ctx.Err(); err != nil {
		f.mu.Unlock()
		return camera.Frame{}, err
	}
	if f.ring == nil {
		f.mu.Unlock()
		return camera.Frame{}, camera.ErrNotAcquiring
	}
	if f.captured == 0 {
		f.capture(f.initial)
	} else {
		f.capture(1)
	}
	f.backlog = int(f.captured - f.delivered)
	f.delivered = f.captured
	fr := f.frame(f.captured - 1)
	f.polls++
	polls, hook := f.polls, f.onLast
	f.mu.Unlock()
	if hook != nil {
		hook(polls)
	}
	return fr, nil
}

// GetRequiredFrame waits for the slot to hold frame number, capturing one
// frame at a time while it does not, then reads it and lets capture run ahead
// by the next scripted amount.  Backlog counts both.
func (f *fakeCamera) GetRequiredFrame(ctx context.Context, slot int, number uint64) (camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ring == nil {
		return camera.Frame{}, camera.ErrNotAcquiring
	}
	if slot < 0 || slot >= len(f.ring) {
		return camera.Frame{}, camera.ErrBadSlot
	}
	start := f.captured
	for f.ring[slot] == 0 || f.ring[slot]-1 < number {
		if !f.capturing {
			return camera.Frame{}, camera.ErrNotAcquiring
		}
		f.capture(1)
	}
	fr := f.frame(f.ring[slot] - 1)
	if f.capturing {
		b := f.script[len(f.script)-1]
		if f.step < len(f.script) {
			b = f.script[f.step]
		}
		f.step++
		f.capture(b)
	}
	f.backlog = int(f.captured - start)
	f.delivered = f.captured
	return fr, nil
}

// fakeProjector records calls and holds patterns
type fakeProjector struct {
	mu        sync.Mutex
	calls     []string
	w, h      int
	patterns  int
	allocated int
	memory    int
	rng       dmd.Range
	timing    dmd.Timing
	master    bool
	running   bool
}

func newFakeProjector(patterns int) *fakeProjector {
	return &fakeProjector{w: 16, h: 8, patterns: patterns, allocated: patterns, memory: 1000}
}

func (p *fakeProjector) record(format string, args ...interface{}) {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
}

func (p *fakeProjector) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProjector) AllocateMemory(n, bitDepth int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("allocate %d %d", n, bitDepth)
	p.allocated = n
	p.patterns = 0
	return nil
}

func (p *fakeProjector) LoadPatterns(pats []*image.Gray) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("load %d", len(pats))
	for _, im := range pats {
		if im.Bounds().Dx() != p.w || im.Bounds().Dy() != p.h {
			return fmt.Errorf("fake: pattern is %v", im.Bounds())
		}
		for _, v := range im.Pix {
			if v != 0 {
				p.record("pattern not black")
				break
			}
		}
	}
	p.patterns = len(pats)
	return nil
}

func (p *fakeProjector) AvailableMemory() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("available")
	return p.memory - p.allocated*8, nil
}

func (p *fakeProjector) PatternCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patterns
}

func (p *fakeProjector) Resolution() (int, int) {
	return p.w, p.h
}

func (p *fakeProjector) SetRange(r dmd.Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("range %d-%d", r.First, r.Last)
	p.rng = r
	return nil
}

func (p *fakeProjector) GetRange() (dmd.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng, nil
}

func (p *fakeProjector) SetTiming(t dmd.Timing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("timing %v/%v", t.TimeOn, t.PicturePeriod)
	p.timing = t
	return nil
}

func (p *fakeProjector) GetTiming() (dmd.Timing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timing, nil
}

func (p *fakeProjector) SetMaster(b bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("master %v", b)
	p.master = b
	return nil
}

func (p *fakeProjector) GetMaster() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master, nil
}

func (p *fakeProjector) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("start")
	p.running = true
	return nil
}

func (p *fakeProjector) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop")
	p.running = false
	return nil
}

// recorder is an Observer keeping every notification
type recorder struct {
	NopObserver
	mu      sync.Mutex
	states  []State
	stored  []int
	halts   int
	reports []Report
}

func (r *recorder) StateChanged(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) FrameStored(s Session, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, index)
}

func (r *recorder) CaptureHalted(Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halts++
}

func (r *recorder) SessionEnded(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}
