package camera

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultBuffers is the ring size used by a Mock in run till abort mode
const DefaultBuffers = 50

type slot struct {
	data   []uint16
	number uint64
	filled bool
}

// Mock is a software camera which behaves like a scientific CMOS camera with
// a driver-managed ring.  With an internal trigger it captures one frame per
// exposure period from a ticker goroutine; with an external trigger it captures
// one frame per call to Pulse.
type Mock struct {
	sync.Mutex

	// Timeout bounds blocking fetches.  Zero means 2 s + 10 exposures.
	Timeout time.Duration

	exposure time.Duration
	mode     AcquisitionMode
	nframes  int
	buffers  int
	aoi      AOI
	binning  Binning
	trigger  Trigger

	ring      []slot
	shape     [2]int
	capturing bool
	written   uint64
	delivered uint64
	lastFetch uint64
	backlog   int

	notify chan struct{}
	cancel chan struct{}
}

// NewMock returns a Mock with a width x height sensor and a ring of the given size.
// buffers <= 0 uses DefaultBuffers.
func NewMock(width, height, buffers int) *Mock {
	if buffers <= 0 {
		buffers = DefaultBuffers
	}
	return &Mock{
		exposure: 10 * time.Millisecond,
		mode:     RunTillAbort,
		nframes:  buffers,
		buffers:  buffers,
		aoi:      AOI{Left: 1, Top: 1, Width: width, Height: height},
		binning:  Binning{H: 1, V: 1},
		trigger:  Trigger{Source: SourceInternal, Mode: ModeNormal, Polarity: PolarityPositive, Active: ActiveEdge},
		notify:   make(chan struct{}),
	}
}

// Initialize is a no-op which satisfies the device lifecycle used by comm.Connect
func (m *Mock) Initialize() error {
	return nil
}

// Finalize stops acquisition and releases the ring
func (m *Mock) Finalize() error {
	return m.StopAcquisition()
}

// ReadFromHardware has nothing to refresh on a mock
func (m *Mock) ReadFromHardware() error {
	return nil
}

// SetExposureTime sets the exposure time
func (m *Mock) SetExposureTime(d time.Duration) error {
	if d <= 0 {
		return errors.New("camera: exposure time must be positive")
	}
	m.Lock()
	defer m.Unlock()
	m.exposure = d
	return nil
}

// GetExposureTime gets the exposure time
func (m *Mock) GetExposureTime() (time.Duration, error) {
	m.Lock()
	defer m.Unlock()
	return m.exposure, nil
}

// SetTriggerSource sets the trigger source
func (m *Mock) SetTriggerSource(s TriggerSource) error {
	switch s {
	case SourceInternal, SourceExternal, SourceSoftware:
	default:
		return EnumError{Enum: "trigger source", Value: string(s)}
	}
	m.Lock()
	defer m.Unlock()
	m.trigger.Source = s
	return nil
}

// SetTriggerMode sets the trigger mode
func (m *Mock) SetTriggerMode(t TriggerMode) error {
	if t != ModeNormal && t != ModeStart {
		return EnumError{Enum: "trigger mode", Value: string(t)}
	}
	m.Lock()
	defer m.Unlock()
	m.trigger.Mode = t
	return nil
}

// SetTriggerPolarity sets the trigger polarity
func (m *Mock) SetTriggerPolarity(p TriggerPolarity) error {
	if p != PolarityPositive && p != PolarityNegative {
		return EnumError{Enum: "trigger polarity", Value: string(p)}
	}
	m.Lock()
	defer m.Unlock()
	m.trigger.Polarity = p
	return nil
}

// SetTriggerActive sets the active edge or level
func (m *Mock) SetTriggerActive(a TriggerActive) error {
	if a != ActiveEdge && a != ActiveLevel {
		return EnumError{Enum: "trigger active", Value: string(a)}
	}
	m.Lock()
	defer m.Unlock()
	m.trigger.Active = a
	return nil
}

// GetTrigger returns the trigger configuration
func (m *Mock) GetTrigger() (Trigger, error) {
	m.Lock()
	defer m.Unlock()
	return m.trigger, nil
}

// GetAcquisitionMode returns the acquisition mode
func (m *Mock) GetAcquisitionMode() (AcquisitionMode, error) {
	m.Lock()
	defer m.Unlock()
	return m.mode, nil
}

// SetAcquisitionMode sets the acquisition mode.  It takes effect at the next StartAcquisition.
func (m *Mock) SetAcquisitionMode(a AcquisitionMode) error {
	if a != FixedLength && a != RunTillAbort {
		return EnumError{Enum: "acquisition mode", Value: a.String()}
	}
	m.Lock()
	defer m.Unlock()
	m.mode = a
	return nil
}

// GetNumberFrames returns the number of frames
func (m *Mock) GetNumberFrames() (int, error) {
	m.Lock()
	defer m.Unlock()
	return m.nframes, nil
}

// SetNumberFrames sets the number of frames
func (m *Mock) SetNumberFrames(n int) error {
	if n < 1 {
		return errors.New("camera: number of frames must be at least 1")
	}
	m.Lock()
	defer m.Unlock()
	m.nframes = n
	return nil
}

// GetAOI returns the area of interest
func (m *Mock) GetAOI() (AOI, error) {
	m.Lock()
	defer m.Unlock()
	return m.aoi, nil
}

// SetAOI sets the area of interest
func (m *Mock) SetAOI(a AOI) error {
	if a.Width < 1 || a.Height < 1 {
		return errors.New("camera: AOI must be at least 1x1")
	}
	m.Lock()
	defer m.Unlock()
	m.aoi = a
	return nil
}

// GetBinning returns the binning
func (m *Mock) GetBinning() (Binning, error) {
	m.Lock()
	defer m.Unlock()
	return m.binning, nil
}

// SetBinning sets the binning
func (m *Mock) SetBinning(b Binning) error {
	if b.H < 1 || b.V < 1 {
		return errors.New("camera: binning factors must be at least 1")
	}
	m.Lock()
	defer m.Unlock()
	m.binning = b
	return nil
}

// NumberImageBuffers is the ring size; in fixed length mode the ring holds exactly the requested frames
func (m *Mock) NumberImageBuffers() int {
	m.Lock()
	defer m.Unlock()
	return m.ringSize()
}

func (m *Mock) ringSize() int {
	if m.ring != nil {
		return len(m.ring)
	}
	if m.mode == FixedLength {
		return m.nframes
	}
	return m.buffers
}

// BufferIndex is the slot most recently written, or -1 before the first frame
func (m *Mock) BufferIndex() int {
	m.Lock()
	defer m.Unlock()
	if m.written == 0 || len(m.ring) == 0 {
		return -1
	}
	return int((m.written - 1) % uint64(len(m.ring)))
}

// Backlog is the number of frames captured between the two most recent fetches
func (m *Mock) Backlog() int {
	m.Lock()
	defer m.Unlock()
	return m.backlog
}

// StartAcquisition allocates the ring and begins capture
func (m *Mock) StartAcquisition() error {
	m.Lock()
	defer m.Unlock()
	if m.capturing {
		return errors.New("camera: acquisition already running")
	}
	rows, cols := EffectiveShape(m.aoi, m.binning)
	m.shape = [2]int{rows, cols}
	m.ring = make([]slot, m.ringSize())
	for i := range m.ring {
		m.ring[i].data = make([]uint16, rows*cols)
	}
	m.written, m.delivered, m.lastFetch, m.backlog = 0, 0, 0, 0
	m.capturing = true
	if m.trigger.Source != SourceExternal {
		m.cancel = make(chan struct{})
		go m.run(m.exposure, m.cancel)
	}
	return nil
}

func (m *Mock) run(period time.Duration, cancel chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Lock()
			select {
			case <-cancel:
				// halted while waiting for the lock
				m.Unlock()
				return
			default:
			}
			m.capture()
			m.Unlock()
		case <-cancel:
			return
		}
	}
}

// Pulse captures one frame if the camera is acquiring on an external trigger.
// It is the mock's trigger input line.
func (m *Mock) Pulse() {
	m.Lock()
	defer m.Unlock()
	if m.trigger.Source == SourceExternal {
		m.capture()
	}
}

// capture writes the next frame into the ring.  m must be locked.
func (m *Mock) capture() {
	if !m.capturing || len(m.ring) == 0 {
		return
	}
	n := m.written
	s := &m.ring[n%uint64(len(m.ring))]
	synthesize(s.data, m.shape[0], m.shape[1], n)
	s.number = n
	s.filled = true
	m.written++
	if m.mode == FixedLength && m.written >= uint64(m.nframes) {
		m.halt()
	}
	m.broadcast()
}

func (m *Mock) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// halt stops capture without touching the ring.  m must be locked.
func (m *Mock) halt() {
	m.capturing = false
	if m.cancel != nil {
		close(m.cancel)
		m.cancel = nil
	}
}

// StopAcquisitionNotReleasing halts capture and keeps the ring readable
func (m *Mock) StopAcquisitionNotReleasing() error {
	m.Lock()
	defer m.Unlock()
	m.halt()
	m.broadcast()
	return nil
}

// StopAcquisition halts capture and releases the ring.  It is safe to call repeatedly.
func (m *Mock) StopAcquisition() error {
	m.Lock()
	defer m.Unlock()
	m.halt()
	m.ring = nil
	m.broadcast()
	return nil
}

func (m *Mock) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return 2*time.Second + 10*m.exposure
}

// await blocks until ready returns true, the context ends, or the timeout
// elapses.  It returns with m locked if and only if the error is nil.
func (m *Mock) await(ctx context.Context, ready func() bool) error {
	m.Lock()
	timer := time.NewTimer(m.timeout())
	defer timer.Stop()
	for {
		if ready() {
			return nil
		}
		if !m.capturing {
			m.Unlock()
			return ErrNotAcquiring
		}
		ch := m.notify
		m.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		}
		m.Lock()
	}
}

// fetched updates the backlog bookkeeping.  m must be locked.
func (m *Mock) fetched() {
	m.backlog = int(m.written - m.lastFetch)
	m.lastFetch = m.written
}

func (m *Mock) frame(idx int) Frame {
	s := m.ring[idx]
	data := make([]uint16, len(s.data))
	copy(data, s.data)
	return Frame{Data: data, Width: m.shape[1], Height: m.shape[0], Slot: idx, Number: s.number}
}

// GetFrames returns every frame captured since the previous call.  If more
// frames were captured than the ring holds, only the newest ring-full is returned.
func (m *Mock) GetFrames(ctx context.Context) ([]Frame, error) {
	err := m.await(ctx, func() bool { return m.written > m.delivered })
	if err != nil {
		return nil, err
	}
	defer m.Unlock()
	size := uint64(len(m.ring))
	start := m.delivered
	if m.written-start > size {
		start = m.written - size
	}
	out := make([]Frame, 0, m.written-start)
	for n := start; n < m.written; n++ {
		out = append(out, m.frame(int(n%size)))
	}
	m.delivered = m.written
	m.fetched()
	return out, nil
}

// GetLastFrame returns the newest frame, waiting for the first one if needed
func (m *Mock) GetLastFrame(ctx context.Context) (Frame, error) {
	err := m.await(ctx, func() bool { return m.written > 0 && len(m.ring) > 0 })
	if err != nil {
		return Frame{}, err
	}
	defer m.Unlock()
	m.fetched()
	return m.frame(int((m.written - 1) % uint64(len(m.ring)))), nil
}

// GetRequiredFrame returns the frame in a ring slot, waiting until capture has
// written frame number (or a later one) into it
func (m *Mock) GetRequiredFrame(ctx context.Context, idx int, number uint64) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	m.Lock()
	if m.ring == nil {
		m.Unlock()
		return Frame{}, ErrNotAcquiring
	}
	if idx < 0 || idx >= len(m.ring) {
		m.Unlock()
		return Frame{}, ErrBadSlot
	}
	m.Unlock()
	err := m.await(ctx, func() bool {
		return idx < len(m.ring) && m.ring[idx].filled && m.ring[idx].number >= number
	})
	if err != nil {
		return Frame{}, err
	}
	defer m.Unlock()
	m.fetched()
	return m.frame(idx), nil
}

// synthesize fills buf with a diagonal ramp that drifts with the frame number
func synthesize(buf []uint16, rows, cols int, n uint64) {
	shift := int(n % 4096)
	for r := 0; r < rows; r++ {
		row := buf[r*cols : (r+1)*cols]
		for c := range row {
			row[c] = uint16(100 + (r+c+shift)%4096)
		}
	}
}
