package dmd

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profile describes a projector model
type Profile struct {
	Width, Height int

	// Memory is the on-board storage in binary frames
	Memory int
}

// Profiles are the projector models the mock can imitate
var Profiles = map[string]Profile{
	"vialux": {Width: 1024, Height: 768, Memory: 43690},
	"ti":     {Width: 912, Height: 1140, Memory: 400},
}

// ProfileNames returns the known model names in sorted order
func ProfileNames() []string {
	out := make([]string, 0, len(Profiles))
	for k := range Profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Mock is a software projector.  While projecting it emits one pulse per
// picture period to every connected trigger input, if it is the master.
type Mock struct {
	sync.Mutex

	profile   Profile
	allocated int
	bitDepth  int
	patterns  []*image.Gray
	rng       Range
	timing    Timing
	master    bool

	projecting bool
	shown      int
	cancel     chan struct{}
	outputs    []func()
}

// NewMock returns a mock projector imitating the named model
func NewMock(model string) (*Mock, error) {
	p, ok := Profiles[strings.ToLower(model)]
	if !ok {
		return nil, fmt.Errorf("dmd: unknown model %q, known models are %v", model, ProfileNames())
	}
	return &Mock{profile: p, timing: Timing{TimeOn: 10, PicturePeriod: 40}}, nil
}

// Connect adds a trigger input which is called for every projected pattern
func (m *Mock) Connect(pulse func()) {
	m.Lock()
	defer m.Unlock()
	m.outputs = append(m.outputs, pulse)
}

// Initialize is a no-op which satisfies the device lifecycle used by comm.Connect
func (m *Mock) Initialize() error {
	return nil
}

// Resolution returns the mirror array size
func (m *Mock) Resolution() (int, int) {
	return m.profile.Width, m.profile.Height
}

// AllocateMemory reserves room for n patterns, releasing the previous allocation
func (m *Mock) AllocateMemory(n, bitDepth int) error {
	if n < 1 {
		return errors.New("dmd: must allocate at least one pattern")
	}
	if bitDepth < 1 || bitDepth > 8 {
		return fmt.Errorf("dmd: bit depth %d outside [1, 8]", bitDepth)
	}
	m.Lock()
	defer m.Unlock()
	if m.projecting {
		return ErrProjecting
	}
	if n*bitDepth > m.profile.Memory {
		return fmt.Errorf("dmd: %d patterns at %d bits need %d binary frames, only %d exist", n, bitDepth, n*bitDepth, m.profile.Memory)
	}
	m.allocated, m.bitDepth = n, bitDepth
	m.patterns = nil
	return nil
}

// LoadPatterns copies patterns into the allocation
func (m *Mock) LoadPatterns(pats []*image.Gray) error {
	m.Lock()
	defer m.Unlock()
	if m.projecting {
		return ErrProjecting
	}
	if len(pats) > m.allocated {
		return fmt.Errorf("dmd: %d patterns exceed the allocation of %d", len(pats), m.allocated)
	}
	loaded := make([]*image.Gray, len(pats))
	for i, p := range pats {
		b := p.Bounds()
		if b.Dx() != m.profile.Width || b.Dy() != m.profile.Height {
			return fmt.Errorf("dmd: pattern %d is %dx%d, the device is %dx%d", i, b.Dx(), b.Dy(), m.profile.Width, m.profile.Height)
		}
		cp := image.NewGray(b)
		copy(cp.Pix, p.Pix)
		loaded[i] = cp
	}
	m.patterns = loaded
	return nil
}

// AvailableMemory is the free memory in binary frames
func (m *Mock) AvailableMemory() (int, error) {
	m.Lock()
	defer m.Unlock()
	return m.profile.Memory - m.allocated*m.bitDepth, nil
}

// PatternCount is the number of loaded patterns
func (m *Mock) PatternCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.patterns)
}

// Pattern returns the loaded pattern at index i
func (m *Mock) Pattern(i int) (*image.Gray, error) {
	m.Lock()
	defer m.Unlock()
	if i < 0 || i >= len(m.patterns) {
		return nil, fmt.Errorf("dmd: no pattern at index %d", i)
	}
	return m.patterns[i], nil
}

// SetRange selects the patterns to project
func (m *Mock) SetRange(r Range) error {
	m.Lock()
	defer m.Unlock()
	if m.projecting {
		return ErrProjecting
	}
	if err := r.Validate(len(m.patterns)); err != nil {
		return err
	}
	m.rng = r
	return nil
}

// GetRange returns the selected patterns
func (m *Mock) GetRange() (Range, error) {
	m.Lock()
	defer m.Unlock()
	return m.rng, nil
}

// SetTiming sets the sequence timing
func (m *Mock) SetTiming(t Timing) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	if m.projecting {
		return ErrProjecting
	}
	m.timing = t
	return nil
}

// GetTiming returns the sequence timing
func (m *Mock) GetTiming() (Timing, error) {
	m.Lock()
	defer m.Unlock()
	return m.timing, nil
}

// SetMaster sets the projection mode to master (true) or slave (false)
func (m *Mock) SetMaster(b bool) error {
	m.Lock()
	defer m.Unlock()
	m.master = b
	return nil
}

// GetMaster returns true if the projector is the master
func (m *Mock) GetMaster() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.master, nil
}

// Projecting returns true while a sequence is running
func (m *Mock) Projecting() bool {
	m.Lock()
	defer m.Unlock()
	return m.projecting
}

// Shown is the number of patterns projected since the last Start
func (m *Mock) Shown() int {
	m.Lock()
	defer m.Unlock()
	return m.shown
}

// Start begins projection of the range
func (m *Mock) Start() error {
	m.Lock()
	defer m.Unlock()
	if m.projecting {
		return ErrProjecting
	}
	if len(m.patterns) == 0 {
		return ErrNoPatterns
	}
	if err := m.rng.Validate(len(m.patterns)); err != nil {
		return err
	}
	period := time.Duration(m.timing.PicturePeriod * float64(time.Millisecond))
	if period <= 0 {
		return errors.New("dmd: picture period not set")
	}
	m.projecting = true
	m.shown = 0
	m.cancel = make(chan struct{})
	go m.run(period, m.cancel)
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
				m.Unlock()
				return
			default:
			}
			m.shown++
			var outs []func()
			if m.master {
				outs = append(outs, m.outputs...)
			}
			m.Unlock()
			for _, o := range outs {
				o()
			}
		case <-cancel:
			return
		}
	}
}

// Stop halts projection
func (m *Mock) Stop() error {
	m.Lock()
	defer m.Unlock()
	if !m.projecting {
		return nil
	}
	close(m.cancel)
	m.cancel = nil
	m.projecting = false
	return nil
}
