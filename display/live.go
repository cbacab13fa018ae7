package display

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/camera"
)

// JPEGQuality is the quality live frames are encoded with
const JPEGQuality = 90

// Source provides frames and display settings to a LiveView.
// *acquisition.Controller is a Source.
type Source interface {
	LatestFrame() (camera.Frame, bool)
	Settings() acquisition.Settings
	SetLevels(min, max int)
}

// LiveView renders the latest frame of a Source at the refresh period and
// fans the JPEG out to subscribers.  Slow subscribers miss frames.
type LiveView struct {
	Renderer

	src Source
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	last   []byte
	lvl    Levels
}

// NewLiveView creates a live view over src
func NewLiveView(src Source, log *zap.Logger) *LiveView {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveView{src: src, log: log, subs: map[int]chan []byte{}}
}

// Subscribe returns a channel of encoded frames and a function that ends the
// subscription and closes the channel
func (lv *LiveView) Subscribe() (<-chan []byte, func()) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	id := lv.nextID
	lv.nextID++
	ch := make(chan []byte, 1)
	lv.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			lv.mu.Lock()
			defer lv.mu.Unlock()
			delete(lv.subs, id)
			close(ch)
		})
	}
}

// Snapshot is the most recently rendered JPEG, nil before the first frame
func (lv *LiveView) Snapshot() []byte {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.last
}

// Levels are the levels the most recent frame was rendered with
func (lv *LiveView) Levels() Levels {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.lvl
}

// Run renders until ctx is done.  The refresh period is reread from the
// source on every tick.
func (lv *LiveView) Run(ctx context.Context) error {
	lim := rate.NewLimiter(rate.Every(lv.src.Settings().Refresh()), 1)
	var (
		seen bool
		num  uint64
	)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s := lv.src.Settings()
		lim.SetLimit(rate.Every(s.Refresh()))
		f, ok := lv.src.LatestFrame()
		if !ok || (seen && f.Number == num) {
			continue
		}
		seen, num = true, f.Number
		if err := lv.Update(f, s); err != nil {
			lv.log.Warn("rendering live frame", zap.Uint64("frame", f.Number), zap.Error(err))
		}
	}
}

// Update renders f with s and publishes it.  Automatic levels are written
// back to the source.
func (lv *LiveView) Update(f camera.Frame, s acquisition.Settings) error {
	img, l, err := lv.Render(f, s)
	if err != nil {
		return err
	}
	if s.AutoLevels {
		lv.src.SetLevels(int(l.Min), int(l.Max))
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return err
	}
	b := buf.Bytes()

	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.last, lv.lvl = b, l
	for _, ch := range lv.subs {
		select {
		case ch <- b:
		default:
		}
	}
	return nil
}
