package acquisition

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nasa-jpl/modscope/camera"
)

// interruptedFetch reports whether a fetch error was caused by the session
// being interrupted rather than by the camera
func interruptedFetch(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, camera.ErrNotAcquiring))
}

// runFixedLength stores every frame of a fixed length sequence at its
// sequence index, checking for interruption after each frame
func (c *Controller) runFixedLength(ctx context.Context, log *zap.Logger, s Settings) error {
	snap, _ := c.Session()
	var w interface{ Write(int, []uint16) error }
	if s.SaveToDisk {
		ds, err := c.openDataset(log, s)
		if err != nil {
			return err
		}
		w = ds
		if err := c.event(evSave); err != nil {
			return err
		}
	}
	if s.DMDTrigger {
		if err := c.Projector.Start(); err != nil {
			return fmt.Errorf("acquisition: starting projector: %w", err)
		}
	}
	bound := snap.Expected
	if snap.Capacity < bound {
		bound = snap.Capacity
	}
	index := 0
	for index < bound {
		frames, err := c.Camera.GetFrames(ctx)
		if err != nil {
			if interruptedFetch(ctx, err) {
				return nil
			}
			return fmt.Errorf("acquisition: fetching frames: %w", err)
		}
		for _, f := range frames {
			if index >= bound {
				break
			}
			sess, err := c.display(f)
			if err != nil {
				return err
			}
			for _, o := range c.observerList() {
				o.FrameCaptured(sess)
			}
			if w != nil {
				if err := w.Write(index, f.Data); err != nil {
					return err
				}
				sess = c.stored()
				for _, o := range c.observerList() {
					o.FrameStored(sess, index)
				}
			}
			c.advance(index)
			index++
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return nil
}

// runTillAbort displays the newest frame on every poll until interrupted.
// When saving, the first poll triggers one bounded save of the ring after
// which the session stops itself.
func (c *Controller) runTillAbort(ctx context.Context, log *zap.Logger, s Settings) error {
	if s.DMDTrigger {
		if err := c.Projector.Start(); err != nil {
			return fmt.Errorf("acquisition: starting projector: %w", err)
		}
	}
	for ctx.Err() == nil {
		f, err := c.Camera.GetLastFrame(ctx)
		if err != nil {
			if interruptedFetch(ctx, err) {
				return nil
			}
			return fmt.Errorf("acquisition: fetching last frame: %w", err)
		}
		sess, err := c.display(f)
		if err != nil {
			return err
		}
		for _, o := range c.observerList() {
			o.FrameCaptured(sess)
		}
		if !s.SaveToDisk {
			continue
		}
		if _, err := c.openDataset(log, s); err != nil {
			return err
		}
		if err := c.event(evSave); err != nil {
			return err
		}
		if err := c.saveRing(ctx, log); err != nil {
			return err
		}
		c.selfStop()
		if err := c.Camera.StopAcquisition(); err != nil {
			return fmt.Errorf("acquisition: stopping camera: %w", err)
		}
	}
	return nil
}

// saveRing copies min(expected, capacity) consecutive frames out of the ring,
// starting at the newest slot, into dataset indices 0, 1, ...
//
// Capture keeps running while the ring is copied.  Each read waits until the
// camera has written the next frame in sequence into the cursor slot, so a
// copy that outpaces capture never stores a slot from an earlier pass.  The
// copy tracks how far the camera has run ahead using the backlog reported
// after each fetch; once the camera could lap the copy cursor, capture is
// halted without releasing the ring and the frames already captured are
// drained.  Draining ends at the first slot that does not hold the next frame
// in sequence.  If capture laps the cursor anyway the copy stops with
// ErrOverrun; the frames stored up to then are kept.
//
// The copy runs to completion even if the session is interrupted meanwhile.
func (c *Controller) saveRing(ctx context.Context, log *zap.Logger) error {
	c.mu.Lock()
	sess := *c.session
	w := c.ds
	c.mu.Unlock()
	capacity := sess.Capacity
	if capacity < 1 {
		return fmt.Errorf("acquisition: camera reports %d buffers", capacity)
	}
	target := sess.Expected
	if target > capacity {
		target = capacity
	}
	cursor := c.Camera.BufferIndex()
	if cursor < 0 {
		cursor = 0
	}
	ctx = context.WithoutCancel(ctx)
	var (
		first     uint64
		stalking  int
		remaining bool
	)
	halt := func(j int) error {
		if err := c.Camera.StopAcquisitionNotReleasing(); err != nil {
			return fmt.Errorf("acquisition: halting capture: %w", err)
		}
		remaining = true
		snap := c.halted()
		log.Info("capture halted to protect unsaved slots",
			zap.Int("saved", j), zap.Int("stalking", stalking))
		for _, o := range c.observerList() {
			o.CaptureHalted(snap)
		}
		return nil
	}
	log.Info("saving ring", zap.Int("from", cursor), zap.Int("frames", target), zap.Int("capacity", capacity))
	for j := 0; j < target; j++ {
		var want uint64
		if j > 0 {
			want = first + uint64(j)
		}
		f, err := c.Camera.GetRequiredFrame(ctx, cursor, want)
		if err != nil {
			if remaining && errors.Is(err, camera.ErrNotAcquiring) {
				log.Info("ring drained", zap.Int("saved", j))
				break
			}
			return fmt.Errorf("acquisition: fetching slot %d: %w", cursor, err)
		}
		if j == 0 {
			first = f.Number
		}
		if f.Number != first+uint64(j) {
			if remaining {
				log.Info("ring drained", zap.Int("saved", j))
				break
			}
			log.Warn("ring slot overwritten before it was saved",
				zap.Int("slot", cursor), zap.Uint64("expected", first+uint64(j)), zap.Uint64("got", f.Number))
			if err := halt(j); err != nil {
				return err
			}
			return fmt.Errorf("%w: slot %d held frame %d, expected %d", ErrOverrun, cursor, f.Number, first+uint64(j))
		}
		if _, err := c.display(f); err != nil {
			return err
		}
		if err := w.Write(j, f.Data); err != nil {
			return err
		}
		snap := c.stored()
		c.advance(j)
		for _, o := range c.observerList() {
			o.FrameStored(snap, j)
		}
		cursor = (cursor + 1) % capacity
		if remaining {
			continue
		}
		backlog := c.Camera.Backlog()
		stalking += backlog - 1
		if stalking+backlog > capacity {
			if err := halt(j + 1); err != nil {
				return err
			}
		}
	}
	return nil
}
