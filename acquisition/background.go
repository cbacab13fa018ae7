package acquisition

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/nasa-jpl/modscope/dmd"
)

// AcquireBackground replaces the projector memory with a single black pattern
// and runs a session projecting only that pattern.  It requires DMD
// triggering; otherwise it returns ErrUnsupported without touching any device.
//
// The patterns previously loaded are lost.
func (c *Controller) AcquireBackground(ctx context.Context, s Settings) error {
	if !s.DMDTrigger {
		return ErrUnsupported
	}
	if c.Projector == nil {
		return ErrNoProjector
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if c.State() != Idle {
		return ErrBusy
	}
	w, h := c.Projector.Resolution()
	if err := c.Projector.AllocateMemory(1, 8); err != nil {
		return err
	}
	if err := c.Projector.LoadPatterns([]*image.Gray{dmd.Black(w, h)}); err != nil {
		return err
	}
	free, err := c.Projector.AvailableMemory()
	if err != nil {
		return err
	}
	c.Log.Info("background pattern loaded", zap.Int("width", w), zap.Int("height", h), zap.Int("freeMemory", free))
	s.DMDFirstFrame, s.DMDLastFrame = 0, 0
	return c.run(ctx, s, true)
}

// ImportSequence loads pattern files, or directories of them, into the
// projector and selects all of them for projection.  It returns the number
// of patterns loaded.
func (c *Controller) ImportSequence(paths []string) (int, error) {
	if c.Projector == nil {
		return 0, ErrNoProjector
	}
	if c.State() != Idle {
		return 0, ErrBusy
	}
	files, err := dmd.ExpandPaths(paths)
	if err != nil {
		return 0, err
	}
	w, h := c.Projector.Resolution()
	pats, err := dmd.ReadSequence(files, w, h)
	if err != nil {
		return 0, err
	}
	if err := dmd.Import(c.Projector, pats); err != nil {
		return 0, err
	}
	c.Log.Info("pattern sequence imported", zap.Int("patterns", len(pats)), zap.Strings("files", files))
	return len(pats), nil
}
