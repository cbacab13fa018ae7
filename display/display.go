/*Package display turns 16-bit camera frames into 8-bit images for the live view.

Levels map the frame's [Min, Max] linearly onto [0, 255]; with automatic
levels they are the frame's own extrema.  An orientation is applied after
scaling.
*/
package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/gift"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/mathx"
	"github.com/nasa-jpl/modscope/util"
)

// Levels are the pixel values mapped to black and white
type Levels struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// AutoLevels are the extrema of data
func AutoLevels(data []uint16) Levels {
	min, max := mathx.MinMax(data)
	return Levels{Min: min, Max: max}
}

// Orientation is a transform applied to displayed frames
type Orientation string

const (
	None      Orientation = "none"
	FlipV     Orientation = "flipv"
	FlipH     Orientation = "fliph"
	Transpose Orientation = "transpose"
	Rot90     Orientation = "rot90"
)

// ParseOrientation parses an orientation name; "" is None
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(s); o {
	case "":
		return None, nil
	case None, FlipV, FlipH, Transpose, Rot90:
		return o, nil
	}
	return None, camera.EnumError{Enum: "orientation", Value: s}
}

func (o Orientation) filter() gift.Filter {
	switch o {
	case FlipV:
		return gift.FlipVertical()
	case FlipH:
		return gift.FlipHorizontal()
	case Transpose:
		return gift.Transpose()
	case Rot90:
		return gift.Rotate90()
	}
	return nil
}

// Scale maps width x height pixels of data to 8 bits using l.  Values outside
// the levels saturate.
func Scale(data []uint16, width, height int, l Levels) (*image.Gray, error) {
	if width*height != len(data) {
		return nil, fmt.Errorf("display: %d pixels do not make a %dx%d image", len(data), width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	lo := float64(l.Min)
	span := float64(l.Max) - lo
	if span <= 0 {
		span = 1
	}
	for i, v := range data {
		img.Pix[i] = uint8(util.Clamp((float64(v)-lo)*255/span+0.5, 0, 255))
	}
	return img, nil
}

// Orient applies o to img
func Orient(img *image.Gray, o Orientation) *image.Gray {
	f := o.filter()
	if f == nil {
		return img
	}
	g := gift.New(f)
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// Renderer renders frames with the display part of the acquisition settings.
// Without automatic ranging the output keeps the size of the first frame it
// rendered.
type Renderer struct {
	Orientation Orientation

	mu   sync.Mutex
	size image.Point
}

// Render scales, orients and sizes f.  The levels used are returned so that
// automatic levels can be reported back.
func (r *Renderer) Render(f camera.Frame, s acquisition.Settings) (*image.Gray, Levels, error) {
	var l Levels
	if s.AutoLevels {
		l = AutoLevels(f.Data)
	} else {
		l = Levels{
			Min: uint16(util.Clamp(float64(s.LevelMin), 0, 65535)),
			Max: uint16(util.Clamp(float64(s.LevelMax), 0, 65535)),
		}
	}
	img, err := Scale(f.Data, f.Width, f.Height, l)
	if err != nil {
		return nil, l, err
	}
	img = Orient(img, r.Orientation)

	r.mu.Lock()
	defer r.mu.Unlock()
	sz := img.Bounds().Size()
	if s.AutoRange || r.size == (image.Point{}) {
		r.size = sz
		return img, l, nil
	}
	if sz == r.size {
		return img, l, nil
	}
	g := gift.New(gift.Resize(r.size.X, r.size.Y, gift.NearestNeighborResampling))
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst, l, nil
}

// Reset forgets the retained output size
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = image.Point{}
}
