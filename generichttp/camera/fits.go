package camera

import (
	"errors"
	"io"

	"github.com/astrogo/fitsio"

	cam "github.com/nasa-jpl/modscope/camera"
)

// WriteFits streams frames to w as a 16-bit fits image, a cube if there is
// more than one frame.  All frames must have the shape of the first.
func WriteFits(w io.Writer, metadata []fitsio.Card, frames []cam.Frame) error {
	if len(frames) == 0 {
		return errors.New("no frames to write")
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	width, height := frames[0].Width, frames[0].Height
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if len(frames) > 1 {
		dims = append(dims, len(frames))
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	npix := width * height
	ints := make([]int16, npix*len(frames))
	for i, f := range frames {
		if f.Width != width || f.Height != height || len(f.Data) != npix {
			return errors.New("frames differ in shape")
		}
		dst := ints[i*npix : (i+1)*npix]
		for j, v := range f.Data {
			dst[j] = int16(v - 32768)
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
