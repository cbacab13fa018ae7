// Package camera provides a generic HTTP interface to a scientific camera
package camera

import (
	"bytes"
	"fmt"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"

	cam "github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/display"
	"github.com/nasa-jpl/modscope/generichttp"
)

// Inspector is the read-only part of a camera served over HTTP
type Inspector interface {
	GetExposureTime() (time.Duration, error)
	GetAOI() (cam.AOI, error)
	GetBinning() (cam.Binning, error)
}

// FrameGetter provides the most recent frame
type FrameGetter interface {
	LatestFrame() (cam.Frame, bool)
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// Formats are the image formats frames can be encoded to
var Formats = []string{"jpg", "png", "tif", "fits"}

// HTTPInspect injects the camera's read-only routes into a route table
func HTTPInspect(c Inspector, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = GetExposureTime(c)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/aoi"}] = GetAOI(c)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/binning"}] = GetBinning(c)
}

// GetExposureTime gets the exposure time and returns it as
// json {"f64": seconds}
func GetExposureTime(c Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := c.GetExposureTime()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: t.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// GetAOI returns the AOI as json
func GetAOI(c Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aoi, err := c.GetAOI()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.Respond(w, aoi)
	}
}

// GetBinning returns the binning as json
func GetBinning(c Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := c.GetBinning()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.Respond(w, b)
	}
}

// Gray16 copies a frame into a big-endian 16-bit image
func Gray16(f cam.Frame) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Data {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return img
}

// ContentType is the MIME type of an image format
func ContentType(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "tif", "tiff":
		return "image/tiff"
	case "fits":
		return "image/fits"
	}
	return "application/octet-stream"
}

// EncodeFrame writes f to w in format.  jpg is scaled to 8 bits with
// automatic levels, the other formats keep 16 bits.
func EncodeFrame(w io.Writer, f cam.Frame, format string, meta []fitsio.Card) error {
	format = strings.ToLower(format)
	switch format {
	case "jpg", "jpeg":
		img, err := display.Scale(f.Data, f.Width, f.Height, display.AutoLevels(f.Data))
		if err != nil {
			return err
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: display.JPEGQuality})
	case "png":
		return png.Encode(w, Gray16(f))
	case "tif", "tiff":
		return tiff.Encode(w, Gray16(f), &tiff.Options{Compression: tiff.Deflate})
	case "fits":
		return WriteFits(w, meta, []cam.Frame{f})
	}
	return fmt.Errorf("format %q is not one of %v", format, Formats)
}

// GetFrame serves the most recent frame in the format named by the fmt query
// parameter, jpg if absent.  404 is returned before the first frame.
func GetFrame(g FrameGetter, mm MetadataMaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "jpg"
		}
		f, ok := g.LatestFrame()
		if !ok {
			http.Error(w, "no frame has been captured", http.StatusNotFound)
			return
		}
		var meta []fitsio.Card
		if mm != nil {
			meta = mm.CollectHeaderMetadata()
		}
		meta = append(meta, fitsio.Card{Name: "FRAMENUM", Value: int(f.Number), Comment: "capture sequence number"})
		buf := &bytes.Buffer{}
		if err := EncodeFrame(buf, f, format, meta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", ContentType(strings.ToLower(format)))
		w.Write(buf.Bytes())
	}
}
