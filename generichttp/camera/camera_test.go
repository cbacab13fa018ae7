package camera

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	cam "github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/generichttp"
)

func ramp() cam.Frame {
	data := make([]uint16, 4*3)
	for i := range data {
		data[i] = uint16(i * 1000)
	}
	return cam.Frame{Data: data, Width: 4, Height: 3, Number: 9}
}

func TestGray16(t *testing.T) {
	img := Gray16(ramp())
	if v := img.Gray16At(3, 2).Y; v != 11000 {
		t.Errorf("pixel (3, 2) = %d, want 11000", v)
	}
}

func TestEncodePNGKeepsDepth(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := EncodeFrame(buf, ramp(), "png", nil); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	r, _, _, _ := img.At(1, 0).RGBA()
	if r != 1000 {
		t.Errorf("pixel (1, 0) = %d, want 1000", r)
	}
}

func TestEncodeUnknownFormat(t *testing.T) {
	if err := EncodeFrame(&bytes.Buffer{}, ramp(), "gif", nil); err == nil {
		t.Error("expected an error for gif")
	}
}

func TestWriteFitsReadBack(t *testing.T) {
	buf := &bytes.Buffer{}
	meta := []fitsio.Card{{Name: "EXPTIME", Value: 0.01}}
	if err := WriteFits(buf, meta, []cam.Frame{ramp(), ramp()}); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	if got := hdr.Axes(); len(got) != 3 || got[0] != 4 || got[1] != 3 || got[2] != 2 {
		t.Errorf("axes %v, want [4 3 2]", got)
	}
	if hdr.Get("EXPTIME") == nil {
		t.Error("metadata card missing")
	}
}

func TestWriteFitsShapeMismatch(t *testing.T) {
	other := cam.Frame{Data: make([]uint16, 4), Width: 2, Height: 2}
	if err := WriteFits(&bytes.Buffer{}, nil, []cam.Frame{ramp(), other}); err == nil {
		t.Error("expected an error for frames of different shapes")
	}
}

type inspector struct{}

func (inspector) GetExposureTime() (time.Duration, error) { return 250 * time.Millisecond, nil }
func (inspector) GetAOI() (cam.AOI, error)                { return cam.AOI{Left: 1, Top: 1, Width: 64, Height: 32}, nil }
func (inspector) GetBinning() (cam.Binning, error)        { return cam.Binning{H: 2, V: 2}, nil }

func TestInspectRoutes(t *testing.T) {
	rt := generichttp.RouteTable{}
	HTTPInspect(inspector{}, rt)
	w := httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}](w, httptest.NewRequest(http.MethodGet, "/exposure-time", nil))
	f := generichttp.FloatT{}
	json.NewDecoder(w.Body).Decode(&f)
	if f.F64 != 0.25 {
		t.Errorf("exposure %v, want 0.25", f.F64)
	}
	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/aoi"}](w, httptest.NewRequest(http.MethodGet, "/aoi", nil))
	aoi := cam.AOI{}
	json.NewDecoder(w.Body).Decode(&aoi)
	if aoi.Width != 64 || aoi.Height != 32 {
		t.Errorf("aoi %+v", aoi)
	}
}
