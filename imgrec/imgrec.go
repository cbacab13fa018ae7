// Package imgrec contains an image recorder used to save snapshots of the live frame to disk.
package imgrec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"go.uber.org/zap"

	"github.com/nasa-jpl/modscope/acquisition"
	cam "github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/generichttp"
	"github.com/nasa-jpl/modscope/generichttp/camera"
	"github.com/nasa-jpl/modscope/util"
)

// Recorder records frames as fits files with incrementing filenames in
// yyyy-mm-dd subfolders.  With Enabled set it also records the last frame of
// every session as an acquisition.Observer.
type Recorder struct {
	acquisition.NopObserver

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled turns on recording at the end of sessions
	Enabled bool

	// Source provides the frame recorded at the end of a session
	Source camera.FrameGetter

	// Log receives errors from observer-driven recording
	Log *zap.Logger

	// Now is the clock; nil is time.Now
	Now func() time.Time

	mu      sync.Mutex
	counter int
}

func (r *Recorder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// folder is the dated subfolder for the current time
func (r *Recorder) folder() string {
	return filepath.Join(r.Root, r.now().Format("2006-01-02"))
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := r.folder()
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// scan finds the largest counter in use in dir for the prefix
func (r *Recorder) scan(dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		if !util.AllElementsNumbers(bit) {
			continue
		}
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count, nil
}

// Record writes f to the next file and returns its path.  The counter is
// rescanned from disk so that files from earlier runs are not overwritten.
func (r *Recorder) Record(f cam.Frame, meta []fitsio.Card) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	n, err := r.scan(fldr)
	if err != nil {
		return "", err
	}
	if r.counter <= n {
		r.counter = n + 1
	}
	buf := &bytes.Buffer{}
	if err := camera.WriteFits(buf, meta, []cam.Frame{f}); err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	if _, err := fid.Write(buf.Bytes()); err != nil {
		return "", err
	}
	r.counter++
	return fn, nil
}

// SessionEnded implements acquisition.Observer
func (r *Recorder) SessionEnded(rep acquisition.Report) {
	r.mu.Lock()
	enabled := r.Enabled && r.Source != nil
	r.mu.Unlock()
	if !enabled {
		return
	}
	f, ok := r.Source.LatestFrame()
	if !ok {
		return
	}
	meta := []fitsio.Card{{Name: "SESSION", Value: rep.ID}, {Name: "FRAMENUM", Value: int(f.Number)}}
	fn, err := r.Record(f, meta)
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	if err != nil {
		log.Error("recording snapshot", zap.String("session", rep.ID), zap.Error(err))
		return
	}
	log.Info("recorded snapshot", zap.String("session", rep.ID), zap.String("file", fn))
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	old := rec.Root
	rec.Root = str.Str
	if _, err = rec.mkDir(); err != nil {
		rec.Root = old
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec.counter = 0
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Root}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.String, String: h.Recorder.Prefix}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.Recorder.Enabled}
	h.mu.Unlock()
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Snapshot records the source's latest frame and returns the file name as {"str": path}
func (h HTTPWrapper) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		http.Error(w, "recorder has no frame source", http.StatusInternalServerError)
		return
	}
	f, ok := h.Source.LatestFrame()
	if !ok {
		http.Error(w, "no frame has been captured", http.StatusNotFound)
		return
	}
	fn, err := h.Record(f, []fitsio.Card{{Name: "FRAMENUM", Value: int(f.Number)}})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: fn}
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled,
// and POST /autowrite/snapshot, to the route table
func (h HTTPWrapper) Inject(table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/snapshot"}] = h.Snapshot
}
