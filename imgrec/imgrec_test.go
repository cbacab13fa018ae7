package imgrec

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/modscope/acquisition"
	cam "github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/generichttp"
)

type frames struct {
	f  cam.Frame
	ok bool
}

func (s frames) LatestFrame() (cam.Frame, bool) {
	return s.f, s.ok
}

func frame() cam.Frame {
	return cam.Frame{Data: []uint16{1, 2, 3, 4, 5, 6}, Width: 3, Height: 2, Number: 7}
}

func fixed() time.Time {
	return time.Date(2021, 7, 7, 10, 0, 0, 0, time.UTC)
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range ents {
		out = append(out, e.Name())
	}
	return out
}

func TestRecordIncrements(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "snap", Now: fixed}
	for i := 0; i < 2; i++ {
		if _, err := r.Record(frame(), nil); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"snap000001.fits", "snap000002.fits"}
	if diff := cmp.Diff(want, names(t, filepath.Join(root, "2021-07-07"))); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestRecordResumesFromDisk(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2021-07-07")
	os.MkdirAll(dir, 0777)
	os.WriteFile(filepath.Join(dir, "snap000041.fits"), []byte("x"), 0666)
	r := &Recorder{Root: root, Prefix: "snap", Now: fixed}
	fn, err := r.Record(frame(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(fn) != "snap000042.fits" {
		t.Errorf("recorded %s", fn)
	}
}

func TestSessionEndedRecordsWhenEnabled(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "end", Now: fixed, Source: frames{frame(), true}}
	rep := acquisition.Report{Session: acquisition.Session{ID: "abc"}}
	r.SessionEnded(rep)
	if _, err := os.Stat(filepath.Join(root, "2021-07-07")); !os.IsNotExist(err) {
		t.Error("disabled recorder wrote a file")
	}
	r.Enabled = true
	r.SessionEnded(rep)
	if got := names(t, filepath.Join(root, "2021-07-07")); len(got) != 1 {
		t.Errorf("expected one snapshot, got %v", got)
	}
}

func TestHTTPWrapper(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "a", Now: fixed, Source: frames{frame(), true}}
	rt := generichttp.RouteTable{}
	NewHTTPWrapper(r).Inject(rt)
	post := func(path string, v interface{}) int {
		b, _ := json.Marshal(v)
		w := httptest.NewRecorder()
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: path}](w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
		return w.Code
	}
	if c := post("/autowrite/prefix", generichttp.StrT{Str: "cell_"}); c != http.StatusOK {
		t.Fatalf("prefix status %d", c)
	}
	if c := post("/autowrite/enabled", generichttp.BoolT{Bool: true}); c != http.StatusOK {
		t.Fatalf("enabled status %d", c)
	}
	if !r.Enabled || r.Prefix != "cell_" {
		t.Errorf("recorder not updated: %+v", r)
	}
	w := httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/snapshot"}](w, httptest.NewRequest(http.MethodPost, "/autowrite/snapshot", nil))
	got := generichttp.StrT{}
	json.NewDecoder(w.Body).Decode(&got)
	if filepath.Base(got.Str) != "cell_000001.fits" {
		t.Errorf("snapshot written to %q", got.Str)
	}
}
