package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/go-cmp/cmp"
)

var stamp = time.Date(2021, 7, 7, 10, 25, 27, 0, time.Local)

func newStore(t *testing.T) *Store {
	return &Store{Root: filepath.Join(t.TempDir(), "nested", "save"), Now: func() time.Time { return stamp }}
}

func TestName(t *testing.T) {
	s := &Store{}
	if n := s.Name(stamp, ""); n != "210707_102527_ModulatedMeasurement.zarr" {
		t.Errorf("unexpected name %s", n)
	}
	s.Label = "bg"
	if n := s.Name(stamp, "beads"); n != "210707_102527_bg_beads.zarr" {
		t.Errorf("unexpected name %s", n)
	}
}

func TestCreateLayout(t *testing.T) {
	s := newStore(t)
	d, err := s.Create(Spec{Frames: 10, Rows: 4, Cols: 6, Sample: "beads", Attrs: map[string]interface{}{"exposure": 0.01}})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(d.Path()) != "210707_102527_ModulatedMeasurement_beads.zarr" {
		t.Errorf("unexpected path %s", d.Path())
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := Open(d.Path())
	if err != nil {
		t.Fatal(err)
	}
	if r.Shape() != [3]int{10, 4, 6} {
		t.Errorf("unexpected shape %v", r.Shape())
	}
	if diff := cmp.Diff([]int{1, 4, 6}, r.meta.Chunks); diff != "" {
		t.Errorf("chunks (-want +got):\n%s", diff)
	}
	attrs, err := r.ArrayAttrs()
	if err != nil {
		t.Fatal(err)
	}
	expected := map[string]interface{}{
		"_ARRAY_DIMENSIONS": []interface{}{"z", "y", "x"},
		"element_size_um":   []interface{}{1., 1., 1.},
	}
	if diff := cmp.Diff(expected, attrs); diff != "" {
		t.Errorf("array attributes (-want +got):\n%s", diff)
	}
	if r.Attrs()["exposure"] != 0.01 {
		t.Errorf("session attributes not stored: %v", r.Attrs())
	}
	if r.Attrs()["frames_written"] != 0. {
		t.Errorf("expected frames_written 0 after close, got %v", r.Attrs()["frames_written"])
	}
}

func TestWriteReadBack(t *testing.T) {
	s := newStore(t)
	d, err := s.Create(Spec{Frames: 3, Rows: 2, Cols: 3})
	if err != nil {
		t.Fatal(err)
	}
	frame := []uint16{0, 1, 2, 65535, 32768, 7}
	if err := d.Write(1, frame); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(3, frame); err == nil {
		t.Error("expected an out of range index to fail")
	}
	if err := d.Write(0, frame[:5]); err == nil {
		t.Error("expected a wrongly sized frame to fail")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(0, frame); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	r, err := Open(d.Path())
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Frame(1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(frame, got); diff != "" {
		t.Errorf("frame (-want +got):\n%s", diff)
	}
	blank, err := r.Frame(0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(make([]uint16, 6), blank); diff != "" {
		t.Errorf("unwritten frame should be zero (-want +got):\n%s", diff)
	}
	stored, err := r.Stored()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1}, stored); diff != "" {
		t.Errorf("stored (-want +got):\n%s", diff)
	}
}

func TestNameCollision(t *testing.T) {
	s := newStore(t)
	a, err := s.Create(Spec{Frames: 1, Rows: 1, Cols: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(Spec{Frames: 1, Rows: 1, Cols: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.Path() == b.Path() {
		t.Fatal("two datasets created in the same second share a path")
	}
	if filepath.Base(b.Path()) != "210707_102527_ModulatedMeasurement-2.zarr" {
		t.Errorf("unexpected second name %s", filepath.Base(b.Path()))
	}
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	s := &Store{Root: blocker}
	d, err := s.Create(Spec{Frames: 1, Rows: 1, Cols: 1})
	if err == nil || d != nil {
		t.Fatalf("expected failure with no dataset, got %v %v", d, err)
	}
	if _, err := s.Create(Spec{Frames: 0, Rows: 1, Cols: 1}); err == nil {
		t.Error("expected an empty shape to be rejected")
	}
	if _, err := s.Create(Spec{Frames: 1, Rows: 1, Cols: 1, DType: "<f4"}); err == nil {
		t.Error("expected an unsupported dtype to be rejected")
	}
}

func TestWriteFITS(t *testing.T) {
	s := newStore(t)
	d, err := s.Create(Spec{Frames: 2, Rows: 2, Cols: 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := d.Write(i, []uint16{1, 2, 3, 4, 5, uint16(i)}); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()
	r, err := Open(d.Path())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := r.WriteFITS(&buf, []fitsio.Card{{Name: "EXPOSURE", Value: 0.01}}); err != nil {
		t.Fatal(err)
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("FITS output is %d bytes, not a whole number of blocks", buf.Len())
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	axes := f.HDU(0).Header().Axes()
	if diff := cmp.Diff([]int{3, 2, 2}, axes); diff != "" {
		t.Errorf("axes (-want +got):\n%s", diff)
	}
}
