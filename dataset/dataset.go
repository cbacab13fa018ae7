// Package dataset persists acquisition sessions as chunked 3D arrays on disk.
//
// Each session is a Zarr v2 directory store:
//
//	<root>/<yymmdd_HHMMSS>_<label>[_<sample>].zarr/
//	    .zgroup, .zattrs               session metadata
//	    t0/c0/image/.zarray            shape (N, rows, cols), chunks (1, rows, cols)
//	    t0/c0/image/.zattrs            axis labels z, y, x and element_size_um
//	    t0/c0/image/<i>.0.0            one uncompressed little-endian frame per chunk
//
// Every frame write is synced to disk before Write returns.
package dataset

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultLabel is the session label used in file names
	DefaultLabel = "ModulatedMeasurement"

	// Ext is the extension of a dataset directory
	Ext = ".zarr"

	// ImagePath is the location of the image array inside a dataset
	ImagePath = "t0/c0/image"

	// TimestampFormat is the layout of the timestamp prefix of dataset names
	TimestampFormat = "060102_150405"
)

var (
	// ErrClosed is generated when a closed dataset is written to
	ErrClosed = errors.New("dataset: closed")

	// AxisLabels are the labels of the (frame, row, col) axes
	AxisLabels = []string{"z", "y", "x"}

	// ElementSize is the physical pixel pitch attribute, fixed to unity
	ElementSize = []float64{1, 1, 1}
)

// DType is a Zarr dtype string
type DType string

// Uint16 is the only sample type produced by the cameras
const Uint16 DType = "<u2"

// Spec describes a dataset to create
type Spec struct {
	// Frames is the number of frames the array is sized for
	Frames int

	// Rows and Cols are the frame shape
	Rows, Cols int

	// DType defaults to Uint16
	DType DType

	// Sample is an optional free text tag appended to the name
	Sample string

	// Attrs are stored on the root group
	Attrs map[string]interface{}
}

// Writer is an open dataset
type Writer interface {
	// Write stores a frame of Rows*Cols pixels at index and syncs it to disk
	Write(index int, frame []uint16) error

	// Close finalizes the dataset
	Close() error

	// Path is the dataset directory
	Path() string
}

// Store creates datasets under Root
type Store struct {
	// Root is the save directory.  It is created on demand.
	Root string

	// Label is the session label; DefaultLabel if empty
	Label string

	Log *zap.Logger

	// Now is the clock used for names; time.Now if nil
	Now func() time.Time
}

// Name returns the file name (without directory) for a session started at t
func (s *Store) Name(t time.Time, sample string) string {
	label := s.Label
	if label == "" {
		label = DefaultLabel
	}
	name := t.Format(TimestampFormat) + "_" + label
	if sample != "" {
		name += "_" + sample
	}
	return name + Ext
}

func (s *Store) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Open creates a new dataset.  On failure nothing is left on disk except the
// save directory itself.
func (s *Store) Open(spec Spec) (Writer, error) {
	return s.Create(spec)
}

// Create is Open returning the concrete type
func (s *Store) Create(spec Spec) (*Dataset, error) {
	if spec.DType == "" {
		spec.DType = Uint16
	}
	if spec.DType != Uint16 {
		return nil, fmt.Errorf("dataset: unsupported dtype %q", spec.DType)
	}
	if spec.Frames < 1 || spec.Rows < 1 || spec.Cols < 1 {
		return nil, fmt.Errorf("dataset: invalid shape (%d, %d, %d)", spec.Frames, spec.Rows, spec.Cols)
	}
	if err := os.MkdirAll(s.Root, 0777); err != nil {
		return nil, fmt.Errorf("dataset: creating save directory: %w", err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	t := now()
	path, err := reserve(s.Root, s.Name(t, spec.Sample))
	if err != nil {
		return nil, err
	}
	d := &Dataset{
		path:  path,
		shape: [3]int{spec.Frames, spec.Rows, spec.Cols},
		log:   s.logger(),
		buf:   make([]byte, 2*spec.Rows*spec.Cols),
	}
	d.attrs = map[string]interface{}{
		"created": t.Format(time.RFC3339),
	}
	for k, v := range spec.Attrs {
		d.attrs[k] = v
	}
	if err := d.layout(spec.DType); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	d.log.Info("dataset created", zap.String("path", path),
		zap.Int("frames", spec.Frames), zap.Int("rows", spec.Rows), zap.Int("cols", spec.Cols))
	return d, nil
}

// reserve atomically creates the dataset directory, appending -2, -3, ... if
// a dataset of the same name already exists
func reserve(root, name string) (string, error) {
	base := name[:len(name)-len(Ext)]
	for k := 1; k < 1000; k++ {
		candidate := name
		if k > 1 {
			candidate = fmt.Sprintf("%s-%d%s", base, k, Ext)
		}
		p := filepath.Join(root, candidate)
		err := os.Mkdir(p, 0777)
		if err == nil {
			return p, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("dataset: creating %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("dataset: too many datasets named %s", name)
}

// Dataset is a dataset open for writing
type Dataset struct {
	mu      sync.Mutex
	path    string
	shape   [3]int
	attrs   map[string]interface{}
	written int
	closed  bool
	buf     []byte
	log     *zap.Logger
}

type arrayMeta struct {
	ZarrFormat         int         `json:"zarr_format"`
	Shape              []int       `json:"shape"`
	Chunks             []int       `json:"chunks"`
	DType              DType       `json:"dtype"`
	Compressor         interface{} `json:"compressor"`
	FillValue          int         `json:"fill_value"`
	Order              string      `json:"order"`
	Filters            interface{} `json:"filters"`
	DimensionSeparator string      `json:"dimension_separator"`
}

func writeJSON(fn string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(fn, b, 0666)
}

func (d *Dataset) layout(dt DType) error {
	arr := filepath.Join(d.path, filepath.FromSlash(ImagePath))
	if err := os.MkdirAll(arr, 0777); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	group := map[string]int{"zarr_format": 2}
	for _, g := range []string{"", "t0", "t0/c0"} {
		if err := writeJSON(filepath.Join(d.path, filepath.FromSlash(g), ".zgroup"), group); err != nil {
			return fmt.Errorf("dataset: %w", err)
		}
	}
	if err := writeJSON(filepath.Join(d.path, ".zattrs"), d.attrs); err != nil {
		return fmt.Errorf("dataset: writing session attributes: %w", err)
	}
	meta := arrayMeta{
		ZarrFormat:         2,
		Shape:              d.shape[:],
		Chunks:             []int{1, d.shape[1], d.shape[2]},
		DType:              dt,
		FillValue:          0,
		Order:              "C",
		DimensionSeparator: ".",
	}
	if err := writeJSON(filepath.Join(arr, ".zarray"), meta); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	attrs := map[string]interface{}{
		"_ARRAY_DIMENSIONS": AxisLabels,
		"element_size_um":   ElementSize,
	}
	if err := writeJSON(filepath.Join(arr, ".zattrs"), attrs); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	return nil
}

// Path is the dataset directory
func (d *Dataset) Path() string {
	return d.path
}

// Shape is (frames, rows, cols)
func (d *Dataset) Shape() [3]int {
	return d.shape
}

func chunkKey(index int) string {
	return fmt.Sprintf("%d.0.0", index)
}

// Write stores frame at index and syncs it.  The chunk is written to a
// temporary file and renamed into place so a crash never leaves a torn frame.
func (d *Dataset) Write(index int, frame []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if index < 0 || index >= d.shape[0] {
		return fmt.Errorf("dataset: index %d outside [0, %d)", index, d.shape[0])
	}
	if len(frame) != d.shape[1]*d.shape[2] {
		return fmt.Errorf("dataset: frame has %d pixels, expected %dx%d", len(frame), d.shape[1], d.shape[2])
	}
	for i, v := range frame {
		binary.LittleEndian.PutUint16(d.buf[2*i:], v)
	}
	dir := filepath.Join(d.path, filepath.FromSlash(ImagePath))
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	_, err = tmp.Write(d.buf)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(dir, chunkKey(index)))
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dataset: writing frame %d: %w", index, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("dataset: flushing frame %d: %w", index, err)
	}
	d.written++
	return nil
}

// Written is the number of successful writes
func (d *Dataset) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Close finalizes the session attributes.  Closing twice is a no-op.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.attrs["frames_written"] = d.written
	d.attrs["closed"] = time.Now().Format(time.RFC3339)
	if err := writeJSON(filepath.Join(d.path, ".zattrs"), d.attrs); err != nil {
		return fmt.Errorf("dataset: finalizing %s: %w", d.path, err)
	}
	d.log.Info("dataset closed", zap.String("path", d.path), zap.Int("writes", d.written))
	return syncDir(d.path)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
