package dataset

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/astrogo/fitsio"
)

// Reader gives read access to a dataset on disk
type Reader struct {
	path  string
	meta  arrayMeta
	attrs map[string]interface{}
}

// Open opens an existing dataset for reading
func Open(path string) (*Reader, error) {
	r := &Reader{path: path}
	arr := filepath.Join(path, filepath.FromSlash(ImagePath))
	if err := readJSON(filepath.Join(arr, ".zarray"), &r.meta); err != nil {
		return nil, fmt.Errorf("dataset: %s is not a dataset: %w", path, err)
	}
	if len(r.meta.Shape) != 3 {
		return nil, fmt.Errorf("dataset: %s has %d dimensions, expected 3", path, len(r.meta.Shape))
	}
	if r.meta.DType != Uint16 {
		return nil, fmt.Errorf("dataset: %s has unsupported dtype %q", path, r.meta.DType)
	}
	if err := readJSON(filepath.Join(path, ".zattrs"), &r.attrs); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return r, nil
}

func readJSON(fn string, v interface{}) error {
	b, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Path is the dataset directory
func (r *Reader) Path() string {
	return r.path
}

// Shape is (frames, rows, cols)
func (r *Reader) Shape() [3]int {
	return [3]int{r.meta.Shape[0], r.meta.Shape[1], r.meta.Shape[2]}
}

// Attrs are the session attributes on the root group
func (r *Reader) Attrs() map[string]interface{} {
	return r.attrs
}

// ArrayAttrs reads the image array attributes (axis labels, element size)
func (r *Reader) ArrayAttrs() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	err := readJSON(filepath.Join(r.path, filepath.FromSlash(ImagePath), ".zattrs"), &out)
	return out, err
}

// Frame reads the frame at index.  Frames never written read as the fill value, zero.
func (r *Reader) Frame(index int) ([]uint16, error) {
	s := r.Shape()
	if index < 0 || index >= s[0] {
		return nil, fmt.Errorf("dataset: index %d outside [0, %d)", index, s[0])
	}
	out := make([]uint16, s[1]*s[2])
	b, err := os.ReadFile(filepath.Join(r.path, filepath.FromSlash(ImagePath), chunkKey(index)))
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) != 2*len(out) {
		return nil, fmt.Errorf("dataset: chunk %d has %d bytes, expected %d", index, len(b), 2*len(out))
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out, nil
}

// Stored returns the indices of frames present on disk, in order
func (r *Reader) Stored() ([]int, error) {
	var out []int
	for i := 0; i < r.meta.Shape[0]; i++ {
		_, err := os.Stat(filepath.Join(r.path, filepath.FromSlash(ImagePath), chunkKey(i)))
		if err == nil {
			out = append(out, i)
			continue
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return out, nil
}

// WriteFITS streams the dataset to w as a 16-bit FITS cube with NAXIS = (cols, rows, frames)
func (r *Reader) WriteFITS(w io.Writer, metadata []fitsio.Card) error {
	s := r.Shape()
	metadata = append(metadata,
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
		fitsio.Card{Name: "DATASET", Value: filepath.Base(r.path), Comment: "source dataset"})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{s[2], s[1]}
	if s[0] > 1 {
		dims = append(dims, s[0])
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	npix := s[1] * s[2]
	ints := make([]int16, s[0]*npix)
	for i := 0; i < s[0]; i++ {
		frame, err := r.Frame(i)
		if err != nil {
			return err
		}
		dst := ints[i*npix : (i+1)*npix]
		for j, v := range frame {
			dst[j] = int16(v - 32768)
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
