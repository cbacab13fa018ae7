package dmd

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// decoders for pattern files
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/disintegration/gift"
)

// PatternExtensions are the file extensions ReadSequence accepts
var PatternExtensions = []string{".png", ".bmp", ".tif", ".tiff", ".jpg", ".jpeg"}

func isPatternFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range PatternExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ExpandPaths replaces each directory in paths with the pattern files it
// contains.  The result is sorted by file name so that numbered sequences
// (pattern_000.png, pattern_001.png, ...) load in order.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && isPatternFile(e.Name()) {
				out = append(out, filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return filepath.Base(out[i]) < filepath.Base(out[j])
	})
	return out, nil
}

// ReadSequence decodes the pattern files in paths (directories are expanded)
// and converts each to an 8-bit gray image of width x height.  Images of a
// different size are resized with nearest neighbor resampling so binary
// patterns stay binary.
func ReadSequence(paths []string, width, height int) ([]*image.Gray, error) {
	files, err := ExpandPaths(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoPatterns
	}
	out := make([]*image.Gray, 0, len(files))
	for _, fn := range files {
		img, err := decodeFile(fn)
		if err != nil {
			return nil, err
		}
		out = append(out, fit(img, width, height))
	}
	return out, nil
}

func decodeFile(fn string) (image.Image, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("dmd: decoding %s: %w", fn, err)
	}
	return img, nil
}

func fit(src image.Image, width, height int) *image.Gray {
	var g *gift.GIFT
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		g = gift.New()
	} else {
		g = gift.New(gift.Resize(width, height, gift.NearestNeighborResampling))
	}
	dst := image.NewGray(g.Bounds(b))
	g.Draw(dst, src)
	return dst
}
