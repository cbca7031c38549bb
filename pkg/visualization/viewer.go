// Package visualization exports slices of a volume as greyscale images for
// quality control of masks, labels and parameter maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"tractrec/internal/models"
)

// Viewer renders one frame of a volume
type Viewer struct {
	vol   *models.Volume
	frame int

	// lo and hi are the frame's intensity range, mapped to 0 and 65535
	lo, hi float64
}

// NewViewer creates a viewer over frame t of vol
func NewViewer(vol *models.Volume, t int) (*Viewer, error) {
	if t < 0 || t >= vol.Frames {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", t, vol.Frames)
	}
	n := vol.Voxels()
	data := vol.Data[t*n : (t+1)*n]
	return &Viewer{vol: vol, frame: t, lo: floats.Min(data), hi: floats.Max(data)}, nil
}

func (v *Viewer) grey(x, y, z int) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	s := (v.vol.At(x, y, z, v.frame) - v.lo) / (v.hi - v.lo)
	if math.IsNaN(s) {
		return color.Gray16{}
	}
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, s)) * 65535))}
}

// extent returns the number of positions along axis
func (v *Viewer) extent(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.vol.Width, nil
	case "y":
		return v.vol.Height, nil
	case "z":
		return v.vol.Depth, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice returns the plane at position along axis. An x slice is laid out
// as z by y, a y slice as x by z and a z slice as x by y.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	n, err := v.extent(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d out of range [0, %d) along %s", position, n, axis)
	}

	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray16(image.Rect(0, 0, v.vol.Depth, v.vol.Height))
		for y := 0; y < v.vol.Height; y++ {
			for z := 0; z < v.vol.Depth; z++ {
				img.SetGray16(z, y, v.grey(position, y, z))
			}
		}
	case "y":
		img = image.NewGray16(image.Rect(0, 0, v.vol.Width, v.vol.Depth))
		for z := 0; z < v.vol.Depth; z++ {
			for x := 0; x < v.vol.Width; x++ {
				img.SetGray16(x, z, v.grey(x, position, z))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, v.vol.Width, v.vol.Height))
		for y := 0; y < v.vol.Height; y++ {
			for x := 0; x < v.vol.Width; x++ {
				img.SetGray16(x, y, v.grey(x, y, position))
			}
		}
	}
	return img, nil
}

// SaveSlice writes img as a PNG
func SaveSlice(img image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return f.Close()
}

// SaveSliceSequence writes every slice along axis to outputDir as
// slice_<axis>_<pos>.png and returns the file names
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	n, err := v.extent(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	names := make([]string, 0, n)
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}
		name := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", strings.ToLower(axis), pos))
		if err := SaveSlice(img, name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	log.WithFields(log.Fields{"dir": outputDir, "axis": axis, "slices": n}).Info("Slices written")
	return names, nil
}
