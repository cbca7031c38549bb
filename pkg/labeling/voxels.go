// Package labeling turns masks into voxel coordinate lists and per-voxel label
// images for tools that address voxels by index.
package labeling

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
)

// Space selects the coordinate system of exported coordinates
type Space string

const (
	// SpaceVoxel exports integer voxel indices
	SpaceVoxel Space = "voxel"

	// SpaceScanner exports voxel centres after applying the affine
	SpaceScanner Space = "scanner"
)

// ParseSpace validates s
func ParseSpace(s string) (Space, error) {
	switch sp := Space(s); sp {
	case SpaceVoxel, SpaceScanner:
		return sp, nil
	}
	return "", fmt.Errorf("invalid coordinate space %q (use voxel or scanner)", s)
}

// VoxelList returns the voxels of the first frame whose value is above
// threshold, in row-major order (x slowest, z fastest)
func VoxelList(mask *models.Volume, threshold float64) [][3]int {
	var out [][3]int
	mask.ForEachRowMajor(func(x, y, z int, v float64) {
		if v > threshold {
			out = append(out, [3]int{x, y, z})
		}
	})
	return out
}

// Coordinates converts voxels to the requested space. Scanner coordinates are
// rounded to decimals places.
func Coordinates(vol *models.Volume, voxels [][3]int, space Space, decimals int) [][3]float64 {
	out := make([][3]float64, len(voxels))
	scale := math.Pow(10, float64(decimals))
	for i, v := range voxels {
		if space == SpaceVoxel {
			out[i] = [3]float64{float64(v[0]), float64(v[1]), float64(v[2])}
			continue
		}
		w := vol.VoxelToWorld(float64(v[0]), float64(v[1]), float64(v[2]))
		for k := range w {
			w[k] = math.Round(w[k]*scale) / scale
		}
		out[i] = w
	}
	return out
}

func formatCoord(v float64, space Space, decimals int) string {
	if space == SpaceVoxel {
		return strconv.Itoa(int(v))
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// WriteCoords writes one comma separated x,y,z line per coordinate, with an
// optional leading label column
func WriteCoords(path string, coords [][3]float64, labels []uint64, space Space, decimals int) error {
	if err := pathutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if labels != nil {
		fmt.Fprintln(w, "index,x_coord,y_coord,z_coord")
	}
	fields := make([]string, 0, 4)
	for i, c := range coords {
		fields = fields[:0]
		if labels != nil {
			fields = append(fields, strconv.FormatUint(labels[i], 10))
		}
		for _, v := range c {
			fields = append(fields, formatCoord(v, space, decimals))
		}
		fmt.Fprintln(w, strings.Join(fields, ","))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.WithFields(log.Fields{"file": path, "rows": len(coords)}).Debug("Coordinates written")
	return nil
}

// WriteCoordsNpy writes coordinates as an n x 3 float64 .npy array
func WriteCoordsNpy(path string, coords [][3]float64) error {
	data := make([]float64, 0, 3*len(coords))
	for _, c := range coords {
		data = append(data, c[0], c[1], c[2])
	}
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	w.Shape = []int{len(coords), 3}
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// VoxelListOptions controls WriteVoxelList
type VoxelListOptions struct {
	// OutFile defaults to <mask stem>_<space>_coords.csv next to the mask
	OutFile string

	// Threshold: voxels at or below it are background
	Threshold float64

	Space    Space
	Decimals int
}

// WriteVoxelList exports the coordinates of every voxel of maskFile above the threshold
func WriteVoxelList(maskFile string, opts VoxelListOptions) (string, error) {
	if opts.Space == "" {
		opts.Space = SpaceScanner
	}
	out := opts.OutFile
	if out == "" {
		out = filepath.Join(filepath.Dir(maskFile), pathutil.Stem(maskFile)+"_"+string(opts.Space)+"_coords.csv")
	}

	mask, _, err := nifti.Load(maskFile)
	if err != nil {
		return "", err
	}
	voxels := VoxelList(mask, opts.Threshold)
	coords := Coordinates(mask, voxels, opts.Space, opts.Decimals)
	if err := WriteCoords(out, coords, nil, opts.Space, opts.Decimals); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"file": out, "voxels": len(voxels)}).Info("Voxel list written")
	return out, nil
}
