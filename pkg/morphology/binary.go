package morphology

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
)

// DefaultMinVoxelCount is the smallest mask a limited erosion may leave
const DefaultMinVoxelCount = 10

// ErodeOptions controls Erode
type ErodeOptions struct {
	// Iterations is the number of erosion steps (values below 1 mean 1)
	Iterations int

	// Mask restricts which voxels may change; voxels where Mask is zero keep
	// their input value. Nil means no restriction.
	Mask *models.Volume

	// Structure is the neighbourhood; nil means connectivity 1
	Structure *Structure

	// LimitErosion erodes one step at a time and keeps the last result that
	// still has at least MinVoxelCount voxels
	LimitErosion bool

	// MinVoxelCount is used with LimitErosion (0 means DefaultMinVoxelCount)
	MinVoxelCount int
}

// Binarize returns a volume that is 1 where vol (first frame) is nonzero
func Binarize(vol *models.Volume) *models.Volume {
	out := vol.Like()
	for i := range out.Data {
		if vol.Data[i] != 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// erodeOnce keeps a foreground voxel only when every neighbour under s is foreground
func erodeOnce(in *models.Volume, s *Structure, mask *models.Volume) *models.Volume {
	out := in.Like()
	for z := 0; z < in.Depth; z++ {
		for y := 0; y < in.Height; y++ {
			for x := 0; x < in.Width; x++ {
				idx := in.Index(x, y, z)
				if mask != nil && mask.Data[idx] == 0 {
					out.Data[idx] = in.Data[idx]
					continue
				}
				if in.Data[idx] == 0 {
					continue
				}
				keep := true
				for _, o := range s.Offsets {
					nx, ny, nz := x+o[0], y+o[1], z+o[2]
					if !in.Inside(nx, ny, nz) || in.Data[in.Index(nx, ny, nz)] == 0 {
						keep = false
						break
					}
				}
				if keep {
					out.Data[idx] = 1
				}
			}
		}
	}
	return out
}

// dilateOnce sets a voxel when any voxel of the reflected neighbourhood is foreground
func dilateOnce(in *models.Volume, s *Structure, mask *models.Volume) *models.Volume {
	out := in.Like()
	for z := 0; z < in.Depth; z++ {
		for y := 0; y < in.Height; y++ {
			for x := 0; x < in.Width; x++ {
				idx := in.Index(x, y, z)
				if mask != nil && mask.Data[idx] == 0 {
					out.Data[idx] = in.Data[idx]
					continue
				}
				if in.Data[idx] != 0 {
					out.Data[idx] = 1
					continue
				}
				for _, o := range s.Offsets {
					nx, ny, nz := x-o[0], y-o[1], z-o[2]
					if in.Inside(nx, ny, nz) && in.Data[in.Index(nx, ny, nz)] != 0 {
						out.Data[idx] = 1
						break
					}
				}
			}
		}
	}
	return out
}

func checkMask(vol, mask *models.Volume) error {
	if mask != nil && !mask.SameGrid(vol) {
		return fmt.Errorf("mask grid %v does not match volume grid %v", mask.Shape(), vol.Shape())
	}
	return nil
}

// Erode performs binary erosion of the first frame of vol. The result is 1/0.
func Erode(vol *models.Volume, opts ErodeOptions) (*models.Volume, error) {
	if err := checkMask(vol, opts.Mask); err != nil {
		return nil, err
	}
	s := opts.Structure
	if s == nil {
		s = mustStructure(3, 1)
	}
	iterations := opts.Iterations
	if iterations < 1 {
		iterations = 1
	}

	current := Binarize(vol)
	if !opts.LimitErosion {
		for i := 0; i < iterations; i++ {
			current = erodeOnce(current, s, opts.Mask)
		}
		return current, nil
	}

	minCount := opts.MinVoxelCount
	if minCount <= 0 {
		minCount = DefaultMinVoxelCount
	}
	for i := 0; i < iterations; i++ {
		next := erodeOnce(current, s, opts.Mask)
		if n := next.CountNonzero(); n < minCount {
			log.WithFields(log.Fields{
				"iteration": i + 1,
				"voxels":    n,
				"min":       minCount,
			}).Debug("Erosion limited")
			break
		}
		current = next
	}
	return current, nil
}

// Dilate performs binary dilation of the first frame of vol. A nil structure
// means connectivity 1.
func Dilate(vol *models.Volume, iterations int, s *Structure) *models.Volume {
	if s == nil {
		s = mustStructure(3, 1)
	}
	if iterations < 1 {
		iterations = 1
	}
	current := Binarize(vol)
	for i := 0; i < iterations; i++ {
		current = dilateOnce(current, s, nil)
	}
	return current
}

// Close performs binary closing: dilation followed by erosion with the same structure
func Close(vol *models.Volume, iterations int, s *Structure) *models.Volume {
	if s == nil {
		s = mustStructure(3, 1)
	}
	if iterations < 1 {
		iterations = 1
	}
	current := Dilate(vol, iterations, s)
	for i := 0; i < iterations; i++ {
		current = erodeOnce(current, s, nil)
	}
	return current
}

// OverlapMask returns the closed binary mask of mask2 voxels that fall inside
// mask1 dilated once. A nil structure means full connectivity.
func OverlapMask(mask1, mask2 *models.Volume, s *Structure) (*models.Volume, error) {
	if !mask1.SameGrid(mask2) {
		return nil, fmt.Errorf("mask grids differ: %v vs %v", mask1.Shape(), mask2.Shape())
	}
	if s == nil {
		s = mustStructure(3, 3)
	}

	overlap := Dilate(mask1, 1, s)
	for i := range overlap.Data {
		if overlap.Data[i] == 0 || mask2.Data[i] <= 0 {
			overlap.Data[i] = 0
		}
	}
	return Close(overlap, 1, s), nil
}
