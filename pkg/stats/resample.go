package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
)

// ResampleNearest maps src onto the grid and affine of target using
// nearest-neighbour interpolation. Target voxels that fall outside src are 0.
func ResampleNearest(src, target *models.Volume) (*models.Volume, error) {
	var inv mat.Dense
	if err := inv.Inverse(src.Affine); err != nil {
		return nil, fmt.Errorf("source affine is not invertible: %w", err)
	}

	// voxel(target) -> world -> voxel(src)
	var m mat.Dense
	m.Mul(&inv, target.Affine)

	out := target.Like()
	for z := 0; z < target.Depth; z++ {
		for y := 0; y < target.Height; y++ {
			for x := 0; x < target.Width; x++ {
				fx, fy, fz := float64(x), float64(y), float64(z)
				i := int(math.Round(m.At(0, 0)*fx + m.At(0, 1)*fy + m.At(0, 2)*fz + m.At(0, 3)))
				j := int(math.Round(m.At(1, 0)*fx + m.At(1, 1)*fy + m.At(1, 2)*fz + m.At(1, 3)))
				k := int(math.Round(m.At(2, 0)*fx + m.At(2, 1)*fy + m.At(2, 2)*fz + m.At(2, 3)))
				if src.Inside(i, j, k) {
					out.Data[out.Index(x, y, z)] = src.Data[src.Index(i, j, k)]
				}
			}
		}
	}
	return out, nil
}

// onImageGrid returns vol unchanged when it already shares the image grid and
// affine diagonal, and a nearest-neighbour resampled copy otherwise
func onImageGrid(vol, img *models.Volume) (*models.Volume, error) {
	if vol.SameGrid(img) && vol.SameDiagonal(img) {
		return vol, nil
	}
	return ResampleNearest(vol, img)
}
