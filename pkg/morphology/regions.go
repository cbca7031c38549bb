package morphology

import (
	"math"

	"tractrec/internal/models"
)

// SelectLabels returns a volume holding only the listed label values of labels;
// every other voxel is zero
func SelectLabels(labels *models.Volume, subset []float64) *models.Volume {
	keep := make(map[float64]bool, len(subset))
	for _, v := range subset {
		keep[v] = true
	}
	out := labels.Like()
	for i := range out.Data {
		if v := labels.Data[i]; keep[v] {
			out.Data[i] = v
		}
	}
	return out
}

// Bounds returns, per axis, the first and last index of a plane containing
// nonzero data. An empty volume gives all zeros.
func Bounds(vol *models.Volume) [3][2]int {
	var b [3][2]int
	first := [3]int{-1, -1, -1}
	last := [3]int{-1, -1, -1}

	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if vol.Data[vol.Index(x, y, z)] == 0 {
					continue
				}
				for axis, p := range [3]int{x, y, z} {
					if first[axis] < 0 || p < first[axis] {
						first[axis] = p
					}
					if p > last[axis] {
						last[axis] = p
					}
				}
			}
		}
	}

	for axis := 0; axis < 3; axis++ {
		if first[axis] >= 0 {
			b[axis] = [2]int{first[axis], last[axis]}
		}
	}
	return b
}

// CenterOfMass returns the intensity-weighted centroid in voxel coordinates.
// A volume summing to zero gives NaN.
func CenterOfMass(vol *models.Volume) [3]float64 {
	var sum float64
	var acc [3]float64
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				v := vol.Data[vol.Index(x, y, z)]
				if v == 0 {
					continue
				}
				sum += v
				acc[0] += v * float64(x)
				acc[1] += v * float64(y)
				acc[2] += v * float64(z)
			}
		}
	}
	if sum == 0 {
		return [3]float64{math.NaN(), math.NaN(), math.NaN()}
	}
	return [3]float64{acc[0] / sum, acc[1] / sum, acc[2] / sum}
}
