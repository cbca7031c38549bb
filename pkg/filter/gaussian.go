// Package filter provides the smoothing and masking filters used by the
// diffusion and skeleton pipelines.
package filter

import (
	"math"

	"tractrec/internal/models"
)

// Truncate is the kernel half-width in standard deviations
const Truncate = 4.0

// fwhmOverSigma converts a full width at half maximum to a standard deviation
var fwhmOverSigma = math.Sqrt(8 * math.Log(2))

// Reflect maps an index outside [0, n) back into range by mirroring about the
// edges, repeating the edge sample (d c b a | a b c d | d c b a)
func Reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}

// gaussianKernel returns normalised weights for offsets -r..r
func gaussianKernel(sigma float64) []float64 {
	radius := int(Truncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// Gaussian1D filters frame data in place along one axis (0=x, 1=y, 2=z).
// A sigma <= 0 leaves the data unchanged.
func Gaussian1D(vol *models.Volume, axis int, sigma float64) {
	if sigma <= 0 {
		return
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	dims := vol.Shape()
	n := dims[axis]
	stride := [3]int{1, vol.Width, vol.Width * vol.Height}[axis]
	line := make([]float64, n)

	a, b := (axis+1)%3, (axis+2)%3
	for t := 0; t < vol.Frames; t++ {
		base := t * vol.Voxels()
		for i := 0; i < dims[a]; i++ {
			for j := 0; j < dims[b]; j++ {
				var p [3]int
				p[a], p[b] = i, j
				start := base + vol.Index(p[0], p[1], p[2])

				for k := 0; k < n; k++ {
					line[k] = vol.Data[start+k*stride]
				}
				for k := 0; k < n; k++ {
					var acc float64
					for w, weight := range kernel {
						acc += weight * line[Reflect(k+w-radius, n)]
					}
					vol.Data[start+k*stride] = acc
				}
			}
		}
	}
}

// Gaussian smooths every frame of vol in place with the given per-axis
// standard deviations in voxels
func Gaussian(vol *models.Volume, sigma [3]float64) {
	for axis := 0; axis < 3; axis++ {
		Gaussian1D(vol, axis, sigma[axis])
	}
}

// Smooth returns a copy of vol smoothed with a Gaussian of the given FWHM in
// millimetres per axis. Non-finite values are set to zero first.
func Smooth(vol *models.Volume, fwhm [3]float64) *models.Volume {
	out := vol.Clone()
	for i, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out.Data[i] = 0
		}
	}

	sizes := vol.VoxelSizes()
	var sigma [3]float64
	for axis := range sigma {
		if sizes[axis] > 0 {
			sigma[axis] = fwhm[axis] / (fwhmOverSigma * sizes[axis])
		}
	}
	Gaussian(out, sigma)
	return out
}
