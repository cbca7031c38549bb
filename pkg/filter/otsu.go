package filter

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"tractrec/internal/models"
	"tractrec/pkg/morphology"
)

// OtsuBins is the histogram resolution used by Otsu
const OtsuBins = 256

// Otsu returns the threshold that maximises the between-class variance of
// the values' histogram. The threshold is a bin centre.
func Otsu(values []float64, bins int) float64 {
	if len(values) == 0 {
		return 0
	}
	if bins < 2 {
		bins = OtsuBins
	}

	lo, hi := floats.Min(values), floats.Max(values)
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / float64(bins)

	hist := make([]float64, bins)
	for _, v := range values {
		bin := int((v - lo) / width)
		if bin >= bins {
			bin = bins - 1
		}
		if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}

	// cumulative class weights and means from the low and the high end
	weight1 := make([]float64, bins)
	weight2 := make([]float64, bins)
	mean1 := make([]float64, bins)
	mean2 := make([]float64, bins)
	var w, m float64
	for i := 0; i < bins; i++ {
		w += hist[i]
		m += hist[i] * centers[i]
		weight1[i] = w
		if w > 0 {
			mean1[i] = m / w
		}
	}
	w, m = 0, 0
	for i := bins - 1; i >= 0; i-- {
		w += hist[i]
		m += hist[i] * centers[i]
		weight2[i] = w
		if w > 0 {
			mean2[i] = m / w
		}
	}

	variance := make([]float64, bins-1)
	for i := range variance {
		d := mean1[i] - mean2[i+1]
		variance[i] = weight1[i] * weight2[i+1] * d * d
	}
	return centers[floats.MaxIdx(variance)]
}

// MedianOtsuOptions controls BrainMask
type MedianOtsuOptions struct {
	// MedianRadius is the radius of the median filter cube
	MedianRadius int

	// NumPass is the number of median filter passes
	NumPass int

	// VolIdx lists the frames averaged to build the image that is thresholded
	VolIdx []int

	// Dilate is the number of connectivity-1 dilations applied to the mask (0 for none)
	Dilate int

	// NumCores bounds the median filter goroutines (0 means all CPUs)
	NumCores int
}

// DefaultMedianOtsuOptions returns the settings used for diffusion brain masks
func DefaultMedianOtsuOptions() MedianOtsuOptions {
	return MedianOtsuOptions{
		MedianRadius: 4,
		NumPass:      2,
		VolIdx:       []int{0, 1},
		Dilate:       1,
	}
}

// BrainMask averages the selected frames, median filters the average, and
// thresholds it with Otsu. It returns the input with voxels outside the mask
// zeroed in every frame, and the binary mask itself.
func BrainMask(vol *models.Volume, opts MedianOtsuOptions) (*models.Volume, *models.Volume, error) {
	idx := opts.VolIdx
	if len(idx) == 0 {
		idx = []int{0}
	}
	for _, t := range idx {
		if t < 0 || t >= vol.Frames {
			return nil, nil, fmt.Errorf("mask frame %d out of range [0, %d)", t, vol.Frames)
		}
	}

	mean := vol.Like()
	for _, t := range idx {
		floats.Add(mean.Data, vol.Frame(t).Data)
	}
	floats.Scale(1/float64(len(idx)), mean.Data)

	filtered := MultiMedian(mean, opts.MedianRadius, opts.NumPass, opts.NumCores)
	thresh := Otsu(filtered.Data, OtsuBins)

	mask := filtered.Like()
	for i, v := range filtered.Data {
		if v > thresh {
			mask.Data[i] = 1
		}
	}
	if opts.Dilate > 0 {
		mask = morphology.Dilate(mask, opts.Dilate, nil)
	}

	masked := vol.Clone()
	n := vol.Voxels()
	for t := 0; t < vol.Frames; t++ {
		for i := 0; i < n; i++ {
			if mask.Data[i] == 0 {
				masked.Data[t*n+i] = 0
			}
		}
	}

	log.WithFields(log.Fields{
		"threshold": thresh,
		"voxels":    mask.CountNonzero(),
	}).Debug("Brain mask created")
	return masked, mask, nil
}
