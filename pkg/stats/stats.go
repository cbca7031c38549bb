// Package stats extracts per-label voxel statistics from images and collects
// them across subjects into tables.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tractrec/internal/models"
	"tractrec/pkg/morphology"
	"tractrec/pkg/nifti"
)

var (
	// ErrThreshType is returned for a threshold type other than upper or lower
	ErrThreshType = errors.New("invalid threshold type")

	// ErrMetric is returned for an unknown statistic name
	ErrMetric = errors.New("invalid metric")
)

// ThreshType selects which side of the threshold is removed from the labels
type ThreshType string

const (
	// ThreshUpper removes label voxels where the threshold image is above the value
	ThreshUpper ThreshType = "upper"

	// ThreshLower removes label voxels where the threshold image is below the value
	ThreshLower ThreshType = "lower"
)

// ParseThreshType validates s
func ParseThreshType(s string) (ThreshType, error) {
	switch t := ThreshType(s); t {
	case ThreshUpper, ThreshLower:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q (use upper or lower)", ErrThreshType, s)
}

// Options controls ExtractFromMaskedImage
type Options struct {
	// ThreshMask is an optional image used to remove voxels from the labels
	ThreshMask *models.Volume

	// ThreshVal is the threshold applied to ThreshMask
	ThreshVal float64

	// ThreshType selects the side removed (default upper)
	ThreshType ThreshType

	// LabelSubset lists the labels to report; nil means every label present
	LabelSubset []float64

	// KeepZeroLabel reports label 0 when LabelSubset is nil
	KeepZeroLabel bool

	// IncludeZeros keeps zero image values in the statistics
	IncludeZeros bool

	// ErodeVox erodes each label separately by this many iterations (0 for none)
	ErodeVox int

	// MinVal and MaxVal clip the extracted values when set
	MinVal *float64
	MaxVal *float64

	// CombinedMaskOutput, when set, receives the final label volume as uint16
	CombinedMaskOutput string
}

// LabelStats holds the statistics of one label
type LabelStats struct {
	Label  float64
	Data   []float64
	Count  int
	Mean   float64
	Median float64
	Std    float64
	Min    float64
	Max    float64
}

// Results is the output of ExtractFromMaskedImage
type Results struct {
	Labels []LabelStats

	// Mask is the label volume after resampling, thresholding and erosion
	Mask *models.Volume
}

// ValidMetric reports whether metric names a statistic known to Select
func ValidMetric(metric string) error {
	switch metric {
	case "mean", "median", "std", "min", "max", "vox_count":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrMetric, metric)
}

// Select returns one value per label for the named statistic
// (mean, median, std, min, max or vox_count)
func (r *Results) Select(metric string) ([]float64, error) {
	if err := ValidMetric(metric); err != nil {
		return nil, err
	}
	out := make([]float64, len(r.Labels))
	for i, l := range r.Labels {
		switch metric {
		case "mean":
			out[i] = l.Mean
		case "median":
			out[i] = l.Median
		case "std":
			out[i] = l.Std
		case "min":
			out[i] = l.Min
		case "max":
			out[i] = l.Max
		case "vox_count":
			out[i] = float64(l.Count)
		}
	}
	return out, nil
}

// UniqueLabels returns the sorted distinct values of the first frame of vol
func UniqueLabels(vol *models.Volume, keepZero bool) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, v := range vol.Data[:vol.Voxels()] {
		if seen[v] || (v == 0 && !keepZero) {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// ExtractFromMaskedImage computes statistics of img within every label of labels.
// Label and threshold volumes that do not share the image grid are resampled
// onto it first.
func ExtractFromMaskedImage(img, labels *models.Volume, opts Options) (*Results, error) {
	mask, err := onImageGrid(labels, img)
	if err != nil {
		return nil, fmt.Errorf("failed to resample labels: %w", err)
	}
	mask = mask.Frame(0)

	if opts.ThreshMask != nil {
		if err := applyThreshold(mask, img, opts); err != nil {
			return nil, err
		}
	}

	ids := opts.LabelSubset
	if ids == nil {
		ids = UniqueLabels(mask, opts.KeepZeroLabel)
	}

	if opts.ErodeVox > 0 {
		if err := erodeLabels(mask, ids, opts.ErodeVox); err != nil {
			return nil, err
		}
	}

	if opts.CombinedMaskOutput != "" {
		err := nifti.Save(opts.CombinedMaskOutput, mask, nifti.SaveOptions{Datatype: nifti.Uint16, Clobber: true})
		if err != nil {
			return nil, fmt.Errorf("failed to save combined mask: %w", err)
		}
	}

	index := make(map[float64]int, len(ids))
	res := &Results{Labels: make([]LabelStats, len(ids)), Mask: mask}
	for i, id := range ids {
		index[id] = i
		res.Labels[i].Label = id
	}

	for i, label := range mask.Data {
		li, ok := index[label]
		if !ok {
			continue
		}
		v := img.Data[i]
		if !opts.IncludeZeros && v == 0 {
			continue
		}
		res.Labels[li].Data = append(res.Labels[li].Data, v)
	}

	for i := range res.Labels {
		l := &res.Labels[i]
		clip(l.Data, opts.MinVal, opts.MaxVal)
		summarize(l)
		log.WithFields(log.Fields{"label": l.Label, "voxels": l.Count}).Debug("Label extracted")
	}
	return res, nil
}

func applyThreshold(mask, img *models.Volume, opts Options) error {
	tt := opts.ThreshType
	if tt == "" {
		tt = ThreshUpper
	}
	if _, err := ParseThreshType(string(tt)); err != nil {
		return err
	}

	thresh, err := onImageGrid(opts.ThreshMask, img)
	if err != nil {
		return fmt.Errorf("failed to resample threshold mask: %w", err)
	}
	for i, v := range thresh.Data[:thresh.Voxels()] {
		if (tt == ThreshUpper && v > opts.ThreshVal) || (tt == ThreshLower && v < opts.ThreshVal) {
			mask.Data[i] = 0
		}
	}
	return nil
}

// erodeLabels erodes each label on its own; a label that would vanish is kept as is
func erodeLabels(mask *models.Volume, ids []float64, iterations int) error {
	for _, id := range ids {
		single := mask.Like()
		for i, v := range mask.Data {
			if v == id {
				single.Data[i] = 1
			}
		}
		eroded, err := morphology.Erode(single, morphology.ErodeOptions{Iterations: iterations})
		if err != nil {
			return err
		}
		if eroded.CountNonzero() == 0 {
			log.WithField("label", id).Warn("Not enough voxels to erode label")
			continue
		}
		for i, v := range mask.Data {
			if v == id && eroded.Data[i] == 0 {
				mask.Data[i] = 0
			}
		}
	}
	return nil
}

func clip(data []float64, minVal, maxVal *float64) {
	for i := range data {
		if maxVal != nil && data[i] > *maxVal {
			data[i] = *maxVal
		}
		if minVal != nil && data[i] < *minVal {
			data[i] = *minVal
		}
	}
}

// summarize fills the summary statistics; an empty label gives NaN
func summarize(l *LabelStats) {
	l.Count = len(l.Data)
	if l.Count == 0 {
		nan := math.NaN()
		l.Mean, l.Median, l.Std, l.Min, l.Max = nan, nan, nan, nan, nan
		return
	}
	l.Mean = stat.Mean(l.Data, nil)
	l.Std = math.Sqrt(stat.PopVariance(l.Data, nil))
	l.Median = median(l.Data)
	l.Min = floats.Min(l.Data)
	l.Max = floats.Max(l.Data)
}

// median returns the middle value, averaging the two central values for even lengths
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// ExtractFromFiles loads the image, label and optional threshold files and
// runs ExtractFromMaskedImage
func ExtractFromFiles(imgFile, labelFile, threshFile string, opts Options) (*Results, error) {
	img, _, err := nifti.Load(imgFile)
	if err != nil {
		return nil, err
	}
	labels, _, err := nifti.Load(labelFile)
	if err != nil {
		return nil, err
	}
	if threshFile != "" {
		thresh, _, err := nifti.Load(threshFile)
		if err != nil {
			return nil, err
		}
		opts.ThreshMask = thresh
	}
	return ExtractFromMaskedImage(img.Frame(0), labels, opts)
}
