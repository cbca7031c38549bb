// Package skeleton reduces a tract probability map to a binary skeleton.
package skeleton

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"tractrec/internal/models"
	"tractrec/pkg/filter"
	"tractrec/pkg/morphology"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
)

// ThresholdType selects how ThresholdVal is interpreted
type ThresholdType string

const (
	// ThresholdPercentage keeps voxels at or above ThresholdVal times the image maximum
	ThresholdPercentage ThresholdType = "percentage"

	// ThresholdValue keeps voxels at or above ThresholdVal
	ThresholdValue ThresholdType = "value"
)

// Options controls Skeletonise
type Options struct {
	ThresholdType ThresholdType
	ThresholdVal  float64

	// Cleanup removes the intermediate smoothed distance map
	Cleanup bool
}

// DefaultOptions thresholds at 20% of the maximum and removes intermediates
func DefaultOptions() Options {
	return Options{ThresholdType: ThresholdPercentage, ThresholdVal: 0.2, Cleanup: true}
}

// Binarize sets voxels at or above the threshold to 1 and the rest to 0
func Binarize(vol *models.Volume, typ ThresholdType, val float64) (*models.Volume, error) {
	thresh := val
	switch typ {
	case ThresholdPercentage:
		thresh = floats.Max(vol.Data[:vol.Voxels()]) * val
	case ThresholdValue:
	default:
		return nil, fmt.Errorf("invalid threshold type %q (use percentage or value)", typ)
	}
	out := vol.Like()
	for i, v := range vol.Data[:vol.Voxels()] {
		if v >= thresh {
			out.Data[i] = 1
		}
	}
	return out, nil
}

// SmoothedDistance is the distance transform of a binary mask smoothed with a
// unit Gaussian
func SmoothedDistance(mask *models.Volume) (*models.Volume, error) {
	dist := morphology.DistanceTransform(mask)
	for _, v := range dist.Data {
		if math.IsInf(v, 1) {
			return nil, fmt.Errorf("thresholded image has no background")
		}
	}
	filter.Gaussian(dist, [3]float64{1, 1, 1})
	return dist, nil
}

// Skeletonise thresholds the image at path, writes the smoothed distance map
// <stem>_smth.nii.gz and hands it to tbss_skeleton; the skeleton is binarised in
// place as <stem>_skel.nii.gz, whose name is returned.
func Skeletonise(ctx context.Context, r runner.Runner, path string, opts Options) (string, error) {
	if r == nil {
		r = runner.Exec{}
	}
	dir, stem := filepath.Dir(path), pathutil.Stem(path)
	smth := filepath.Join(dir, stem+"_smth.nii.gz")
	skel := filepath.Join(dir, stem+"_skel.nii.gz")

	vol, h, err := nifti.Load(path)
	if err != nil {
		return "", err
	}
	mask, err := Binarize(vol, opts.ThresholdType, opts.ThresholdVal)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"file": path, "voxels": mask.CountNonzero()}).Info("Thresholded for skeletonisation")

	dist, err := SmoothedDistance(mask)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if err := nifti.Save(smth, dist, nifti.SaveOptions{Datatype: nifti.Float32, Clobber: true, Template: h}); err != nil {
		return "", err
	}

	if err := r.Run(ctx, "tbss_skeleton", "-i", smth, "-o", skel); err != nil {
		return "", err
	}
	if err := r.Run(ctx, "fslmaths", skel, "-thr", "0", "-bin", skel, "-odt", "char"); err != nil {
		return "", err
	}

	if opts.Cleanup {
		if err := os.Remove(smth); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to remove intermediate file")
		}
	}
	return skel, nil
}

// Flux returns the neighbourhood sum of the normal flux magnitude |d * grad d|
// of the distance map of a binary volume, and the distance map itself. A nil
// structure uses the full 26-neighbourhood.
func Flux(vol *models.Volume, s *morphology.Structure) (*models.Volume, *models.Volume) {
	if s == nil {
		full, _ := morphology.GenerateBinaryStructure(3, 3)
		s = full.WithoutCentre()
	}
	dist := morphology.DistanceTransform(vol)

	norm := dist.Like()
	for i, d := range dist.Data {
		x, y, z := dist.Coords(i)
		g := gradient(dist, x, y, z)
		norm.Data[i] = math.Sqrt(d*g[0]*d*g[0] + d*g[1]*d*g[1] + d*g[2]*d*g[2])
	}

	out := norm.Like()
	for z := 0; z < norm.Depth; z++ {
		for y := 0; y < norm.Height; y++ {
			for x := 0; x < norm.Width; x++ {
				var sum float64
				for _, o := range s.Offsets {
					xx := filter.Reflect(x-o[0], norm.Width)
					yy := filter.Reflect(y-o[1], norm.Height)
					zz := filter.Reflect(z-o[2], norm.Depth)
					sum += norm.Data[norm.Index(xx, yy, zz)]
				}
				out.Data[out.Index(x, y, z)] = sum
			}
		}
	}
	return out, dist
}

// gradient uses central differences inside the grid and one-sided differences
// on its faces
func gradient(vol *models.Volume, x, y, z int) [3]float64 {
	var g [3]float64
	pos := [3]int{x, y, z}
	size := vol.Shape()
	at := func(p [3]int) float64 { return vol.Data[vol.Index(p[0], p[1], p[2])] }
	for axis := 0; axis < 3; axis++ {
		n := size[axis]
		if n < 2 {
			continue
		}
		lo, hi := pos, pos
		switch pos[axis] {
		case 0:
			hi[axis]++
			g[axis] = at(hi) - at(lo)
		case n - 1:
			lo[axis]--
			g[axis] = at(hi) - at(lo)
		default:
			lo[axis]--
			hi[axis]++
			g[axis] = (at(hi) - at(lo)) / 2
		}
	}
	return g
}
