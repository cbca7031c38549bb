package labeling

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
)

// CubeLabels partitions a grid into cubes numbered from 1. The number of cubes
// per axis is ceil(max(shape)/cubeDim), each spanning ceil(max/n) voxels;
// numbering runs over x, then y, then z fastest, and cubes are cropped to shape.
func CubeLabels(shape [3]int, cubeDim int) (*models.Volume, error) {
	if cubeDim < 1 {
		return nil, fmt.Errorf("cube dimension must be positive, got %d", cubeDim)
	}
	maxDim := shape[0]
	for _, d := range shape[1:] {
		if d > maxDim {
			maxDim = d
		}
	}
	n := ceilDiv(maxDim, cubeDim)
	span := ceilDiv(maxDim, n)

	vol := models.NewVolume(shape[0], shape[1], shape[2], 1, nil)
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				ix, iy, iz := x/span, y/span, z/span
				vol.Set(x, y, z, 0, float64(ix*n*n+iy*n+iz+1))
			}
		}
	}
	return vol, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// CubeMask multiplies mask by the cube partition and renumbers the cubes that
// contain foreground from start in ascending cube order. Background stays 0.
// It returns the relabelled mask, the cube partition and the number of cubes used.
func CubeMask(mask *models.Volume, cubeDim int, start uint64) (*models.Volume, *models.Volume, int, error) {
	cubes, err := CubeLabels(mask.Shape(), cubeDim)
	if err != nil {
		return nil, nil, 0, err
	}
	cubes.Affine = mat.DenseCopyOf(mask.Affine)

	used := make(map[float64]bool)
	for i, v := range mask.Data[:mask.Voxels()] {
		if v != 0 {
			used[cubes.Data[i]] = true
		}
	}

	// cube numbers are 1..n^3, so walking them in order gives a sorted renumbering
	renumber := make(map[float64]float64, len(used))
	next := start
	maxCube := 0.0
	for _, c := range cubes.Data {
		if c > maxCube {
			maxCube = c
		}
	}
	for c := 1.0; c <= maxCube; c++ {
		if used[c] {
			renumber[c] = float64(next)
			next++
		}
	}

	out := mask.Like()
	for i, v := range mask.Data[:mask.Voxels()] {
		if v != 0 {
			out.Data[i] = renumber[cubes.Data[i]]
		}
	}
	return out, cubes, len(renumber), nil
}

// CubeMaskFile writes <stem>_index_label.nii.gz and <stem>_index_labelcubes.nii.gz
// (both uint32) next to maskFile and returns the label file name
func CubeMaskFile(maskFile string, cubeDim int, clobber bool) (string, error) {
	mask, h, err := nifti.Load(maskFile)
	if err != nil {
		return "", err
	}
	labels, cubes, n, err := CubeMask(mask, cubeDim, 1)
	if err != nil {
		return "", err
	}

	base := filepath.Join(filepath.Dir(maskFile), pathutil.Stem(maskFile)+"_index_label")
	opts := nifti.SaveOptions{Datatype: nifti.Uint32, Clobber: clobber, Template: h}
	if err := nifti.Save(base+".nii.gz", labels, opts); err != nil {
		return "", err
	}
	if err := nifti.Save(base+"cubes.nii.gz", cubes, opts); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"file": base + ".nii.gz", "labels": n}).Info("Cube labels written")
	return base + ".nii.gz", nil
}
