package labeling

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
)

// Labelled is a mask whose foreground voxels carry consecutive label values
type Labelled struct {
	Labels *models.Volume

	// Voxels lists the labelled voxels in label order
	Voxels [][3]int

	// IDs holds the label of each entry in Voxels
	IDs []uint64

	// Next is the first label value not used
	Next uint64
}

// MaskToLabels numbers every nonzero voxel of mask from start in row-major order
func MaskToLabels(mask *models.Volume, start uint64) *Labelled {
	out := &Labelled{Labels: mask.Like(), Next: start}
	mask.ForEachRowMajor(func(x, y, z int, v float64) {
		if v == 0 {
			return
		}
		out.Labels.Set(x, y, z, 0, float64(out.Next))
		out.Voxels = append(out.Voxels, [3]int{x, y, z})
		out.IDs = append(out.IDs, out.Next)
		out.Next++
	})
	return out
}

// WriteLUT writes index,x_coord,y_coord,z_coord with scanner coordinates
func (l *Labelled) WriteLUT(path string, decimals int) error {
	coords := Coordinates(l.Labels, l.Voxels, SpaceScanner, decimals)
	return WriteCoords(path, coords, l.IDs, SpaceScanner, decimals)
}

// LabelOptions controls LabelFile and CombineFiles
type LabelOptions struct {
	// StartIndex is the first label value (default 1)
	StartIndex uint64

	// LUT also writes a lookup table of label -> scanner coordinates
	LUT bool

	Decimals int

	Clobber bool
}

func (o LabelOptions) start() uint64 {
	if o.StartIndex == 0 {
		return 1
	}
	return o.StartIndex
}

// defaultLabelName returns <dir>/<stem><suffix>
func defaultLabelName(maskFile, suffix string) string {
	return filepath.Join(filepath.Dir(maskFile), pathutil.Stem(maskFile)+suffix)
}

// LabelFile labels maskFile and writes the uint64 label image to outFile
// (default <stem>_index_label.nii.gz). It returns the output and the next free label.
func LabelFile(maskFile, outFile string, opts LabelOptions) (string, uint64, error) {
	if outFile == "" {
		outFile = defaultLabelName(maskFile, "_index_label.nii.gz")
	}
	mask, h, err := nifti.Load(maskFile)
	if err != nil {
		return "", 0, err
	}

	l := MaskToLabels(mask, opts.start())
	if err := writeLabelled(outFile, maskFile, l, h, opts); err != nil {
		return "", 0, err
	}
	return outFile, l.Next, nil
}

func writeLabelled(outFile, maskFile string, l *Labelled, h *nifti.Header, opts LabelOptions) error {
	if opts.LUT {
		lut := defaultLabelName(maskFile, "_index_label_lut.csv")
		if err := l.WriteLUT(lut, opts.Decimals); err != nil {
			return err
		}
	}
	err := nifti.Save(outFile, l.Labels, nifti.SaveOptions{Datatype: nifti.Uint64, Clobber: opts.Clobber, Template: h})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"file":   outFile,
		"labels": humanize.Comma(int64(len(l.IDs))),
		"next":   l.Next,
	}).Info("Label image written")
	return nil
}

// CombineAndLabel labels mask1 from start and mask2 from where mask1 ended.
// In the combined image, mask1's labels win where both masks are set.
func CombineAndLabel(mask1, mask2 *models.Volume, start uint64) (combined *models.Volume, l1, l2 *Labelled, err error) {
	if !mask1.SameGrid(mask2) {
		return nil, nil, nil, fmt.Errorf("%w: %v vs %v", nifti.ErrShape, mask1.Shape(), mask2.Shape())
	}
	l1 = MaskToLabels(mask1, start)
	l2 = MaskToLabels(mask2, l1.Next)

	combined = l2.Labels.Clone()
	for i, v := range l1.Labels.Data {
		if v > 0 {
			combined.Data[i] = v
		}
	}
	return combined, l1, l2, nil
}

// CombineFiles labels two mask files, writes each label image and the joined
// image <mask1 stem>_joined_index_label.nii.gz, and returns the joined file name
func CombineFiles(mask1File, mask2File, out1, out2 string, opts LabelOptions) (string, error) {
	if out1 == "" {
		out1 = defaultLabelName(mask1File, "_index_label.nii.gz")
	}
	if out2 == "" {
		out2 = defaultLabelName(mask2File, "_index_label.nii.gz")
	}

	m1, h1, err := nifti.Load(mask1File)
	if err != nil {
		return "", err
	}
	m2, h2, err := nifti.Load(mask2File)
	if err != nil {
		return "", err
	}

	combined, l1, l2, err := CombineAndLabel(m1, m2, opts.start())
	if err != nil {
		return "", err
	}
	if err := writeLabelled(out1, mask1File, l1, h1, opts); err != nil {
		return "", err
	}
	if err := writeLabelled(out2, mask2File, l2, h2, opts); err != nil {
		return "", err
	}

	joined := defaultLabelName(mask1File, "_joined_index_label.nii.gz")
	err = nifti.Save(joined, combined, nifti.SaveOptions{Datatype: nifti.Uint64, Clobber: opts.Clobber, Template: h2})
	if err != nil {
		return "", err
	}
	return joined, nil
}
