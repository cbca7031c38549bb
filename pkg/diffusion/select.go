package diffusion

import (
	"context"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
)

// SelectOptions controls SelectVolumes
type SelectOptions struct {
	// OutDir defaults to the directory of the data file
	OutDir string

	// Cutoff keeps volumes with a b-value strictly below it
	Cutoff float64

	// InMemory subsets the data here instead of calling fslselectvols
	InMemory bool

	Clobber bool

	// Runner runs fslselectvols (default runner.Exec)
	Runner runner.Runner
}

// Selection describes the volumes kept by SelectVolumes
type Selection struct {
	// DataFile is the selected data, or the input itself when every volume qualified
	DataFile  string
	BvalsFile string
	BvecsFile string

	// Frames are the indices of the kept input volumes
	Frames []int

	Bvals []float64

	// Bvecs is 3 x len(Frames)
	Bvecs *mat.Dense
}

// SelectedNames returns the data, bvals and bvecs names SelectVolumes writes
func SelectedNames(dataFile, bvalsFile, bvecsFile, outDir string, cutoff float64) (string, string, string) {
	if outDir == "" {
		outDir = filepath.Dir(dataFile)
	}
	tag := "_bvals_under" + pathutil.FormatNumber(cutoff)
	return filepath.Join(outDir, pathutil.NiftiStem(dataFile)+tag+".nii.gz"),
		filepath.Join(outDir, pathutil.Stem(bvalsFile)+tag),
		filepath.Join(outDir, pathutil.Stem(bvecsFile)+tag)
}

// SelectVolumes keeps the volumes of dataFile whose b-value is below the cutoff
// and writes the matching bvals and bvecs. An existing selection is left
// untouched unless opts.Clobber is set.
func SelectVolumes(ctx context.Context, dataFile, bvalsFile, bvecsFile string, opts SelectOptions) (*Selection, error) {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(dataFile)
	}
	if err := pathutil.EnsureDir(outDir); err != nil {
		return nil, err
	}

	bvals, err := LoadBvals(bvalsFile)
	if err != nil {
		return nil, err
	}
	bvecs, err := LoadBvecs(bvecsFile)
	if err != nil {
		return nil, err
	}
	if _, n := bvecs.Dims(); n != len(bvals) {
		return nil, fmt.Errorf("%d b-values but %d b-vectors", len(bvals), n)
	}
	h, err := nifti.LoadHeader(dataFile)
	if err != nil {
		return nil, err
	}
	_, _, _, frames := h.Shape()
	if frames != len(bvals) {
		return nil, fmt.Errorf("%s has %d volumes but %d b-values", dataFile, frames, len(bvals))
	}

	sel := &Selection{Frames: indices(bvals, func(b float64) bool { return b < opts.Cutoff })}
	if len(sel.Frames) == 0 {
		return nil, fmt.Errorf("no volumes with b-value below %s", pathutil.FormatNumber(opts.Cutoff))
	}
	for _, i := range sel.Frames {
		sel.Bvals = append(sel.Bvals, bvals[i])
	}
	sel.Bvecs = SelectColumns(bvecs, sel.Frames)
	sel.DataFile, sel.BvalsFile, sel.BvecsFile = SelectedNames(dataFile, bvalsFile, bvecsFile, outDir, opts.Cutoff)

	fields := log.Fields{"file": dataFile, "kept": len(sel.Frames), "volumes": frames}
	writeGradients := func() error {
		if err := SaveBvals(sel.BvalsFile, sel.Bvals); err != nil {
			return err
		}
		return SaveBvecs(sel.BvecsFile, sel.Bvecs, false, "")
	}

	if len(sel.Frames) == frames {
		log.WithFields(fields).Info("All volumes selected, using original data file")
		sel.DataFile = dataFile
		return sel, writeGradients()
	}
	if nifti.Exists(sel.DataFile) && !opts.Clobber {
		log.WithField("file", sel.DataFile).Info("Selection exists, not overwriting")
		return sel, nil
	}
	if err := writeGradients(); err != nil {
		return nil, err
	}

	if !opts.InMemory {
		log.WithFields(fields).Info("Selecting volumes with fslselectvols")
		err := opts.Runner.Run(ctx, "fslselectvols", "-i", dataFile, "-o", sel.DataFile, "--vols="+volList(sel.Frames))
		if err != nil {
			return nil, err
		}
		return sel, nil
	}

	log.WithFields(fields).Info("Selecting volumes in memory")
	vol, hdr, err := nifti.Load(dataFile)
	if err != nil {
		return nil, err
	}
	subset, err := vol.SelectFrames(sel.Frames)
	if err != nil {
		return nil, err
	}
	err = nifti.Save(sel.DataFile, subset, nifti.SaveOptions{Datatype: nifti.Datatype(hdr.DataType), Clobber: opts.Clobber, Template: hdr})
	if err != nil {
		return nil, err
	}
	return sel, nil
}
