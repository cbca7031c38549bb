package diffusion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
	"tractrec/pkg/filter"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
)

const (
	// DefaultKurtosisCutoff is the b-value cutoff of the in-process pipeline
	DefaultKurtosisCutoff = 3500

	// DefaultSmoothMultiplier scales the voxel size into the smoothing FWHM
	DefaultSmoothMultiplier = 1.25
)

// KurtosisOptions controls Kurtosis
type KurtosisOptions struct {
	DataFile  string
	BvalsFile string
	BvecsFile string

	// OutDir defaults to the directory of the data file
	OutDir string

	// Cutoff keeps volumes with a b-value below it
	Cutoff float64

	// Targets are the shells b-values are snapped to
	Targets []float64

	// Smooth also fits a copy smoothed with FWHM = voxel size * SmoothMultiplier
	Smooth           bool
	SmoothMultiplier float64

	// InMemory selects volumes here instead of with fslselectvols
	InMemory bool

	// Slices restricts the fit to these z indices; nil fits every slice
	Slices []int

	Fitter   Fitter
	Runner   runner.Runner
	NumCores int
	Clobber  bool
}

func (o *KurtosisOptions) defaults() {
	if o.OutDir == "" {
		o.OutDir = filepath.Dir(o.DataFile)
	}
	if o.Cutoff == 0 {
		o.Cutoff = DefaultKurtosisCutoff
	}
	if o.SmoothMultiplier == 0 {
		o.SmoothMultiplier = DefaultSmoothMultiplier
	}
	if o.Fitter == nil {
		o.Fitter = LeastSquaresFitter{}
	}
	if o.NumCores < 1 {
		o.NumCores = runtime.NumCPU()
	}
}

// KurtosisOutputs are the files written by Kurtosis
type KurtosisOutputs struct {
	MK, AK, RK string

	// Smoothed holds the MK, AK and RK maps of the smoothed data, if requested
	Smoothed []string
}

// Kurtosis selects the volumes below the cutoff, masks the brain with
// median-Otsu and fits kurtosis maps slice by slice, writing DKE_MK, DKE_AK and
// DKE_RK (and their _smth variants when smoothing) to the output directory.
func Kurtosis(ctx context.Context, opts KurtosisOptions) (*KurtosisOutputs, error) {
	opts.defaults()
	if err := pathutil.EnsureDir(opts.OutDir); err != nil {
		return nil, err
	}

	sel, err := SelectVolumes(ctx, opts.DataFile, opts.BvalsFile, opts.BvecsFile, SelectOptions{
		OutDir:   opts.OutDir,
		Cutoff:   opts.Cutoff,
		InMemory: opts.InMemory,
		Clobber:  opts.Clobber,
		Runner:   opts.Runner,
	})
	if err != nil {
		return nil, err
	}
	data, h, err := nifti.Load(sel.DataFile)
	if err != nil {
		return nil, err
	}
	bvals := SanitizeBvals(sel.Bvals, opts.Targets)

	log.Info("Creating brain mask")
	maskOpts := filter.DefaultMedianOtsuOptions()
	maskOpts.NumCores = opts.NumCores
	masked, mask, err := filter.BrainMask(data, maskOpts)
	if err != nil {
		return nil, err
	}
	log.WithField("voxels", mask.CountNonzero()).Debug("Brain mask")

	var smoothed *models.Volume
	if opts.Smooth {
		var fwhm [3]float64
		for i, v := range h.VoxelSizes() {
			fwhm[i] = v * opts.SmoothMultiplier
		}
		smoothed = filter.Smooth(data, fwhm)
		applyMask(smoothed, mask)
	}

	base := filepath.Join(opts.OutDir, "DKE_")
	out := &KurtosisOutputs{MK: base + "MK.nii.gz", AK: base + "AK.nii.gz", RK: base + "RK.nii.gz"}

	log.Info("Fitting kurtosis model on native data")
	maps, err := FitBySlice(ctx, masked, bvals, sel.Bvecs, opts.Slices, opts.Fitter, opts.NumCores)
	if err != nil {
		return nil, err
	}
	if err := saveMaps(maps, []string{out.MK, out.AK, out.RK}, h, opts.Clobber); err != nil {
		return nil, err
	}

	if smoothed != nil {
		log.WithField("multiplier", opts.SmoothMultiplier).Info("Fitting kurtosis model on smoothed data")
		maps, err := FitBySlice(ctx, smoothed, bvals, sel.Bvecs, opts.Slices, opts.Fitter, opts.NumCores)
		if err != nil {
			return nil, err
		}
		out.Smoothed = []string{base + "MK_smth.nii.gz", base + "AK_smth.nii.gz", base + "RK_smth.nii.gz"}
		if err := saveMaps(maps, out.Smoothed, h, opts.Clobber); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyMask zeroes every frame of vol outside mask
func applyMask(vol, mask *models.Volume) {
	n := vol.Voxels()
	for t := 0; t < vol.Frames; t++ {
		for i := 0; i < n; i++ {
			if mask.Data[i] == 0 {
				vol.Data[t*n+i] = 0
			}
		}
	}
}

func saveMaps(m *Maps, names []string, h *nifti.Header, clobber bool) error {
	for i, vol := range []*models.Volume{m.MK, m.AK, m.RK} {
		if err := nifti.Save(names[i], vol, nifti.SaveOptions{Datatype: nifti.Float32, Clobber: clobber, Template: h}); err != nil {
			return err
		}
	}
	log.WithField("files", strings.Join(names, ", ")).Info("Kurtosis maps written")
	return nil
}

// FitBySlice runs fitter on every listed z-slice of data (all slices when
// slices is nil), numCores slices at a time, and assembles the 3D maps.
// Slices not fitted stay zero.
func FitBySlice(ctx context.Context, data *models.Volume, bvals []float64, bvecs *mat.Dense, slices []int, fitter Fitter, numCores int) (*Maps, error) {
	if slices == nil {
		for z := 0; z < data.Depth; z++ {
			slices = append(slices, z)
		}
	}
	for _, z := range slices {
		if z < 0 || z >= data.Depth {
			return nil, fmt.Errorf("slice %d out of range [0, %d)", z, data.Depth)
		}
	}
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &Maps{MK: data.Like(), AK: data.Like(), RK: data.Like()}
	work := make(chan int)
	errs := make(chan error, numCores)
	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range work {
				m, err := fitter.Fit(ctx, data.SliceZ(z), bvals, bvecs)
				if err != nil {
					errs <- fmt.Errorf("slice %d: %w", z, err)
					cancel()
					return
				}
				// each worker owns distinct slices of the output
				out.MK.SetSliceZ(z, m.MK)
				out.AK.SetSliceZ(z, m.AK)
				out.RK.SetSliceZ(z, m.RK)
				log.WithField("slice", z).Debug("Slice fitted")
			}
		}()
	}

feed:
	for _, z := range slices {
		select {
		case work <- z:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CommandFitter hands each slice to an external program invoked as
//
//	<Command> <Args...> <slice.nii.gz> <bvals> <bvecs> <out prefix>
//
// which must write <out prefix>_MK.nii.gz, _AK.nii.gz and _RK.nii.gz.
type CommandFitter struct {
	Command string
	Args    []string
	Runner  runner.Runner

	// TempDir is where scratch directories are created (default os.TempDir)
	TempDir string
}

// Fit implements Fitter
func (f CommandFitter) Fit(ctx context.Context, slice *models.Volume, bvals []float64, bvecs *mat.Dense) (*Maps, error) {
	r := f.Runner
	if r == nil {
		r = runner.Exec{}
	}
	dir, err := os.MkdirTemp(f.TempDir, "tractrec-dki-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "slice.nii.gz")
	bvalsFile := filepath.Join(dir, "bvals")
	bvecsFile := filepath.Join(dir, "bvecs")
	prefix := filepath.Join(dir, "fit")

	if err := nifti.Save(in, slice, nifti.SaveOptions{Datatype: nifti.Float32}); err != nil {
		return nil, err
	}
	if err := SaveBvals(bvalsFile, bvals); err != nil {
		return nil, err
	}
	if err := SaveBvecs(bvecsFile, bvecs, false, ""); err != nil {
		return nil, err
	}

	args := append(append([]string{}, f.Args...), in, bvalsFile, bvecsFile, prefix)
	if err := r.Run(ctx, f.Command, args...); err != nil {
		return nil, err
	}

	out := &Maps{}
	for _, m := range []struct {
		suffix string
		dst    **models.Volume
	}{{"_MK", &out.MK}, {"_AK", &out.AK}, {"_RK", &out.RK}} {
		vol, _, err := nifti.Load(prefix + m.suffix + ".nii.gz")
		if err != nil {
			return nil, fmt.Errorf("fitter output: %w", err)
		}
		if !vol.SameGrid(slice) {
			return nil, fmt.Errorf("%w: fitter returned %v for slice %v", nifti.ErrShape, vol.Shape(), slice.Shape())
		}
		*m.dst = vol
	}
	return out, nil
}
