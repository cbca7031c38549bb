// Package segmentation implements winner-take-all labelling of co-registered
// tract density images.
package segmentation

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
)

// ErrIndexLength is returned when the segmentation index does not have one
// entry per input image
var ErrIndexLength = errors.New("segmentation index length does not match number of inputs")

// Result holds the four segmentation maps
type Result struct {
	// Index is the 1-based number of the winning input (or its remapped value), 0 where no input has data
	Index *models.Volume

	// Total is the sum of all inputs
	Total *models.Volume

	// Part is the winning input's value, truncated to an integer
	Part *models.Volume

	// Pct is Part/Total where Total > 0, else 0
	Pct *models.Volume
}

func newResult(like *models.Volume) *Result {
	return &Result{Index: like.Like(), Total: like.Like(), Part: like.Like(), Pct: like.Like()}
}

// Compute segments the first frame of every volume. index, when not nil,
// maps winner i (1-based) to index[i-1].
func Compute(volumes []*models.Volume, index []float64) (*Result, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("no volumes to segment")
	}
	if index != nil && len(index) != len(volumes) {
		return nil, fmt.Errorf("%w: %d values for %d inputs", ErrIndexLength, len(index), len(volumes))
	}
	for i, v := range volumes[1:] {
		if !v.SameGrid(volumes[0]) {
			return nil, fmt.Errorf("input %d: %w: %v vs %v", i+2, nifti.ErrShape, v.Shape(), volumes[0].Shape())
		}
	}

	res := newResult(volumes[0])
	computeInto(res, volumes, index)
	return res, nil
}

// computeInto fills res in place; the caller has validated the inputs
func computeInto(res *Result, volumes []*models.Volume, index []float64) {
	// stack[0] is the zero volume, so all-zero voxels have no winner
	stack := make([]float64, len(volumes)+1)
	n := volumes[0].Voxels()
	for i := 0; i < n; i++ {
		for j, v := range volumes {
			stack[j+1] = v.Data[i]
		}
		total := floats.Sum(stack)
		winner := floats.MaxIdx(stack)
		if floats.Max(stack) == floats.Min(stack) {
			winner = 0
		}

		var part float64
		if winner > 0 {
			part = math.Trunc(stack[winner])
		}
		label := float64(winner)
		if index != nil && winner > 0 {
			label = index[winner-1]
		}

		res.Index.Data[i] = label
		res.Total.Data[i] = total
		res.Part.Data[i] = part
		if total > 0 {
			res.Pct.Data[i] = float64(float32(part) / float32(total))
		}
	}
}

// Options controls Run
type Options struct {
	// OutBasename is the output prefix; without a directory the outputs are
	// written next to the first input
	OutBasename string

	// SegmentationIndex optionally remaps winners 1..N
	SegmentationIndex []float64

	// Clobber allows existing outputs to be replaced
	Clobber bool

	// BySlice reads and segments one z-slice at a time
	BySlice bool

	// NumCores bounds the number of slices processed concurrently
	NumCores int
}

// Outputs lists the files written by Run
type Outputs struct {
	Index, Total, Part, Pct string
}

// OutputNames returns the output file names for files and base
func OutputNames(files []string, base string) Outputs {
	if filepath.Dir(base) == "." && len(files) > 0 {
		base = filepath.Join(filepath.Dir(files[0]), base)
	}
	return Outputs{
		Index: base + "_seg_idx.nii.gz",
		Total: base + "_seg_tot.nii.gz",
		Part:  base + "_seg_prt.nii.gz",
		Pct:   base + "_seg_pct.nii.gz",
	}
}

// Run segments the density images in files and writes the four maps using the
// first input's affine and header. When the index map already exists and
// Clobber is false nothing is recomputed and a wrapped nifti.ErrExists is returned.
func Run(files []string, opts Options) (*Outputs, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to segment")
	}
	if opts.SegmentationIndex != nil && len(opts.SegmentationIndex) != len(files) {
		return nil, fmt.Errorf("%w: %d values for %d inputs", ErrIndexLength, len(opts.SegmentationIndex), len(files))
	}

	out := OutputNames(files, opts.OutBasename)
	if nifti.Exists(out.Index) && !opts.Clobber {
		log.WithField("file", out.Index).Warn("Index file exists, not overwriting")
		return &out, fmt.Errorf("%s: %w", out.Index, nifti.ErrExists)
	}

	log.WithFields(log.Fields{
		"inputs":  len(files),
		"index":   opts.SegmentationIndex,
		"bySlice": opts.BySlice,
		"output":  opts.OutBasename,
	}).Info("Starting segmentation")
	for i, f := range files {
		log.WithField("input", i+1).Debug(f)
	}

	var res *Result
	var tmpl *nifti.Header
	var err error
	if opts.BySlice {
		res, tmpl, err = runBySlice(files, opts)
	} else {
		res, tmpl, err = runInMemory(files, opts)
	}
	if err != nil {
		return nil, err
	}

	save := func(path string, vol *models.Volume, dt nifti.Datatype) error {
		return nifti.Save(path, vol, nifti.SaveOptions{Datatype: dt, Clobber: true, Template: tmpl})
	}
	if err := save(out.Index, res.Index, nifti.Uint32); err != nil {
		return nil, err
	}
	if err := save(out.Total, res.Total, nifti.Uint32); err != nil {
		return nil, err
	}
	if err := save(out.Part, res.Part, nifti.Uint32); err != nil {
		return nil, err
	}
	if err := save(out.Pct, res.Pct, nifti.Float32); err != nil {
		return nil, err
	}

	log.WithField("index", out.Index).Info("All segmentation files have been written")
	return &out, nil
}

func runInMemory(files []string, opts Options) (*Result, *nifti.Header, error) {
	volumes := make([]*models.Volume, len(files))
	var tmpl *nifti.Header
	for i, f := range files {
		vol, h, err := nifti.Load(f)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			tmpl = h
		}
		volumes[i] = vol.Frame(0)
	}
	res, err := Compute(volumes, opts.SegmentationIndex)
	return res, tmpl, err
}

func runBySlice(files []string, opts Options) (*Result, *nifti.Header, error) {
	readers := make([]*nifti.SliceReader, 0, len(files))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	for _, f := range files {
		sr, err := nifti.OpenSlices(f)
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, sr)
	}

	w, h, d, _ := readers[0].Shape()
	for i, r := range readers[1:] {
		rw, rh, rd, _ := r.Shape()
		if rw != w || rh != h || rd != d {
			return nil, nil, fmt.Errorf("input %d: %w", i+2, nifti.ErrShape)
		}
	}
	res := newResult(readers[0].Volume(1))

	numCores := opts.NumCores
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	slices := make(chan int)
	errs := make(chan error, numCores)
	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range slices {
				if err := segmentSlice(res, readers, z, opts.SegmentationIndex); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	var sendErr error
	for z := 0; z < d && sendErr == nil; z++ {
		select {
		case slices <- z:
		case sendErr = <-errs:
		}
	}
	close(slices)
	wg.Wait()
	close(errs)
	if sendErr != nil {
		return nil, nil, sendErr
	}
	if err, ok := <-errs; ok {
		return nil, nil, err
	}

	return res, readers[0].Header, nil
}

// segmentSlice reads slice z of every input and writes its maps into res.
// Slices in which every input is zero are left empty.
func segmentSlice(res *Result, readers []*nifti.SliceReader, z int, index []float64) error {
	slices := make([]*models.Volume, len(readers))
	empty := true
	for i, r := range readers {
		s, err := r.ReadSlice(z, 0)
		if err != nil {
			return err
		}
		slices[i] = s
		if empty && s.CountNonzero() > 0 {
			empty = false
		}
	}
	if empty {
		log.WithField("slice", z).Debug("Skipping empty slice")
		return nil
	}

	part := newResult(slices[0])
	computeInto(part, slices, index)
	res.Index.SetSliceZ(z, part.Index)
	res.Total.SetSliceZ(z, part.Total)
	res.Part.SetSliceZ(z, part.Part)
	res.Pct.SetSliceZ(z, part.Pct)
	log.WithField("slice", z).Debug("Slice segmented")
	return nil
}
