package diffusion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
	"tractrec/pkg/runner"
	"tractrec/pkg/sge"
)

// ErrDirections is returned when the shell bvecs do not hold the expected
// number of diffusion directions
var ErrDirections = errors.New("unexpected number of diffusion directions")

const (
	DefaultDKECutoff          = 2500
	DefaultExpectedDirections = 90
	DefaultDKEModule          = "DKE/2015.10.28"
	DefaultDKEBuildPath       = "/opt/quarantine/DKE/2015.10.28/build/v717"
)

// PrepareOptions controls PrepareDKE
type PrepareOptions struct {
	// OutDir defaults to the directory of the data file
	OutDir string

	// Cutoff is the largest shell b-value included
	Cutoff float64

	// Targets are the shells b-values are snapped to
	Targets []float64

	// Rotate writes the per-shell bvecs as N rows of x y z
	Rotate bool

	Clobber bool

	// RunLocally runs the commands here; otherwise they are only returned
	RunLocally bool

	Runner runner.Runner
}

// Prepared is the shell-sorted data set handed to DKE
type Prepared struct {
	// DataFile is the merged, uncompressed .nii file
	DataFile string

	// BvalsUsed lists the shells in merge order
	BvalsUsed []string

	// BvecsFiles holds one gradient file per non-zero shell
	BvecsFiles []string

	// Commands are the FSL invocations that produce DataFile
	Commands [][]string
}

// PrepareDKE splits the data into its b-value shells up to the cutoff, averages
// the b=0 volumes, writes per-shell bvecs and merges the shells into one .nii
// file. b-values are always sanitised against the target shells first.
func PrepareDKE(ctx context.Context, dataFile, bvalsFile, bvecsFile string, opts PrepareOptions) (*Prepared, error) {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if len(opts.Targets) == 0 {
		opts.Targets = DefaultTargets
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(dataFile)
	}
	if err := pathutil.EnsureDir(outDir); err != nil {
		return nil, err
	}

	raw, err := LoadBvals(bvalsFile)
	if err != nil {
		return nil, err
	}
	bvals := SanitizeBvals(raw, opts.Targets)
	bvecs, err := LoadBvecs(bvecsFile)
	if err != nil {
		return nil, err
	}

	p := &Prepared{}
	run := func(cmd []string, guard bool) error {
		p.Commands = append(p.Commands, cmd)
		if !opts.RunLocally || !guard {
			return nil
		}
		return opts.Runner.Run(ctx, cmd[0], cmd[1:]...)
	}

	stem := pathutil.NiftiStem(dataFile)
	var shells []string
	for _, b := range opts.Targets {
		if b > opts.Cutoff {
			continue
		}
		bs := pathutil.FormatNumber(b)
		out := filepath.Join(outDir, stem+"_bval"+bs+".nii.gz")
		frames := indices(bvals, func(v float64) bool { return v == b })

		cmd := []string{"fslselectvols", "-i", dataFile, "-o", out, "--vols=" + volList(frames)}
		if err := run(cmd, !nifti.Exists(out) || opts.Clobber); err != nil {
			return nil, err
		}
		if b == 0 {
			// the b=0 shell is replaced by its mean on every run
			if err := run([]string{"fslmaths", out, "-Tmean", out}, true); err != nil {
				return nil, err
			}
		} else {
			bvecsOut := filepath.Join(outDir, pathutil.Stem(bvecsFile)+"_bval"+bs)
			if err := SaveBvecs(bvecsOut, SelectColumns(bvecs, frames), opts.Rotate, "%5.10f"); err != nil {
				return nil, err
			}
			p.BvecsFiles = append(p.BvecsFiles, bvecsOut)
		}
		p.BvalsUsed = append(p.BvalsUsed, bs)
		shells = append(shells, out)
	}
	if len(shells) == 0 {
		return nil, fmt.Errorf("no target shells at or below %s", pathutil.FormatNumber(opts.Cutoff))
	}

	p.DataFile = filepath.Join(outDir, stem+"_dke_bvals_to_"+pathutil.FormatNumber(opts.Cutoff)+".nii")
	merge := !nifti.Exists(p.DataFile) || opts.Clobber
	if err := run(append([]string{"fslmerge", "-t", p.DataFile}, shells...), merge); err != nil {
		return nil, err
	}
	// fslmerge writes .nii.gz, DKE only reads .nii
	if err := run([]string{"gunzip", p.DataFile + ".gz"}, merge); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"file": p.DataFile, "shells": strings.Join(p.BvalsUsed, ",")}).Info("DKE inputs prepared")
	return p, nil
}

// SubmitDKEOptions controls SubmitDKE
type SubmitDKEOptions struct {
	// SubRootDir is the root holding one directory per subject
	SubRootDir string
	ID         string

	// DataFile is the raw diffusion data, relative to <SubRootDir>/<ID> unless absolute
	DataFile  string
	BvalsFile string
	BvecsFile string

	// OutDir defaults to <SubRootDir>/<ID>
	OutDir string

	Cutoff  float64
	Targets []float64

	// TemplateFile is the DKE parameter template with {PLACEHOLDER} fields
	TemplateFile string

	// ExpectedDirections is the direction count every shell must have
	ExpectedDirections int

	// Module and BuildPath locate the DKE installation on the cluster
	Module    string
	BuildPath string

	Submit  bool
	Clobber bool
	Runner  runner.Runner
}

func (o *SubmitDKEOptions) defaults() {
	if o.OutDir == "" {
		o.OutDir = filepath.Join(o.SubRootDir, o.ID)
	}
	if o.Cutoff == 0 {
		o.Cutoff = DefaultDKECutoff
	}
	if o.ExpectedDirections == 0 {
		o.ExpectedDirections = DefaultExpectedDirections
	}
	if o.Module == "" {
		o.Module = DefaultDKEModule
	}
	if o.BuildPath == "" {
		o.BuildPath = DefaultDKEBuildPath
	}
	if o.Runner == nil {
		o.Runner = runner.Exec{}
	}
	if !filepath.IsAbs(o.DataFile) {
		o.DataFile = filepath.Join(o.SubRootDir, o.ID, o.DataFile)
	}
}

// DKEJob is what SubmitDKE wrote
type DKEJob struct {
	Params   string
	Script   string
	Prepared *Prepared
}

// SubmitDKE prepares the shells of one subject, fills the DKE parameter template
// and submits a job that runs the preparation followed by run_dke.sh
func SubmitDKE(ctx context.Context, opts SubmitDKEOptions) (*DKEJob, error) {
	opts.defaults()

	tmpl, err := os.ReadFile(opts.TemplateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKE template: %w", err)
	}

	prep, err := PrepareDKE(ctx, opts.DataFile, opts.BvalsFile, opts.BvecsFile, PrepareOptions{
		OutDir:  opts.OutDir,
		Cutoff:  opts.Cutoff,
		Targets: opts.Targets,
		Rotate:  true,
		Clobber: opts.Clobber,
		Runner:  opts.Runner,
	})
	if err != nil {
		return nil, err
	}
	if len(prep.BvecsFiles) == 0 {
		return nil, fmt.Errorf("%w: no diffusion weighted shell at or below %s", ErrDirections, pathutil.FormatNumber(opts.Cutoff))
	}

	dirs, err := directionCount(prep.BvecsFiles[0])
	if err != nil {
		return nil, err
	}
	if dirs != opts.ExpectedDirections {
		return nil, fmt.Errorf("%w: %s has %d, expected %d", ErrDirections, prep.BvecsFiles[0], dirs, opts.ExpectedDirections)
	}

	h, err := nifti.LoadHeader(opts.DataFile)
	if err != nil {
		return nil, err
	}
	var vox []string
	for _, v := range h.VoxelSizes() {
		vox = append(vox, strconv.FormatFloat(v, 'g', -1, 32))
	}
	var bvecsNames []string
	for _, f := range prep.BvecsFiles {
		bvecsNames = append(bvecsNames, "'"+filepath.Base(f)+"'")
	}

	params := strings.NewReplacer(
		"{SUB_ROOT_DIR}", strings.TrimSuffix(opts.OutDir, opts.ID),
		"{ID}", opts.ID,
		"{DKE_DATA_FNAME}", filepath.Base(prep.DataFile),
		"{BVALS_USED}", strings.Join(prep.BvalsUsed, " "),
		"{BVECS_FNAMES}", strings.Join(bvecsNames, ", "),
		"{NUM_DIFF_DIRS}", strconv.Itoa(dirs),
		"{VOX_DIMS}", strings.Join(vox, " "),
	).Replace(string(tmpl))

	job := &DKEJob{Prepared: prep, Params: filepath.Join(opts.OutDir, "XXX_"+opts.ID+"_DKE_parameters.dat")}
	if err := os.WriteFile(job.Params, []byte(params), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", job.Params, err)
	}

	var code []string
	for _, cmd := range prep.Commands {
		code = append(code, runner.Format(cmd[0], cmd[1:]...))
	}
	code = append(code, fmt.Sprintf("module load %s\nrun_dke.sh %s %s", opts.Module, opts.BuildPath, job.Params))

	job.Script, err = sge.Submit(ctx, opts.Runner, sge.Job{
		Name:        "DKE_" + opts.ID,
		Code:        strings.Join(code, "\n\n"),
		Threads:     6,
		MemGB:       4,
		OutDir:      opts.OutDir,
		Description: "Diffusion kurtosis estimation",
	}, opts.Submit)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// directionCount is the larger dimension of a bvecs file
func directionCount(path string) (int, error) {
	rows, err := readTable(path)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return max(len(rows), len(rows[0])), nil
}
