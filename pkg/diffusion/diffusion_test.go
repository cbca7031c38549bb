package diffusion

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
	"tractrec/pkg/runner"
)

func writeFile(t *testing.T, path, text string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeDWI writes a 4x4x3 series whose frame t holds t+1 in every voxel
func writeDWI(t *testing.T, path string, frames int) {
	t.Helper()
	affine := mat.NewDense(4, 4, []float64{2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1})
	vol := models.NewVolume(4, 4, 3, frames, affine)
	n := vol.Voxels()
	for i := range vol.Data {
		vol.Data[i] = float64(i/n + 1)
	}
	if err := nifti.Save(path, vol, nifti.SaveOptions{Datatype: nifti.Float32}); err != nil {
		t.Fatal(err)
	}
}

// bvecsText returns a 3xN bvecs file with unit vectors cycling over x, y, z
func bvecsText(n int) string {
	rows := make([][]string, 3)
	for i := 0; i < n; i++ {
		for r := range rows {
			v := "0"
			if i%3 == r {
				v = "1"
			}
			rows[r] = append(rows[r], v)
		}
	}
	var lines []string
	for _, r := range rows {
		lines = append(lines, strings.Join(r, " "))
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestLoadGradients(t *testing.T) {
	dir := t.TempDir()
	bvals, err := LoadBvals(writeFile(t, filepath.Join(dir, "bvals"), "0 1000\n2000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(bvals) != 3 || bvals[2] != 2000 {
		t.Errorf("Unexpected bvals %v", bvals)
	}

	// Nx3 input is transposed
	bvecs, err := LoadBvecs(writeFile(t, filepath.Join(dir, "bvecs"), "1 0 0\n0 1 0\n0 0 1\n0.5 0.5 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if r, c := bvecs.Dims(); r != 3 || c != 4 {
		t.Fatalf("Expected 3x4 bvecs, got %dx%d", r, c)
	}
	if bvecs.At(1, 3) != 0.5 {
		t.Errorf("Expected y of direction 3 to be 0.5, got %v", bvecs.At(1, 3))
	}

	if _, err := LoadBvecs(writeFile(t, filepath.Join(dir, "bad"), "1 0\n0 1\n")); err == nil {
		t.Error("Expected error for 2x2 bvecs")
	}
}

func TestSaveBvecsRotated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bvecs")
	m := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 0, 0})
	if err := SaveBvecs(path, m, true, "%5.10f"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "1.0000000000 0.0000000000 0.0000000000\n0.0000000000 1.0000000000 0.0000000000\n"
	if string(data) != want {
		t.Errorf("Expected %q, got %q", want, data)
	}
}

func TestSanitizeBvals(t *testing.T) {
	got := SanitizeBvals([]float64{5, 500, 1490, 1510, 2600, 4000}, nil)
	want := []float64{0, 0, 1000, 2000, 3000, 3000}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestSelectVolumes(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dwi.nii.gz")
	writeDWI(t, data, 4)
	bvals := writeFile(t, filepath.Join(dir, "bvals.txt"), "0 1000 3000 4000\n")
	bvecs := writeFile(t, filepath.Join(dir, "bvecs.txt"), bvecsText(4))
	ctx := context.Background()

	t.Run("fslselectvols", func(t *testing.T) {
		d := runner.NewDryRun()
		sel, err := SelectVolumes(ctx, data, bvals, bvecs, SelectOptions{Cutoff: 3500, Runner: d})
		if err != nil {
			t.Fatal(err)
		}
		if sel.DataFile != filepath.Join(dir, "dwi_bvals_under3500.nii.gz") {
			t.Errorf("Unexpected output %s", sel.DataFile)
		}
		if sel.BvalsFile != filepath.Join(dir, "bvals_bvals_under3500") {
			t.Errorf("Unexpected bvals file %s", sel.BvalsFile)
		}
		cmds := d.Commands()
		if len(cmds) != 1 || cmds[0][len(cmds[0])-1] != "--vols=0,1,2" {
			t.Errorf("Unexpected commands %v", cmds)
		}
		written, err := LoadBvals(sel.BvalsFile)
		if err != nil {
			t.Fatal(err)
		}
		if len(written) != 3 || written[2] != 3000 {
			t.Errorf("Unexpected written bvals %v", written)
		}
	})

	t.Run("in_memory", func(t *testing.T) {
		out := filepath.Join(dir, "mem")
		sel, err := SelectVolumes(ctx, data, bvals, bvecs, SelectOptions{OutDir: out, Cutoff: 2000, InMemory: true})
		if err != nil {
			t.Fatal(err)
		}
		vol, _, err := nifti.Load(sel.DataFile)
		if err != nil {
			t.Fatal(err)
		}
		if vol.Frames != 2 || vol.At(0, 0, 0, 1) != 2 {
			t.Errorf("Expected frames 0 and 1, got %d frames", vol.Frames)
		}
		if c := sel.Bvecs.RawMatrix().Cols; c != 2 {
			t.Errorf("Expected 2 bvecs, got %d", c)
		}

		// a second run leaves the selection alone
		if _, err := SelectVolumes(ctx, data, bvals, bvecs, SelectOptions{OutDir: out, Cutoff: 2000, InMemory: true}); err != nil {
			t.Errorf("Second run failed: %v", err)
		}
	})

	t.Run("all_selected", func(t *testing.T) {
		d := runner.NewDryRun()
		sel, err := SelectVolumes(ctx, data, bvals, bvecs, SelectOptions{OutDir: filepath.Join(dir, "all"), Cutoff: 5000, Runner: d})
		if err != nil {
			t.Fatal(err)
		}
		if sel.DataFile != data || len(d.Commands()) != 0 {
			t.Errorf("Expected original data reused without commands, got %s and %v", sel.DataFile, d.Commands())
		}
	})

	if _, err := SelectVolumes(ctx, data, bvals, bvecs, SelectOptions{Cutoff: 0}); err == nil {
		t.Error("Expected error when no volume is below the cutoff")
	}
}

func TestPrepareDKE(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dwi.nii.gz")
	bvals := writeFile(t, filepath.Join(dir, "bvals"), "5 995 1005 2010 2990 0\n")
	bvecs := writeFile(t, filepath.Join(dir, "bvecs"), bvecsText(6))

	d := runner.NewDryRun()
	p, err := PrepareDKE(context.Background(), data, bvals, bvecs, PrepareOptions{Cutoff: 2500, Rotate: true, RunLocally: true, Runner: d})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"fslselectvols -i " + data + " -o " + filepath.Join(dir, "dwi_bval0.nii.gz") + " --vols=0,5",
		"fslmaths " + filepath.Join(dir, "dwi_bval0.nii.gz") + " -Tmean " + filepath.Join(dir, "dwi_bval0.nii.gz"),
		"fslselectvols -i " + data + " -o " + filepath.Join(dir, "dwi_bval1000.nii.gz") + " --vols=1,2",
		"fslselectvols -i " + data + " -o " + filepath.Join(dir, "dwi_bval2000.nii.gz") + " --vols=3",
	}
	cmds := d.Commands()
	if len(cmds) != 6 {
		t.Fatalf("Expected 6 commands, got %d: %v", len(cmds), cmds)
	}
	for i, w := range want {
		if got := runner.Format(cmds[i][0], cmds[i][1:]...); got != w {
			t.Errorf("Command %d: expected %q, got %q", i, w, got)
		}
	}
	if cmds[5][0] != "gunzip" || cmds[5][1] != p.DataFile+".gz" {
		t.Errorf("Unexpected final command %v", cmds[5])
	}
	if p.DataFile != filepath.Join(dir, "dwi_dke_bvals_to_2500.nii") {
		t.Errorf("Unexpected merged file %s", p.DataFile)
	}
	if strings.Join(p.BvalsUsed, " ") != "0 1000 2000" || len(p.BvecsFiles) != 2 {
		t.Errorf("Unexpected shells %v, bvecs %v", p.BvalsUsed, p.BvecsFiles)
	}

	// volumes 1 and 2 point along y and z
	shell, err := os.ReadFile(p.BvecsFiles[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(shell), "0.0000000000 1.0000000000 0.0000000000\n") {
		t.Errorf("Unexpected shell bvecs %q", shell)
	}
}

func TestSubmitDKE(t *testing.T) {
	root := t.TempDir()
	subDir := filepath.Join(root, "subjA")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeDWI(t, filepath.Join(subDir, "dwi.nii.gz"), 9)
	bvals := writeFile(t, filepath.Join(subDir, "bvals"), "0 1000 1000 1000 1000 2000 2000 2000 2000\n")
	bvecs := writeFile(t, filepath.Join(subDir, "bvecs"), bvecsText(9))
	tmpl := writeFile(t, filepath.Join(root, "template.dat"), "{SUB_ROOT_DIR}|{ID}|{DKE_DATA_FNAME}|{BVALS_USED}|{BVECS_FNAMES}|{NUM_DIFF_DIRS}|{VOX_DIMS}")

	opts := SubmitDKEOptions{
		SubRootDir:   root,
		ID:           "subjA",
		DataFile:     "dwi.nii.gz",
		BvalsFile:    bvals,
		BvecsFile:    bvecs,
		TemplateFile: tmpl,
		Submit:       true,
	}

	opts.Runner = runner.NewDryRun()
	if _, err := SubmitDKE(context.Background(), opts); !errors.Is(err, ErrDirections) {
		t.Errorf("Expected ErrDirections for the default 90 directions, got %v", err)
	}

	d := runner.NewDryRun()
	opts.Runner = d
	opts.ExpectedDirections = 4
	opts.Clobber = true
	job, err := SubmitDKE(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	params, err := os.ReadFile(job.Params)
	if err != nil {
		t.Fatal(err)
	}
	want := root + "/|subjA|dwi_dke_bvals_to_2500.nii|0 1000 2000|'bvecs_bval1000', 'bvecs_bval2000'|4|2 2 2"
	if string(params) != want {
		t.Errorf("Expected parameters %q, got %q", want, params)
	}
	if filepath.Base(job.Params) != "XXX_subjA_DKE_parameters.dat" {
		t.Errorf("Unexpected parameter file %s", job.Params)
	}

	script, err := os.ReadFile(job.Script)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), "run_dke.sh "+DefaultDKEBuildPath+" "+job.Params) {
		t.Errorf("Script does not run DKE:\n%s", script)
	}
	if !strings.Contains(string(script), "fslmerge -t") {
		t.Errorf("Script does not prepare the data:\n%s", script)
	}
	cmds := d.Commands()
	if len(cmds) != 1 || cmds[0][0] != "qsub" {
		t.Errorf("Expected only qsub to run, got %v", cmds)
	}
}

// constFitter returns maps filled with the value of the slice's first voxel
type constFitter struct {
	failSlice int
}

func (f constFitter) Fit(ctx context.Context, slice *models.Volume, bvals []float64, bvecs *mat.Dense) (*Maps, error) {
	if f.failSlice >= 0 && slice.Data[0] == float64(f.failSlice+1) {
		return nil, errors.New("fit diverged")
	}
	m := &Maps{MK: slice.Like(), AK: slice.Like(), RK: slice.Like()}
	for i := range m.MK.Data {
		m.MK.Data[i] = slice.Data[0]
		m.AK.Data[i] = 2 * slice.Data[0]
		m.RK.Data[i] = 3 * slice.Data[0]
	}
	return m, nil
}

func TestFitBySlice(t *testing.T) {
	data := models.NewVolume(2, 2, 4, 2, nil)
	for z := 0; z < 4; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				data.Set(x, y, z, 0, float64(z+1))
			}
		}
	}

	maps, err := FitBySlice(context.Background(), data, []float64{0, 1000}, mat.NewDense(3, 2, nil), []int{1, 3}, constFitter{failSlice: -1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	for z, want := range []float64{0, 2, 0, 4} {
		if got := maps.MK.At(1, 1, z, 0); got != want {
			t.Errorf("z=%d: expected MK %v, got %v", z, want, got)
		}
	}
	if got := maps.RK.At(0, 0, 3, 0); got != 12 {
		t.Errorf("Expected RK 12, got %v", got)
	}

	_, err = FitBySlice(context.Background(), data, []float64{0, 1000}, mat.NewDense(3, 2, nil), nil, constFitter{failSlice: 2}, 2)
	if err == nil || !strings.Contains(err.Error(), "fit diverged") {
		t.Errorf("Expected fit error, got %v", err)
	}
	if _, err := FitBySlice(context.Background(), data, nil, nil, []int{4}, constFitter{failSlice: -1}, 1); err == nil {
		t.Error("Expected error for slice out of range")
	}
}

func TestLeastSquaresFitter(t *testing.T) {
	const (
		d  = 1e-3
		k  = 1.0
		s0 = 1000.0
	)
	bvals := []float64{0, 0}
	dirs := [][3]float64{{0, 0, 0}, {0, 0, 0}}
	for _, b := range []float64{1000, 2000} {
		for i := 0; i < 30; i++ {
			bvals = append(bvals, b)
			dirs = append(dirs, sphere[3*i])
		}
	}
	bvecs := mat.NewDense(3, len(bvals), nil)
	slice := models.NewVolume(2, 1, 1, len(bvals), nil)
	for i, b := range bvals {
		for r := 0; r < 3; r++ {
			bvecs.Set(r, i, dirs[i][r])
		}
		// isotropic diffusion and kurtosis
		slice.Set(0, 0, 0, i, s0*math.Exp(-b*d+b*b*d*d*k/6))
	}

	maps, err := LeastSquaresFitter{}.Fit(context.Background(), slice, bvals, bvecs)
	if err != nil {
		t.Fatal(err)
	}
	for name, vol := range map[string]*models.Volume{"MK": maps.MK, "AK": maps.AK, "RK": maps.RK} {
		if got := vol.At(0, 0, 0, 0); math.Abs(got-k) > 1e-4 {
			t.Errorf("Expected %s %v, got %v", name, k, got)
		}
		if got := vol.At(1, 0, 0, 0); got != 0 {
			t.Errorf("Expected %s 0 for an empty voxel, got %v", name, got)
		}
	}

	if _, err := (LeastSquaresFitter{}).Fit(context.Background(), slice.SliceZ(0), bvals[:10], bvecs); err == nil {
		t.Error("Expected error for mismatched frame count")
	}
}

func TestKurtosis(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "dwi.nii.gz")
	writeDWI(t, data, 3)
	bvals := writeFile(t, filepath.Join(dir, "bvals"), "0 1000 3000\n")
	bvecs := writeFile(t, filepath.Join(dir, "bvecs"), bvecsText(3))

	out, err := Kurtosis(context.Background(), KurtosisOptions{
		DataFile:  data,
		BvalsFile: bvals,
		BvecsFile: bvecs,
		OutDir:    filepath.Join(dir, "dki"),
		Smooth:    true,
		Fitter:    constFitter{failSlice: -1},
		NumCores:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.MK != filepath.Join(dir, "dki", "DKE_MK.nii.gz") || len(out.Smoothed) != 3 {
		t.Errorf("Unexpected outputs %+v", out)
	}
	for _, f := range append([]string{out.MK, out.AK, out.RK}, out.Smoothed...) {
		if !nifti.Exists(f) {
			t.Errorf("Expected %s to exist", f)
		}
	}
	vol, _, err := nifti.Load(out.AK)
	if err != nil {
		t.Fatal(err)
	}
	if vol.Depth != 3 || vol.Frames != 1 {
		t.Errorf("Expected a 3D map with 3 slices, got depth %d frames %d", vol.Depth, vol.Frames)
	}
}

func TestCommandFitter(t *testing.T) {
	d := runner.NewDryRun()
	d.Hook = func(name string, args []string) error {
		in, prefix := args[len(args)-4], args[len(args)-1]
		slice, _, err := nifti.Load(in)
		if err != nil {
			return err
		}
		for _, suffix := range []string{"_MK", "_AK", "_RK"} {
			m := slice.Like()
			for i := range m.Data {
				m.Data[i] = 0.5
			}
			if err := nifti.Save(prefix+suffix+".nii.gz", m, nifti.SaveOptions{}); err != nil {
				return err
			}
		}
		return nil
	}

	slice := models.NewVolume(3, 2, 1, 2, nil)
	f := CommandFitter{Command: "python", Args: []string{"fit_dki.py"}, Runner: d, TempDir: t.TempDir()}
	maps, err := f.Fit(context.Background(), slice, []float64{0, 1000}, mat.NewDense(3, 2, nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := maps.RK.At(2, 1, 0, 0); got != 0.5 {
		t.Errorf("Expected RK 0.5, got %v", got)
	}
	cmds := d.Commands()
	if len(cmds) != 1 || cmds[0][0] != "python" || cmds[0][1] != "fit_dki.py" {
		t.Errorf("Unexpected commands %v", cmds)
	}
}

func TestKurtosisJobs(t *testing.T) {
	root := t.TempDir()
	var data, bvals, bvecs []string
	for _, id := range []string{"subjA", "subjB"} {
		dir := filepath.Join(root, "in", id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		data = append(data, filepath.Join(dir, "dwi.nii.gz"))
		bvals = append(bvals, filepath.Join(dir, "bvals"))
		if id == "subjA" {
			bvecs = append(bvecs, filepath.Join(dir, "bvecs"))
		}
	}

	d := runner.NewDryRun()
	opts := JobOptions{
		DataFiles:  data,
		BvalsFiles: bvals,
		BvecsFiles: bvecs,
		IDs:        []string{"subjA", "subjB"},
		OutRoot:    filepath.Join(root, "out"),
		Smooth:     true,
		Submit:     true,
		Runner:     d,
	}

	sum := KurtosisJobs(context.Background(), opts)
	if len(sum.Scripts) != 1 || len(sum.Submitted) != 1 {
		t.Fatalf("Expected one script submitted, got %+v", sum)
	}
	if _, ok := sum.Failed["subjB"]; !ok {
		t.Errorf("Expected subjB to fail, got %v", sum.Failed)
	}

	script, err := os.ReadFile(sum.Scripts[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), "tractrec dki --data "+data[0]) || !strings.Contains(string(script), "--smooth") {
		t.Errorf("Unexpected script:\n%s", script)
	}

	// the script now exists, so nothing is resubmitted without clobber
	sum = KurtosisJobs(context.Background(), opts)
	if len(sum.Submitted) != 0 {
		t.Errorf("Expected no resubmission, got %v", sum.Submitted)
	}
	opts.Clobber = true
	sum = KurtosisJobs(context.Background(), opts)
	if len(sum.Submitted) != 1 {
		t.Errorf("Expected resubmission with clobber, got %v", sum.Submitted)
	}
	if got := len(d.Commands()); got != 2 {
		t.Errorf("Expected 2 qsub calls, got %d", got)
	}
}
