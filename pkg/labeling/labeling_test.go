package labeling

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
)

func filledMask(w, h, d int) *models.Volume {
	vol := models.NewVolume(w, h, d, 1, nil)
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	return vol
}

func TestVoxelListOrder(t *testing.T) {
	mask := models.NewVolume(2, 2, 2, 1, nil)
	mask.Set(1, 0, 0, 0, 1)
	mask.Set(0, 1, 1, 0, 1)
	mask.Set(0, 0, 1, 0, 0.5)

	got := VoxelList(mask, 0)
	want := [][3]int{{0, 0, 1}, {0, 1, 1}, {1, 0, 0}}
	if len(got) != len(want) {
		t.Fatalf("Expected %d voxels, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Voxel %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if got := VoxelList(mask, 0.5); len(got) != 2 {
		t.Errorf("Expected threshold to exclude value 0.5, got %d voxels", len(got))
	}
}

func TestScannerCoordinates(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		1.25, 0, 0, -10.123,
		0, 1, 0, 0,
		0, 0, 2, 5,
		0, 0, 0, 1,
	})
	vol := models.NewVolume(3, 3, 3, 1, affine)
	coords := Coordinates(vol, [][3]int{{2, 1, 1}}, SpaceScanner, 1)
	want := [3]float64{-7.6, 1, 7}
	for i := range want {
		if coords[0][i] != want[i] {
			t.Errorf("Axis %d: expected %v, got %v", i, want[i], coords[0][i])
		}
	}

	coords = Coordinates(vol, [][3]int{{2, 1, 1}}, SpaceVoxel, 1)
	if coords[0] != [3]float64{2, 1, 1} {
		t.Errorf("Expected voxel coordinates unchanged, got %v", coords[0])
	}

	if _, err := ParseSpace("mni"); err == nil {
		t.Error("Expected error for unknown space")
	}
}

func TestMaskToLabels(t *testing.T) {
	mask := models.NewVolume(2, 2, 1, 1, nil)
	mask.Set(1, 0, 0, 0, 1)
	mask.Set(0, 1, 0, 0, 1)

	l := MaskToLabels(mask, 5)
	if l.Next != 7 {
		t.Errorf("Expected next label 7, got %d", l.Next)
	}
	// row-major: (0,1,0) comes before (1,0,0)
	if got := l.Labels.At(0, 1, 0, 0); got != 5 {
		t.Errorf("Expected label 5 at (0,1,0), got %v", got)
	}
	if got := l.Labels.At(1, 0, 0, 0); got != 6 {
		t.Errorf("Expected label 6 at (1,0,0), got %v", got)
	}
	if got := l.Labels.At(0, 0, 0, 0); got != 0 {
		t.Errorf("Expected background 0, got %v", got)
	}
}

func TestCombineAndLabel(t *testing.T) {
	m1 := models.NewVolume(3, 1, 1, 1, nil)
	m1.Set(0, 0, 0, 0, 1)
	m1.Set(1, 0, 0, 0, 1)
	m2 := m1.Like()
	m2.Set(1, 0, 0, 0, 1)
	m2.Set(2, 0, 0, 0, 1)

	combined, l1, l2, err := CombineAndLabel(m1, m2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if l1.Next != 3 || l2.Next != 5 {
		t.Errorf("Expected next labels 3 and 5, got %d and %d", l1.Next, l2.Next)
	}
	want := []float64{1, 2, 4}
	for x, w := range want {
		if got := combined.At(x, 0, 0, 0); got != w {
			t.Errorf("x=%d: expected %v, got %v", x, w, got)
		}
	}

	if _, _, _, err := CombineAndLabel(m1, models.NewVolume(2, 2, 2, 1, nil), 1); !errors.Is(err, nifti.ErrShape) {
		t.Errorf("Expected ErrShape, got %v", err)
	}
}

func TestCubeLabels(t *testing.T) {
	cubes, err := CubeLabels([3]int{4, 4, 4}, 2)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		x, y, z int
		want    float64
	}{
		{0, 0, 0, 1},
		{0, 0, 2, 2},
		{0, 3, 0, 3},
		{2, 0, 0, 5},
		{3, 3, 3, 8},
	}
	for _, tt := range tests {
		if got := cubes.At(tt.x, tt.y, tt.z, 0); got != tt.want {
			t.Errorf("(%d,%d,%d): expected cube %v, got %v", tt.x, tt.y, tt.z, tt.want, got)
		}
	}
	if _, err := CubeLabels([3]int{4, 4, 4}, 0); err == nil {
		t.Error("Expected error for cube dimension 0")
	}
}

func TestCubeMask(t *testing.T) {
	mask := models.NewVolume(4, 4, 4, 1, nil)
	mask.Set(0, 0, 0, 0, 1) // cube 1
	mask.Set(3, 3, 3, 0, 1) // cube 8
	mask.Set(2, 3, 2, 0, 1) // cube 8

	labels, _, n, err := CubeMask(mask, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected 2 cubes used, got %d", n)
	}
	if got := labels.At(0, 0, 0, 0); got != 10 {
		t.Errorf("Expected first cube relabelled 10, got %v", got)
	}
	if got := labels.At(2, 3, 2, 0); got != 11 {
		t.Errorf("Expected last cube relabelled 11, got %v", got)
	}
	if got := labels.At(1, 1, 1, 0); got != 0 {
		t.Errorf("Expected background to stay 0, got %v", got)
	}
}

func TestSplitChunksAndPairs(t *testing.T) {
	chunks := SplitChunks(9, 5)
	sizes := []int{2, 2, 2, 2, 1}
	for i, c := range chunks {
		if c[1]-c[0] != sizes[i] {
			t.Errorf("Chunk %d: expected size %d, got %d", i, sizes[i], c[1]-c[0])
		}
	}
	if chunks[4][1] != 9 {
		t.Errorf("Expected chunks to cover 9 items, got %d", chunks[4][1])
	}

	if got := len(Pairs(5)); got != 10 {
		t.Errorf("Expected 10 pairs, got %d", got)
	}
	if got := Pairs(1); len(got) != 1 || got[0] != [2]int{0, 0} {
		t.Errorf("Expected a single self pair, got %v", got)
	}
}

func TestForEachSubset(t *testing.T) {
	mask := filledMask(3, 3, 1)
	seen := make(map[[3]int]bool)
	k, err := ForEachSubset(mask, MultiFileOptions{MaxLabelsPerMask: 4, Space: SpaceVoxel}, func(s Subset) error {
		if len(s.Coords) > 4 {
			t.Errorf("Subset %d_%d has %d labels", s.I, s.J, len(s.Coords))
		}
		for i, c := range s.Coords {
			x, y, z := int(c[0]), int(c[1]), int(c[2])
			if got := s.Labels.At(x, y, z, 0); got != float64(i+1) {
				t.Errorf("Subset %d_%d: expected label %d at %v, got %v", s.I, s.J, i+1, c, got)
			}
			seen[[3]int{x, y, z}] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if k != 5 {
		t.Errorf("Expected 5 chunks, got %d", k)
	}
	if len(seen) != 9 {
		t.Errorf("Expected every voxel in some subset, got %d", len(seen))
	}

	if _, err := ForEachSubset(models.NewVolume(2, 2, 2, 1, nil), MultiFileOptions{MaxLabelsPerMask: 4}, func(Subset) error { return nil }); err == nil {
		t.Error("Expected error for empty mask")
	}
}

func TestForEachCubeSubset(t *testing.T) {
	mask := filledMask(4, 4, 4)
	pairs := 0
	k, err := ForEachSubset(mask, MultiFileOptions{MaxLabelsPerMask: 4, CubeDim: 2, Space: SpaceVoxel}, func(s Subset) error {
		pairs++
		if len(s.Coords) != 4 {
			t.Errorf("Subset %d_%d: expected 4 cubes, got %d", s.I, s.J, len(s.Coords))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if k != 4 || pairs != 6 {
		t.Errorf("Expected 4 chunks and 6 pairs, got %d and %d", k, pairs)
	}
}

func TestMultiFile(t *testing.T) {
	dir := t.TempDir()
	maskFile := filepath.Join(dir, "wm.nii.gz")
	if err := nifti.Save(maskFile, filledMask(2, 2, 1), nifti.SaveOptions{Datatype: nifti.Uint8}); err != nil {
		t.Fatal(err)
	}

	res, err := MultiFile(maskFile, MultiFileOptions{MaxLabelsPerMask: 2, Space: SpaceVoxel})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 4 || len(res.Labels) != 6 {
		t.Fatalf("Expected 4 chunks and 6 files, got %d and %d", res.Chunks, len(res.Labels))
	}
	if want := filepath.Join(dir, "wm_index_label_label_subset_0_1.nii.gz"); res.Labels[0] != want {
		t.Errorf("Expected %s, got %s", want, res.Labels[0])
	}

	_, h, err := nifti.Load(res.Labels[0])
	if err != nil {
		t.Fatal(err)
	}
	if nifti.Datatype(h.DataType) != nifti.Uint64 {
		t.Errorf("Expected uint64 labels, got %v", nifti.Datatype(h.DataType))
	}

	data, err := os.ReadFile(res.Coords[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "0,0,0\n0,1,0\n" {
		t.Errorf("Unexpected coordinates %q", got)
	}
}

func TestLabelFileWritesLUT(t *testing.T) {
	dir := t.TempDir()
	maskFile := filepath.Join(dir, "roi.nii.gz")
	mask := models.NewVolume(2, 1, 1, 1, nil)
	mask.Set(1, 0, 0, 0, 1)
	mask.Affine.Set(0, 3, 0.5)
	if err := nifti.Save(maskFile, mask, nifti.SaveOptions{Datatype: nifti.Uint8}); err != nil {
		t.Fatal(err)
	}

	out, next, err := LabelFile(maskFile, "", LabelOptions{StartIndex: 3, LUT: true, Decimals: 2})
	if err != nil {
		t.Fatal(err)
	}
	if out != filepath.Join(dir, "roi_index_label.nii.gz") || next != 4 {
		t.Errorf("Unexpected output %s, next %d", out, next)
	}

	data, err := os.ReadFile(filepath.Join(dir, "roi_index_label_lut.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != "index,x_coord,y_coord,z_coord" || lines[1] != "3,1.50,0.00,0.00" {
		t.Errorf("Unexpected LUT %q", lines)
	}

	if _, _, err := LabelFile(maskFile, "", LabelOptions{}); !errors.Is(err, nifti.ErrExists) {
		t.Errorf("Expected ErrExists, got %v", err)
	}
}

func TestWriteCoordsNpy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coords.npy")
	coords := [][3]float64{{1, 2, 3}, {4, 5, 6}}
	if err := WriteCoordsNpy(path, coords); err != nil {
		t.Fatal(err)
	}

	r, err := gonpy.NewFileReader(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Shape) != 2 || r.Shape[0] != 2 || r.Shape[1] != 3 {
		t.Fatalf("Unexpected shape %v", r.Shape)
	}
	data, err := r.GetFloat64()
	if err != nil {
		t.Fatal(err)
	}
	if data[5] != 6 {
		t.Errorf("Expected last value 6, got %v", data[5])
	}
}
