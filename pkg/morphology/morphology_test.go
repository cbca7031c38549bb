package morphology

import (
	"math"
	"testing"

	"tractrec/internal/models"
)

// cube returns a size^3 grid with a solid cube of side n starting at off
func cube(size, off, n int) *models.Volume {
	vol := models.NewVolume(size, size, size, 1, nil)
	for z := off; z < off+n; z++ {
		for y := off; y < off+n; y++ {
			for x := off; x < off+n; x++ {
				vol.Set(x, y, z, 0, 1)
			}
		}
	}
	return vol
}

func TestGenerateBinaryStructure(t *testing.T) {
	tests := []struct {
		rank, conn, want int
	}{
		{3, 1, 7},
		{3, 2, 19},
		{3, 3, 27},
		{2, 1, 5},
		{2, 2, 9},
		{1, 1, 3},
	}
	for _, tc := range tests {
		s, err := GenerateBinaryStructure(tc.rank, tc.conn)
		if err != nil {
			t.Fatalf("rank %d: %v", tc.rank, err)
		}
		if s.Len() != tc.want {
			t.Errorf("rank %d connectivity %d: expected %d elements, got %d", tc.rank, tc.conn, tc.want, s.Len())
		}
	}
	if _, err := GenerateBinaryStructure(4, 1); err == nil {
		t.Error("Expected error for rank 4")
	}
	if got := mustStructure(3, 3).WithoutCentre().Len(); got != 26 {
		t.Errorf("Expected 26 neighbours, got %d", got)
	}
}

func TestErode(t *testing.T) {
	vol := cube(7, 1, 5)

	eroded, err := Erode(vol, ErodeOptions{Iterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	// the 6-neighbourhood removes the cube faces, leaving the 3x3x3 core
	if got := eroded.CountNonzero(); got != 27 {
		t.Errorf("Expected 27 voxels after one erosion, got %d", got)
	}

	eroded, _ = Erode(vol, ErodeOptions{Iterations: 3})
	if got := eroded.CountNonzero(); got != 0 {
		t.Errorf("Expected empty mask after three erosions, got %d", got)
	}
}

func TestErodeBorderIsBackground(t *testing.T) {
	vol := models.NewVolume(3, 3, 3, 1, nil)
	for i := range vol.Data {
		vol.Data[i] = 1
	}
	eroded, _ := Erode(vol, ErodeOptions{})
	if got := eroded.CountNonzero(); got != 1 {
		t.Errorf("Expected only the centre voxel to survive, got %d", got)
	}
}

func TestErodeLimited(t *testing.T) {
	vol := cube(7, 1, 5)

	// 125 -> 27 -> 1 -> 0; a minimum of 10 stops at the 27-voxel core
	eroded, err := Erode(vol, ErodeOptions{Iterations: 5, LimitErosion: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := eroded.CountNonzero(); got != 27 {
		t.Errorf("Expected 27 voxels, got %d", got)
	}

	eroded, _ = Erode(vol, ErodeOptions{Iterations: 5, LimitErosion: true, MinVoxelCount: 200})
	if got := eroded.CountNonzero(); got != 125 {
		t.Errorf("Expected the input to be returned unchanged, got %d voxels", got)
	}
}

func TestErodeMask(t *testing.T) {
	vol := cube(7, 1, 5)
	mask := vol.Like()
	// only the lower half may change
	for z := 0; z < 3; z++ {
		for y := 0; y < 7; y++ {
			for x := 0; x < 7; x++ {
				mask.Set(x, y, z, 0, 1)
			}
		}
	}

	eroded, err := Erode(vol, ErodeOptions{Mask: mask})
	if err != nil {
		t.Fatal(err)
	}
	if eroded.At(1, 1, 5, 0) != 1 {
		t.Error("Voxel outside the mask was eroded")
	}
	if eroded.At(1, 1, 1, 0) != 0 {
		t.Error("Voxel inside the mask was not eroded")
	}

	if _, err := Erode(vol, ErodeOptions{Mask: models.NewVolume(2, 2, 2, 1, nil)}); err == nil {
		t.Error("Expected grid mismatch error")
	}
}

func TestDilateAndClose(t *testing.T) {
	vol := models.NewVolume(5, 5, 5, 1, nil)
	vol.Set(2, 2, 2, 0, 3)

	dilated := Dilate(vol, 1, nil)
	if got := dilated.CountNonzero(); got != 7 {
		t.Errorf("Expected 7 voxels after dilation, got %d", got)
	}
	if dilated.At(2, 2, 2, 0) != 1 {
		t.Error("Dilation output is not binary")
	}

	// a one-voxel hole inside a solid block is filled by closing
	block := cube(7, 1, 5)
	block.Set(3, 3, 3, 0, 0)
	closed := Close(block, 1, nil)
	if closed.At(3, 3, 3, 0) != 1 {
		t.Error("Closing did not fill the hole")
	}
}

func TestOverlapMask(t *testing.T) {
	mask1 := models.NewVolume(9, 9, 9, 1, nil)
	mask2 := mask1.Like()
	for z := 2; z < 7; z++ {
		for y := 2; y < 7; y++ {
			mask1.Set(3, y, z, 0, 1)
			mask2.Set(4, y, z, 0, 5)
			mask2.Set(6, y, z, 0, 5)
		}
	}

	overlap, err := OverlapMask(mask1, mask2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if overlap.At(4, 4, 4, 0) != 1 {
		t.Error("Adjacent plane missing from overlap")
	}
	if overlap.At(6, 4, 4, 0) != 0 {
		t.Error("Distant plane included in overlap")
	}
	if overlap.At(3, 4, 4, 0) != 0 {
		t.Error("mask1 voxel included although mask2 is empty there")
	}
}

func TestSelectLabels(t *testing.T) {
	vol := models.NewVolume(4, 1, 1, 1, nil)
	copy(vol.Data, []float64{1, 2, 3, 2})

	got := SelectLabels(vol, []float64{2, 9})
	want := []float64{0, 2, 0, 2}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got.Data)
		}
	}
}

func TestBoundsAndCenterOfMass(t *testing.T) {
	vol := models.NewVolume(6, 6, 6, 1, nil)
	vol.Set(1, 2, 3, 0, 1)
	vol.Set(3, 4, 5, 0, 1)

	b := Bounds(vol)
	want := [3][2]int{{1, 3}, {2, 4}, {3, 5}}
	if b != want {
		t.Errorf("Expected bounds %v, got %v", want, b)
	}

	com := CenterOfMass(vol)
	if com != [3]float64{2, 3, 4} {
		t.Errorf("Expected centre of mass [2 3 4], got %v", com)
	}

	if c := CenterOfMass(vol.Like()); !math.IsNaN(c[0]) {
		t.Errorf("Expected NaN for an empty volume, got %v", c)
	}
}

// bruteDistance is the O(n^2) reference for the distance transform
func bruteDistance(vol *models.Volume, x, y, z int) float64 {
	best := math.Inf(1)
	for k := 0; k < vol.Depth; k++ {
		for j := 0; j < vol.Height; j++ {
			for i := 0; i < vol.Width; i++ {
				if vol.At(i, j, k, 0) != 0 {
					continue
				}
				d := math.Sqrt(float64((i-x)*(i-x) + (j-y)*(j-y) + (k-z)*(k-z)))
				if d < best {
					best = d
				}
			}
		}
	}
	return best
}

func TestDistanceTransform(t *testing.T) {
	vol := models.NewVolume(8, 7, 6, 1, nil)
	// irregular foreground
	for z := 0; z < 6; z++ {
		for y := 0; y < 7; y++ {
			for x := 0; x < 8; x++ {
				if (x*3+y*5+z*7)%11 != 0 && x > 0 {
					vol.Set(x, y, z, 0, 1)
				}
			}
		}
	}

	dt := DistanceTransform(vol)
	for z := 0; z < 6; z++ {
		for y := 0; y < 7; y++ {
			for x := 0; x < 8; x++ {
				want := 0.0
				if vol.At(x, y, z, 0) != 0 {
					want = bruteDistance(vol, x, y, z)
				}
				if math.Abs(dt.At(x, y, z, 0)-want) > 1e-9 {
					t.Fatalf("(%d,%d,%d): expected %f, got %f", x, y, z, want, dt.At(x, y, z, 0))
				}
			}
		}
	}
}

func TestSignedDistance(t *testing.T) {
	vol := cube(7, 2, 3)
	sd := SignedDistance(vol)

	if got := sd.At(3, 3, 3, 0); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("Centre: expected 1.5, got %f", got)
	}
	if got := sd.At(0, 3, 3, 0); math.Abs(got+1.5) > 1e-9 {
		t.Errorf("Outside: expected -1.5, got %f", got)
	}
}
