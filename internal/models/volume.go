package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D or 4D image on a regular voxel grid
type Volume struct {
	// Data is the voxel data as a 1D array with x varying fastest,
	// then y, then z, then frame
	Data []float64

	// Width is the size of the volume along x in voxels
	Width int

	// Height is the size of the volume along y in voxels
	Height int

	// Depth is the size of the volume along z in voxels
	Depth int

	// Frames is the number of volumes stacked along the 4th axis (1 for 3D images)
	Frames int

	// Affine maps voxel indices (i, j, k, 1) to scanner coordinates
	Affine *mat.Dense
}

// NewVolume allocates a zero-filled volume. A nil affine is replaced by the identity.
func NewVolume(width, height, depth, frames int, affine *mat.Dense) *Volume {
	if frames < 1 {
		frames = 1
	}
	if affine == nil {
		affine = Identity()
	}
	return &Volume{
		Data:   make([]float64, width*height*depth*frames),
		Width:  width,
		Height: height,
		Depth:  depth,
		Frames: frames,
		Affine: mat.DenseCopyOf(affine),
	}
}

// Identity returns a 4x4 identity affine
func Identity() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Like allocates a zero-filled 3D volume on the same grid as v
func (v *Volume) Like() *Volume {
	return NewVolume(v.Width, v.Height, v.Depth, 1, v.Affine)
}

// Clone returns a deep copy of v
func (v *Volume) Clone() *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth, v.Frames, v.Affine)
	copy(out.Data, v.Data)
	return out
}

// Voxels returns the number of voxels in a single frame
func (v *Volume) Voxels() int {
	return v.Width * v.Height * v.Depth
}

// Shape returns the grid dimensions of a single frame
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Index returns the offset of voxel (x, y, z) in the first frame
func (v *Volume) Index(x, y, z int) int {
	return x + y*v.Width + z*v.Width*v.Height
}

// Coords is the inverse of Index
func (v *Volume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	y = rem / v.Width
	x = rem % v.Width
	return x, y, z
}

// Inside reports whether (x, y, z) lies on the grid
func (v *Volume) Inside(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At returns the value at (x, y, z) in frame t
func (v *Volume) At(x, y, z, t int) float64 {
	return v.Data[v.Index(x, y, z)+t*v.Voxels()]
}

// Set stores value at (x, y, z) in frame t
func (v *Volume) Set(x, y, z, t int, value float64) {
	v.Data[v.Index(x, y, z)+t*v.Voxels()] = value
}

// Frame returns a copy of frame t as a 3D volume
func (v *Volume) Frame(t int) *Volume {
	out := v.Like()
	n := v.Voxels()
	copy(out.Data, v.Data[t*n:(t+1)*n])
	return out
}

// SetFrame copies a 3D volume into frame t
func (v *Volume) SetFrame(t int, frame *Volume) error {
	if frame.Voxels() != v.Voxels() {
		return fmt.Errorf("frame has %d voxels, volume frames have %d", frame.Voxels(), v.Voxels())
	}
	n := v.Voxels()
	copy(v.Data[t*n:(t+1)*n], frame.Data[:n])
	return nil
}

// SelectFrames returns a new volume made of the listed frames, in order
func (v *Volume) SelectFrames(frames []int) (*Volume, error) {
	out := NewVolume(v.Width, v.Height, v.Depth, len(frames), v.Affine)
	n := v.Voxels()
	for i, t := range frames {
		if t < 0 || t >= v.Frames {
			return nil, fmt.Errorf("frame %d out of range [0, %d)", t, v.Frames)
		}
		copy(out.Data[i*n:(i+1)*n], v.Data[t*n:(t+1)*n])
	}
	return out, nil
}

// SliceZ returns a copy of z-slice z (all frames) as a volume with depth 1.
// The affine is shifted so that voxel (i, j, 0) of the slice keeps its scanner position.
func (v *Volume) SliceZ(z int) *Volume {
	aff := mat.DenseCopyOf(v.Affine)
	for r := 0; r < 3; r++ {
		aff.Set(r, 3, v.Affine.At(r, 3)+v.Affine.At(r, 2)*float64(z))
	}
	out := NewVolume(v.Width, v.Height, 1, v.Frames, aff)
	plane := v.Width * v.Height
	for t := 0; t < v.Frames; t++ {
		src := t*v.Voxels() + z*plane
		copy(out.Data[t*plane:(t+1)*plane], v.Data[src:src+plane])
	}
	return out
}

// SetSliceZ writes a depth-1 volume into z-slice z of frame range [0, s.Frames)
func (v *Volume) SetSliceZ(z int, s *Volume) {
	plane := v.Width * v.Height
	for t := 0; t < s.Frames && t < v.Frames; t++ {
		dst := t*v.Voxels() + z*plane
		copy(v.Data[dst:dst+plane], s.Data[t*plane:(t+1)*plane])
	}
}

// SameGrid reports whether two volumes share grid dimensions
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// SameDiagonal reports whether the affine diagonals of two volumes are equal.
// Volumes that differ here are resampled before voxel-wise comparison.
func (v *Volume) SameDiagonal(o *Volume) bool {
	for i := 0; i < 4; i++ {
		if v.Affine.At(i, i) != o.Affine.At(i, i) {
			return false
		}
	}
	return true
}

// VoxelToWorld applies the affine to a (possibly fractional) voxel coordinate
func (v *Volume) VoxelToWorld(i, j, k float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = v.Affine.At(r, 0)*i + v.Affine.At(r, 1)*j + v.Affine.At(r, 2)*k + v.Affine.At(r, 3)
	}
	return out
}

// VoxelSizes returns the voxel edge lengths implied by the affine (column norms)
func (v *Volume) VoxelSizes() [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		var s float64
		for r := 0; r < 3; r++ {
			s += v.Affine.At(r, c) * v.Affine.At(r, c)
		}
		out[c] = math.Sqrt(s)
	}
	return out
}

// CountNonzero counts nonzero voxels across all frames
func (v *Volume) CountNonzero() int {
	n := 0
	for _, val := range v.Data {
		if val != 0 {
			n++
		}
	}
	return n
}

// ForEachRowMajor visits every voxel of the first frame in row-major order
// (x slowest, z fastest), the order in which label IDs are handed out.
func (v *Volume) ForEachRowMajor(fn func(x, y, z int, value float64)) {
	for x := 0; x < v.Width; x++ {
		for y := 0; y < v.Height; y++ {
			for z := 0; z < v.Depth; z++ {
				fn(x, y, z, v.Data[v.Index(x, y, z)])
			}
		}
	}
}
