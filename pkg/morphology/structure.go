// Package morphology implements binary morphology and distance transforms on
// volumes. Any nonzero voxel is foreground; voxels outside the grid count as
// background.
package morphology

import (
	"fmt"
)

// Structure is a structuring element, stored as the offsets of its set
// elements relative to the centre
type Structure struct {
	Offsets [][3]int
}

// GenerateBinaryStructure returns the 3x3x3 (or smaller rank) neighbourhood in
// which elements at squared distance <= connectivity from the centre are set.
// Rank 3, connectivity 1 is the 6-neighbourhood plus centre; connectivity 3 is
// the full 27-element cube.
func GenerateBinaryStructure(rank, connectivity int) (*Structure, error) {
	if rank < 1 || rank > 3 {
		return nil, fmt.Errorf("structure rank must be 1, 2 or 3, got %d", rank)
	}
	if connectivity < 1 {
		connectivity = 1
	}

	span := [3]int{0, 0, 0}
	for i := 0; i < rank; i++ {
		span[i] = 1
	}

	s := &Structure{}
	for dx := -span[0]; dx <= span[0]; dx++ {
		for dy := -span[1]; dy <= span[1]; dy++ {
			for dz := -span[2]; dz <= span[2]; dz++ {
				if dx*dx+dy*dy+dz*dz <= connectivity {
					s.Offsets = append(s.Offsets, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return s, nil
}

// mustStructure is used for the fixed default neighbourhoods
func mustStructure(rank, connectivity int) *Structure {
	s, err := GenerateBinaryStructure(rank, connectivity)
	if err != nil {
		panic(err)
	}
	return s
}

// Ball returns a spherical structure of the given radius in voxels
func Ball(radius int) *Structure {
	s := &Structure{}
	r2 := radius * radius
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				if dx*dx+dy*dy+dz*dz <= r2 {
					s.Offsets = append(s.Offsets, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return s
}

// FromMask builds a structure from a small volume whose centre voxel is the origin.
// Every dimension must be odd.
func FromMask(width, height, depth int, set func(x, y, z int) bool) (*Structure, error) {
	if width%2 == 0 || height%2 == 0 || depth%2 == 0 {
		return nil, fmt.Errorf("structure dimensions must be odd, got %dx%dx%d", width, height, depth)
	}
	s := &Structure{}
	cx, cy, cz := width/2, height/2, depth/2
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			for z := 0; z < depth; z++ {
				if set(x, y, z) {
					s.Offsets = append(s.Offsets, [3]int{x - cx, y - cy, z - cz})
				}
			}
		}
	}
	return s, nil
}

// Len returns the number of set elements
func (s *Structure) Len() int {
	return len(s.Offsets)
}

// WithoutCentre returns a copy of s with the origin removed
func (s *Structure) WithoutCentre() *Structure {
	out := &Structure{}
	for _, o := range s.Offsets {
		if o != [3]int{0, 0, 0} {
			out.Offsets = append(out.Offsets, o)
		}
	}
	return out
}
