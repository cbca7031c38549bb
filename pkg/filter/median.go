package filter

import (
	"runtime"
	"sort"
	"sync"

	"tractrec/internal/models"
)

// Median returns a copy of the first frame of vol with every voxel replaced by
// the median of the cube of side 2*radius+1 around it (edges mirrored).
// Slices along z are split across numCores goroutines.
func Median(vol *models.Volume, radius, numCores int) *models.Volume {
	out := vol.Like()
	if radius < 1 {
		copy(out.Data, vol.Data[:vol.Voxels()])
		return out
	}
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}

	size := 2*radius + 1
	depth := vol.Depth
	slicesPerCore := (depth + numCores - 1) / numCores

	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * slicesPerCore
		end := start + slicesPerCore
		if end > depth {
			end = depth
		}
		if start >= end {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			window := make([]float64, 0, size*size*size)
			for z := start; z < end; z++ {
				for y := 0; y < vol.Height; y++ {
					for x := 0; x < vol.Width; x++ {
						window = window[:0]
						for dz := -radius; dz <= radius; dz++ {
							zz := Reflect(z+dz, vol.Depth)
							for dy := -radius; dy <= radius; dy++ {
								yy := Reflect(y+dy, vol.Height)
								for dx := -radius; dx <= radius; dx++ {
									xx := Reflect(x+dx, vol.Width)
									window = append(window, vol.Data[vol.Index(xx, yy, zz)])
								}
							}
						}
						sort.Float64s(window)
						out.Data[vol.Index(x, y, z)] = window[len(window)/2]
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	return out
}

// MultiMedian applies Median numPass times
func MultiMedian(vol *models.Volume, radius, numPass, numCores int) *models.Volume {
	out := vol.Frame(0)
	for i := 0; i < numPass; i++ {
		out = Median(out, radius, numCores)
	}
	return out
}
