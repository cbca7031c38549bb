package labeling

import (
	"fmt"
	"math"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
	"tractrec/pkg/nifti"
	"tractrec/pkg/pathutil"
)

// MultiFileOptions controls MultiFile
type MultiFileOptions struct {
	// OutBase is the output prefix (default <mask stem>_index_label next to the mask)
	OutBase string

	// MaxLabelsPerMask bounds the number of labels in any one output file
	MaxLabelsPerMask int

	// StartIndex is the first label value of every file (default 1)
	StartIndex uint64

	Space    Space
	Decimals int

	// CubeDim, when positive, labels cubes of this size instead of single voxels
	CubeDim int

	Clobber bool
}

// Subset is one pairwise label image
type Subset struct {
	// I and J are the chunk numbers combined in this subset
	I, J int

	Labels *models.Volume

	// Coords are the label coordinates in label order: voxel positions, or
	// cube centroids in cube mode
	Coords [][3]float64
}

// SplitChunks returns the [start, end) ranges that divide n items into k
// near-equal chunks, the first n%k chunks one item longer
func SplitChunks(n, k int) [][2]int {
	out := make([][2]int, k)
	size, extra := n/k, n%k
	start := 0
	for i := range out {
		end := start + size
		if i < extra {
			end++
		}
		out[i] = [2]int{start, end}
		start = end
	}
	return out
}

// Pairs returns every unordered pair of distinct chunks in lexical order.
// A single chunk is paired with itself.
func Pairs(k int) [][2]int {
	if k == 1 {
		return [][2]int{{0, 0}}
	}
	var out [][2]int
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

// foreground returns the nonzero voxels in row-major order
func foreground(mask *models.Volume) [][3]int {
	var out [][3]int
	mask.ForEachRowMajor(func(x, y, z int, v float64) {
		if v != 0 {
			out = append(out, [3]int{x, y, z})
		}
	})
	return out
}

// ForEachSubset splits the foreground of mask into chunks of at most half the
// label limit and calls fn with the label image of every chunk pair, so that
// no image holds more than MaxLabelsPerMask labels.
func ForEachSubset(mask *models.Volume, opts MultiFileOptions, fn func(Subset) error) (int, error) {
	if opts.MaxLabelsPerMask < 2 {
		return 0, fmt.Errorf("max labels per mask must be at least 2, got %d", opts.MaxLabelsPerMask)
	}
	start := opts.StartIndex
	if start == 0 {
		start = 1
	}
	if opts.Space == "" {
		opts.Space = SpaceScanner
	}
	half := float64(opts.MaxLabelsPerMask) / 2

	if opts.CubeDim > 0 {
		return forEachCubeSubset(mask, opts, start, half, fn)
	}

	voxels := foreground(mask)
	if len(voxels) == 0 {
		return 0, fmt.Errorf("mask has no foreground voxels")
	}
	k := int(math.Ceil(float64(len(voxels)) / half))
	chunks := SplitChunks(len(voxels), k)

	for _, p := range Pairs(k) {
		members := chunkMembers(voxels, chunks, p)
		s := Subset{I: p[0], J: p[1], Labels: mask.Like()}
		label := start
		for _, v := range members {
			s.Labels.Set(v[0], v[1], v[2], 0, float64(label))
			label++
		}
		s.Coords = Coordinates(mask, members, opts.Space, opts.Decimals)
		if err := fn(s); err != nil {
			return k, err
		}
	}
	return k, nil
}

func chunkMembers(voxels [][3]int, chunks [][2]int, p [2]int) [][3]int {
	a, b := chunks[p[0]], chunks[p[1]]
	members := append([][3]int{}, voxels[a[0]:a[1]]...)
	if p[0] != p[1] {
		members = append(members, voxels[b[0]:b[1]]...)
	}
	return members
}

// forEachCubeSubset works like ForEachSubset on cubes of the mask
func forEachCubeSubset(mask *models.Volume, opts MultiFileOptions, start uint64, half float64, fn func(Subset) error) (int, error) {
	cubed, _, n, err := CubeMask(mask, opts.CubeDim, 1)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("mask has no foreground voxels")
	}
	k := int(math.Ceil(float64(n) / half))
	chunks := SplitChunks(n, k)

	// centroid of each cube's foreground in voxel coordinates, cube i+1 at index i
	sums := make([][4]float64, n)
	for i, c := range cubed.Data {
		if c == 0 {
			continue
		}
		x, y, z := cubed.Coords(i)
		s := &sums[int(c)-1]
		s[0] += float64(x)
		s[1] += float64(y)
		s[2] += float64(z)
		s[3]++
	}
	scale := math.Pow(10, float64(opts.Decimals))
	centroid := func(cube int) [3]float64 {
		s := sums[cube]
		c := [3]float64{s[0] / s[3], s[1] / s[3], s[2] / s[3]}
		if opts.Space == SpaceScanner {
			c = mask.VoxelToWorld(c[0], c[1], c[2])
		}
		for i := range c {
			c[i] = math.Round(c[i]*scale) / scale
		}
		return c
	}

	for _, p := range Pairs(k) {
		var cubes []int
		for _, r := range [][2]int{chunks[p[0]], chunks[p[1]]} {
			for c := r[0]; c < r[1]; c++ {
				cubes = append(cubes, c)
			}
			if p[0] == p[1] {
				break
			}
		}

		relabel := make(map[float64]float64, len(cubes))
		s := Subset{I: p[0], J: p[1], Labels: mask.Like()}
		for i, c := range cubes {
			relabel[float64(c+1)] = float64(start + uint64(i))
			s.Coords = append(s.Coords, centroid(c))
		}
		for i, c := range cubed.Data {
			if v, ok := relabel[c]; ok {
				s.Labels.Data[i] = v
			}
		}
		if err := fn(s); err != nil {
			return k, err
		}
	}
	return k, nil
}

// MultiFileResult lists the files written by MultiFile
type MultiFileResult struct {
	Labels []string
	Coords []string
	Chunks int
}

// MultiFile writes one uint64 label image and one coordinate CSV per chunk pair:
// <base>_label_subset_<i>_<j>.nii.gz and <base>_label_subset_<i>_<j>_coords.csv
func MultiFile(maskFile string, opts MultiFileOptions) (*MultiFileResult, error) {
	mask, h, err := nifti.Load(maskFile)
	if err != nil {
		return nil, err
	}
	base := opts.OutBase
	if base == "" {
		base = filepath.Join(filepath.Dir(maskFile), pathutil.Stem(maskFile)+"_index_label")
	}
	if opts.Space == "" {
		opts.Space = SpaceScanner
	}
	// cube centroids are fractional in either space
	csvSpace := opts.Space
	if opts.CubeDim > 0 {
		csvSpace = SpaceScanner
	}

	res := &MultiFileResult{}
	k, err := ForEachSubset(mask, opts, func(s Subset) error {
		tail := fmt.Sprintf("_label_subset_%d_%d", s.I, s.J)
		labelFile := base + tail + ".nii.gz"
		coordFile := base + tail + "_coords.csv"

		err := nifti.Save(labelFile, s.Labels, nifti.SaveOptions{Datatype: nifti.Uint64, Clobber: opts.Clobber, Template: h})
		if err != nil {
			return err
		}
		if err := WriteCoords(coordFile, s.Coords, nil, csvSpace, opts.Decimals); err != nil {
			return err
		}
		log.WithFields(log.Fields{"file": labelFile, "labels": len(s.Coords)}).Debug("Label subset written")
		res.Labels = append(res.Labels, labelFile)
		res.Coords = append(res.Coords, coordFile)
		return nil
	})
	res.Chunks = k
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"chunks": k, "files": len(res.Labels)}).Info("Label subsets written")
	return res, nil
}
