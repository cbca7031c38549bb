package morphology

import (
	"math"

	"tractrec/internal/models"
)

// DistanceTransform returns the exact Euclidean distance (in voxels) from every
// foreground voxel to the nearest background voxel; background voxels are 0.
// A volume with no background voxels gives +Inf everywhere.
//
// The transform is separable: a 1D squared distance pass (lower envelope of
// parabolas, Felzenszwalb & Huttenlocher) is run along x, then y, then z.
func DistanceTransform(vol *models.Volume) *models.Volume {
	out := vol.Like()
	for i := range out.Data {
		if vol.Data[i] != 0 {
			out.Data[i] = math.Inf(1)
		}
	}

	dims := [3]int{vol.Width, vol.Height, vol.Depth}
	n := dims[0]
	if dims[1] > n {
		n = dims[1]
	}
	if dims[2] > n {
		n = dims[2]
	}
	buf := newEnvelope(n)

	for axis := 0; axis < 3; axis++ {
		a, b := (axis+1)%3, (axis+2)%3
		for i := 0; i < dims[a]; i++ {
			for j := 0; j < dims[b]; j++ {
				line := buf.f[:dims[axis]]
				for k := range line {
					line[k] = out.Data[lineIndex(vol, axis, a, b, k, i, j)]
				}
				buf.transform(dims[axis])
				for k := 0; k < dims[axis]; k++ {
					out.Data[lineIndex(vol, axis, a, b, k, i, j)] = buf.d[k]
				}
			}
		}
	}

	for i, v := range out.Data {
		out.Data[i] = math.Sqrt(v)
	}
	return out
}

func lineIndex(vol *models.Volume, axis, a, b, k, i, j int) int {
	var p [3]int
	p[axis], p[a], p[b] = k, i, j
	return vol.Index(p[0], p[1], p[2])
}

// envelope holds scratch buffers for the 1D transform
type envelope struct {
	f, d []float64
	z    []float64
	v    []int
}

func newEnvelope(n int) *envelope {
	return &envelope{
		f: make([]float64, n),
		d: make([]float64, n),
		z: make([]float64, n+1),
		v: make([]int, n),
	}
}

// transform computes d[q] = min_p (q-p)^2 + f[p] over the first n samples.
// Infinite samples do not contribute a parabola.
func (e *envelope) transform(n int) {
	f, d, z, v := e.f, e.d, e.z, e.v
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		if k < 0 {
			k = 0
			v[0] = q
			z[0] = math.Inf(-1)
			z[1] = math.Inf(1)
			continue
		}
		fq := f[q] + float64(q*q)
		s := (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		for k > 0 && s <= z[k] {
			k--
			s = (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}

	if k < 0 {
		for q := 0; q < n; q++ {
			d[q] = math.Inf(1)
		}
		return
	}

	j := 0
	for q := 0; q < n; q++ {
		for z[j+1] < float64(q) {
			j++
		}
		dq := float64(q - v[j])
		d[q] = dq*dq + f[v[j]]
	}
}

// SignedDistance returns edt(f)-0.5 inside the foreground and
// -(edt(background)-0.5) outside it
func SignedDistance(vol *models.Volume) *models.Volume {
	inside := DistanceTransform(vol)
	inverse := vol.Like()
	for i := range inverse.Data {
		if vol.Data[i] == 0 {
			inverse.Data[i] = 1
		}
	}
	outside := DistanceTransform(inverse)

	out := vol.Like()
	for i := range out.Data {
		if vol.Data[i] != 0 {
			out.Data[i] = inside.Data[i] - 0.5
		} else {
			out.Data[i] = -(outside.Data[i] - 0.5)
		}
	}
	return out
}
