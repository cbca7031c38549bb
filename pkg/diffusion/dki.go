package diffusion

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tractrec/internal/models"
)

const (
	// MinKurtosis and MaxKurtosis bound the reported kurtosis values
	MinKurtosis = 0
	MaxKurtosis = 3

	// tensor elements: log S0, 6 diffusion, 15 kurtosis (scaled by MD^2)
	dkiParams = 22

	sphereSamples = 100
	radialSamples = 10
)

// Maps are the kurtosis maps of one slice or volume
type Maps struct {
	MK, AK, RK *models.Volume
}

// Fitter estimates kurtosis maps from a depth-1 slice holding every diffusion volume
// as a frame. Implementations must be safe for concurrent use.
type Fitter interface {
	Fit(ctx context.Context, slice *models.Volume, bvals []float64, bvecs *mat.Dense) (*Maps, error)
}

// kurtosisTerm is one unique element of the fourth order tensor: the exponents
// (a, b, c) of x^a y^b z^c and how many index permutations share them
type kurtosisTerm struct {
	exp  [3]int
	mult float64
}

var kurtosisTerms = func() (terms [15]kurtosisTerm) {
	fact := []float64{1, 1, 2, 6, 24}
	i := 0
	for a := 4; a >= 0; a-- {
		for b := 4 - a; b >= 0; b-- {
			c := 4 - a - b
			terms[i].exp = [3]int{a, b, c}
			terms[i].mult = fact[4] / (fact[a] * fact[b] * fact[c])
			i++
		}
	}
	return terms
}()

func monomial(n [3]float64, exp [3]int) float64 {
	return math.Pow(n[0], float64(exp[0])) * math.Pow(n[1], float64(exp[1])) * math.Pow(n[2], float64(exp[2]))
}

// LeastSquaresFitter fits the kurtosis tensor to the log signal of every voxel by
// linear least squares and derives mean, axial and radial kurtosis by sampling
// directional kurtosis on the sphere.
type LeastSquaresFitter struct{}

// designMatrix has one row per volume:
// [1, -b n_i n_j (x6), b^2/6 * mult * n^abc (x15)]
func designMatrix(bvals []float64, bvecs *mat.Dense) (*mat.Dense, error) {
	m := len(bvals)
	if _, c := bvecs.Dims(); c != m {
		return nil, fmt.Errorf("%d b-values but %d b-vectors", m, c)
	}
	if m < dkiParams {
		return nil, fmt.Errorf("kurtosis fit needs at least %d volumes, got %d", dkiParams, m)
	}
	a := mat.NewDense(m, dkiParams, nil)
	for r, b := range bvals {
		n := [3]float64{bvecs.At(0, r), bvecs.At(1, r), bvecs.At(2, r)}
		if norm := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2]); norm > 0 {
			for i := range n {
				n[i] /= norm
			}
		}
		row := []float64{1,
			-b * n[0] * n[0], -b * n[1] * n[1], -b * n[2] * n[2],
			-2 * b * n[0] * n[1], -2 * b * n[0] * n[2], -2 * b * n[1] * n[2],
		}
		for _, t := range kurtosisTerms {
			row = append(row, b*b/6*t.mult*monomial(n, t.exp))
		}
		a.SetRow(r, row)
	}
	return a, nil
}

// Fit implements Fitter
func (LeastSquaresFitter) Fit(ctx context.Context, slice *models.Volume, bvals []float64, bvecs *mat.Dense) (*Maps, error) {
	if slice.Frames != len(bvals) {
		return nil, fmt.Errorf("slice has %d frames but %d b-values", slice.Frames, len(bvals))
	}
	a, err := designMatrix(bvals, bvecs)
	if err != nil {
		return nil, err
	}
	var qr mat.QR
	qr.Factorize(a)

	out := &Maps{MK: slice.Like(), AK: slice.Like(), RK: slice.Like()}
	n := slice.Voxels()
	y := mat.NewVecDense(len(bvals), nil)
	x := mat.NewVecDense(dkiParams, nil)

voxels:
	for i := 0; i < n; i++ {
		if i%slice.Width == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for t := range bvals {
			s := slice.Data[t*n+i]
			if s <= 0 || math.IsNaN(s) {
				continue voxels
			}
			y.SetVec(t, math.Log(s))
		}
		if err := qr.SolveVecTo(x, false, y); err != nil {
			return nil, fmt.Errorf("gradient scheme does not support a kurtosis fit: %w", err)
		}
		mk, ak, rk := kurtosisMetrics(x)
		out.MK.Data[i] = mk
		out.AK.Data[i] = ak
		out.RK.Data[i] = rk
	}
	return out, nil
}

// kurtosisMetrics returns MK, AK and RK from the fitted parameters, each clipped
// to [MinKurtosis, MaxKurtosis]. A non-positive mean diffusivity gives zeros.
func kurtosisMetrics(x *mat.VecDense) (mk, ak, rk float64) {
	d := mat.NewSymDense(3, []float64{
		x.AtVec(1), x.AtVec(4), x.AtVec(5),
		x.AtVec(4), x.AtVec(2), x.AtVec(6),
		x.AtVec(5), x.AtVec(6), x.AtVec(3),
	})
	if mat.Trace(d)/3 <= 0 {
		return 0, 0, 0
	}
	var eig mat.EigenSym
	if !eig.Factorize(d, true) {
		return 0, 0, 0
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	col := func(j int) [3]float64 { return [3]float64{vecs.At(0, j), vecs.At(1, j), vecs.At(2, j)} }
	// eigenvalues ascend, so the principal direction is the last column
	e1, e2, e3 := col(2), col(1), col(0)

	apparent := func(n [3]float64) float64 {
		var dn float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				dn += n[i] * d.At(i, j) * n[j]
			}
		}
		if dn <= 0 {
			return 0
		}
		var wn float64
		for k, t := range kurtosisTerms {
			wn += t.mult * x.AtVec(7+k) * monomial(n, t.exp)
		}
		// parameters hold MD^2 W, so this is MD^2 W(n) / D(n)^2
		return wn / (dn * dn)
	}

	ak = clipKurtosis(apparent(e1))
	for k := 0; k < radialSamples; k++ {
		theta := math.Pi * float64(k) / radialSamples
		c, s := math.Cos(theta), math.Sin(theta)
		rk += apparent([3]float64{c*e2[0] + s*e3[0], c*e2[1] + s*e3[1], c*e2[2] + s*e3[2]})
	}
	rk = clipKurtosis(rk / radialSamples)
	for _, n := range sphere {
		mk += apparent(n)
	}
	mk = clipKurtosis(mk / float64(len(sphere)))
	return mk, ak, rk
}

func clipKurtosis(v float64) float64 {
	return math.Max(MinKurtosis, math.Min(MaxKurtosis, v))
}

// sphere holds evenly spread directions on a hemisphere (Fibonacci lattice);
// directional kurtosis is antipodally symmetric
var sphere = func() [][3]float64 {
	out := make([][3]float64, sphereSamples)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range out {
		z := 1 - (float64(i)+0.5)/sphereSamples
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		out[i] = [3]float64{r * math.Cos(phi), r * math.Sin(phi), z}
	}
	return out
}()
