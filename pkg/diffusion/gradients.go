// Package diffusion prepares diffusion weighted data for kurtosis estimation:
// gradient file handling, b-value shell selection, command-line DKE runs and an
// in-process pipeline that fits kurtosis maps slice by slice.
package diffusion

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// DefaultTargets are the nominal shells b-values are snapped to
var DefaultTargets = []float64{0, 1000, 2000, 3000}

// savetxtFormat matches the default numeric format of numpy's savetxt
const savetxtFormat = "%.18e"

// readTable parses a whitespace separated numeric text file into rows
func readTable(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// LoadBvals reads b-values written on one row or one per line
func LoadBvals(path string) ([]float64, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no b-values", path)
	}
	return out, nil
}

// LoadBvecs reads gradient directions as a 3xN matrix. Files stored as N rows
// of x y z are transposed.
func LoadBvecs(path string) (*mat.Dense, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s contains no b-vectors", path)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%s: row %d has %d values, expected %d", path, i+1, len(r), cols)
		}
		data = append(data, r...)
	}
	m := mat.NewDense(len(rows), cols, data)

	switch {
	case len(rows) == 3:
		return m, nil
	case cols == 3:
		log.WithField("file", path).Debug("Transposing Nx3 b-vectors")
		return mat.DenseCopyOf(m.T()), nil
	}
	return nil, fmt.Errorf("%s: b-vectors must be 3xN or Nx3, got %dx%d", path, len(rows), cols)
}

// SaveBvals writes one b-value per line
func SaveBvals(path string, bvals []float64) error {
	var b strings.Builder
	for _, v := range bvals {
		fmt.Fprintf(&b, savetxtFormat+"\n", v)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// SaveBvecs writes the rows of bvecs (3xN), or its columns when rotate is set,
// each value printed with format (numpy's %.18e when empty)
func SaveBvecs(path string, bvecs mat.Matrix, rotate bool, format string) error {
	if format == "" {
		format = savetxtFormat
	}
	m := bvecs
	if rotate {
		m = bvecs.T()
	}
	r, c := m.Dims()

	var b strings.Builder
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, format, m.At(i, j))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// SanitizeBvals snaps every b-value to the nearest target. Ties go to the
// earlier target.
func SanitizeBvals(bvals, targets []float64) []float64 {
	if len(targets) == 0 {
		targets = DefaultTargets
	}
	out := make([]float64, len(bvals))
	for i, b := range bvals {
		best := targets[0]
		for _, t := range targets[1:] {
			if math.Abs(t-b) < math.Abs(best-b) {
				best = t
			}
		}
		out[i] = best
	}
	return out
}

// SelectColumns returns the columns of bvecs at idx
func SelectColumns(bvecs *mat.Dense, idx []int) *mat.Dense {
	if len(idx) == 0 {
		return &mat.Dense{}
	}
	r, _ := bvecs.Dims()
	out := mat.NewDense(r, len(idx), nil)
	for j, c := range idx {
		for i := 0; i < r; i++ {
			out.Set(i, j, bvecs.At(i, c))
		}
	}
	return out
}

// indices returns the positions of bvals accepted by keep
func indices(bvals []float64, keep func(float64) bool) []int {
	var out []int
	for i, b := range bvals {
		if keep(b) {
			out = append(out, i)
		}
	}
	return out
}

// volList renders frame indices the way fslselectvols expects them
func volList(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
