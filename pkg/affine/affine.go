// Package affine represents 4x4 homogeneous transforms between voxel and
// world space and derives them from image geometry.
package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tractconv/internal/models"
)

// SingularTolerance is the smallest |det| accepted for a direction-cosine matrix.
const SingularTolerance = 1e-12

// MachineEpsilon bounds |det| below which a 4x4 transform is treated as singular.
const MachineEpsilon = 2.220446049250313e-16

// Transform is an immutable 4x4 affine matrix mapping homogeneous voxel
// coordinates (i, j, k, 1) to world coordinates (x, y, z, 1).
type Transform struct {
	m    *mat.Dense
	flat [16]float64
}

func newTransform(m *mat.Dense) *Transform {
	t := &Transform{m: m}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			t.flat[r*4+c] = m.At(r, c)
		}
	}
	return t
}

// Identity returns the identity transform.
func Identity() *Transform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return newTransform(m)
}

// FromMatrix builds a transform from 16 row-major values. The bottom row
// must be (0, 0, 0, 1).
func FromMatrix(values [16]float64) (*Transform, error) {
	if values[12] != 0 || values[13] != 0 || values[14] != 0 || values[15] != 1 {
		return nil, fmt.Errorf("%w: bottom row is (%g, %g, %g, %g), expected (0, 0, 0, 1)",
			models.ErrGeometry, values[12], values[13], values[14], values[15])
	}
	data := make([]float64, 16)
	copy(data, values[:])
	return newTransform(mat.NewDense(4, 4, data)), nil
}

// Derive builds the voxel-to-world transform of an image:
// the upper 3x3 block is Direction * diag(VoxelSize) and the last column is Origin.
func Derive(g models.ImageGeometry) (*Transform, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	dir := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			dir.Set(r, c, g.Direction[r][c])
		}
	}
	if det := mat.Det(dir); math.Abs(det) < SingularTolerance {
		return nil, fmt.Errorf("%w: direction cosines are singular (det=%g)", models.ErrGeometry, det)
	}

	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[r][c]*g.VoxelSize[c])
		}
		m.Set(r, 3, g.Origin[r])
	}
	m.Set(3, 3, 1)
	return newTransform(m), nil
}

// Apply maps a voxel coordinate to world space.
func (t *Transform) Apply(v models.VoxelCoordinate) models.WorldCoordinate {
	x, y, z := t.apply(v[0], v[1], v[2])
	return models.WorldCoordinate{x, y, z}
}

// ApplyPoint maps a raw 3-vector without tagging its space.
func (t *Transform) ApplyPoint(p [3]float64) [3]float64 {
	x, y, z := t.apply(p[0], p[1], p[2])
	return [3]float64{x, y, z}
}

func (t *Transform) apply(i, j, k float64) (float64, float64, float64) {
	f := &t.flat
	return f[0]*i + f[1]*j + f[2]*k + f[3],
		f[4]*i + f[5]*j + f[6]*k + f[7],
		f[8]*i + f[9]*j + f[10]*k + f[11]
}

// Inverse returns the world-to-voxel transform.
func (t *Transform) Inverse() (*Transform, error) {
	det := mat.Det(t.m)
	if math.Abs(det) <= MachineEpsilon {
		return nil, fmt.Errorf("%w (det=%g)", models.ErrNotInvertible, det)
	}
	var inv mat.Dense
	if err := inv.Inverse(t.m); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotInvertible, err)
	}
	// Round-off can leave tiny values in the bottom row.
	inv.SetRow(3, []float64{0, 0, 0, 1})
	return newTransform(&inv), nil
}

// Mul returns t * other, i.e. other is applied first.
func (t *Transform) Mul(other *Transform) *Transform {
	var out mat.Dense
	out.Mul(t.m, other.m)
	return newTransform(&out)
}

// Matrix returns the 16 row-major entries.
func (t *Transform) Matrix() [16]float64 {
	return t.flat
}

// At returns the entry at row r, column c.
func (t *Transform) At(r, c int) float64 {
	return t.flat[r*4+c]
}

// EqualApprox reports whether every entry of t and other differ by at most eps.
func (t *Transform) EqualApprox(other *Transform, eps float64) bool {
	return mat.EqualApprox(t.m, other.m, eps)
}

// ColumnNorms returns the length of each of the three voxel-axis columns,
// i.e. the voxel sizes implied by the transform.
func (t *Transform) ColumnNorms() [3]float64 {
	var norms [3]float64
	for c := 0; c < 3; c++ {
		col := mat.Col(nil, c, t.m.Slice(0, 3, 0, 4))
		norms[c] = mat.Norm(mat.NewVecDense(3, col), 2)
	}
	return norms
}

var (
	positiveCodes = [3]byte{'R', 'A', 'S'}
	negativeCodes = [3]byte{'L', 'P', 'I'}
)

// AxisCodes returns the anatomical direction each voxel axis points to in
// world (RAS+) space, e.g. "RAS" or "LAS". Axes are paired greedily by the
// largest remaining |entry| so oblique images still get three distinct letters.
func (t *Transform) AxisCodes() string {
	codes := make([]byte, 3)
	var rowUsed, colUsed [3]bool
	for n := 0; n < 3; n++ {
		bestR, bestC, bestAbs := -1, -1, -1.0
		for r := 0; r < 3; r++ {
			if rowUsed[r] {
				continue
			}
			for c := 0; c < 3; c++ {
				if colUsed[c] {
					continue
				}
				if v := math.Abs(t.At(r, c)); v > bestAbs {
					bestR, bestC, bestAbs = r, c, v
				}
			}
		}
		rowUsed[bestR], colUsed[bestC] = true, true
		if t.At(bestR, bestC) >= 0 {
			codes[bestC] = positiveCodes[bestR]
		} else {
			codes[bestC] = negativeCodes[bestR]
		}
	}
	return string(codes)
}

func (t *Transform) String() string {
	return fmt.Sprintf("%v", mat.Formatted(t.m, mat.Prefix(""), mat.Squeeze()))
}
