// Package tensor provides the dense numeric containers used by the
// interpolation engine: row-major float64 matrices for continuous states,
// logits and probabilities, plus the one-hot/softmax/argmax conversions
// between them and integer class vectors.
//
// The package uses runtime CPU detection to dispatch the hot vector
// operations to the most optimized implementation available, either pure Go
// or Gonum (BLAS/SIMD).
package tensor

import (
	"fmt"
	"log"
	"math"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/gonum"
)

// VecFunc types define the hot-path vector kernels that can be swapped at init.
type axpyFunc func(alpha float64, x, y []float64)
type dotFunc func(x, y []float64) float64

var (
	axpy axpyFunc = axpyGo
	dot  dotFunc  = dotGo
)

var blasEngine = gonum.Implementation{}

func init() {
	// Gonum handles SIMD dispatch internally; only switch over when the CPU
	// actually carries vector units worth the call overhead.
	if cpuid.CPU.Has(cpuid.AVX2) {
		axpy = axpyGonum
		dot = dotGonum
		log.Println("molgen compute engine: using GONUM (BLAS/SIMD) kernels")
	} else {
		log.Println("molgen compute engine: using PURE GO kernels")
	}
}

func axpyGo(alpha float64, x, y []float64) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}

func dotGo(x, y []float64) float64 {
	var sum float64
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}

func axpyGonum(alpha float64, x, y []float64) {
	blasEngine.Daxpy(len(x), alpha, x, 1, y, 1)
}

func dotGonum(x, y []float64) float64 {
	return blasEngine.Ddot(len(x), x, 1, y, 1)
}

// Matrix is a dense row-major float64 matrix. A row holds the per-node (or
// per-edge) channel values of one graph element.
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// New allocates a zeroed Rows x Cols matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromData wraps an existing flat slice; len(data) must equal rows*cols.
func FromData(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: data length %d does not match %dx%d", len(data), rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}
}

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

// Set writes the element at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

// Row returns row i as a mutable slice view.
func (m *Matrix) Row(i int) []float64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// AddScaled accumulates alpha*b into m. Shapes must match.
func (m *Matrix) AddScaled(alpha float64, b *Matrix) {
	if m.Rows != b.Rows || m.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: AddScaled shape mismatch %dx%d vs %dx%d", m.Rows, m.Cols, b.Rows, b.Cols))
	}
	axpy(alpha, b.Data, m.Data)
}

// Scale multiplies every element by alpha.
func (m *Matrix) Scale(alpha float64) {
	for i := range m.Data {
		m.Data[i] *= alpha
	}
}

// Dot returns the flat inner product of two equally-shaped matrices.
func Dot(a, b *Matrix) float64 {
	if len(a.Data) != len(b.Data) {
		panic("tensor: Dot length mismatch")
	}
	return dot(a.Data, b.Data)
}

// HStack concatenates b onto a along the last dimension (a wider matrix with
// the same row count). Used when a flagged discrete variable is folded onto
// its concat target before the dynamics call.
func HStack(a, b *Matrix) *Matrix {
	if a.Rows != b.Rows {
		panic(fmt.Sprintf("tensor: HStack row mismatch %d vs %d", a.Rows, b.Rows))
	}
	out := New(a.Rows, a.Cols+b.Cols)
	for i := 0; i < a.Rows; i++ {
		copy(out.Row(i)[:a.Cols], a.Row(i))
		copy(out.Row(i)[a.Cols:], b.Row(i))
	}
	return out
}

// SliceCols returns a copy of columns [lo, hi) of m.
func (m *Matrix) SliceCols(lo, hi int) *Matrix {
	if lo < 0 || hi > m.Cols || lo > hi {
		panic(fmt.Sprintf("tensor: SliceCols [%d,%d) out of range for %d columns", lo, hi, m.Cols))
	}
	out := New(m.Rows, hi-lo)
	for i := 0; i < m.Rows; i++ {
		copy(out.Row(i), m.Row(i)[lo:hi])
	}
	return out
}

// OneHot encodes class indices into a len(classes) x numClasses matrix.
func OneHot(classes []int, numClasses int) *Matrix {
	out := New(len(classes), numClasses)
	for i, c := range classes {
		if c < 0 || c >= numClasses {
			panic(fmt.Sprintf("tensor: class %d out of range [0,%d)", c, numClasses))
		}
		out.Set(i, c, 1)
	}
	return out
}

// ArgmaxRows returns the column index of the maximum entry in every row.
func (m *Matrix) ArgmaxRows() []int {
	out := make([]int, m.Rows)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// SoftmaxRows returns a new matrix with a numerically stable softmax applied
// to every row.
func (m *Matrix) SoftmaxRows() *Matrix {
	out := New(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		dst := out.Row(i)
		for j, v := range row {
			e := math.Exp(v - maxv)
			dst[j] = e
			sum += e
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	return out
}

// LogSoftmaxRows returns a new matrix with a numerically stable log-softmax
// applied to every row. Used by the discrete cross-entropy loss.
func (m *Matrix) LogSoftmaxRows() *Matrix {
	out := New(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxv)
		}
		logZ := maxv + math.Log(sum)
		dst := out.Row(i)
		for j, v := range row {
			dst[j] = v - logZ
		}
	}
	return out
}

// RowSquaredNorm returns the squared Euclidean norm of row i.
func (m *Matrix) RowSquaredNorm(i int) float64 {
	row := m.Row(i)
	return dot(row, row)
}

// RowDistance returns the Euclidean distance between row i of a and row j of
// b. A small epsilon keeps the gradient of a zero-length difference finite.
func RowDistance(a *Matrix, i int, b *Matrix, j int) float64 {
	ra, rb := a.Row(i), b.Row(j)
	var sum float64
	for k := range ra {
		d := ra[k] - rb[k]
		sum += d * d
	}
	return math.Sqrt(sum + 1e-8)
}
