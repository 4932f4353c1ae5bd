// Package affine provides 4x4 affine transforms between the coordinate
// spaces used by the preprocessing pipeline (original, standard, ROI).
// Matrices are stored in the FSL text convention: four lines of four
// whitespace-separated values, mapping homogeneous 3-D coordinates.
package affine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Dim is the size of every transform handled by this package.
const Dim = 4

// Identity returns a new 4x4 identity transform.
func Identity() *mat.Dense {
	m := mat.NewDense(Dim, Dim, nil)
	for i := 0; i < Dim; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Translation returns the transform that shifts coordinates by (dx, dy, dz).
func Translation(dx, dy, dz float64) *mat.Dense {
	m := Identity()
	m.Set(0, 3, dx)
	m.Set(1, 3, dy)
	m.Set(2, 3, dz)
	return m
}

// Invert computes the matrix inverse of a transform. A transform mapping
// space X to space Y inverts to the Y-to-X transform.
func Invert(a *mat.Dense) (*mat.Dense, error) {
	inv := mat.NewDense(Dim, Dim, nil)
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("failed to invert transform: %w", err)
	}
	return inv, nil
}

// Compose returns outer*inner: the transform that applies inner first and
// outer second. Composing X->Y with Y->Z this way yields the direct X->Z
// transform.
func Compose(outer, inner *mat.Dense) *mat.Dense {
	out := mat.NewDense(Dim, Dim, nil)
	out.Mul(outer, inner)
	return out
}

// EqualApprox reports whether two transforms agree element-wise within tol.
func EqualApprox(a, b *mat.Dense, tol float64) bool {
	return mat.EqualApprox(a, b, tol)
}

// Load reads a transform from an FSL-style text matrix file.
func Load(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform %s: %w", path, err)
	}
	defer f.Close()

	vals := make([]float64, 0, Dim*Dim)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid matrix value %q in %s: %w", field, path, err)
			}
			vals = append(vals, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transform %s: %w", path, err)
	}
	if len(vals) != Dim*Dim {
		return nil, fmt.Errorf("transform %s has %d values, expected %d", path, len(vals), Dim*Dim)
	}
	return mat.NewDense(Dim, Dim, vals), nil
}

// Parse reads a transform from matrix text, such as the stdout of a
// reorientation tool run in report mode.
func Parse(text string) (*mat.Dense, error) {
	vals := make([]float64, 0, Dim*Dim)
	for _, field := range strings.Fields(text) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid matrix value %q: %w", field, err)
		}
		vals = append(vals, v)
	}
	if len(vals) != Dim*Dim {
		return nil, fmt.Errorf("matrix text has %d values, expected %d", len(vals), Dim*Dim)
	}
	return mat.NewDense(Dim, Dim, vals), nil
}

// Save writes a transform as an FSL-style text matrix file.
func Save(path string, a *mat.Dense) error {
	var sb strings.Builder
	for i := 0; i < Dim; i++ {
		for j := 0; j < Dim; j++ {
			if j > 0 {
				sb.WriteString("  ")
			}
			fmt.Fprintf(&sb, "%.10f", a.At(i, j))
		}
		sb.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write transform %s: %w", path, err)
	}
	return nil
}
