// Package volume provides the in-memory representation of a 3-D anatomical
// volume together with a minimal NIfTI-1 codec. A volume couples a voxel
// array with the 4x4 affine mapping voxel indices to world coordinates.
package volume

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"anatflow/pkg/affine"
)

// Volume is a 3-D voxel array in x-fastest order with its voxel-to-world
// affine transform.
type Volume struct {
	// Data holds voxel intensities, indexed as Data[Index(x, y, z)].
	Data []float64

	// NX, NY, NZ are the grid dimensions in voxels.
	NX, NY, NZ int

	// Affine maps homogeneous voxel coordinates to world coordinates.
	Affine *mat.Dense
}

// New allocates a zero-filled volume with an identity affine.
func New(nx, ny, nz int) *Volume {
	return &Volume{
		Data:   make([]float64, nx*ny*nz),
		NX:     nx,
		NY:     ny,
		NZ:     nz,
		Affine: affine.Identity(),
	}
}

// Index returns the flat offset of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.NX*v.NY + y*v.NX + x
}

// At returns the intensity at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// SetAt stores an intensity at voxel (x, y, z).
func (v *Volume) SetAt(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data: make([]float64, len(v.Data)),
		NX:   v.NX,
		NY:   v.NY,
		NZ:   v.NZ,
	}
	copy(out.Data, v.Data)
	if v.Affine != nil {
		out.Affine = mat.DenseCopyOf(v.Affine)
	}
	return out
}

// MinMax returns the minimum and maximum voxel intensities.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min = v.Data[0]
	max = v.Data[0]
	for _, val := range v.Data {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// Percentile returns the p-th percentile (0-100) of the given intensities
// using the empirical quantile of the sorted data.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p/100, stat.Empirical, sorted, nil)
}

// Bounds describes a voxel-space region of interest as an origin plus sizes,
// matching the order emitted by the robust field-of-view estimator.
type Bounds struct {
	X0, DX int
	Y0, DY int
	Z0, DZ int
}

// Validate checks that the bounds select a non-empty region inside a volume
// of the given dimensions.
func (b Bounds) Validate(nx, ny, nz int) error {
	if b.DX <= 0 || b.DY <= 0 || b.DZ <= 0 {
		return fmt.Errorf("empty crop region %+v", b)
	}
	if b.X0 < 0 || b.Y0 < 0 || b.Z0 < 0 ||
		b.X0+b.DX > nx || b.Y0+b.DY > ny || b.Z0+b.DZ > nz {
		return fmt.Errorf("crop region %+v outside volume %dx%dx%d", b, nx, ny, nz)
	}
	return nil
}

// Crop extracts the region selected by b into a new volume. The result's
// affine is the source affine composed with the translation to the crop
// origin, so cropped voxel coordinates still map to the same world points.
func (v *Volume) Crop(b Bounds) (*Volume, error) {
	if err := b.Validate(v.NX, v.NY, v.NZ); err != nil {
		return nil, err
	}
	out := New(b.DX, b.DY, b.DZ)
	for z := 0; z < b.DZ; z++ {
		for y := 0; y < b.DY; y++ {
			for x := 0; x < b.DX; x++ {
				out.SetAt(x, y, z, v.At(b.X0+x, b.Y0+y, b.Z0+z))
			}
		}
	}
	out.Affine = affine.Compose(v.Affine, affine.Translation(float64(b.X0), float64(b.Y0), float64(b.Z0)))
	return out, nil
}
