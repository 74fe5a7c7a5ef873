package models

import (
	"fmt"
	"math"
)

// Affine is a 3x4 voxel-to-scanner transform. The first three columns
// hold the rotation/scaling part and the fourth column the translation,
// so that scanner = M * [i j k 1].
type Affine struct {
	M [3][4]float64
}

// IdentityAffine returns the transform that maps voxel indices directly
// to scanner coordinates with unit spacing and zero offset.
func IdentityAffine() Affine {
	var a Affine
	a.M[0][0] = 1
	a.M[1][1] = 1
	a.M[2][2] = 1
	return a
}

// ScaledAffine returns a transform with the given voxel spacing along
// each axis and zero offset.
func ScaledAffine(sx, sy, sz float64) Affine {
	var a Affine
	a.M[0][0] = sx
	a.M[1][1] = sy
	a.M[2][2] = sz
	return a
}

// Apply maps a voxel index triple to its scanner-space position.
func (a Affine) Apply(i, j, k int) (x, y, z float64) {
	fi, fj, fk := float64(i), float64(j), float64(k)
	x = a.M[0][0]*fi + a.M[0][1]*fj + a.M[0][2]*fk + a.M[0][3]
	y = a.M[1][0]*fi + a.M[1][1]*fj + a.M[1][2]*fk + a.M[1][3]
	z = a.M[2][0]*fi + a.M[2][1]*fj + a.M[2][2]*fk + a.M[2][3]
	return x, y, z
}

// Header carries the geometric and descriptive metadata of a volume.
type Header struct {
	// Dims holds the axis sizes as X, Y, Z, T. A purely spatial volume
	// has Dims[3] == 1.
	Dims [4]int

	// Affine is the voxel-to-scanner transform for the spatial axes.
	Affine Affine

	// Meta holds free-form key/value annotations that travel with the
	// volume (e.g. lognorm_scale on normalised outputs).
	Meta map[string]string
}

// SpatialCount returns the number of voxels in one spatial frame.
func (h Header) SpatialCount() int {
	return h.Dims[0] * h.Dims[1] * h.Dims[2]
}

// SameSpatialDims reports whether the first three axes of both headers match.
func (h Header) SameSpatialDims(o Header) bool {
	return h.Dims[0] == o.Dims[0] && h.Dims[1] == o.Dims[1] && h.Dims[2] == o.Dims[2]
}

// SetMeta stores a metadata key/value pair, allocating the map on first use.
func (h *Header) SetMeta(key, value string) {
	if h.Meta == nil {
		h.Meta = make(map[string]string)
	}
	h.Meta[key] = value
}

// Volume is a 4D scalar image: three spatial axes plus a volume axis
// (tissue compartment or acquisition frame). Data is stored as a single
// row-major slice, volume-major, so every spatial frame is contiguous:
// index = t*SpatialCount + z*Dims[1]*Dims[0] + y*Dims[0] + x.
type Volume struct {
	Header Header
	Data   []float64
}

// NewVolume allocates a zero-filled volume with the given header.
func NewVolume(header Header) *Volume {
	n := header.SpatialCount() * header.Dims[3]
	return &Volume{Header: header, Data: make([]float64, n)}
}

// SpatialCount returns the number of voxels in one spatial frame.
func (v *Volume) SpatialCount() int {
	return v.Header.SpatialCount()
}

// NumVolumes returns the size of the fourth axis.
func (v *Volume) NumVolumes() int {
	return v.Header.Dims[3]
}

// VoxelIndex converts a spatial coordinate triple to a flat spatial index.
func (v *Volume) VoxelIndex(x, y, z int) int {
	return (z*v.Header.Dims[1]+y)*v.Header.Dims[0] + x
}

// VoxelCoords converts a flat spatial index back to its coordinate triple.
func (v *Volume) VoxelCoords(idx int) (x, y, z int) {
	nx, ny := v.Header.Dims[0], v.Header.Dims[1]
	x = idx % nx
	y = (idx / nx) % ny
	z = idx / (nx * ny)
	return x, y, z
}

// At returns the value at flat spatial index vox in frame t.
func (v *Volume) At(vox, t int) float64 {
	return v.Data[t*v.SpatialCount()+vox]
}

// Set writes the value at flat spatial index vox in frame t.
func (v *Volume) Set(vox, t int, value float64) {
	v.Data[t*v.SpatialCount()+vox] = value
}

// Frame returns the backing slice of frame t. The slice aliases the
// volume data; writes through it are writes to the volume.
func (v *Volume) Frame(t int) []float64 {
	n := v.SpatialCount()
	return v.Data[t*n : (t+1)*n]
}

// Clamped returns a copy of the volume with every value clamped to be
// non-negative. NaN values are preserved so that mask refinement can
// still detect them.
func (v *Volume) Clamped() *Volume {
	out := NewVolume(v.Header)
	for i, val := range v.Data {
		if val < 0 {
			out.Data[i] = 0
		} else {
			out.Data[i] = val
		}
	}
	return out
}

// Mask is a 3D boolean image indexed by flat spatial voxel index, with
// the same layout as one spatial frame of a Volume.
type Mask struct {
	// Dims holds the axis sizes as X, Y, Z.
	Dims [3]int

	// Data is the row-major mask payload.
	Data []bool
}

// NewMask allocates an all-false mask with the given spatial dimensions.
func NewMask(nx, ny, nz int) *Mask {
	return &Mask{Dims: [3]int{nx, ny, nz}, Data: make([]bool, nx*ny*nz)}
}

// Len returns the total number of voxels covered by the mask.
func (m *Mask) Len() int {
	return len(m.Data)
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{Dims: m.Dims, Data: make([]bool, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// CopyFrom overwrites the mask payload with src's. Panics on dimension
// mismatch, which indicates a programming error rather than bad input.
func (m *Mask) CopyFrom(src *Mask) {
	if m.Dims != src.Dims {
		panic(fmt.Sprintf("mask dimension mismatch: %v vs %v", m.Dims, src.Dims))
	}
	copy(m.Data, src.Data)
}

// Equal reports whether both masks select exactly the same voxels.
func (m *Mask) Equal(o *Mask) bool {
	if m.Dims != o.Dims {
		return false
	}
	for i, b := range m.Data {
		if b != o.Data[i] {
			return false
		}
	}
	return true
}

// SubsetOf reports whether every voxel set in m is also set in o.
func (m *Mask) SubsetOf(o *Mask) bool {
	if m.Dims != o.Dims {
		return false
	}
	for i, b := range m.Data {
		if b && !o.Data[i] {
			return false
		}
	}
	return true
}

// IsFinite reports whether v is neither NaN nor an infinity.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
