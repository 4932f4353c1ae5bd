package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"anatflow/pkg/affine"
)

// NIfTI-1 datatype codes for the voxel array.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

const niftiHeaderSize = 348

// nifti1Header mirrors the fixed 348-byte NIfTI-1 header layout. Field order
// and sizes must not change.
type nifti1Header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a NIfTI-1 volume from a .nii or .nii.gz file. Only the first
// three dimensions are used; higher dimensions must be absent or 1.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume %s: %w", path, err)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode volume %s: %w", path, err)
	}
	return v, nil
}

func decode(raw []byte) (*Volume, error) {
	if len(raw) < niftiHeaderSize {
		return nil, fmt.Errorf("file too short for NIfTI header (%d bytes)", len(raw))
	}

	// Byte order is inferred from sizeof_hdr, which is always 348.
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(raw[:4]) != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr mismatch)")
		}
	}

	var hdr nifti1Header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	// Only the single-file form is supported; "ni1" keeps voxels in a
	// separate .img file.
	if hdr.Magic[0] != 'n' || hdr.Magic[1] != '+' || hdr.Magic[2] != '1' {
		return nil, fmt.Errorf("not a single-file NIfTI-1 image (magic %q)", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 {
		return nil, fmt.Errorf("volume must have at least 3 dimensions, got %d", ndim)
	}
	for d := 4; d <= ndim && d < 8; d++ {
		if hdr.Dim[d] > 1 {
			return nil, fmt.Errorf("multi-frame volumes are not supported (dim[%d]=%d)", d, hdr.Dim[d])
		}
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", nx, ny, nz)
	}

	offset := int(hdr.VoxOffset)
	if offset < niftiHeaderSize {
		offset = niftiHeaderSize
	}
	if offset > len(raw) {
		return nil, fmt.Errorf("voxel offset %d beyond end of file", offset)
	}
	n := nx * ny * nz
	body := raw[offset:]

	data := make([]float64, n)
	switch hdr.Datatype {
	case dtUint8:
		if len(body) < n {
			return nil, fmt.Errorf("truncated voxel data")
		}
		for i := 0; i < n; i++ {
			data[i] = float64(body[i])
		}
	case dtInt16:
		if len(body) < 2*n {
			return nil, fmt.Errorf("truncated voxel data")
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int16(order.Uint16(body[2*i:])))
		}
	case dtInt32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated voxel data")
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int32(order.Uint32(body[4*i:])))
		}
	case dtFloat32:
		if len(body) < 4*n {
			return nil, fmt.Errorf("truncated voxel data")
		}
		for i := 0; i < n; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(body[4*i:])))
		}
	case dtFloat64:
		if len(body) < 8*n {
			return nil, fmt.Errorf("truncated voxel data")
		}
		for i := 0; i < n; i++ {
			data[i] = math.Float64frombits(order.Uint64(body[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}

	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Volume{
		Data:   data,
		NX:     nx,
		NY:     ny,
		NZ:     nz,
		Affine: headerAffine(&hdr),
	}, nil
}

// headerAffine extracts the voxel-to-world transform, preferring the sform
// rows and falling back to a pixdim scaling when no sform is set.
func headerAffine(hdr *nifti1Header) *mat.Dense {
	if hdr.SformCode > 0 {
		m := affine.Identity()
		for j := 0; j < 4; j++ {
			m.Set(0, j, float64(hdr.SrowX[j]))
			m.Set(1, j, float64(hdr.SrowY[j]))
			m.Set(2, j, float64(hdr.SrowZ[j]))
		}
		return m
	}
	m := affine.Identity()
	for d := 0; d < 3; d++ {
		scale := float64(hdr.Pixdim[d+1])
		if scale == 0 {
			scale = 1
		}
		m.Set(d, d, scale)
	}
	return m
}

// Save writes a volume as single-file NIfTI-1 with float32 voxels,
// gzip-compressed when the path ends in .gz.
func Save(path string, v *Volume) error {
	hdr := nifti1Header{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(v.NX)
	hdr.Dim[2] = int16(v.NY)
	hdr.Dim[3] = int16(v.NZ)
	for d := 4; d < 8; d++ {
		hdr.Dim[d] = 1
	}
	hdr.Pixdim[0] = 1
	a := v.Affine
	if a == nil {
		a = affine.Identity()
	}
	for d := 0; d < 3; d++ {
		// Voxel size is the column norm of the rotation/scale part.
		norm := math.Sqrt(a.At(0, d)*a.At(0, d) + a.At(1, d)*a.At(1, d) + a.At(2, d)*a.At(2, d))
		if norm == 0 {
			norm = 1
		}
		hdr.Pixdim[d+1] = float32(norm)
	}
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(a.At(0, j))
		hdr.SrowY[j] = float32(a.At(1, j))
		hdr.SrowZ[j] = float32(a.At(2, j))
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// Four alignment bytes between header and voxel data (vox_offset 352).
	buf.Write([]byte{0, 0, 0, 0})
	body := make([]byte, 4*len(v.Data))
	for i, val := range v.Data {
		binary.LittleEndian.PutUint32(body[4*i:], math.Float32bits(float32(val)))
	}
	buf.Write(body)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write volume %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to write volume %s: %w", path, err)
		}
	}
	return nil
}
