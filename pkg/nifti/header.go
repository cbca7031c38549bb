// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// headerSize is the on-disk size of the nifti1 header
	headerSize = 348

	// dataOffset is the default voxel offset for single-file images
	// (header plus the 4 byte extension flag)
	dataOffset = 352
)

// Transform codes for qform_code / sform_code
const (
	XformUnknown     = 0
	XformScannerAnat = 1
	XformAlignedAnat = 2
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// Header defines the structure of the Nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "n+1\0" for single-file images
}

// decodeHeader parses the first 348 bytes of an image, inferring the byte order from dim[0]
func decodeHeader(b []byte) (*Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return nil, nil, fmt.Errorf("header too short: %d bytes", len(b))
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		h := &Header{}
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, h); err != nil {
			return nil, nil, fmt.Errorf("failed to decode header: %w", err)
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			continue
		}
		if err := h.validate(); err != nil {
			return nil, nil, err
		}
		return h, order, nil
	}

	return nil, nil, fmt.Errorf("cannot infer byte order: dim[0] not in range [1, 7]")
}

func (h *Header) validate() error {
	switch {
	case h.SizeOfHdr != headerSize:
		return fmt.Errorf("invalid header size %d", h.SizeOfHdr)
	case h.Magic != magicSingleFile:
		return fmt.Errorf("invalid file magic %q: header and data must share one file", h.Magic[:3])
	}
	if _, err := Datatype(h.DataType).Size(); err != nil {
		return err
	}
	return nil
}

// Shape returns the spatial grid size and the number of frames (product of dims 4..7)
func (h *Header) Shape() (width, height, depth, frames int) {
	dim := func(i int) int {
		if i > int(h.Dim[0]) || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	frames = 1
	for i := 4; i <= 7; i++ {
		frames *= dim(i)
	}
	return dim(1), dim(2), dim(3), frames
}

// VoxelSizes returns pixdim[1..3]
func (h *Header) VoxelSizes() [3]float64 {
	return [3]float64{float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])}
}

// Affine returns the voxel-to-scanner transform: the sform when set, else the qform,
// else a diagonal of the voxel sizes.
func (h *Header) Affine() *mat.Dense {
	switch {
	case h.SFormCode > 0:
		return h.SFormAffine()
	case h.QFormCode > 0:
		return h.QFormAffine()
	}
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		d := float64(h.PixDim[i+1])
		if d == 0 {
			d = 1
		}
		aff.Set(i, i, d)
	}
	aff.Set(3, 3, 1)
	return aff
}

// SFormAffine builds the affine from srow_x/y/z
func (h *Header) SFormAffine() *mat.Dense {
	aff := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		aff.Set(0, c, float64(h.SRowX[c]))
		aff.Set(1, c, float64(h.SRowY[c]))
		aff.Set(2, c, float64(h.SRowZ[c]))
	}
	aff.Set(3, 3, 1)
	return aff
}

// QFormAffine builds the affine from the quaternion parameters
// (nifti1_io quatern_to_mat44).
func (h *Header) QFormAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1.0 / math.Sqrt(b*b+c*c+d*d)
		b *= a
		c *= a
		d *= a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	voxel := func(i int) float64 {
		v := float64(h.PixDim[i])
		if v <= 0 {
			return 1
		}
		return v
	}
	dx, dy, dz := voxel(1), voxel(2), voxel(3)
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		aff.Set(i, 0, r[i][0]*dx)
		aff.Set(i, 1, r[i][1]*dy)
		aff.Set(i, 2, r[i][2]*dz)
	}
	aff.Set(0, 3, float64(h.QOffsetX))
	aff.Set(1, 3, float64(h.QOffsetY))
	aff.Set(2, 3, float64(h.QOffsetZ))
	aff.Set(3, 3, 1)
	return aff
}

// Description returns the descrip field as a string
func (h *Header) Description() string {
	return cString(h.Descrip[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// newHeader fills a header for a volume about to be written. The template, if any,
// contributes units, description and a qform that still matches the affine.
func newHeader(width, height, depth, frames int, affine *mat.Dense, dt Datatype, template *Header) (*Header, error) {
	size, err := dt.Size()
	if err != nil {
		return nil, err
	}
	for _, n := range []int{width, height, depth, frames} {
		if n > math.MaxInt16 {
			return nil, fmt.Errorf("dimension %d exceeds the nifti1 limit", n)
		}
	}

	h := &Header{}
	if template != nil {
		*h = *template
	} else {
		h.XYZTUnits = 10 // mm, sec
		h.PixDim[0] = 1
		h.PixDim[4] = 1
	}

	h.SizeOfHdr = headerSize
	h.Magic = magicSingleFile
	h.DataType = int16(dt)
	h.BitPix = int16(size * 8)
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMin, h.CalMax = 0, 0

	h.Dim = [8]int16{3, int16(width), int16(height), int16(depth), 1, 1, 1, 1}
	if frames > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(frames)
	}

	for c := 0; c < 3; c++ {
		var s float64
		for r := 0; r < 3; r++ {
			s += affine.At(r, c) * affine.At(r, c)
		}
		h.PixDim[c+1] = float32(math.Sqrt(s))
	}
	if h.PixDim[0] == 0 {
		h.PixDim[0] = 1
	}

	for c := 0; c < 4; c++ {
		h.SRowX[c] = float32(affine.At(0, c))
		h.SRowY[c] = float32(affine.At(1, c))
		h.SRowZ[c] = float32(affine.At(2, c))
	}
	h.SFormCode = XformAlignedAnat
	if template != nil && template.SFormCode > 0 {
		h.SFormCode = template.SFormCode
	}

	// A qform inherited from the template is only kept when it still describes the grid
	if h.QFormCode > 0 && !mat.EqualApprox(h.QFormAffine(), affine, 1e-4) {
		h.QFormCode = XformUnknown
	}

	return h, nil
}
