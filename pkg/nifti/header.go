// Package nifti reads the NIfTI-1 header fields needed to place an image
// in world space: dimensions, voxel sizes and the qform/sform orientation.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

// HeaderSize is the value of sizeof_hdr in every NIfTI-1 header.
const HeaderSize = 348

// Transform codes for QFormCode and SFormCode.
const (
	XformUnknown     = 0
	XformScannerAnat = 1
	XformAlignedAnat = 2
	XformTalairach   = 3
	XformMNI152      = 4
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from the C header: int -> int32, float -> float32,
// short -> int16, char -> byte/int8.
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing, PixDim[0] is qfac
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
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

	QuaternB float32 // Quaternion b param
	QuaternC float32 // Quaternion c param
	QuaternD float32 // Quaternion d param
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "n+1\0" or "ni1\0"
}

// Method identifies which header fields the orientation was taken from.
type Method int

const (
	// MethodPixDim scales voxel indices by pixdim with no rotation or offset.
	MethodPixDim Method = iota + 1
	// MethodQForm uses the quaternion, qoffset and qfac.
	MethodQForm
	// MethodSForm uses the srow_x/y/z affine rows.
	MethodSForm
)

func (m Method) String() string {
	switch m {
	case MethodPixDim:
		return "pixdim"
	case MethodQForm:
		return "qform"
	case MethodSForm:
		return "sform"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ReadHeader decodes a header and returns the byte order of the file.
// The byte order is inferred from sizeof_hdr.
func ReadHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, fmt.Errorf("%w: file shorter than a NIfTI-1 header", models.ErrUnsupportedFormat)
		}
		return nil, nil, models.WrapIO(err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != HeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != HeaderSize {
			return nil, nil, fmt.Errorf("%w: sizeof_hdr is not %d in either byte order",
				models.ErrUnsupportedFormat, HeaderSize)
		}
	}

	h := new(Header)
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, models.WrapIO(err)
	}
	if err := h.validate(); err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"byteOrder": order,
		"dim":       h.Dim,
		"qformCode": h.QFormCode,
		"sformCode": h.SFormCode,
	}).Debug("Read NIfTI-1 header")

	return h, order, nil
}

func (h *Header) validate() error {
	switch {
	case h.Magic != magicSingle && h.Magic != magicPair:
		return fmt.Errorf("%w: invalid NIfTI-1 magic %q", models.ErrUnsupportedFormat, h.Magic[:])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("%w: dim[0]=%d not in range [1, 7]", models.ErrUnsupportedFormat, h.Dim[0])
	}
	return nil
}

// Method reports which orientation source Geometry will use: sform when
// its code is set, otherwise qform, otherwise plain pixdim scaling.
func (h *Header) Method() Method {
	switch {
	case h.SFormCode > XformUnknown:
		return MethodSForm
	case h.QFormCode > XformUnknown:
		return MethodQForm
	default:
		return MethodPixDim
	}
}

// Dims returns the first three grid dimensions; missing axes count as 1.
func (h *Header) Dims() [3]int {
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i+1])
	}
	return dims
}

// Description returns the descrip field as a string.
func (h *Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00 ")
}

// Geometry converts the header into an ImageGeometry.
func (h *Header) Geometry() (models.ImageGeometry, error) {
	g := models.ImageGeometry{Dims: h.Dims()}

	switch h.Method() {
	case MethodSForm:
		rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
		for c := 0; c < 3; c++ {
			var norm float64
			for r := 0; r < 3; r++ {
				norm += float64(rows[r][c]) * float64(rows[r][c])
			}
			norm = math.Sqrt(norm)
			if norm == 0 {
				return g, fmt.Errorf("%w: sform column %d is zero", models.ErrGeometry, c)
			}
			g.VoxelSize[c] = norm
			for r := 0; r < 3; r++ {
				g.Direction[r][c] = float64(rows[r][c]) / norm
			}
		}
		for r := 0; r < 3; r++ {
			g.Origin[r] = float64(rows[r][3])
		}

	case MethodQForm:
		g.Direction = quaternionToRotation(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1.0
		}
		for r := 0; r < 3; r++ {
			g.Direction[r][2] *= qfac
		}
		for c := 0; c < 3; c++ {
			g.VoxelSize[c] = math.Abs(float64(h.PixDim[c+1]))
		}
		g.Origin = [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}

	default:
		g.Direction = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		for c := 0; c < 3; c++ {
			g.VoxelSize[c] = math.Abs(float64(h.PixDim[c+1]))
		}
	}

	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}

// quaternionToRotation builds the rotation matrix of the unit quaternion
// (a, b, c, d), with a recovered from b, c and d.
func quaternionToRotation(b, c, d float64) [3][3]float64 {
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case: a is zero and (b, c, d) is renormalized.
		n := 1.0 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2*b*c - 2*a*d, 2*b*d + 2*a*c},
		{2*b*c + 2*a*d, a*a + c*c - b*b - d*d, 2*c*d - 2*a*b},
		{2*b*d - 2*a*c, 2*c*d + 2*a*b, a*a + d*d - c*c - b*b},
	}
}

// NewHeader returns a single-file header describing g with an aligned-anat
// sform and a float32 datatype. It is used to write companion headers.
func NewHeader(g models.ImageGeometry) *Header {
	h := &Header{
		SizeOfHdr: HeaderSize,
		DataType:  16,
		BitPix:    32,
		VoxOffset: 352,
		SclSlope:  1,
		XYZTUnits: 2,
		SFormCode: XformAlignedAnat,
		Magic:     magicSingle,
	}
	h.Dim[0] = 3
	h.PixDim[0] = 1
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(g.Dims[i])
		h.PixDim[i+1] = float32(g.VoxelSize[i])
	}
	rows := []*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
	for r, row := range rows {
		for c := 0; c < 3; c++ {
			row[c] = float32(g.Direction[r][c] * g.VoxelSize[c])
		}
		row[3] = float32(g.Origin[r])
	}
	return h
}

// Write encodes the header followed by the 4-byte extension flag, so the
// output is a valid header-only .nii stub.
func (h *Header) Write(w io.Writer, order binary.ByteOrder) error {
	if err := binary.Write(w, order, h); err != nil {
		return models.WrapIO(err)
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return models.WrapIO(err)
	}
	return nil
}

// ReadGeometry loads the geometry of the image at path. Gzip-compressed
// files (.nii.gz) are decompressed on the fly; for an .img/.hdr pair the
// .hdr is read.
func ReadGeometry(path string) (models.ImageGeometry, error) {
	headerPath := path
	if strings.HasSuffix(strings.ToLower(fileio.TrimGzip(path)), ".img") {
		headerPath = fileio.TrimGzip(path)
		headerPath = headerPath[:len(headerPath)-4] + ".hdr"
	}

	f, err := fileio.Open(headerPath)
	if err != nil {
		return models.ImageGeometry{}, &models.TrackError{Op: "open image", Path: headerPath, Err: models.WrapIO(err)}
	}
	defer f.Close()

	h, _, err := ReadHeader(f)
	if err != nil {
		return models.ImageGeometry{}, &models.TrackError{Op: "read image header", Path: headerPath, Err: err}
	}
	g, err := h.Geometry()
	if err != nil {
		return models.ImageGeometry{}, &models.TrackError{Op: "image geometry", Path: headerPath, Err: err}
	}

	log.WithFields(log.Fields{
		"path":        headerPath,
		"method":      h.Method(),
		"description": h.Description(),
		"dims":        g.Dims,
		"voxelSize":   g.VoxelSize,
	}).Debug("Loaded image geometry")

	return g, nil
}

// WriteFile writes a header-only image describing g to path.
func WriteFile(path string, g models.ImageGeometry) error {
	out, err := fileio.Create(path, 0)
	if err != nil {
		return &models.TrackError{Op: "create image", Path: path, Err: models.WrapIO(err)}
	}
	defer out.Close()

	if err := NewHeader(g).Write(out, binary.LittleEndian); err != nil {
		return &models.TrackError{Op: "write image header", Path: path, Err: err}
	}
	if err := out.Commit(); err != nil {
		return &models.TrackError{Op: "write image header", Path: path, Err: models.WrapIO(err)}
	}
	return nil
}
