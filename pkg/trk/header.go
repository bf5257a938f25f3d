// Package trk reads and writes TrackVis .trk files.
//
// Points are stored in voxmm: voxel index multiplied by the voxel size of
// each axis. The header carries the dimensions, voxel sizes, voxel order
// and the voxel-to-RAS matrix of the reference image so a viewer can
// place the streamlines in world space on its own.
package trk

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"tractconv/internal/models"
	"tractconv/pkg/affine"
)

// HeaderSize is the value of hdr_size in every .trk header.
const HeaderSize = 1000

// Version is the header version this package writes.
const Version = 2

// MaxNames is the number of scalar and property names the header can hold.
const MaxNames = 10

const nameSize = 20

var idString = [6]byte{'T', 'R', 'A', 'C', 'K', 0}

// Header mirrors the 1000-byte TrackVis header record.
type Header struct {
	IDString                [6]byte
	Dim                     [3]int16
	VoxelSize               [3]float32
	Origin                  [3]float32
	NScalars                int16
	ScalarName              [MaxNames][nameSize]byte
	NProperties             int16
	PropertyName            [MaxNames][nameSize]byte
	VoxToRAS                [4][4]float32
	Reserved                [444]byte
	VoxelOrder              [4]byte
	Pad2                    [4]byte
	ImageOrientationPatient [6]float32
	Pad1                    [2]byte
	InvertX                 uint8
	InvertY                 uint8
	InvertZ                 uint8
	SwapXY                  uint8
	SwapYZ                  uint8
	SwapZX                  uint8
	NCount                  int32
	Version                 int32
	HdrSize                 int32
}

func decodeName(raw [nameSize]byte) string {
	b := raw[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func encodeName(name string) ([nameSize]byte, error) {
	var out [nameSize]byte
	if len(name) >= nameSize {
		return out, fmt.Errorf("name %q is longer than %d bytes", name, nameSize-1)
	}
	copy(out[:], name)
	return out, nil
}

// ScalarNames returns the declared per-point scalar names.
func (h *Header) ScalarNames() []string {
	var names []string
	for i := 0; i < int(h.NScalars); i++ {
		names = append(names, decodeName(h.ScalarName[i]))
	}
	return names
}

// PropertyNames returns the declared per-streamline property names.
func (h *Header) PropertyNames() []string {
	var names []string
	for i := 0; i < int(h.NProperties); i++ {
		names = append(names, decodeName(h.PropertyName[i]))
	}
	return names
}

// VoxelOrderString returns the voxel_order field, e.g. "LAS".
func (h *Header) VoxelOrderString() string {
	return strings.TrimRight(string(h.VoxelOrder[:]), "\x00 ")
}

// HasVoxToRAS reports whether the header carries a voxel-to-RAS matrix.
// Version 1 files leave it zeroed.
func (h *Header) HasVoxToRAS() bool {
	return h.VoxToRAS[3][3] != 0
}

// Geometry reconstructs the reference image geometry. Without a
// voxel-to-RAS matrix the orientation is identity and the origin zero.
func (h *Header) Geometry() (models.ImageGeometry, error) {
	var g models.ImageGeometry
	for i := 0; i < 3; i++ {
		g.Dims[i] = int(h.Dim[i])
		g.VoxelSize[i] = float64(h.VoxelSize[i])
	}
	if !h.HasVoxToRAS() {
		g.Direction = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		return g, g.Validate()
	}
	for c := 0; c < 3; c++ {
		var norm float64
		for r := 0; r < 3; r++ {
			norm += float64(h.VoxToRAS[r][c]) * float64(h.VoxToRAS[r][c])
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return g, fmt.Errorf("%w: vox_to_ras column %d is zero", models.ErrGeometry, c)
		}
		for r := 0; r < 3; r++ {
			g.Direction[r][c] = float64(h.VoxToRAS[r][c]) / norm
		}
	}
	for r := 0; r < 3; r++ {
		g.Origin[r] = float64(h.VoxToRAS[r][3])
	}
	return g, g.Validate()
}

// NewHeader fills a header for a collection referencing geometry g.
// voxelOrder overrides the order derived from the transform when non-empty.
func NewHeader(g models.ImageGeometry, voxelOrder string) (*Header, error) {
	t, err := affine.Derive(g)
	if err != nil {
		return nil, err
	}

	h := &Header{
		IDString: idString,
		Version:  Version,
		HdrSize:  HeaderSize,
	}
	for i := 0; i < 3; i++ {
		if g.Dims[i] > math.MaxInt16 {
			return nil, fmt.Errorf("%w: dimension %d does not fit the header", models.ErrGeometry, g.Dims[i])
		}
		h.Dim[i] = int16(g.Dims[i])
		h.VoxelSize[i] = float32(g.VoxelSize[i])
	}
	m := t.Matrix()
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			h.VoxToRAS[r][c] = float32(m[r*4+c])
		}
	}

	if voxelOrder == "" {
		voxelOrder = t.AxisCodes()
	}
	if err := ValidateVoxelOrder(voxelOrder); err != nil {
		return nil, err
	}
	copy(h.VoxelOrder[:], strings.ToUpper(voxelOrder))
	return h, nil
}

// ValidateVoxelOrder checks that order names each of the three world axes
// exactly once, using R/L, A/P and S/I.
func ValidateVoxelOrder(order string) error {
	if len(order) != 3 {
		return fmt.Errorf("voxel order %q must have 3 letters", order)
	}
	var seen [3]bool
	for _, ch := range strings.ToUpper(order) {
		axis := strings.IndexRune("RAS", ch)
		if axis < 0 {
			axis = strings.IndexRune("LPI", ch)
		}
		if axis < 0 {
			return fmt.Errorf("voxel order %q: unknown axis letter %q", order, ch)
		}
		if seen[axis] {
			return fmt.Errorf("voxel order %q names an axis twice", order)
		}
		seen[axis] = true
	}
	return nil
}
