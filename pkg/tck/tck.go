// Package tck reads and writes the generic streamline container.
//
// All values are little-endian. A file is a 40-byte fixed header, the
// scalar and property name blocks (20 bytes each, NUL padded), then one
// record per streamline: an int32 point count, that many points of
// x, y, z followed by the per-point scalars, and finally the
// per-streamline properties. Coordinates are world-space millimeters.
package tck

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Magic identifies the format.
var Magic = [8]byte{'S', 'T', 'R', 'M', 'L', 'N', 0, 1}

// DataType is the on-disk width of every float value.
type DataType int32

const (
	Float32 DataType = 1
	Float64 DataType = 2
)

// Size returns the number of bytes of one value.
func (d DataType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("DataType(%d)", int32(d))
	}
}

// ParseDataType accepts "float32" or "float64".
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "float32", "":
		return Float32, nil
	case "float64":
		return Float64, nil
	default:
		return 0, fmt.Errorf("unknown data type %q", s)
	}
}

// Unknown marks a count that is not recorded in the header.
const Unknown = -1

const (
	fixedHeaderSize = 40
	nameSize        = 20
	maxNames        = 1 << 12
)

// Header is the fixed-size header record.
type Header struct {
	Magic          [8]byte
	DataType       DataType
	NumScalars     int32
	NumProperties  int32
	NumStreamlines int64 // Unknown when absent
	NumPoints      int64 // Unknown when absent
	HeaderSize     int32
}

// HasStreamlineCount reports whether the number of records is recorded.
func (h *Header) HasStreamlineCount() bool {
	return h.NumStreamlines != Unknown
}

// HasPointCount reports whether the total number of points is recorded.
func (h *Header) HasPointCount() bool {
	return h.NumPoints != Unknown
}

func (h *Header) expectedHeaderSize() int64 {
	return fixedHeaderSize + nameSize*(int64(h.NumScalars)+int64(h.NumProperties))
}

// pointWidth is the number of values stored for one point.
func (h *Header) pointWidth() int {
	return 3 + int(h.NumScalars)
}

func encodeName(name string) ([nameSize]byte, error) {
	var out [nameSize]byte
	if len(name) >= nameSize {
		return out, fmt.Errorf("name %q is longer than %d bytes", name, nameSize-1)
	}
	copy(out[:], name)
	return out, nil
}

func decodeName(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

func putValue(b []byte, dt DataType, v float32) {
	if dt == Float64 {
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
		return
	}
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getValue(b []byte, dt DataType) float32 {
	if dt == Float64 {
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
