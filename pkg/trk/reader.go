package trk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	log "github.com/sirupsen/logrus"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

// Reader decodes .trk records one streamline at a time.
type Reader struct {
	r        io.Reader
	order    binary.ByteOrder
	header   Header
	read     int32
	done     bool
	countBuf [4]byte
	pointBuf []byte
}

// NewReader decodes the header. The byte order is taken from hdr_size;
// a missing "TRACK" id or an unrecognised hdr_size is ErrUnsupportedFormat.
func NewReader(r io.Reader) (*Reader, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream too short for a .trk header", models.ErrUnsupportedFormat)
		}
		return nil, models.WrapIO(err)
	}
	if !bytes.Equal(raw[:5], idString[:5]) {
		return nil, fmt.Errorf("%w: id string %q is not TRACK", models.ErrUnsupportedFormat, raw[:5])
	}

	tr := &Reader{r: r}
	switch hdrSize := raw[HeaderSize-4:]; {
	case binary.LittleEndian.Uint32(hdrSize) == HeaderSize:
		tr.order = binary.LittleEndian
	case binary.BigEndian.Uint32(hdrSize) == HeaderSize:
		tr.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: hdr_size is not %d in either byte order", models.ErrUnsupportedFormat, HeaderSize)
	}
	if err := binary.Read(bytes.NewReader(raw), tr.order, &tr.header); err != nil {
		return nil, models.WrapIO(err)
	}

	h := &tr.header
	if h.NScalars < 0 || h.NScalars > MaxNames || h.NProperties < 0 || h.NProperties > MaxNames {
		return nil, fmt.Errorf("%w: %d scalars and %d properties declared",
			models.ErrCorruptTrackFile, h.NScalars, h.NProperties)
	}
	if h.NCount < 0 {
		return nil, fmt.Errorf("%w: negative streamline count %d", models.ErrCorruptTrackFile, h.NCount)
	}
	tr.pointBuf = make([]byte, 4*(3+int(h.NScalars)))

	log.WithFields(log.Fields{
		"byteOrder":   tr.order,
		"version":     h.Version,
		"dim":         h.Dim,
		"voxelSize":   h.VoxelSize,
		"voxelOrder":  h.VoxelOrderString(),
		"streamlines": h.NCount,
	}).Debug("Read TrackVis header")

	return tr, nil
}

// Header returns a copy of the decoded header.
func (tr *Reader) Header() Header {
	return tr.header
}

// ByteOrder returns the byte order of the file.
func (tr *Reader) ByteOrder() binary.ByteOrder {
	return tr.order
}

func (tr *Reader) float(b []byte) float32 {
	return math.Float32frombits(tr.order.Uint32(b))
}

func (tr *Reader) truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s after %d streamlines", models.ErrCorruptTrackFile, what, tr.read)
	}
	return models.WrapIO(err)
}

// Next decodes the next streamline and returns io.EOF after the last one.
// A zero n_count (written by old tools) means records run to end-of-stream.
func (tr *Reader) Next() (models.Streamline, error) {
	var s models.Streamline
	if tr.done {
		return s, io.EOF
	}
	h := &tr.header
	known := h.NCount > 0
	if known && tr.read == h.NCount {
		tr.done = true
		return s, io.EOF
	}

	n, err := io.ReadFull(tr.r, tr.countBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) && !known {
			tr.done = true
			return s, io.EOF
		}
		return s, tr.truncated(err, "point count")
	}
	count := int32(tr.order.Uint32(tr.countBuf[:]))
	if count < 0 {
		return s, fmt.Errorf("%w: streamline %d declares %d points", models.ErrCorruptTrackFile, tr.read, count)
	}

	ns := int(h.NScalars)
	capHint := int(count)
	if capHint > 1<<16 {
		capHint = 1 << 16
	}
	s.Points = make([][3]float32, 0, capHint)
	if ns > 0 {
		s.Scalars = make([][]float32, 0, capHint)
	}
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(tr.r, tr.pointBuf); err != nil {
			return s, tr.truncated(err, "point block")
		}
		s.Points = append(s.Points, [3]float32{
			tr.float(tr.pointBuf[0:]),
			tr.float(tr.pointBuf[4:]),
			tr.float(tr.pointBuf[8:]),
		})
		if ns > 0 {
			row := make([]float32, ns)
			for k := range row {
				row[k] = tr.float(tr.pointBuf[12+4*k:])
			}
			s.Scalars = append(s.Scalars, row)
		}
	}

	if np := int(h.NProperties); np > 0 {
		buf := make([]byte, 4*np)
		if _, err := io.ReadFull(tr.r, buf); err != nil {
			return s, tr.truncated(err, "property block")
		}
		s.Properties = make([]float32, np)
		for k := range s.Properties {
			s.Properties[k] = tr.float(buf[4*k:])
		}
	}

	tr.read++
	return s, nil
}

// ReadAll decodes the remaining records into a voxmm collection carrying
// the header's geometry and voxel order.
func (tr *Reader) ReadAll() (*models.TrackCollection, error) {
	h := &tr.header
	c := models.NewTrackCollection(models.SpaceVoxelMM)
	c.ScalarNames = h.ScalarNames()
	c.PropertyNames = h.PropertyNames()
	c.VoxelOrder = h.VoxelOrderString()
	if g, err := h.Geometry(); err == nil {
		c.Geometry = &g
	} else {
		log.WithError(err).Warn("TrackVis header does not describe a usable reference image")
	}
	if h.NCount > 0 && h.NCount < 1<<20 {
		c.Streamlines = make([]models.Streamline, 0, h.NCount)
	}

	for {
		s, err := tr.Next()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		c.Streamlines = append(c.Streamlines, s)
	}
}

// Read decodes a whole .trk stream.
func Read(r io.Reader) (*models.TrackCollection, error) {
	tr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	return tr.ReadAll()
}

// ReadFile decodes the file at path, decompressing .gz files.
func ReadFile(path string) (*models.TrackCollection, error) {
	f, err := fileio.Open(path)
	if err != nil {
		return nil, &models.TrackError{Op: "open tracks", Path: path, Err: models.WrapIO(err)}
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, &models.TrackError{Op: "read tracks", Path: path, Err: err}
	}
	return c, nil
}
