package tck

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

// Reader decodes streamlines one record at a time.
type Reader struct {
	r             io.Reader
	header        Header
	scalarNames   []string
	propertyNames []string
	read          int64 // records decoded so far
	points        int64 // points decoded so far
	done          bool
	pointBuf      []byte
	countBuf      [4]byte
}

// NewReader reads and validates the header. A signature mismatch fails with
// ErrUnsupportedFormat before any record is touched.
func NewReader(r io.Reader) (*Reader, error) {
	tr := &Reader{r: r}

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream too short for a signature", models.ErrUnsupportedFormat)
		}
		return nil, models.WrapIO(err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad signature % x", models.ErrUnsupportedFormat, magic[:])
	}

	rest := make([]byte, fixedHeaderSize-len(magic))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, tr.truncated(err, "header")
	}
	if err := binary.Read(bytes.NewReader(append(magic[:], rest...)), binary.LittleEndian, &tr.header); err != nil {
		return nil, models.WrapIO(err)
	}

	h := &tr.header
	if h.DataType.Size() == 0 {
		return nil, fmt.Errorf("%w: unsupported data type %d", models.ErrUnsupportedFormat, int32(h.DataType))
	}
	if h.NumScalars < 0 || h.NumProperties < 0 || h.NumScalars > maxNames || h.NumProperties > maxNames {
		return nil, fmt.Errorf("%w: invalid scalar/property counts %d/%d",
			models.ErrCorruptTrackFile, h.NumScalars, h.NumProperties)
	}
	if h.NumStreamlines < Unknown || h.NumPoints < Unknown {
		return nil, fmt.Errorf("%w: invalid counts %d streamlines, %d points",
			models.ErrCorruptTrackFile, h.NumStreamlines, h.NumPoints)
	}
	if int64(h.HeaderSize) != h.expectedHeaderSize() {
		return nil, fmt.Errorf("%w: header size %d, expected %d",
			models.ErrCorruptTrackFile, h.HeaderSize, h.expectedHeaderSize())
	}

	names := make([]byte, nameSize*int(h.NumScalars+h.NumProperties))
	if _, err := io.ReadFull(r, names); err != nil {
		return nil, tr.truncated(err, "name block")
	}
	for i := 0; i < int(h.NumScalars+h.NumProperties); i++ {
		name := decodeName(names[i*nameSize : (i+1)*nameSize])
		if i < int(h.NumScalars) {
			tr.scalarNames = append(tr.scalarNames, name)
		} else {
			tr.propertyNames = append(tr.propertyNames, name)
		}
	}
	tr.pointBuf = make([]byte, h.pointWidth()*h.DataType.Size())

	log.WithFields(log.Fields{
		"dataType":    h.DataType,
		"scalars":     h.NumScalars,
		"properties":  h.NumProperties,
		"streamlines": h.NumStreamlines,
		"points":      h.NumPoints,
	}).Debug("Read streamline header")

	return tr, nil
}

// Header returns a copy of the decoded header.
func (tr *Reader) Header() Header {
	return tr.header
}

// ScalarNames returns the per-point scalar names.
func (tr *Reader) ScalarNames() []string {
	return tr.scalarNames
}

// PropertyNames returns the per-streamline property names.
func (tr *Reader) PropertyNames() []string {
	return tr.propertyNames
}

// truncated maps a short read to ErrCorruptTrackFile and anything else to ErrIO.
func (tr *Reader) truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s after %d streamlines", models.ErrCorruptTrackFile, what, tr.read)
	}
	return models.WrapIO(err)
}

// Next decodes the next streamline. It returns io.EOF once all records have
// been read, and ErrCorruptTrackFile for a record cut short.
func (tr *Reader) Next() (models.Streamline, error) {
	var s models.Streamline
	if tr.done {
		return s, io.EOF
	}
	h := &tr.header

	if h.HasStreamlineCount() && tr.read == h.NumStreamlines {
		return s, tr.finish()
	}

	n, err := io.ReadFull(tr.r, tr.countBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) && !h.HasStreamlineCount() {
			return s, tr.finish()
		}
		return s, tr.truncated(err, "point count")
	}
	count := int32(binary.LittleEndian.Uint32(tr.countBuf[:]))
	if count < 0 {
		return s, fmt.Errorf("%w: streamline %d declares %d points", models.ErrCorruptTrackFile, tr.read, count)
	}

	size := h.DataType.Size()
	ns := int(h.NumScalars)
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
			return s, tr.truncated(err, fmt.Sprintf("point %d of streamline", i))
		}
		var p [3]float32
		for axis := 0; axis < 3; axis++ {
			p[axis] = getValue(tr.pointBuf[axis*size:], h.DataType)
		}
		s.Points = append(s.Points, p)
		if ns > 0 {
			row := make([]float32, ns)
			for k := range row {
				row[k] = getValue(tr.pointBuf[(3+k)*size:], h.DataType)
			}
			s.Scalars = append(s.Scalars, row)
		}
	}

	if np := int(h.NumProperties); np > 0 {
		buf := make([]byte, np*size)
		if _, err := io.ReadFull(tr.r, buf); err != nil {
			return s, tr.truncated(err, "property block")
		}
		s.Properties = make([]float32, np)
		for k := range s.Properties {
			s.Properties[k] = getValue(buf[k*size:], h.DataType)
		}
	}

	tr.read++
	tr.points += int64(count)
	return s, nil
}

func (tr *Reader) finish() error {
	tr.done = true
	if tr.header.HasPointCount() && tr.points != tr.header.NumPoints {
		return fmt.Errorf("%w: header declares %d points, records hold %d",
			models.ErrCorruptTrackFile, tr.header.NumPoints, tr.points)
	}
	return io.EOF
}

// ReadAll decodes every remaining streamline into a world-space collection.
func (tr *Reader) ReadAll() (*models.TrackCollection, error) {
	c := models.NewTrackCollection(models.SpaceWorld)
	c.ScalarNames = tr.scalarNames
	c.PropertyNames = tr.propertyNames
	if tr.header.HasStreamlineCount() && tr.header.NumStreamlines < 1<<20 {
		c.Streamlines = make([]models.Streamline, 0, tr.header.NumStreamlines)
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

// Read decodes a whole stream.
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
