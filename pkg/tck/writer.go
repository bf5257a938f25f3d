package tck

import (
	"encoding/binary"
	"fmt"
	"io"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

// WriteOptions controls the encoding.
type WriteOptions struct {
	// DataType of every stored value, Float32 when zero
	DataType DataType

	// GzipLevel is used when the destination path ends in .gz
	GzipLevel int
}

// Write encodes a world-space collection. The header always records both
// the streamline and point counts.
func Write(w io.Writer, c *models.TrackCollection, opts WriteOptions) error {
	if c.Space != models.SpaceWorld {
		return fmt.Errorf("%w: collection is in %s space, the format stores world coordinates",
			models.ErrGeometryMismatch, c.Space)
	}
	if c.Dimensionality != 3 {
		return fmt.Errorf("%w: %d-dimensional points, the format stores 3", models.ErrGeometryMismatch, c.Dimensionality)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	dt := opts.DataType
	if dt == 0 {
		dt = Float32
	}
	if dt.Size() == 0 {
		return fmt.Errorf("%w: data type %d", models.ErrUnsupportedFormat, int32(dt))
	}

	h := Header{
		Magic:          Magic,
		DataType:       dt,
		NumScalars:     int32(c.NumScalars()),
		NumProperties:  int32(c.NumProperties()),
		NumStreamlines: int64(len(c.Streamlines)),
		NumPoints:      int64(c.NumPoints()),
	}
	h.HeaderSize = int32(h.expectedHeaderSize())
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return models.WrapIO(err)
	}
	for _, name := range append(append([]string{}, c.ScalarNames...), c.PropertyNames...) {
		raw, err := encodeName(name)
		if err != nil {
			return err
		}
		if _, err := w.Write(raw[:]); err != nil {
			return models.WrapIO(err)
		}
	}

	size := dt.Size()
	point := make([]byte, h.pointWidth()*size)
	props := make([]byte, c.NumProperties()*size)
	var count [4]byte
	for i := range c.Streamlines {
		s := &c.Streamlines[i]
		binary.LittleEndian.PutUint32(count[:], uint32(len(s.Points)))
		if _, err := w.Write(count[:]); err != nil {
			return models.WrapIO(err)
		}
		for j, p := range s.Points {
			for axis := 0; axis < 3; axis++ {
				putValue(point[axis*size:], dt, p[axis])
			}
			if len(s.Scalars) > 0 {
				for k, v := range s.Scalars[j] {
					putValue(point[(3+k)*size:], dt, v)
				}
			}
			if _, err := w.Write(point); err != nil {
				return models.WrapIO(err)
			}
		}
		if len(props) > 0 {
			for k, v := range s.Properties {
				putValue(props[k*size:], dt, v)
			}
			if _, err := w.Write(props); err != nil {
				return models.WrapIO(err)
			}
		}
	}
	return nil
}

// WriteFile encodes c to path. Nothing is left at path if encoding fails.
func WriteFile(path string, c *models.TrackCollection, opts WriteOptions) error {
	out, err := fileio.Create(path, opts.GzipLevel)
	if err != nil {
		return &models.TrackError{Op: "create tracks", Path: path, Err: models.WrapIO(err)}
	}
	defer out.Close()

	if err := Write(out, c, opts); err != nil {
		return &models.TrackError{Op: "write tracks", Path: path, Err: err}
	}
	if err := out.Commit(); err != nil {
		return &models.TrackError{Op: "write tracks", Path: path, Err: models.WrapIO(err)}
	}
	return nil
}
