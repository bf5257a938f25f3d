package trk

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"tractconv/internal/fileio"
	"tractconv/internal/models"
)

// WriteOptions controls the encoding.
type WriteOptions struct {
	// VoxelOrder overrides the order derived from the geometry
	VoxelOrder string

	// GzipLevel is used when the destination path ends in .gz
	GzipLevel int
}

// Write encodes a voxmm collection. The header's dimension, voxel size,
// voxel-to-RAS and voxel order fields come from c.Geometry.
func Write(w io.Writer, c *models.TrackCollection, opts WriteOptions) error {
	if c.Space != models.SpaceVoxelMM {
		return fmt.Errorf("%w: collection is in %s space, .trk stores voxmm coordinates",
			models.ErrGeometryMismatch, c.Space)
	}
	if c.Geometry == nil {
		return fmt.Errorf("%w: .trk output needs a reference image geometry", models.ErrGeometry)
	}
	if c.Dimensionality != c.Geometry.Dimensionality() {
		return fmt.Errorf("%w: %d-dimensional points for a %d-dimensional image",
			models.ErrGeometryMismatch, c.Dimensionality, c.Geometry.Dimensionality())
	}
	if c.NumScalars() > MaxNames || c.NumProperties() > MaxNames {
		return fmt.Errorf("%w: %d scalars and %d properties, at most %d of each fit the header",
			models.ErrUnsupportedFormat, c.NumScalars(), c.NumProperties(), MaxNames)
	}
	if len(c.Streamlines) > math.MaxInt32 {
		return fmt.Errorf("%w: too many streamlines for the header", models.ErrUnsupportedFormat)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	order := opts.VoxelOrder
	if order == "" {
		order = c.VoxelOrder
	}
	h, err := NewHeader(*c.Geometry, order)
	if err != nil {
		return err
	}
	h.NScalars = int16(c.NumScalars())
	h.NProperties = int16(c.NumProperties())
	for i, name := range c.ScalarNames {
		if h.ScalarName[i], err = encodeName(name); err != nil {
			return err
		}
	}
	for i, name := range c.PropertyNames {
		if h.PropertyName[i], err = encodeName(name); err != nil {
			return err
		}
	}
	h.NCount = int32(len(c.Streamlines))

	le := binary.LittleEndian
	if err := binary.Write(w, le, h); err != nil {
		return models.WrapIO(err)
	}

	var buf []byte
	for i := range c.Streamlines {
		s := &c.Streamlines[i]
		size := 4 + 4*len(s.Points)*(3+c.NumScalars()) + 4*c.NumProperties()
		if cap(buf) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]

		le.PutUint32(buf, uint32(len(s.Points)))
		off := 4
		for j, p := range s.Points {
			for axis := 0; axis < 3; axis++ {
				le.PutUint32(buf[off:], math.Float32bits(p[axis]))
				off += 4
			}
			if len(s.Scalars) > 0 {
				for _, v := range s.Scalars[j] {
					le.PutUint32(buf[off:], math.Float32bits(v))
					off += 4
				}
			}
		}
		for _, v := range s.Properties {
			le.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
		if _, err := w.Write(buf); err != nil {
			return models.WrapIO(err)
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
