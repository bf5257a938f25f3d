package models

import (
	"fmt"
	"math"
)

// Space declares which coordinate convention the points of a collection are stored in.
type Space int

const (
	// SpaceWorld is scanner/RAS space in millimeters.
	SpaceWorld Space = iota
	// SpaceVoxelMM is voxel index scaled by voxel size along each axis.
	SpaceVoxelMM
)

func (s Space) String() string {
	switch s {
	case SpaceWorld:
		return "world"
	case SpaceVoxelMM:
		return "voxmm"
	default:
		return fmt.Sprintf("Space(%d)", int(s))
	}
}

// Streamline is an ordered polyline approximating a fiber path.
type Streamline struct {
	// Points holds the x, y, z coordinates in traversal order
	Points [][3]float32

	// Scalars holds one row of per-point values per point, nil when
	// the collection carries no scalars
	Scalars [][]float32

	// Properties holds the per-streamline values
	Properties []float32
}

// NumPoints returns the number of points in the streamline.
func (s *Streamline) NumPoints() int {
	return len(s.Points)
}

// Length returns the polyline length in the units of the stored coordinates.
func (s *Streamline) Length() float64 {
	var total float64
	for i := 1; i < len(s.Points); i++ {
		dx := float64(s.Points[i][0] - s.Points[i-1][0])
		dy := float64(s.Points[i][1] - s.Points[i-1][1])
		dz := float64(s.Points[i][2] - s.Points[i-1][2])
		total += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	return total
}

// TrackCollection is an ordered set of streamlines plus the metadata shared by all of them.
type TrackCollection struct {
	// Streamlines in file order
	Streamlines []Streamline

	// ScalarNames names each per-point scalar column
	ScalarNames []string

	// PropertyNames names each per-streamline property
	PropertyNames []string

	// Space is the convention every point is stored in
	Space Space

	// Dimensionality of each point, always 3 for the supported formats
	Dimensionality int

	// Geometry is the reference image the points relate to, when known
	Geometry *ImageGeometry

	// VoxelOrder is the axis-order string of the reference image, e.g. "LAS"
	VoxelOrder string
}

// NewTrackCollection returns an empty three-dimensional collection in the given space.
func NewTrackCollection(space Space) *TrackCollection {
	return &TrackCollection{
		Space:          space,
		Dimensionality: 3,
	}
}

// NumScalars returns the number of per-point scalars.
func (c *TrackCollection) NumScalars() int {
	return len(c.ScalarNames)
}

// NumProperties returns the number of per-streamline properties.
func (c *TrackCollection) NumProperties() int {
	return len(c.PropertyNames)
}

// NumPoints returns the total number of points across all streamlines.
func (c *TrackCollection) NumPoints() int {
	total := 0
	for i := range c.Streamlines {
		total += len(c.Streamlines[i].Points)
	}
	return total
}

// Validate checks that every streamline carries the declared number of
// scalars per point and properties.
func (c *TrackCollection) Validate() error {
	ns, np := c.NumScalars(), c.NumProperties()
	for i := range c.Streamlines {
		s := &c.Streamlines[i]
		if ns == 0 && len(s.Scalars) != 0 {
			return fmt.Errorf("%w: streamline %d has scalars but none are declared", ErrCorruptTrackFile, i)
		}
		if ns > 0 {
			if len(s.Scalars) != len(s.Points) {
				return fmt.Errorf("%w: streamline %d has %d scalar rows for %d points",
					ErrCorruptTrackFile, i, len(s.Scalars), len(s.Points))
			}
			for j, row := range s.Scalars {
				if len(row) != ns {
					return fmt.Errorf("%w: streamline %d point %d has %d scalars, expected %d",
						ErrCorruptTrackFile, i, j, len(row), ns)
				}
			}
		}
		if len(s.Properties) != np {
			return fmt.Errorf("%w: streamline %d has %d properties, expected %d",
				ErrCorruptTrackFile, i, len(s.Properties), np)
		}
	}
	return nil
}
