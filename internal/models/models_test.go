package models

import (
	"errors"
	"io"
	"math"
	"testing"
)

func TestStreamlineLength(t *testing.T) {
	s := Streamline{Points: [][3]float32{{0, 0, 0}, {3, 4, 0}, {3, 4, 12}}}
	if got := s.Length(); math.Abs(got-17) > 1e-9 {
		t.Errorf("Expected length 17, got %f", got)
	}

	empty := Streamline{}
	if got := empty.Length(); got != 0 {
		t.Errorf("Expected zero length for empty streamline, got %f", got)
	}
}

func TestCollectionValidate(t *testing.T) {
	c := NewTrackCollection(SpaceWorld)
	c.ScalarNames = []string{"fa"}
	c.PropertyNames = []string{"id"}
	c.Streamlines = []Streamline{{
		Points:     [][3]float32{{0, 0, 0}, {1, 1, 1}},
		Scalars:    [][]float32{{0.1}, {0.2}},
		Properties: []float32{7},
	}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Valid collection rejected: %v", err)
	}
	if c.NumPoints() != 2 {
		t.Errorf("Expected 2 points, got %d", c.NumPoints())
	}

	c.Streamlines[0].Scalars = [][]float32{{0.1}}
	if err := c.Validate(); !errors.Is(err, ErrCorruptTrackFile) {
		t.Errorf("Expected ErrCorruptTrackFile for short scalar block, got %v", err)
	}

	c.Streamlines[0].Scalars = [][]float32{{0.1}, {0.2}}
	c.Streamlines[0].Properties = nil
	if err := c.Validate(); !errors.Is(err, ErrCorruptTrackFile) {
		t.Errorf("Expected ErrCorruptTrackFile for missing properties, got %v", err)
	}
}

func TestGeometryValidate(t *testing.T) {
	g := IdentityGeometry([3]int{10, 10, 10}, [3]float64{1, 1, 1})
	if err := g.Validate(); err != nil {
		t.Fatalf("Identity geometry rejected: %v", err)
	}

	g.VoxelSize[1] = 0
	if err := g.Validate(); !errors.Is(err, ErrGeometry) {
		t.Errorf("Expected ErrGeometry for zero voxel size, got %v", err)
	}

	g = IdentityGeometry([3]int{10, -1, 10}, [3]float64{1, 1, 1})
	if err := g.Validate(); !errors.Is(err, ErrGeometry) {
		t.Errorf("Expected ErrGeometry for negative dimension, got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(ErrNotInvertible, ErrGeometry) {
		t.Error("ErrNotInvertible should be an ErrGeometry")
	}

	err := WrapIO(io.ErrClosedPipe)
	if !errors.Is(err, ErrIO) || !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("WrapIO should keep both the sentinel and the cause, got %v", err)
	}

	corrupt := WrapIO(ErrCorruptTrackFile)
	if errors.Is(corrupt, ErrIO) {
		t.Error("WrapIO should not re-tag a taxonomy error")
	}

	te := &TrackError{Op: "read", Path: "a.tck", Err: ErrUnsupportedFormat}
	if !errors.Is(te, ErrUnsupportedFormat) {
		t.Error("TrackError should unwrap to its cause")
	}
	if te.Error() != "read a.tck: unsupported format" {
		t.Errorf("Unexpected message %q", te.Error())
	}
}
