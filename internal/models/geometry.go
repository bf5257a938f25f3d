package models

import "fmt"

// VoxelCoordinate is a fractional grid index (i, j, k).
type VoxelCoordinate [3]float64

// WorldCoordinate is a scanner-space position in millimeters.
type WorldCoordinate [3]float64

// ImageGeometry is the subset of a volumetric image header needed to
// map between voxel and world space.
type ImageGeometry struct {
	// Dims is the number of voxels along each axis
	Dims [3]int

	// VoxelSize is the physical size of a voxel along each axis in mm
	VoxelSize [3]float64

	// Direction holds the direction cosines. Column j is the unit world
	// direction of voxel axis j.
	Direction [3][3]float64

	// Origin is the world position of voxel (0, 0, 0)
	Origin [3]float64
}

// IdentityGeometry returns a geometry with the given dimensions and voxel
// sizes, identity orientation and zero origin.
func IdentityGeometry(dims [3]int, voxelSize [3]float64) ImageGeometry {
	return ImageGeometry{
		Dims:      dims,
		VoxelSize: voxelSize,
		Direction: [3][3]float64{
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
		},
	}
}

// Validate reports non-positive dimensions or voxel sizes.
func (g ImageGeometry) Validate() error {
	for axis := 0; axis < 3; axis++ {
		if g.Dims[axis] <= 0 {
			return fmt.Errorf("%w: dimension %d is %d, must be positive", ErrGeometry, axis, g.Dims[axis])
		}
		if !(g.VoxelSize[axis] > 0) {
			return fmt.Errorf("%w: voxel size %d is %g, must be positive", ErrGeometry, axis, g.VoxelSize[axis])
		}
	}
	return nil
}

// Dimensionality is the number of spatial axes the geometry describes.
func (g ImageGeometry) Dimensionality() int {
	return len(g.Dims)
}
