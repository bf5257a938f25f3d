// Package query converts single coordinates between voxel and world space.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"tractconv/internal/models"
	"tractconv/pkg/affine"
	"tractconv/pkg/nifti"
)

// VoxelToWorld maps one voxel coordinate of an image to world millimeters.
// Callers mapping many points should derive the transform once with
// affine.Derive and reuse it.
func VoxelToWorld(v models.VoxelCoordinate, g models.ImageGeometry) (models.WorldCoordinate, error) {
	t, err := affine.Derive(g)
	if err != nil {
		return models.WorldCoordinate{}, err
	}
	return t.Apply(v), nil
}

// WorldToVoxel maps a world coordinate to fractional voxel indices.
func WorldToVoxel(w models.WorldCoordinate, g models.ImageGeometry) (models.VoxelCoordinate, error) {
	t, err := affine.Derive(g)
	if err != nil {
		return models.VoxelCoordinate{}, err
	}
	inv, err := t.Inverse()
	if err != nil {
		return models.VoxelCoordinate{}, err
	}
	return models.VoxelCoordinate(inv.ApplyPoint(w)), nil
}

// VoxelToWorldFile reads the image header at imagePath and maps v.
func VoxelToWorldFile(v models.VoxelCoordinate, imagePath string) (models.WorldCoordinate, error) {
	g, err := nifti.ReadGeometry(imagePath)
	if err != nil {
		return models.WorldCoordinate{}, err
	}
	return VoxelToWorld(v, g)
}

// ParseVoxel parses "i,j,k" (commas and/or whitespace) into a voxel coordinate.
func ParseVoxel(s string) (models.VoxelCoordinate, error) {
	var v models.VoxelCoordinate
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 3 {
		return v, fmt.Errorf("voxel coordinate %q must have 3 components", s)
	}
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return v, fmt.Errorf("voxel coordinate %q: %w", s, err)
		}
		v[i] = x
	}
	return v, nil
}

// FormatWorld renders a world coordinate as "x y z" with 4 decimals.
func FormatWorld(w models.WorldCoordinate) string {
	return fmt.Sprintf("%.4f %.4f %.4f", w[0], w[1], w[2])
}
