package models

import "fmt"

// Volume is a 3D scalar image flattened in x-fastest order.
type Volume struct {
	// Data holds voxel intensities, index = z*Width*Height + y*Width + x
	Data []float64

	Width  int
	Height int
	Depth  int
}

// Shape returns the voxel dimensions.
func (v Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Len is the number of voxels declared by the dimensions.
func (v Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Validate checks that the data length matches the dimensions.
func (v Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume has %d voxels, dimensions %dx%dx%d require %d",
			len(v.Data), v.Width, v.Height, v.Depth, v.Len())
	}
	return nil
}
