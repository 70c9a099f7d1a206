package vision

import (
	"fmt"

	"gocv.io/x/gocv"
)

// MaxDensity caps the reported occupancy. Mask misalignment at the road
// boundary can push the raw ratio above it.
const MaxDensity = 100.0

// Density returns 100*vehicle/road clamped to [0, MaxDensity]; no road means 0.
func Density(vehiclePixels, roadPixels int) float64 {
	if roadPixels <= 0 || vehiclePixels <= 0 {
		return 0
	}
	d := float64(vehiclePixels) / float64(roadPixels) * 100
	if d > MaxDensity {
		return MaxDensity
	}
	return d
}

// EstimateDensity counts nonzero pixels of two same-shaped masks at frame resolution.
func EstimateDensity(roadMask, vehicleMask gocv.Mat) (float64, error) {
	if roadMask.Rows() != vehicleMask.Rows() || roadMask.Cols() != vehicleMask.Cols() {
		return 0, fmt.Errorf("%w: road mask %dx%d, vehicle mask %dx%d", ErrShape,
			roadMask.Rows(), roadMask.Cols(), vehicleMask.Rows(), vehicleMask.Cols())
	}
	if roadMask.Channels() != 1 || vehicleMask.Channels() != 1 {
		return 0, fmt.Errorf("%w: masks must be single channel", ErrShape)
	}
	if roadMask.Empty() {
		return 0, nil
	}
	return Density(gocv.CountNonZero(vehicleMask), gocv.CountNonZero(roadMask)), nil
}
