package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ResizeMask brings a label mask to rows x cols with nearest-neighbor
// interpolation so labels stay discrete.
func ResizeMask(mask gocv.Mat, rows, cols int) (gocv.Mat, error) {
	if mask.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty mask", ErrShape)
	}
	out := gocv.NewMat()
	if err := gocv.Resize(mask, &out, image.Pt(cols, rows), 0, 0, gocv.InterpolationNearestNeighbor); err != nil {
		_ = out.Close()
		return gocv.NewMat(), fmt.Errorf("resize mask to %dx%d: %w", rows, cols, err)
	}
	if out.Rows() != rows || out.Cols() != cols {
		_ = out.Close()
		return gocv.NewMat(), fmt.Errorf("%w: resized mask is %dx%d, want %dx%d", ErrShape, out.Rows(), out.Cols(), rows, cols)
	}
	return out, nil
}

// ExtractRoad upsamples a model-resolution road mask to the frame's size and
// returns the frame with every non-road pixel zeroed, plus the upsampled mask.
// The caller owns and must close both returned Mats.
func ExtractRoad(frame gocv.Mat, roadMask gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	if frame.Empty() {
		return gocv.NewMat(), gocv.NewMat(), ErrImageLoad
	}
	full, err := ResizeMask(roadMask, frame.Rows(), frame.Cols())
	if err != nil {
		return gocv.NewMat(), gocv.NewMat(), err
	}
	restricted := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), frame.Rows(), frame.Cols(), frame.Type())
	if err := gocv.BitwiseAndWithMask(frame, frame, &restricted, full); err != nil {
		_ = restricted.Close()
		_ = full.Close()
		return gocv.NewMat(), gocv.NewMat(), fmt.Errorf("mask frame to road: %w", err)
	}
	return restricted, full, nil
}
