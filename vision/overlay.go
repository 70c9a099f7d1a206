package vision

import (
	"fmt"
	"image/color"

	"gocv.io/x/gocv"
)

var (
	RoadColor    = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	VehicleColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// Overlay blends a solid color over the masked pixels: 0.7 image + 0.3 color.
func Overlay(img gocv.Mat, mask gocv.Mat, c color.RGBA) (gocv.Mat, error) {
	if img.Rows() != mask.Rows() || img.Cols() != mask.Cols() {
		return gocv.NewMat(), fmt.Errorf("%w: overlay mask %dx%d on image %dx%d", ErrShape,
			mask.Rows(), mask.Cols(), img.Rows(), img.Cols())
	}
	solid := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), img.Rows(), img.Cols(), img.Type())
	defer solid.Close()
	colored := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), img.Rows(), img.Cols(), img.Type())
	defer colored.Close()
	if err := solid.CopyToWithMask(&colored, mask); err != nil {
		return gocv.NewMat(), fmt.Errorf("color mask: %w", err)
	}

	out := gocv.NewMat()
	if err := gocv.AddWeighted(img, 0.7, colored, 0.3, 0, &out); err != nil {
		_ = out.Close()
		return gocv.NewMat(), fmt.Errorf("blend overlay: %w", err)
	}
	return out, nil
}

// WriteOverlay renders the mask over img and writes it to path.
func WriteOverlay(path string, img gocv.Mat, mask gocv.Mat, c color.RGBA) error {
	out, err := Overlay(img, mask, c)
	if err != nil {
		return err
	}
	defer out.Close()
	if ok := gocv.IMWrite(path, out); !ok {
		return fmt.Errorf("write overlay %s failed", path)
	}
	return nil
}
