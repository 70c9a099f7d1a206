package vision

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// RoadThreshold is the probability above which a pixel counts as road.
const RoadThreshold = 0.5

// MaxClasses bounds the vehicle class count so labels fit in a CV8U mask.
const MaxClasses = 256

// PostprocessRoad thresholds a (1,128,128,1) road probability tensor into a
// 128x128 CV8UC1 mask of 0/1 labels.
func PostprocessRoad(t *tensor.Dense) (gocv.Mat, error) {
	h, w, c, err := spatialShape(t)
	if err != nil {
		return gocv.NewMat(), err
	}
	if c != 1 {
		return gocv.NewMat(), fmt.Errorf("%w: road output has %d channels, want 1", ErrShape, c)
	}
	probs, err := float32Data(t)
	if err != nil {
		return gocv.NewMat(), err
	}
	labels := make([]uint8, h*w)
	for i, p := range probs {
		if p > RoadThreshold {
			labels[i] = 1
		}
	}
	return labelMat(h, w, labels)
}

// PostprocessVehicle collapses (1,128,128,C) class scores into a 128x128 label
// mask by argmax over the channel axis. Ties resolve to the lowest class index.
func PostprocessVehicle(t *tensor.Dense) (gocv.Mat, error) {
	h, w, c, err := spatialShape(t)
	if err != nil {
		return gocv.NewMat(), err
	}
	if c < 2 || c > MaxClasses {
		return gocv.NewMat(), fmt.Errorf("%w: vehicle output has %d classes", ErrShape, c)
	}
	scores, err := float32Data(t)
	if err != nil {
		return gocv.NewMat(), err
	}
	labels := make([]uint8, h*w)
	for px := range labels {
		labels[px] = uint8(argmax(scores[px*c : (px+1)*c]))
	}
	return labelMat(h, w, labels)
}

// argmax returns the first maximal index. A NaN score counts as the
// maximum, so the first NaN wins.
func argmax(v []float32) int {
	best := 0
	for i := range v {
		if math.IsNaN(float64(v[i])) {
			return i
		}
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// spatialShape accepts (1,H,W,C) or the squeezed (1,H,W) form.
func spatialShape(t *tensor.Dense) (h, w, c int, err error) {
	if t == nil {
		return 0, 0, 0, fmt.Errorf("%w: nil tensor", ErrShape)
	}
	shape := t.Shape()
	switch {
	case len(shape) == 4 && shape[0] == 1:
		h, w, c = shape[1], shape[2], shape[3]
	case len(shape) == 3 && shape[0] == 1:
		h, w, c = shape[1], shape[2], 1
	default:
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrShape, shape)
	}
	if h != ModelHeight || w != ModelWidth {
		return 0, 0, 0, fmt.Errorf("%w: spatial size %dx%d, want %dx%d", ErrShape, h, w, ModelHeight, ModelWidth)
	}
	return h, w, c, nil
}

func float32Data(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: dtype %v, want float32", ErrShape, t.Dtype())
	}
	if len(data) != t.Shape().TotalSize() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), t.Shape())
	}
	return data, nil
}

func labelMat(rows, cols int, labels []uint8) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
	dst, err := m.DataPtrUint8()
	if err != nil {
		_ = m.Close()
		return gocv.NewMat(), err
	}
	copy(dst, labels)
	return m, nil
}

// MaskFromLabels builds a CV8UC1 mask from row-major labels.
func MaskFromLabels(rows, cols int, labels []uint8) (gocv.Mat, error) {
	if len(labels) != rows*cols {
		return gocv.NewMat(), fmt.Errorf("%w: %d labels for %dx%d mask", ErrShape, len(labels), rows, cols)
	}
	return labelMat(rows, cols, labels)
}

// Labels copies a CV8UC1 mask back into a row-major slice.
func Labels(m gocv.Mat) ([]uint8, error) {
	if m.Type() != gocv.MatTypeCV8UC1 {
		return nil, fmt.Errorf("%w: mask type %v, want CV8UC1", ErrShape, m.Type())
	}
	src, err := m.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	out := make([]uint8, len(src))
	copy(out, src)
	return out, nil
}
