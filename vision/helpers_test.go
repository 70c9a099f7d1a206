package vision

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// gradientFrame builds a deterministic BGR frame with some texture.
func gradientFrame(t *testing.T, rows, cols int) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC3)
	buf, err := m.DataPtrUint8()
	require.NoError(t, err)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := (r*cols + c) * 3
			buf[i] = uint8((r * 7) % 256)
			buf[i+1] = uint8((c * 5) % 256)
			buf[i+2] = uint8(((r + c) * 3) % 256)
		}
	}
	return m
}

func solidFrame(rows, cols int, b, g, r float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), rows, cols, gocv.MatTypeCV8UC3)
}

func probTensor(c int, fill func(px, ch int) float32) *tensor.Dense {
	data := make([]float32, ModelHeight*ModelWidth*c)
	for px := 0; px < ModelHeight*ModelWidth; px++ {
		for ch := 0; ch < c; ch++ {
			data[px*c+ch] = fill(px, ch)
		}
	}
	return tensor.New(tensor.WithShape(1, ModelHeight, ModelWidth, c), tensor.WithBacking(data))
}
