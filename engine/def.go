package engine

import (
	"fmt"

	"gorgonia.org/tensor"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendDNN    = "dnn"
	BackendRemote = "remote"
)

// Tensor memory layouts a network may expect. Pipeline tensors are always NHWC.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// nhwcToNCHW reorders a (1,H,W,C) buffer into (1,C,H,W).
func nhwcToNCHW(src []float32, h, w, c int) []float32 {
	dst := make([]float32, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for k := 0; k < c; k++ {
				dst[(k*h+y)*w+x] = src[(y*w+x)*c+k]
			}
		}
	}
	return dst
}

// nchwToNHWC reorders a (1,C,H,W) buffer into (1,H,W,C).
func nchwToNHWC(src []float32, c, h, w int) []float32 {
	dst := make([]float32, len(src))
	for k := 0; k < c; k++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[(y*w+x)*c+k] = src[(k*h+y)*w+x]
			}
		}
	}
	return dst
}

// inputDims validates a pipeline tensor and returns its H, W, C.
func inputDims(in *tensor.Dense) (h, w, c int, data []float32, err error) {
	if in == nil {
		return 0, 0, 0, nil, fmt.Errorf("nil input tensor")
	}
	shape := in.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return 0, 0, 0, nil, fmt.Errorf("input tensor shape %v, want (1,H,W,C)", shape)
	}
	data, ok := in.Data().([]float32)
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("input tensor dtype %v, want float32", in.Dtype())
	}
	return shape[1], shape[2], shape[3], data, nil
}

func newNHWC(h, w, c int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, h, w, c), tensor.WithBacking(data))
}
