package engine

import (
	iface "TrafficDensity/interface"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

var ErrNotLoaded = errors.New("model not loaded")

// Segmenter runs a segmentation network through the OpenCV DNN module.
// A gocv Net is not safe for concurrent use, so Predict serializes callers.
type Segmenter struct {
	ModelPath  string
	Layout     string
	InputName  string
	OutputName string
	State      int

	mu  sync.Mutex
	net gocv.Net
}

func (s *Segmenter) New() bool {
	s.State = REGISTERED
	return true
}

func (s *Segmenter) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:    BackendDNN,
		ModelPath:  s.ModelPath,
		Layout:     s.Layout,
		InputName:  s.InputName,
		OutputName: s.OutputName,
	}
}

func (s *Segmenter) LoadModel(cfg iface.EngineConfig) error {
	if cfg.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model file %s: %w", cfg.ModelPath, err)
	}
	layout := cfg.Layout
	switch layout {
	case "":
		layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("unsupported tensor layout: %s", layout)
	}

	net := gocv.ReadNet(cfg.ModelPath, "")
	if net.Empty() {
		return fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		_ = net.Close()
		return fmt.Errorf("set dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		_ = net.Close()
		return fmt.Errorf("set dnn target: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == IDLE {
		_ = s.net.Close()
	}
	s.net = net
	s.ModelPath = cfg.ModelPath
	s.Layout = layout
	s.InputName = cfg.InputName
	s.OutputName = cfg.OutputName
	s.State = IDLE
	return nil
}

func (s *Segmenter) Predict(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// only IDLE holds a loaded net; the zero value has none either
	switch s.State {
	case IDLE:
	case BUSY:
		return nil, fmt.Errorf("segmenter is busy")
	default:
		return nil, ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.State = BUSY
	defer func() { s.State = IDLE }()

	blob, err := s.toBlob(in)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	s.net.SetInput(blob, s.InputName)
	out := s.net.Forward(s.OutputName)
	defer out.Close()
	if out.Empty() {
		return nil, fmt.Errorf("network %s returned an empty output", s.ModelPath)
	}
	return s.fromBlob(out)
}

func (s *Segmenter) toBlob(in *tensor.Dense) (gocv.Mat, error) {
	h, w, c, data, err := inputDims(in)
	if err != nil {
		return gocv.NewMat(), err
	}
	sizes := []int{1, h, w, c}
	if s.Layout == LayoutNCHW {
		sizes = []int{1, c, h, w}
		data = nhwcToNCHW(data, h, w, c)
	}
	blob := gocv.NewMatWithSizes(sizes, gocv.MatTypeCV32F)
	dst, err := blob.DataPtrFloat32()
	if err != nil {
		_ = blob.Close()
		return gocv.NewMat(), err
	}
	copy(dst, data)
	return blob, nil
}

func (s *Segmenter) fromBlob(out gocv.Mat) (*tensor.Dense, error) {
	src, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	data := make([]float32, len(src))
	copy(data, src)

	sizes := out.Size()
	switch {
	case len(sizes) == 4 && s.Layout == LayoutNCHW:
		c, h, w := sizes[1], sizes[2], sizes[3]
		return newNHWC(h, w, c, nchwToNHWC(data, c, h, w)), nil
	case len(sizes) == 4:
		return newNHWC(sizes[1], sizes[2], sizes[3], data), nil
	case len(sizes) == 3:
		return newNHWC(sizes[1], sizes[2], 1, data), nil
	default:
		return nil, fmt.Errorf("unexpected network output shape %v", sizes)
	}
}

func (s *Segmenter) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == IDLE {
		_ = s.net.Close()
	}
	s.ModelPath = ""
	s.Layout = ""
	s.InputName = ""
	s.OutputName = ""
	s.State = UNREGISTERED
}
