package pipeline

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/vision"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

type stubModel struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error)
}

func (m *stubModel) Predict(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	m.calls.Add(1)
	return m.fn(ctx, in)
}

func constRoad(p float32) *stubModel {
	return &stubModel{fn: func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
		data := make([]float32, vision.ModelHeight*vision.ModelWidth)
		for i := range data {
			data[i] = p
		}
		return tensor.New(tensor.WithShape(1, vision.ModelHeight, vision.ModelWidth, 1), tensor.WithBacking(data)), nil
	}}
}

// leftHalfVehicles marks class 1 on the left half of the model grid.
func leftHalfVehicles() *stubModel {
	return &stubModel{fn: func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
		data := make([]float32, vision.ModelHeight*vision.ModelWidth*2)
		for y := 0; y < vision.ModelHeight; y++ {
			for x := 0; x < vision.ModelWidth; x++ {
				px := y*vision.ModelWidth + x
				if x < vision.ModelWidth/2 {
					data[px*2+1] = 0.9
				} else {
					data[px*2] = 0.9
				}
			}
		}
		return tensor.New(tensor.WithShape(1, vision.ModelHeight, vision.ModelWidth, 2), tensor.WithBacking(data)), nil
	}}
}

func encodePNG(t *testing.T, m gocv.Mat) []byte {
	t.Helper()
	buf, err := gocv.IMEncode(".png", m)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func blackPNG(t *testing.T, rows, cols int) []byte {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC3)
	defer m.Close()
	return encodePNG(t, m)
}

func grayPNG(t *testing.T, rows, cols int) []byte {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 120, 150, 0), rows, cols, gocv.MatTypeCV8UC3)
	defer m.Close()
	return encodePNG(t, m)
}

// memSource serves frames from memory; a name missing from frames has no snapshot.
type memSource struct {
	names   []string
	frames  map[string][]byte
	listErr error

	mu    sync.Mutex
	reads []string
}

func (s *memSource) List(ctx context.Context) ([]iface.Subfolder, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	subs := make([]iface.Subfolder, 0, len(s.names))
	for _, n := range s.names {
		subs = append(subs, iface.Subfolder{Name: n, Path: "/mem/" + n})
	}
	return subs, nil
}

func (s *memSource) Latest(ctx context.Context, sub iface.Subfolder) ([]byte, error) {
	s.mu.Lock()
	s.reads = append(s.reads, sub.Name)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, ok := s.frames[sub.Name]
	if !ok {
		return nil, iface.ErrNoSnapshot
	}
	return buf, nil
}

// byteProcessor reports the first frame byte as the density.
type byteProcessor struct {
	calls atomic.Int32
}

func (p *byteProcessor) Process(ctx context.Context, cameraID string, frame []byte) Outcome {
	p.calls.Add(1)
	o := newOutcome(cameraID)
	o.Density = float64(frame[0])
	o.advance(Done)
	return o
}

type recordSink struct {
	mu      sync.Mutex
	reports []*iface.Report
	err     error
}

func (s *recordSink) Persist(ctx context.Context, r *iface.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}
