package iface

import (
	"context"
	"errors"
	"time"

	"gorgonia.org/tensor"
)

// ErrNoSnapshot is returned by a FrameSource when a subfolder holds no latest frame.
var ErrNoSnapshot = errors.New("no snapshot available")

// Model is a segmentation network: a (1,H,W,C) input tensor in, a probability
// or class-score tensor out.
type Model interface {
	Predict(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error)
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error)

func (f ModelFunc) Predict(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	return f(ctx, in)
}

type EngineConfig struct {
	Backend    string
	ModelPath  string
	URL        string
	Layout     string
	InputName  string
	OutputName string
}

// Subfolder is one camera directory as seen by a FrameSource.
type Subfolder struct {
	Name string
	Path string
}

type FrameSource interface {
	List(ctx context.Context) ([]Subfolder, error)
	Latest(ctx context.Context, sub Subfolder) ([]byte, error)
}

type Skip struct {
	Camera   string `json:"camera"`
	CameraID string `json:"cameraId,omitempty"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of one batch run. Densities is the flat aggregate
// written as the output artifact.
type Report struct {
	RunID      string             `json:"runId"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
	Densities  map[string]float64 `json:"densities"`
	Skipped    []Skip             `json:"skipped"`
}

type Sink interface {
	Persist(ctx context.Context, report *Report) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, report *Report) error

func (f SinkFunc) Persist(ctx context.Context, report *Report) error {
	return f(ctx, report)
}
