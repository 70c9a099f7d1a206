package engine

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// Engine is a loaded model that can be released.
type Engine interface {
	iface.Model
	CheckConfig() iface.EngineConfig
	Destroy()
}

// New builds and loads the model described by cfg.
func New(cfg iface.EngineConfig, timeout time.Duration) (Engine, error) {
	switch cfg.Backend {
	case "", BackendDNN:
		s := &Segmenter{}
		s.New()
		if err := s.LoadModel(cfg); err != nil {
			return nil, err
		}
		return s, nil
	case BackendRemote:
		if cfg.URL == "" {
			return nil, fmt.Errorf("remote backend needs a url")
		}
		return NewRemote(cfg.URL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown model backend: %s", cfg.Backend)
	}
}

// Warmup runs one inference on a blank input so the first real frame does
// not pay for lazy graph allocation.
func Warmup(ctx context.Context, name string, m iface.Model, h, w, c int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("warm-up of %s panicked: %v", name, r)
		}
	}()
	in := tensor.New(tensor.WithShape(1, h, w, c), tensor.WithBacking(make([]float32, h*w*c)))
	start := time.Now()
	out, err := m.Predict(ctx, in)
	if err != nil {
		return fmt.Errorf("warm-up of %s: %w", name, err)
	}
	logger.Log().Info("model warmed up",
		zap.String("model", name),
		zap.Ints("outputShape", out.Shape()),
		zap.Duration("took", time.Since(start)))
	return nil
}
