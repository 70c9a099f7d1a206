package pipeline

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"TrafficDensity/vision"
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// FrameProcessor turns one encoded frame into a vehicle density. It holds no
// per-run state; every Process call owns its Mats and tensors.
type FrameProcessor struct {
	Road        iface.Model
	Vehicle     iface.Model
	RoadPrep    *vision.Preprocessor
	VehiclePrep *vision.Preprocessor
	// Timeout bounds both model calls of one frame. Zero means no deadline.
	Timeout  time.Duration
	DebugDir string
	// Inspect, when set, sees the frame and its full-resolution road and
	// vehicle masks of every completed frame. The Mats are only valid
	// during the call.
	Inspect MaskInspector
}

type MaskInspector func(cameraID string, frame, road, vehicle gocv.Mat)

func NewFrameProcessor(road, vehicle iface.Model) *FrameProcessor {
	return &FrameProcessor{
		Road:        road,
		Vehicle:     vehicle,
		RoadPrep:    vision.NewPreprocessor(vision.DefaultPreprocessConfig()),
		VehiclePrep: vision.Plain(),
	}
}

func (p *FrameProcessor) Process(ctx context.Context, cameraID string, frame []byte) (out Outcome) {
	out = newOutcome(cameraID)
	defer func() {
		if r := recover(); r != nil {
			out.skip(PipelineError, fmt.Errorf("%w: panic in %s: %v", ErrPipeline, out.State, r))
		}
		if out.State == Skipped {
			logger.Log().Warn("frame skipped",
				zap.String("cameraId", cameraID),
				zap.String("reason", string(out.Reason)),
				zap.Error(out.Err))
		}
	}()

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	img, err := vision.DecodeFrame(frame)
	if err != nil {
		out.skip(DecodeError, fmt.Errorf("%w: %w", ErrDecode, err))
		return out
	}
	defer img.Close()
	out.advance(Decoded)

	fail := func(stage string, err error) Outcome {
		out.skip(PipelineError, fmt.Errorf("%w: %s: %w", ErrPipeline, stage, err))
		return out
	}

	roadIn, err := p.roadPrep().Preprocess(img)
	if err != nil {
		return fail("road preprocess", err)
	}
	out.advance(Preprocessed)

	roadOut, err := predict(ctx, p.Road, roadIn)
	if err != nil {
		return fail("road model", err)
	}
	roadMask, err := vision.PostprocessRoad(roadOut)
	if err != nil {
		return fail("road mask", err)
	}
	defer roadMask.Close()
	out.advance(RoadSegmented)

	restricted, fullRoad, err := vision.ExtractRoad(img, roadMask)
	if err != nil {
		return fail("road extraction", err)
	}
	defer restricted.Close()
	defer fullRoad.Close()
	out.advance(RoadExtracted)

	vehicleIn, err := p.vehiclePrep().Preprocess(restricted)
	if err != nil {
		return fail("vehicle preprocess", err)
	}
	out.advance(VehiclePreprocessed)

	vehicleOut, err := predict(ctx, p.Vehicle, vehicleIn)
	if err != nil {
		return fail("vehicle model", err)
	}
	vehicleMask, err := vision.PostprocessVehicle(vehicleOut)
	if err != nil {
		return fail("vehicle mask", err)
	}
	defer vehicleMask.Close()
	out.advance(VehicleSegmented)

	fullVehicle, err := vision.ResizeMask(vehicleMask, img.Rows(), img.Cols())
	if err != nil {
		return fail("mask reconciliation", err)
	}
	defer fullVehicle.Close()
	density, err := vision.EstimateDensity(fullRoad, fullVehicle)
	if err != nil {
		return fail("density", err)
	}
	out.Density = density
	out.advance(DensityComputed)

	if p.DebugDir != "" {
		p.dump(cameraID, img, fullRoad, fullVehicle)
	}
	if p.Inspect != nil {
		p.Inspect(cameraID, img, fullRoad, fullVehicle)
	}
	out.advance(Done)
	return out
}

func (p *FrameProcessor) roadPrep() *vision.Preprocessor {
	if p.RoadPrep == nil {
		return vision.NewPreprocessor(vision.DefaultPreprocessConfig())
	}
	return p.RoadPrep
}

func (p *FrameProcessor) vehiclePrep() *vision.Preprocessor {
	if p.VehiclePrep == nil {
		return vision.Plain()
	}
	return p.VehiclePrep
}

func predict(ctx context.Context, m iface.Model, in *tensor.Dense) (*tensor.Dense, error) {
	if m == nil {
		return nil, fmt.Errorf("model not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := m.Predict(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("model returned no output")
	}
	// a model that ignores ctx still loses the frame once the deadline passed
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// dump writes road and vehicle overlays for one camera. Failures are logged only.
func (p *FrameProcessor) dump(cameraID string, img, road, vehicle gocv.Mat) {
	if err := os.MkdirAll(p.DebugDir, 0o755); err != nil {
		logger.Log().Warn("debug dir unavailable", zap.String("dir", p.DebugDir), zap.Error(err))
		return
	}
	for _, o := range []struct {
		suffix string
		mask   gocv.Mat
		color  color.RGBA
	}{
		{suffix: "road", mask: road, color: vision.RoadColor},
		{suffix: "vehicle", mask: vehicle, color: vision.VehicleColor},
	} {
		path := filepath.Join(p.DebugDir, fmt.Sprintf("%s_%s.png", cameraID, o.suffix))
		if err := vision.WriteOverlay(path, img, o.mask, o.color); err != nil {
			logger.Log().Warn("debug overlay failed", zap.String("cameraId", cameraID), zap.Error(err))
		}
	}
}
