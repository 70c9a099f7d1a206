package pipeline

import (
	"TrafficDensity/camera"
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Processor is the per-frame stage the batch loop drives.
type Processor interface {
	Process(ctx context.Context, cameraID string, frame []byte) Outcome
}

// Observer sees every outcome of a run, in folder order, after the pool drains.
type Observer func(Outcome)

var ErrRunActive = errors.New("a batch run is already in progress")

type BatchRunner struct {
	Source    iface.FrameSource
	Cameras   *camera.Registry
	Processor Processor
	Sink      iface.Sink
	Workers   int
	Observer  Observer

	mu sync.Mutex
}

// Run processes every camera folder once, persists the report and returns it.
// Only a listing failure, cancellation or a sink failure yields an error.
func (b *BatchRunner) Run(ctx context.Context) (*iface.Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run(ctx)
}

// TryRun is Run without waiting: it fails with ErrRunActive if another run holds the runner.
func (b *BatchRunner) TryRun(ctx context.Context) (*iface.Report, error) {
	if !b.mu.TryLock() {
		return nil, ErrRunActive
	}
	defer b.mu.Unlock()
	return b.run(ctx)
}

func (b *BatchRunner) run(ctx context.Context) (*iface.Report, error) {
	report := &iface.Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Densities: make(map[string]float64),
		Skipped:   make([]iface.Skip, 0),
	}
	log := logger.Log().With(zap.String("runId", report.RunID))

	subs, err := b.Source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list frame source: %w", err)
	}
	log.Info("batch run started", zap.Int("folders", len(subs)), zap.Int("workers", b.workers(len(subs))))

	outcomes := b.processAll(ctx, subs)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch run interrupted: %w", err)
	}

	for _, o := range outcomes {
		if b.Observer != nil {
			b.Observer(o)
		}
		if o.Done() {
			report.Densities[o.CameraID] = o.Density
			log.Info(fmt.Sprintf("Camera %s: Density = %.2f%%", o.CameraID, o.Density),
				zap.String("camera", o.Camera),
				zap.Float64("density", o.Density))
			continue
		}
		report.Skipped = append(report.Skipped, o.Skip())
	}
	report.FinishedAt = time.Now().UTC()

	if b.Sink != nil {
		if err := b.Sink.Persist(ctx, report); err != nil {
			return report, fmt.Errorf("persist report %s: %w", report.RunID, err)
		}
	}
	log.Info("batch run finished",
		zap.Int("cameras", len(report.Densities)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func (b *BatchRunner) workers(jobs int) int {
	n := b.Workers
	if n < 1 {
		n = 1
	}
	if jobs > 0 && n > jobs {
		n = jobs
	}
	return n
}

// processAll fans folders out to the worker pool. Each slot of the result is
// written by exactly one worker.
func (b *BatchRunner) processAll(ctx context.Context, subs []iface.Subfolder) []Outcome {
	outcomes := make([]Outcome, len(subs))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < b.workers(len(subs)); w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = b.processOne(ctx, workerID, subs[i])
			}
		}(w)
	}
	for i := range subs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

func (b *BatchRunner) processOne(ctx context.Context, workerID int, sub iface.Subfolder) (out Outcome) {
	out = newOutcome("")
	out.Camera = sub.Name
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic recovered", zap.Int("worker", workerID), zap.Any("panic", r))
			out.skip(PipelineError, fmt.Errorf("%w: worker %d panic: %v", ErrPipeline, workerID, r))
		}
	}()

	id, ok := b.Cameras.Lookup(sub.Name)
	if !ok {
		out.skip(UnmappedCamera, fmt.Errorf("%w: %s", ErrUnmappedCamera, sub.Name))
		logger.Log().Warn("no camera mapping, skipping", zap.String("camera", sub.Name))
		return out
	}
	out.CameraID = id

	frame, err := b.Source.Latest(ctx, sub)
	if err != nil {
		out.skip(DecodeError, fmt.Errorf("%w: %w", ErrDecode, err))
		logger.Log().Warn("snapshot unavailable, skipping",
			zap.String("camera", sub.Name), zap.String("cameraId", id), zap.Error(err))
		return out
	}

	out = b.Processor.Process(ctx, id, frame)
	out.Camera = sub.Name
	return out
}
