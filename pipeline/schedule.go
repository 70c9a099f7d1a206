package pipeline

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LatestStore keeps the most recent report in memory for the API surfaces.
type LatestStore struct {
	mu     sync.RWMutex
	report *iface.Report
}

func (s *LatestStore) Persist(_ context.Context, report *iface.Report) error {
	if report == nil {
		return fmt.Errorf("nil report")
	}
	cp := *report
	cp.Densities = maps.Clone(report.Densities)
	cp.Skipped = append([]iface.Skip(nil), report.Skipped...)
	s.mu.Lock()
	s.report = &cp
	s.mu.Unlock()
	return nil
}

// Latest returns a copy of the last stored report, or nil before the first run.
func (s *LatestStore) Latest() *iface.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.report == nil {
		return nil
	}
	cp := *s.report
	cp.Densities = maps.Clone(s.report.Densities)
	cp.Skipped = append([]iface.Skip(nil), s.report.Skipped...)
	return &cp
}

// Schedule calls fn immediately and then every interval until ctx is done.
// A failing or panicking call is logged and the loop keeps going.
func Schedule(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	safeRun := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("scheduled run panic recovered", zap.Any("panic", r))
			}
		}()
		if err := fn(ctx); err != nil {
			logger.Log().Error("scheduled run failed", zap.Error(err))
		}
	}
	safeRun()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("scheduler stopped")
			return
		case <-ticker.C:
			safeRun()
		}
	}
}
