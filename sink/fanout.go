package sink

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"context"

	"go.uber.org/zap"
)

type Named struct {
	Name string
	Sink iface.Sink
}

// Fanout persists to Primary first; its error fails the run. Secondary sinks
// are best effort and only logged on failure.
type Fanout struct {
	Primary   iface.Sink
	Secondary []Named
}

func (f *Fanout) Add(name string, s iface.Sink) {
	f.Secondary = append(f.Secondary, Named{Name: name, Sink: s})
}

func (f *Fanout) Persist(ctx context.Context, report *iface.Report) error {
	if f.Primary != nil {
		if err := f.Primary.Persist(ctx, report); err != nil {
			return err
		}
	}
	for _, n := range f.Secondary {
		if err := n.Sink.Persist(ctx, report); err != nil {
			logger.Log().Warn("secondary sink failed",
				zap.String("sink", n.Name),
				zap.String("runId", report.RunID),
				zap.Error(err))
		}
	}
	return nil
}
