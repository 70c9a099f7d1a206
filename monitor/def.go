package monitor

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"TrafficDensity/pipeline"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of API requests by surface and endpoint",
	}, []string{"surface", "endpoint"})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Frames processed by final state and skip reason",
	}, []string{"state", "reason"})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_runs_total",
		Help: "Batch runs by result",
	}, []string{"result"})

	ModelLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "model_predict_seconds",
		Help:    "Model inference latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"model", "result"})

	CameraDensity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camera_density_percent",
		Help: "Latest vehicle density per camera identifier",
	}, []string{"camera"})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, RequestsTotal, FramesTotal, RunsTotal, ModelLatency, CameraDensity)
}

var srv *http.Server

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

// ObserveOutcome is a pipeline.Observer feeding the frame and density metrics.
func ObserveOutcome(o pipeline.Outcome) {
	FramesTotal.WithLabelValues(o.State.String(), string(o.Reason)).Inc()
	if o.Done() {
		CameraDensity.WithLabelValues(o.CameraID).Set(o.Density)
	}
}

func ObserveRun(err error) {
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()
		return
	}
	RunsTotal.WithLabelValues("ok").Inc()
}

// InstrumentModel wraps m so every Predict call is timed under name.
func InstrumentModel(name string, m iface.Model) iface.Model {
	return iface.ModelFunc(func(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
		start := time.Now()
		out, err := m.Predict(ctx, in)
		result := "ok"
		if err != nil {
			result = "error"
		}
		ModelLatency.WithLabelValues(name, result).Observe(time.Since(start).Seconds())
		return out, err
	})
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
