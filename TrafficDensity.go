package main

import (
	"TrafficDensity/api"
	"TrafficDensity/camera"
	"TrafficDensity/config"
	"TrafficDensity/engine"
	"TrafficDensity/logger"
	"TrafficDensity/monitor"
	"TrafficDensity/pipeline"
	"TrafficDensity/rpc"
	"TrafficDensity/sink"
	"TrafficDensity/vision"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultConfig = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfig, "path to the YAML config file")
	once := flag.Bool("once", false, "run a single batch and exit")
	dev := flag.Bool("dev", false, "human readable console logging")
	flag.Parse()

	path := *configPath
	if path == defaultConfig {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}

	if *dev {
		err = logger.InitDevelopment()
	} else {
		err = logger.InitProduction(cfg.Log)
	}
	if err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	banner(cfg)

	road, err := engine.New(cfg.Models.Road.Engine(), cfg.Models.FrameTimeout)
	if err != nil {
		logger.Fatal("failed to load road model", zap.Error(err))
	}
	defer road.Destroy()
	vehicle, err := engine.New(cfg.Models.Vehicle.Engine(), cfg.Models.FrameTimeout)
	if err != nil {
		logger.Fatal("failed to load vehicle model", zap.Error(err))
	}
	defer vehicle.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Models.Warmup {
		for name, m := range map[string]engine.Engine{"road": road, "vehicle": vehicle} {
			if err := engine.Warmup(ctx, name, m, vision.ModelHeight, vision.ModelWidth, 3); err != nil {
				logger.Log().Warn("model warm-up failed", zap.String("model", name), zap.Error(err))
			}
		}
	}

	registry, err := cfg.Registry()
	if err != nil {
		logger.Fatal("invalid camera table", zap.Error(err))
	}

	proc := &pipeline.FrameProcessor{
		Road:        monitor.InstrumentModel("road", road),
		Vehicle:     monitor.InstrumentModel("vehicle", vehicle),
		RoadPrep:    cfg.RoadPreprocessor(),
		VehiclePrep: cfg.VehiclePreprocessor(),
		Timeout:     cfg.Models.FrameTimeout,
		DebugDir:    cfg.Output.DebugDir,
	}

	store := &pipeline.LatestStore{}
	hub := api.NewHub()
	fan := &sink.Fanout{Primary: sink.NewFile(cfg.Output.Path)}
	fan.Add("memory", store)

	var history *sink.History
	if cfg.Output.History != "" {
		history, err = sink.NewHistory(cfg.Output.History)
		if err != nil {
			logger.Fatal("failed to open run history", zap.Error(err))
		}
		defer history.Close()
		fan.Add("history", history)
	}
	if cfg.Sinks.Redis != nil {
		cache, err := sink.NewCache(*cfg.Sinks.Redis)
		if err != nil {
			logger.Log().Warn("redis cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			fan.Add("redis", cache)
		}
	}
	if cfg.Sinks.S3 != nil {
		bucket, err := sink.NewBucket(*cfg.Sinks.S3)
		if err != nil {
			logger.Log().Warn("s3 upload disabled", zap.Error(err))
		} else {
			fan.Add("s3", bucket)
		}
	}
	if cfg.Sinks.Webhook != nil {
		fan.Add("webhook", sink.NewWebhook(cfg.Sinks.Webhook.URL, cfg.Sinks.Webhook.Retries))
	}
	fan.Add("websocket", hub)

	runner := &pipeline.BatchRunner{
		Source:    camera.NewDirSource(cfg.Source.Root, cfg.Source.Snapshot),
		Cameras:   registry,
		Processor: proc,
		Sink:      fan,
		Workers:   cfg.Pipeline.Workers,
		Observer:  monitor.ObserveOutcome,
	}
	runOnce := func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		monitor.ObserveRun(err)
		return err
	}

	if *once || !cfg.ServiceMode() {
		if err := runOnce(ctx); err != nil {
			logger.Fatal("batch run failed", zap.Error(err))
		}
		logger.Log().Info("Densities saved", zap.String("path", cfg.Output.Path))
		return
	}

	var wg sync.WaitGroup
	if cfg.Server.MetricsPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(cfg.Server.MetricsPort, ctx)
		}()
	}

	var httpSrv *api.Server
	if cfg.Server.HTTPPort > 0 {
		httpSrv = &api.Server{Processor: proc, Runner: runner, Store: store, Hub: hub}
		if history != nil {
			httpSrv.History = history
		}
		httpSrv.Start(cfg.Server.HTTPPort)
	}

	if cfg.Server.RPCPort > 0 {
		grpcSrv, err := rpc.StartGRPCServer(cfg.Server.RPCPort, &rpc.Server{Processor: proc, Runner: runner, Store: store})
		if err != nil {
			logger.Fatal("failed to start gRPC server", zap.Error(err))
		}
		defer grpcSrv.GracefulStop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Schedule(ctx, cfg.Pipeline.Interval, runOnce)
	}()

	<-ctx.Done()
	logger.Log().Warn("shutting down")
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Log().Error("http server shutdown", zap.Error(err))
		}
		cancel()
	}
	wg.Wait()
	fmt.Println("Safely exited")
}

func banner(cfg *config.Config) {
	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" Snapshot root:", cfg.Source.Root)
	fmt.Println(" Output:", cfg.Output.Path)
	fmt.Println(" Road model:", cfg.Models.Road.Backend, cfg.Models.Road.Path+cfg.Models.Road.URL)
	fmt.Println(" Vehicle model:", cfg.Models.Vehicle.Backend, cfg.Models.Vehicle.Path+cfg.Models.Vehicle.URL)
	fmt.Println(" Vehicle preprocessing:", cfg.Preprocess.Vehicle)
	fmt.Println("Configured Workers Num:", cfg.Pipeline.Workers)
	if cfg.Pipeline.Interval > 0 {
		fmt.Println(" Interval:", cfg.Pipeline.Interval)
	}
	if cfg.Server.HTTPPort > 0 {
		fmt.Println(" HTTP  Port:", cfg.Server.HTTPPort)
	}
	if cfg.Server.RPCPort > 0 {
		fmt.Println(" gRPC  Port:", cfg.Server.RPCPort)
	}
	fmt.Println(strings.Repeat("#", 64))
	if cfg.Pipeline.Workers > CPUNum {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}
	if cfg.Pipeline.Workers > 1 && (cfg.Models.Road.Backend == engine.BackendDNN || cfg.Models.Vehicle.Backend == engine.BackendDNN) {
		fmt.Println("Local DNN models serialize inference; extra workers only overlap decoding and preprocessing.")
	}
	fmt.Println("")
}
