// Package config loads the YAML configuration, applies .env and TRAFFIC_*
// environment overrides, fills defaults and validates the result.
package config

import (
	"TrafficDensity/camera"
	"TrafficDensity/engine"
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"TrafficDensity/sink"
	"TrafficDensity/vision"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	VehiclePlain   = "plain"
	VehicleEnhance = "enhance"
)

type Config struct {
	Source     SourceConfig      `yaml:"source"`
	Output     OutputConfig      `yaml:"output"`
	Models     ModelsConfig      `yaml:"models"`
	Preprocess PreprocessConfig  `yaml:"preprocess"`
	Pipeline   PipelineConfig    `yaml:"pipeline"`
	Cameras    map[string]string `yaml:"cameras" validate:"dive,keys,required,endkeys,required"`
	Server     ServerConfig      `yaml:"server"`
	Sinks      SinksConfig       `yaml:"sinks"`
	Log        logger.Options    `yaml:"log"`
}

type SourceConfig struct {
	Root     string `yaml:"root" validate:"required"`
	Snapshot string `yaml:"snapshot" validate:"required"`
}

type OutputConfig struct {
	Path     string `yaml:"path" validate:"required"`
	History  string `yaml:"history"`
	DebugDir string `yaml:"debugDir"`
}

type ModelConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=dnn remote"`
	Path       string `yaml:"path" validate:"required_if=Backend dnn"`
	URL        string `yaml:"url" validate:"required_if=Backend remote,omitempty,url"`
	Layout     string `yaml:"layout" validate:"omitempty,oneof=nhwc nchw"`
	InputName  string `yaml:"inputName"`
	OutputName string `yaml:"outputName"`
}

func (m ModelConfig) Engine() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:    m.Backend,
		ModelPath:  m.Path,
		URL:        m.URL,
		Layout:     m.Layout,
		InputName:  m.InputName,
		OutputName: m.OutputName,
	}
}

type ModelsConfig struct {
	Road         ModelConfig   `yaml:"road"`
	Vehicle      ModelConfig   `yaml:"vehicle"`
	FrameTimeout time.Duration `yaml:"frameTimeout" validate:"gte=0"`
	Warmup       bool          `yaml:"warmup"`
}

type PreprocessConfig struct {
	Road vision.PreprocessConfig `yaml:"road"`
	// Vehicle selects the second-pass preprocessing: plain or enhance.
	Vehicle string `yaml:"vehicle" validate:"oneof=plain enhance"`
}

type PipelineConfig struct {
	Workers  int           `yaml:"workers" validate:"gte=1,lte=64"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// ServerConfig ports; zero disables the listener.
type ServerConfig struct {
	HTTPPort    int `yaml:"httpPort" validate:"gte=0,lte=65535"`
	RPCPort     int `yaml:"rpcPort" validate:"gte=0,lte=65535"`
	MetricsPort int `yaml:"metricsPort" validate:"gte=0,lte=65535"`
}

type WebhookConfig struct {
	URL     string `yaml:"url" validate:"required,url"`
	Retries int    `yaml:"retries" validate:"gte=0,lte=10"`
}

type SinksConfig struct {
	Redis   *sink.CacheConfig  `yaml:"redis"`
	S3      *sink.BucketConfig `yaml:"s3"`
	Webhook *WebhookConfig     `yaml:"webhook"`
}

func Default() *Config {
	return &Config{
		Source: SourceConfig{Root: "snapshots", Snapshot: camera.DefaultSnapshot},
		Output: OutputConfig{Path: "densities.json"},
		Models: ModelsConfig{
			Road:    ModelConfig{Backend: engine.BackendDNN, Path: "models/road.onnx", Layout: engine.LayoutNHWC},
			Vehicle: ModelConfig{Backend: engine.BackendDNN, Path: "models/vehicle.onnx", Layout: engine.LayoutNHWC},
			Warmup:  true,
		},
		Preprocess: PreprocessConfig{Road: vision.DefaultPreprocessConfig(), Vehicle: VehiclePlain},
		Pipeline:   PipelineConfig{Workers: 1},
		Log:        logger.Options{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Source.Root, "TRAFFIC_SOURCE_ROOT")
	setString(&c.Output.Path, "TRAFFIC_OUTPUT_PATH")
	setString(&c.Output.History, "TRAFFIC_HISTORY_DB")
	setString(&c.Models.Road.Path, "TRAFFIC_ROAD_MODEL")
	setString(&c.Models.Vehicle.Path, "TRAFFIC_VEHICLE_MODEL")
	setString(&c.Log.Level, "TRAFFIC_LOG_LEVEL")
	for key, dst := range map[string]*int{
		"TRAFFIC_HTTP_PORT":    &c.Server.HTTPPort,
		"TRAFFIC_RPC_PORT":     &c.Server.RPCPort,
		"TRAFFIC_METRICS_PORT": &c.Server.MetricsPort,
		"TRAFFIC_WORKERS":      &c.Pipeline.Workers,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	if c.Sinks.Redis != nil {
		setString(&c.Sinks.Redis.Addr, "TRAFFIC_REDIS_ADDR")
		setString(&c.Sinks.Redis.Password, "TRAFFIC_REDIS_PASSWORD")
	}
	if c.Sinks.S3 != nil {
		setString(&c.Sinks.S3.Region, "AWS_REGION")
		setString(&c.Sinks.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setString(&c.Sinks.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setString(&c.Sinks.S3.Bucket, "AWS_BUCKET_NAME")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	*dst = n
	return nil
}

// Registry returns the configured camera table, or the built-in one when
// the config lists no cameras.
func (c *Config) Registry() (*camera.Registry, error) {
	if len(c.Cameras) == 0 {
		return camera.DefaultRegistry(), nil
	}
	return camera.NewRegistry(c.Cameras)
}

func (c *Config) RoadPreprocessor() *vision.Preprocessor {
	return vision.NewPreprocessor(c.Preprocess.Road)
}

func (c *Config) VehiclePreprocessor() *vision.Preprocessor {
	if c.Preprocess.Vehicle == VehicleEnhance {
		return vision.NewPreprocessor(c.Preprocess.Road)
	}
	return vision.Plain()
}

// ServiceMode reports whether the process keeps running after the first batch.
func (c *Config) ServiceMode() bool {
	return c.Pipeline.Interval > 0 || c.Server.HTTPPort > 0 || c.Server.RPCPort > 0
}
