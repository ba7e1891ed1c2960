// Package config loads trafficd settings from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/auth"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/capture"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/detection"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/telemetry"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/tracking"
)

// Telemetry sink names accepted in TelemetryConfig.Sinks
const (
	SinkSQLite = "sqlite"
	SinkMQTT   = "mqtt"
	SinkLog    = "log"
)

// Config is the complete service configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Camera    CameraConfig     `yaml:"camera"`
	Detector  detection.Config `yaml:"detector"`
	Tracker   tracking.Config  `yaml:"tracker"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Stream    StreamConfig     `yaml:"stream"`
	Auth      auth.Config      `yaml:"auth"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"` // Log request and response bodies
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CameraConfig lists candidate camera addresses and capture settings
type CameraConfig struct {
	Sources      []string      `yaml:"sources"` // Probed in order when no source is given
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	FPS          int           `yaml:"fps"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	FFmpegPath   string        `yaml:"ffmpeg_path"`
}

// PipelineConfig configures the processing loop and the counting line
type PipelineConfig struct {
	Line             [4]int        `yaml:"line"` // x1, y1, x2, y2
	BandTolerance    float64       `yaml:"band_tolerance"`
	DistanceMeters   float64       `yaml:"distance_meters"`
	ClassFilter      []string      `yaml:"class_filter"`
	FrameSkip        int           `yaml:"frame_skip"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	DetectTimeout    time.Duration `yaml:"detect_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	QueueSize        int           `yaml:"queue_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// TelemetryConfig selects the sinks counting tasks are written to
type TelemetryConfig struct {
	Sinks []string             `yaml:"sinks"`
	MQTT  telemetry.MQTTConfig `yaml:"mqtt"`
}

// StreamConfig configures the browser-facing streams
type StreamConfig struct {
	FPS               int           `yaml:"fps"`
	JPEGQuality       int           `yaml:"jpeg_quality"`
	DetectionInterval time.Duration `yaml:"detection_interval"` // WebSocket detection push period
}

// Default returns the built-in configuration
func Default() Config {
	p := pipeline.DefaultConfig()
	l := p.Crossing.Line
	return Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Path: "traffic.db"},
		Camera: CameraConfig{
			ProbeTimeout: 5 * time.Second,
			FPS:          capture.DefaultOptions().FPS,
			OpenTimeout:  capture.DefaultOptions().OpenTimeout,
			FFmpegPath:   capture.DefaultOptions().FFmpegPath,
		},
		Detector: detection.DefaultConfig(),
		Tracker:  tracking.DefaultConfig(),
		Pipeline: PipelineConfig{
			Line:             [4]int{l.X1, l.Y1, l.X2, l.Y2},
			BandTolerance:    p.Crossing.Tolerance,
			DistanceMeters:   p.Crossing.DistanceMeters,
			ClassFilter:      p.ClassFilter,
			FrameSkip:        p.FrameSkip,
			FrameInterval:    p.FrameInterval,
			DetectTimeout:    p.DetectTimeout,
			ReconnectBackoff: p.ReconnectBackoff,
			MaxReconnects:    5,
			StopTimeout:      p.StopTimeout,
			DrainTimeout:     p.DrainTimeout,
			QueueSize:        p.QueueSize,
			WriteTimeout:     p.WriteTimeout,
		},
		Telemetry: TelemetryConfig{
			Sinks: []string{SinkSQLite},
			MQTT: telemetry.MQTTConfig{
				Broker:      "localhost:1883",
				TopicPrefix: "traffic",
				QoS:         1,
				Timeout:     5 * time.Second,
			},
		},
		Stream: StreamConfig{
			FPS:               30,
			JPEGQuality:       85,
			DetectionInterval: 500 * time.Millisecond,
		},
		Auth: auth.DefaultConfig(),
	}
}

// Load reads path over the defaults (when path is non-empty) and then
// applies environment overrides
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("TRAFFIC_HOST", &c.Server.Host)
	num("TRAFFIC_HTTP_PORT", &c.Server.Port)
	str("TRAFFIC_DB_PATH", &c.Database.Path)
	list("TRAFFIC_CAMERA_SOURCES", &c.Camera.Sources)
	str("TRAFFIC_FFMPEG_PATH", &c.Camera.FFmpegPath)
	str("TRAFFIC_DETECTOR_BACKEND", &c.Detector.Backend)
	str("TRAFFIC_DETECTOR_ENDPOINT", &c.Detector.Endpoint)
	num("TRAFFIC_FRAME_SKIP", &c.Pipeline.FrameSkip)
	float("TRAFFIC_BAND_TOLERANCE", &c.Pipeline.BandTolerance)
	float("TRAFFIC_DISTANCE_METERS", &c.Pipeline.DistanceMeters)
	num("TRAFFIC_MAX_RECONNECTS", &c.Pipeline.MaxReconnects)
	list("TRAFFIC_TELEMETRY_SINKS", &c.Telemetry.Sinks)
	str("TRAFFIC_MQTT_BROKER", &c.Telemetry.MQTT.Broker)
	str("TRAFFIC_MQTT_USERNAME", &c.Telemetry.MQTT.Username)
	str("TRAFFIC_MQTT_PASSWORD", &c.Telemetry.MQTT.Password)
	str("TRAFFIC_MQTT_TOPIC_PREFIX", &c.Telemetry.MQTT.TopicPrefix)
	boolean("AUTH_ENABLED", &c.Auth.Enabled)
	str("AUTH_USERNAME", &c.Auth.Username)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	duration("JWT_EXPIRY", &c.Auth.JWTExpiry)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks ranges and sink names
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Camera.ProbeTimeout <= 0 {
		return fmt.Errorf("camera probe timeout must be positive")
	}
	if c.Stream.FPS <= 0 || c.Stream.JPEGQuality <= 0 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream fps must be positive and jpeg quality in 1..100")
	}
	if c.Stream.DetectionInterval <= 0 {
		return fmt.Errorf("detection push interval must be positive")
	}
	if len(c.Telemetry.Sinks) == 0 {
		return fmt.Errorf("at least one telemetry sink is required")
	}
	for _, s := range c.Telemetry.Sinks {
		switch s {
		case SinkSQLite, SinkLog:
		case SinkMQTT:
			if c.Telemetry.MQTT.Broker == "" {
				return fmt.Errorf("mqtt sink requires a broker address")
			}
			if c.Telemetry.MQTT.QoS > 2 {
				return fmt.Errorf("mqtt qos must be 0, 1 or 2")
			}
		default:
			return fmt.Errorf("unknown telemetry sink %q", s)
		}
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when authentication is enabled")
	}
	return c.PipelineConfig().Validate()
}

// PipelineConfig converts the loop settings into a pipeline.Config
func (c Config) PipelineConfig() pipeline.Config {
	p := pipeline.DefaultConfig()
	l := c.Pipeline.Line
	p.Crossing.Line = pipeline.Line{X1: l[0], Y1: l[1], X2: l[2], Y2: l[3]}
	p.Crossing.Tolerance = c.Pipeline.BandTolerance
	p.Crossing.DistanceMeters = c.Pipeline.DistanceMeters
	if len(c.Pipeline.ClassFilter) > 0 {
		p.ClassFilter = c.Pipeline.ClassFilter
	}
	p.FrameSkip = c.Pipeline.FrameSkip
	p.FrameInterval = c.Pipeline.FrameInterval
	p.DetectTimeout = c.Pipeline.DetectTimeout
	p.ReconnectBackoff = c.Pipeline.ReconnectBackoff
	p.MaxReconnects = c.Pipeline.MaxReconnects
	p.StopTimeout = c.Pipeline.StopTimeout
	p.DrainTimeout = c.Pipeline.DrainTimeout
	if c.Pipeline.QueueSize > 0 {
		p.QueueSize = c.Pipeline.QueueSize
	}
	if c.Pipeline.WriteTimeout > 0 {
		p.WriteTimeout = c.Pipeline.WriteTimeout
	}
	return p
}

// CaptureOptions converts the camera settings into capture.Options
func (c Config) CaptureOptions() capture.Options {
	opts := capture.DefaultOptions()
	if c.Camera.FPS > 0 {
		opts.FPS = c.Camera.FPS
	}
	if c.Camera.OpenTimeout > 0 {
		opts.OpenTimeout = c.Camera.OpenTimeout
	}
	if c.Camera.FFmpegPath != "" {
		opts.FFmpegPath = c.Camera.FFmpegPath
	}
	return opts
}

// HasSink reports whether name is among the configured telemetry sinks
func (c Config) HasSink(name string) bool {
	for _, s := range c.Telemetry.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
