// Package detection provides pipeline.Detector implementations backed by a
// remote YOLO inference service.
package detection

import (
	"fmt"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// Config selects and configures a detector backend
type Config struct {
	Backend       string        `yaml:"backend"` // "http" or "grpc"
	Endpoint      string        `yaml:"endpoint"`
	ConfThreshold float32       `yaml:"conf_threshold"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns an HTTP detector on localhost
func DefaultConfig() Config {
	return Config{
		Backend:       "http",
		Endpoint:      "http://localhost:8081",
		ConfThreshold: 0.3,
		Timeout:       5 * time.Second,
	}
}

// New creates the detector named by cfg.Backend
func New(cfg Config) (pipeline.Detector, error) {
	switch cfg.Backend {
	case "", "http":
		return NewHTTPDetector(cfg.Endpoint, cfg.ConfThreshold, cfg.Timeout), nil
	case "grpc":
		d, err := NewGRPCDetector(GRPCDetectorConfig{
			Endpoint:      cfg.Endpoint,
			ConfThreshold: cfg.ConfThreshold,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
