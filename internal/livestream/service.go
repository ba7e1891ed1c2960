// Package livestream is the service layer over the single detection
// pipeline: it picks a camera source, starts and stops the pipeline and
// turns its state into dashboard responses and frames.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/overlay"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/stream"
)

// LastSourceKey is the settings key holding the last successfully started source
const LastSourceKey = "last_camera_source"

// ErrInvalidIndex is returned by TestConnection for an out-of-range address index
var ErrInvalidIndex = errors.New("invalid address index")

// Controller is the part of pipeline.Pipeline the service drives
type Controller interface {
	Start(ctx context.Context, source string) error
	Stop() error
	Status() pipeline.Status
	Running() bool
	LatestRawFrame() *pipeline.Frame
	LatestAnnotatedFrame() *pipeline.Frame
	CurrentDetections() []pipeline.Detection
	Counts() pipeline.Counts
	QueueStats() pipeline.QueueStats
}

// ProbeFunc reports whether a camera address is reachable
type ProbeFunc func(ctx context.Context, address string, timeout time.Duration) bool

// Settings persists small key-value settings such as the last used source
type Settings interface {
	GetConfig(key string) (string, error)
	SaveConfig(key, value string) error
}

// Config configures the service
type Config struct {
	Sources      []string      // Candidate addresses for auto-detection, in priority order
	ProbeTimeout time.Duration // Per-address probe timeout
	JPEGQuality  int
}

// Response is the result of a start or stop request
type Response struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	CameraSource     string   `json:"camera_source,omitempty"`
	AvailableSources []string `json:"available_sources,omitempty"`
}

// StatusResponse describes the pipeline for the dashboard
type StatusResponse struct {
	Running          bool                `json:"running"`
	CameraSource     string              `json:"camera_source,omitempty"`
	Message          string              `json:"message"`
	AvailableSources []string            `json:"available_sources"`
	Pipeline         pipeline.Status     `json:"pipeline"`
	Telemetry        pipeline.QueueStats `json:"telemetry"`
}

// ConnectionResult is the outcome of probing one configured address
type ConnectionResult struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

// StatsResponse summarises the counts of the current run
type StatsResponse struct {
	TotalCount    int            `json:"total_count"`
	VehicleCounts map[string]int `json:"vehicle_counts"`
	Status        string         `json:"status"` // "running" or "stopped"
}

// Service owns the one active pipeline
type Service struct {
	cfg      Config
	pipeline Controller
	probe    ProbeFunc
	settings Settings

	raw       *stream.Encoder
	processed *stream.Encoder

	mu sync.Mutex // serializes StartLivestream and StopLivestream
}

// NewService creates a service. settings may be nil.
func NewService(cfg Config, p Controller, probe ProbeFunc, settings Settings) *Service {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Service{
		cfg:       cfg,
		pipeline:  p,
		probe:     probe,
		settings:  settings,
		raw:       stream.NewEncoder(cfg.JPEGQuality),
		processed: stream.NewEncoder(cfg.JPEGQuality),
	}
}

// AvailableSources returns a copy of the configured addresses
func (s *Service) AvailableSources() []string {
	return append([]string{}, s.cfg.Sources...)
}

// StartLivestream starts the pipeline on source. An empty source is
// auto-detected by probing the last used source and then each configured
// address; the first reachable one wins.
func (s *Service) StartLivestream(ctx context.Context, source string) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	available := s.AvailableSources()

	if s.pipeline.Running() {
		return Response{
			Success:          false,
			Message:          "Pipeline is already running. Stop it first.",
			AvailableSources: available,
		}
	}

	if source == "" {
		log.Printf("[Livestream] No camera source specified, testing available addresses...")
		source = s.detectSource(ctx)
		if source == "" {
			return Response{
				Success:          false,
				Message:          "No working Pi camera found",
				AvailableSources: available,
			}
		}
	}

	if err := s.pipeline.Start(ctx, source); err != nil {
		msg := fmt.Sprintf("Failed to start pipeline: %v", err)
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			msg = "Pipeline is already running. Stop it first."
		}
		return Response{Success: false, Message: msg, AvailableSources: available}
	}

	if s.settings != nil {
		if err := s.settings.SaveConfig(LastSourceKey, source); err != nil {
			log.Printf("[Livestream] Failed to remember source: %v", err)
		}
	}

	log.Printf("[Livestream] Detection pipeline started with source: %s", source)
	return Response{
		Success:          true,
		Message:          fmt.Sprintf("Livestream started successfully with source: %s", source),
		CameraSource:     source,
		AvailableSources: available,
	}
}

func (s *Service) detectSource(ctx context.Context) string {
	for _, address := range s.candidates() {
		if s.probe(ctx, address, s.cfg.ProbeTimeout) {
			log.Printf("[Livestream] Found working camera address: %s", address)
			return address
		}
		log.Printf("[Livestream] Camera address not reachable: %s", address)
	}
	return ""
}

// candidates lists the last used source first, then the configured ones
func (s *Service) candidates() []string {
	var out []string
	seen := map[string]bool{}
	if s.settings != nil {
		if last, err := s.settings.GetConfig(LastSourceKey); err == nil && last != "" {
			out = append(out, last)
			seen[last] = true
		}
	}
	for _, address := range s.cfg.Sources {
		if !seen[address] {
			out = append(out, address)
			seen[address] = true
		}
	}
	return out
}

// StopLivestream stops the pipeline
func (s *Service) StopLivestream() Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pipeline.Running() {
		return Response{Success: false, Message: "No pipeline is currently running"}
	}

	if err := s.pipeline.Stop(); err != nil {
		if errors.Is(err, pipeline.ErrStopTimeout) {
			log.Printf("[Livestream] %v", err)
			return Response{Success: true, Message: "Livestream stopped (loop did not exit in time)"}
		}
		return Response{Success: false, Message: fmt.Sprintf("Failed to stop pipeline: %v", err)}
	}

	log.Printf("[Livestream] Detection pipeline stopped")
	return Response{Success: true, Message: "Livestream stopped successfully"}
}

// Status reports whether the pipeline runs and on which source
func (s *Service) Status() StatusResponse {
	st := s.pipeline.Status()
	resp := StatusResponse{
		Running:          st.Running,
		Message:          "Pipeline stopped",
		AvailableSources: s.AvailableSources(),
		Pipeline:         st,
		Telemetry:        s.pipeline.QueueStats(),
	}
	if st.Running {
		resp.CameraSource = st.Source
		resp.Message = "Pipeline running"
	} else if st.LastError != "" {
		resp.Message = "Pipeline stopped: " + st.LastError
	}
	return resp
}

// TestConnection probes the configured address at index
func (s *Service) TestConnection(ctx context.Context, index int) (ConnectionResult, error) {
	if index < 0 || index >= len(s.cfg.Sources) {
		return ConnectionResult{}, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	address := s.cfg.Sources[index]
	connected := s.probe(ctx, address, s.cfg.ProbeTimeout)
	msg := "Connection failed"
	if connected {
		msg = "Connected"
	}
	return ConnectionResult{Address: address, Connected: connected, Message: msg}, nil
}

// Detections returns the tracked detections of the latest pass, or none when stopped
func (s *Service) Detections() []pipeline.Detection {
	if !s.pipeline.Running() {
		return []pipeline.Detection{}
	}
	dets := s.pipeline.CurrentDetections()
	if dets == nil {
		dets = []pipeline.Detection{}
	}
	return dets
}

// Counts returns the counts of the current or last run
func (s *Service) Counts() pipeline.Counts {
	return s.pipeline.Counts()
}

// Stats returns the running totals
func (s *Service) Stats() StatsResponse {
	counts := s.pipeline.Counts()
	status := "stopped"
	if s.pipeline.Running() {
		status = "running"
	}
	perClass := counts.PerClass
	if perClass == nil {
		perClass = map[string]int{}
	}
	return StatsResponse{
		TotalCount:    counts.Total,
		VehicleCounts: perClass,
		Status:        status,
	}
}

// RawFrame returns the latest captured frame as JPEG, or a placeholder
// with sequence 0 when stopped or no frame has arrived
func (s *Service) RawFrame() ([]byte, uint64) {
	if !s.pipeline.Running() {
		return overlay.LivestreamStopped.JPEG(), 0
	}
	frame := s.pipeline.LatestRawFrame()
	if frame == nil {
		return overlay.CameraError.JPEG(), 0
	}
	if data := s.raw.Encode(frame); data != nil {
		return data, frame.Seq
	}
	return overlay.CameraError.JPEG(), 0
}

// ProcessedFrame returns the latest annotated frame as JPEG, or a placeholder
func (s *Service) ProcessedFrame() ([]byte, uint64) {
	if !s.pipeline.Running() {
		return overlay.DetectionStopped.JPEG(), 0
	}
	frame := s.pipeline.LatestAnnotatedFrame()
	if frame == nil {
		return overlay.Processing.JPEG(), 0
	}
	if data := s.processed.Encode(frame); data != nil {
		return data, frame.Seq
	}
	return overlay.Processing.JPEG(), 0
}

// Shutdown stops the pipeline if it is running
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline.Running() {
		if err := s.pipeline.Stop(); err != nil {
			log.Printf("[Livestream] Shutdown: %v", err)
		}
	}
}

var _ Controller = (*pipeline.Pipeline)(nil)
