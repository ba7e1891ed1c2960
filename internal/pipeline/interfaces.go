package pipeline

import (
	"context"
	"image"
)

// FrameSource produces frames from an opened camera or video address
type FrameSource interface {
	// ReadFrame blocks until the next frame is available.
	// Returns io.EOF at end of stream and another error on read failure.
	ReadFrame(ctx context.Context) (*Frame, error)

	// Close releases the underlying device or process. Safe to call more than once.
	Close() error
}

// SourceOpener opens a FrameSource for an address (URL, device path or file)
type SourceOpener func(ctx context.Context, address string) (FrameSource, error)

// Detector runs object detection on frames
// Implementations wrap remote inference services (HTTP, gRPC)
type Detector interface {
	// Name returns the detector identifier (e.g., "http", "grpc")
	Name() string

	// IsHealthy returns true if the detector can serve requests
	IsHealthy(ctx context.Context) bool

	// Detect runs detection on a frame. Only detections whose mapped vehicle
	// class is counted and whose source class is in classFilter are returned.
	Detect(ctx context.Context, frame *Frame, classFilter []string) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// Tracker assigns persistent identities to detections across frames
// Identities vanish without notice and may be reused after expiry
type Tracker interface {
	// Update feeds one frame of detections and returns the current tracks
	Update(detections []Detection) ([]TrackedObject, error)

	// Reset drops all tracks
	Reset()
}

// TelemetrySink performs one external write per task
type TelemetrySink interface {
	Write(ctx context.Context, task TelemetryTask) error
}

// TaskQueue accepts telemetry tasks without blocking the caller
type TaskQueue interface {
	// Enqueue returns false when the task was dropped
	Enqueue(task TelemetryTask) bool
}

// Annotator draws the processed scene onto a frame in place
type Annotator interface {
	Annotate(img *image.RGBA, scene Scene)
}
