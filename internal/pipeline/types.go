package pipeline

import (
	"image"
	"image/draw"
	"math"
	"time"
)

// State is the lifecycle state of a Pipeline
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
)

// Canonical processing resolution. Every frame is resized to this before
// detection so the counting line coordinates stay meaningful.
const (
	CanonicalWidth  = 480
	CanonicalHeight = 270
)

// Frame is a decoded video frame
type Frame struct {
	Image     *image.RGBA // Pixel buffer at the canonical resolution
	Seq       uint64      // Sequence number assigned by the source
	Timestamp time.Time   // Capture timestamp
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	clone := &Frame{Seq: f.Seq, Timestamp: f.Timestamp}
	if f.Image != nil {
		img := image.NewRGBA(f.Image.Bounds())
		copy(img.Pix, f.Image.Pix)
		clone.Image = img
	}
	return clone
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// NewFrame copies img into a new RGBA frame
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return &Frame{Image: rgba, Seq: seq, Timestamp: ts}
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &Frame{Image: rgba, Seq: seq, Timestamp: ts}
}

// BBox is a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Width returns the box width
func (b BBox) Width() float32 { return b.X2 - b.X1 }

// Height returns the box height
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

// Center returns the geometric center of the box
func (b BBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// Rect converts the box to an integer image rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection is a single detector output mapped to a vehicle class
type Detection struct {
	Class      string  `json:"class"`      // Vehicle class (car, truck, motorbike, ...)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`
}

// TrackedObject is a detection with a tracker-assigned identity
type TrackedObject struct {
	ID    int  `json:"track_id"`
	BBox  BBox `json:"bbox"`
	Alive bool `json:"alive"` // Matched to a detection in the current frame
}

// Centroid returns the integer centroid x1 + w/2, y1 + h/2
func (o TrackedObject) Centroid() image.Point {
	x1, y1 := int(o.BBox.X1), int(o.BBox.Y1)
	w, h := int(o.BBox.X2)-x1, int(o.BBox.Y2)-y1
	return image.Point{X: x1 + w/2, Y: y1 + h/2}
}

// Line is the virtual counting line segment
type Line struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// LineFromLimits builds a line from [x1, y1, x2, y2] limits
func LineFromLimits(limits []int) Line {
	if len(limits) != 4 {
		return Line{}
	}
	return Line{X1: limits[0], Y1: limits[1], X2: limits[2], Y2: limits[3]}
}

// InBand reports whether p lies within tolerance pixels of the segment.
// The projection of p must fall strictly inside the segment and the
// perpendicular distance must be strictly below tolerance.
func (l Line) InBand(p image.Point, tolerance float64) bool {
	dx := float64(l.X2 - l.X1)
	dy := float64(l.Y2 - l.Y1)
	length2 := dx*dx + dy*dy
	if length2 == 0 {
		return false
	}
	px := float64(p.X - l.X1)
	py := float64(p.Y - l.Y1)
	t := (px*dx + py*dy) / length2
	if t <= 0 || t >= 1 {
		return false
	}
	dist := math.Abs(px*dy-py*dx) / math.Sqrt(length2)
	return dist < tolerance
}

// VehicleRecord describes one counted vehicle. TimeOut and SpeedMS stay nil
// until the vehicle leaves the tracked set.
type VehicleRecord struct {
	VehicleID  int      `json:"vehicle_id"`
	Class      string   `json:"class"`
	Confidence float32  `json:"confidence_score"`
	TimeIn     string   `json:"time_in"`  // 15:04:05
	TimeOut    *string  `json:"time_out"` // 15:04:05
	SpeedMS    *float64 `json:"speed_ms"`
	Date       string   `json:"date"` // 2006-01-02 15:04:05

	enteredAt time.Time
}

// Counts is a snapshot of the running vehicle counts
type Counts struct {
	Total    int            `json:"total_count"`
	PerClass map[string]int `json:"vehicle_counts"`
}

// TelemetryOp is the kind of write a TelemetryTask performs
type TelemetryOp string

const (
	// OpCreate appends the payload as a new child with a generated key
	OpCreate TelemetryOp = "create"
	// OpReplace overwrites the value at the path
	OpReplace TelemetryOp = "replace"
	// OpMerge writes each payload key as a child path of the target
	OpMerge TelemetryOp = "merge"
)

// TelemetryTask is one queued write to the telemetry store
type TelemetryTask struct {
	Path    string      `json:"path"`
	Op      TelemetryOp `json:"op"`
	Payload any         `json:"data"`
}

// EventKind identifies a vehicle lifecycle event
type EventKind string

const (
	EventCounted EventKind = "vehicle_counted"
	EventExited  EventKind = "vehicle_exited"
)

// VehicleEvent is published on the EventBus when a vehicle is counted or leaves
type VehicleEvent struct {
	Kind      EventKind     `json:"type"`
	Record    VehicleRecord `json:"vehicle"`
	Counts    Counts        `json:"counts"`
	Timestamp time.Time     `json:"timestamp"`
}

// Status reports the pipeline lifecycle and loop statistics
type Status struct {
	State           State     `json:"state"`
	Running         bool      `json:"running"`
	Source          string    `json:"camera_source"`
	RunID           string    `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FramesRead      uint64    `json:"frames_read"`
	FramesProcessed uint64    `json:"frames_processed"`
	Reconnects      int64     `json:"reconnects"`
	LastError       string    `json:"last_error,omitempty"`
}

// QueueStats contains telemetry dispatch counters
type QueueStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Scene is everything the annotator draws on a processed frame
type Scene struct {
	Line       Line
	Detections []Detection
	Tracks     []TrackedObject
	Counted    map[int]bool
	Counts     Counts
}
