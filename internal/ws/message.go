package ws

import (
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// DetectionMessage is the periodic snapshot of tracked detections and counts
type DetectionMessage struct {
	Type          string            `json:"type"` // "detection"
	Timestamp     time.Time         `json:"timestamp"`
	Running       bool              `json:"running"`
	FrameWidth    int               `json:"frame_width"`
	FrameHeight   int               `json:"frame_height"`
	Objects       []ObjectDetection `json:"objects"`
	TotalCount    int               `json:"total_count"`
	VehicleCounts map[string]int    `json:"vehicle_counts"`
}

// ObjectDetection represents a single tracked vehicle
type ObjectDetection struct {
	Class      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2] in pixels
}

// EventMessage announces a vehicle that was counted or left the scene
type EventMessage struct {
	Type      pipeline.EventKind     `json:"type"` // "vehicle_counted" or "vehicle_exited"
	Timestamp time.Time              `json:"timestamp"`
	Vehicle   pipeline.VehicleRecord `json:"vehicle"`
	Counts    pipeline.Counts        `json:"counts"`
}

// NewDetectionMessage creates a detection message for the canonical frame size
func NewDetectionMessage(running bool, detections []pipeline.Detection, counts pipeline.Counts) *DetectionMessage {
	msg := &DetectionMessage{
		Type:          "detection",
		Timestamp:     time.Now(),
		Running:       running,
		FrameWidth:    pipeline.CanonicalWidth,
		FrameHeight:   pipeline.CanonicalHeight,
		Objects:       make([]ObjectDetection, 0, len(detections)),
		TotalCount:    counts.Total,
		VehicleCounts: counts.PerClass,
	}
	if msg.VehicleCounts == nil {
		msg.VehicleCounts = map[string]int{}
	}
	for _, d := range detections {
		msg.AddObject(d.Class, d.Confidence, []float32{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2})
	}
	return msg
}

// AddObject adds a detection to the message
func (m *DetectionMessage) AddObject(class string, confidence float32, bbox []float32) {
	m.Objects = append(m.Objects, ObjectDetection{
		Class:      class,
		Confidence: confidence,
		BBox:       bbox,
	})
}

// NewEventMessage wraps a pipeline event
func NewEventMessage(ev pipeline.VehicleEvent) *EventMessage {
	return &EventMessage{
		Type:      ev.Kind,
		Timestamp: ev.Timestamp,
		Vehicle:   ev.Record,
		Counts:    ev.Counts,
	}
}
