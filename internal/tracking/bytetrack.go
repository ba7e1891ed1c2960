// Package tracking assigns persistent identities to vehicle detections using
// ByteTrack with Kalman-filtered bounding boxes.
package tracking

import (
	"sort"
	"sync"

	"github.com/LdDl/mot-go/mot"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// Config holds ByteTrack parameters
type Config struct {
	MaxDisappeared int     `yaml:"max_disappeared"` // Frames a track may go unmatched before removal
	MinIoU         float64 `yaml:"min_iou"`
	HighThresh     float64 `yaml:"high_thresh"` // Detections at or above start new tracks
	LowThresh      float64 `yaml:"low_thresh"`  // Second-stage association floor
	Algorithm      string  `yaml:"algorithm"`   // "hungarian" or "greedy"
	Dt             float64 `yaml:"dt"`          // Kalman time step between processed frames, in seconds
}

// DefaultConfig returns parameters suited to a 480x270 traffic feed
func DefaultConfig() Config {
	return Config{
		MaxDisappeared: 20,
		MinIoU:         0.3,
		HighThresh:     0.5,
		LowThresh:      0.3,
		Algorithm:      "hungarian",
		Dt:             1.0 / 15.0, // 30 fps with every second frame processed
	}
}

// ByteTrack adapts mot.ByteTracker to pipeline.Tracker. The library keys
// tracks by UUID; they are exposed as small sequential integers.
type ByteTrack struct {
	cfg Config

	mu      sync.Mutex
	tracker *mot.ByteTracker[*mot.BlobBBox]
	ids     map[uuid.UUID]int
	nextID  int
}

// NewByteTrack creates a tracker
func NewByteTrack(cfg Config) *ByteTrack {
	if cfg.MaxDisappeared <= 0 {
		cfg.MaxDisappeared = DefaultConfig().MaxDisappeared
	}
	if cfg.Dt <= 0 {
		cfg.Dt = DefaultConfig().Dt
	}
	t := &ByteTrack{cfg: cfg}
	t.reset()
	return t
}

// Update feeds one frame of detections. Tracks matched this frame, and
// tracks created from this frame's detections, are reported Alive; tracks
// that are coasting on their Kalman prediction are returned with Alive
// false until they are matched again or expire.
func (t *ByteTrack) Update(detections []pipeline.Detection) ([]pipeline.TrackedObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blobs := make([]*mot.BlobBBox, len(detections))
	confidences := make([]float64, len(detections))
	for i, det := range detections {
		blobs[i] = mot.NewBlobBBoxWithTime(mot.Rectangle{
			X:      float64(det.BBox.X1),
			Y:      float64(det.BBox.Y1),
			Width:  float64(det.BBox.Width()),
			Height: float64(det.BBox.Height()),
		}, t.cfg.Dt)
		confidences[i] = float64(det.Confidence)
	}

	known := make(map[uuid.UUID]struct{}, len(t.tracker.Objects))
	for id := range t.tracker.Objects {
		known[id] = struct{}{}
	}

	if err := t.tracker.MatchObjects(blobs, confidences); err != nil {
		return nil, errors.Wrap(err, "bytetrack: match objects")
	}

	active := t.tracker.GetActiveTracks()
	tracks := make([]pipeline.TrackedObject, 0, len(active))
	for _, blob := range active {
		_, existed := known[blob.GetID()]
		r := blob.GetBBox()
		tracks = append(tracks, pipeline.TrackedObject{
			ID: t.idFor(blob.GetID()),
			BBox: pipeline.BBox{
				X1: float32(r.X),
				Y1: float32(r.Y),
				X2: float32(r.X + r.Width),
				Y2: float32(r.Y + r.Height),
			},
			Alive: blob.GetNoMatchTimes() == 0 || !existed,
		})
	}

	// Forget identities the library has removed
	for id := range t.ids {
		if _, ok := t.tracker.Objects[id]; !ok {
			delete(t.ids, id)
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks, nil
}

// Reset drops every track and restarts identity numbering
func (t *ByteTrack) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *ByteTrack) reset() {
	algorithm := mot.MatchingAlgorithmHungarian
	if t.cfg.Algorithm == "greedy" {
		algorithm = mot.MatchingAlgorithmGreedy
	}
	t.tracker = mot.NewByteTracker[*mot.BlobBBox](t.cfg.MaxDisappeared, t.cfg.MinIoU, t.cfg.HighThresh, t.cfg.LowThresh, algorithm)
	t.ids = make(map[uuid.UUID]int)
	t.nextID = 0
}

func (t *ByteTrack) idFor(id uuid.UUID) int {
	if n, ok := t.ids[id]; ok {
		return n
	}
	t.nextID++
	t.ids[id] = t.nextID
	return t.nextID
}

var _ pipeline.Tracker = (*ByteTrack)(nil)
