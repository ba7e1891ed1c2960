package pipeline

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

// DefaultVehicleClasses are the per-class counters present from the start
var DefaultVehicleClasses = []string{"car", "truck", "bus", "motorbike", "bicycle"}

const (
	defaultVehicleClass = "car"

	dayLayout  = "2006-01-02"
	dateLayout = "2006-01-02 15:04:05"
	timeLayout = "15:04:05"
)

// CrossingConfig configures the counting line and speed estimation
type CrossingConfig struct {
	Line           Line     // Counting line segment
	Tolerance      float64  // Band half-width in pixels
	DistanceMeters float64  // Real-world distance covered between entry and exit
	Classes        []string // Counters initialized to zero
}

// DefaultCrossingConfig returns the stock line [400,135,80,135] with a 20px band
func DefaultCrossingConfig() CrossingConfig {
	return CrossingConfig{
		Line:           Line{X1: 400, Y1: 135, X2: 80, Y2: 135},
		Tolerance:      20,
		DistanceMeters: 100,
		Classes:        DefaultVehicleClasses,
	}
}

// CrossingCounter turns tracker output into exactly-once vehicle counts.
// An identity moves Tracking -> Counted the first frame its centroid is in the
// counting band, and is forgotten the first frame it is missing from the
// tracker output. Forgetting it lets the tracker reuse the identity later.
//
// Update must only be called from the pipeline loop. Counts is safe for
// concurrent readers.
type CrossingCounter struct {
	cfg   CrossingConfig
	clock timeutil.Clock
	queue TaskQueue

	crossed map[int]struct{}
	records map[int]*VehicleRecord

	mu       sync.RWMutex
	total    []int
	perClass map[string]int
}

// NewCrossingCounter creates a counter that enqueues telemetry onto queue
func NewCrossingCounter(cfg CrossingConfig, clock timeutil.Clock, queue TaskQueue) *CrossingCounter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &CrossingCounter{
		cfg:      cfg,
		clock:    clock,
		queue:    queue,
		crossed:  make(map[int]struct{}),
		records:  make(map[int]*VehicleRecord),
		perClass: make(map[string]int, len(cfg.Classes)),
	}
	for _, class := range cfg.Classes {
		c.perClass[class] = 0
	}
	return c
}

// Update processes one frame of tracks and the raw detections they came from.
// It returns the vehicle events produced by this frame in order.
func (c *CrossingCounter) Update(tracks []TrackedObject, detections []Detection) []VehicleEvent {
	now := c.clock.Now()
	var events []VehicleEvent

	current := make(map[int]struct{}, len(tracks))
	for _, track := range tracks {
		current[track.ID] = struct{}{}
		if !track.Alive {
			continue
		}
		if _, done := c.crossed[track.ID]; done {
			continue
		}
		centroid := track.Centroid()
		if !c.cfg.Line.InBand(centroid, c.cfg.Tolerance) {
			continue
		}
		events = append(events, c.count(track, centroid.X, centroid.Y, detections, now))
	}

	exited := make([]int, 0)
	for id := range c.records {
		if _, ok := current[id]; !ok {
			exited = append(exited, id)
		}
	}
	sort.Ints(exited)
	for _, id := range exited {
		events = append(events, c.exit(id, now))
	}

	return events
}

func (c *CrossingCounter) count(track TrackedObject, cx, cy int, detections []Detection, now time.Time) VehicleEvent {
	class, confidence := nearestDetection(float64(cx), float64(cy), detections)

	record := &VehicleRecord{
		VehicleID:  track.ID,
		Class:      class,
		Confidence: confidence,
		TimeIn:     now.Format(timeLayout),
		Date:       now.Format(dateLayout),
		enteredAt:  now,
	}
	c.crossed[track.ID] = struct{}{}
	c.records[track.ID] = record

	c.mu.Lock()
	c.total = append(c.total, track.ID)
	c.perClass[class]++
	classCount := c.perClass[class]
	total := len(c.total)
	c.mu.Unlock()

	log.Printf("[Crossing] Vehicle %d (%s) crossed the line, total: %d", track.ID, class, total)

	c.enqueue(TelemetryTask{
		Path: vehiclePath(now),
		Op:   OpMerge,
		Payload: map[string]any{
			"vehicle_class_count/" + class: classCount,
			"total_count":                  total,
		},
	})

	return VehicleEvent{Kind: EventCounted, Record: *record, Counts: c.Counts(), Timestamp: now}
}

func (c *CrossingCounter) exit(id int, now time.Time) VehicleEvent {
	record := c.records[id]

	timeOut := now.Format(timeLayout)
	speed := Speed(c.cfg.DistanceMeters, now.Sub(record.enteredAt))
	record.TimeOut = &timeOut
	record.SpeedMS = &speed

	// Filed under the crossing day so the record stays with that day's counts
	c.enqueue(TelemetryTask{
		Path:    vehiclePath(record.enteredAt) + "/individual_vehicle",
		Op:      OpCreate,
		Payload: *record,
	})

	delete(c.records, id)
	delete(c.crossed, id)

	log.Printf("[Crossing] Vehicle %d left after %s at %.2f m/s", id, now.Sub(record.enteredAt).Truncate(time.Second), speed)
	return VehicleEvent{Kind: EventExited, Record: *record, Counts: c.Counts(), Timestamp: now}
}

func (c *CrossingCounter) enqueue(task TelemetryTask) {
	if c.queue == nil {
		return
	}
	c.queue.Enqueue(task)
}

// Counts returns a snapshot of the running totals
func (c *CrossingCounter) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	perClass := make(map[string]int, len(c.perClass))
	for class, n := range c.perClass {
		perClass[class] = n
	}
	return Counts{Total: len(c.total), PerClass: perClass}
}

// CountedIDs returns the identities currently in the Counted state
func (c *CrossingCounter) CountedIDs() map[int]bool {
	ids := make(map[int]bool, len(c.crossed))
	for id := range c.crossed {
		ids[id] = true
	}
	return ids
}

// IsCounted reports whether id has crossed the line in its current episode
func (c *CrossingCounter) IsCounted(id int) bool {
	_, ok := c.crossed[id]
	return ok
}

// Active returns the number of counted vehicles still in view
func (c *CrossingCounter) Active() int {
	return len(c.records)
}

// Speed returns distance / elapsed whole seconds rounded to two decimals,
// or 0 when less than one second elapsed.
func Speed(distance float64, elapsed time.Duration) float64 {
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 {
		return 0
	}
	return math.Round(distance/float64(seconds)*100) / 100
}

// nearestDetection picks the detection whose center is closest to (cx, cy).
// Ties go to the earliest detection; an empty frame defaults to car.
func nearestDetection(cx, cy float64, detections []Detection) (string, float32) {
	class, confidence := defaultVehicleClass, float32(0)
	best := math.Inf(1)
	for _, det := range detections {
		dx, dy := det.BBox.Center()
		d := math.Hypot(cx-dx, cy-dy)
		if d < best {
			best = d
			class = det.Class
			confidence = det.Confidence
		}
	}
	return class, confidence
}

func vehiclePath(now time.Time) string {
	return fmt.Sprintf("/detected_vehicle/%s", now.Format(dayLayout))
}
