package pipeline

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

type taskRecorder struct {
	mu    sync.Mutex
	tasks []TelemetryTask
}

func (r *taskRecorder) Enqueue(task TelemetryTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return true
}

func (r *taskRecorder) Tasks() []TelemetryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TelemetryTask, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// boxAt returns a 20x20 box centered on (cx, cy)
func boxAt(cx, cy float32) BBox {
	return BBox{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10}
}

func trackAt(id int, cx, cy float32) TrackedObject {
	return TrackedObject{ID: id, BBox: boxAt(cx, cy), Alive: true}
}

func newTestCounter(t *testing.T) (*CrossingCounter, *taskRecorder, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 14, 8, 30, 0, 0, time.UTC))
	rec := &taskRecorder{}
	return NewCrossingCounter(DefaultCrossingConfig(), clock, rec), rec, clock
}

func assertCountInvariant(t *testing.T, c *CrossingCounter) {
	t.Helper()
	counts := c.Counts()
	sum := 0
	for _, n := range counts.PerClass {
		sum += n
	}
	assert.Equal(t, counts.Total, sum, "per-class counters must add up to the total")
}

func TestLineInBand(t *testing.T) {
	t.Parallel()

	line := DefaultCrossingConfig().Line
	tests := []struct {
		name string
		p    image.Point
		want bool
	}{
		{"on the line", image.Pt(240, 135), true},
		{"inside band above", image.Pt(240, 116), true},
		{"inside band below", image.Pt(240, 154), true},
		{"band edge is exclusive", image.Pt(240, 155), false},
		{"far below", image.Pt(240, 200), false},
		{"left endpoint is exclusive", image.Pt(80, 135), false},
		{"right endpoint is exclusive", image.Pt(400, 135), false},
		{"just inside left end", image.Pt(81, 135), true},
		{"beyond the segment", image.Pt(420, 135), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, line.InBand(tt.p, 20))
		})
	}
}

func TestLineInBandDiagonal(t *testing.T) {
	t.Parallel()

	line := Line{X1: 0, Y1: 0, X2: 100, Y2: 100}
	assert.True(t, line.InBand(image.Pt(50, 50), 5))
	assert.True(t, line.InBand(image.Pt(52, 48), 5))
	assert.False(t, line.InBand(image.Pt(60, 40), 5))
	assert.False(t, Line{}.InBand(image.Pt(0, 0), 5))
}

func TestSpeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		distance float64
		elapsed  time.Duration
		want     float64
	}{
		{"two seconds", 100, 2 * time.Second, 50},
		{"same instant", 100, 0, 0},
		{"under a second", 100, 900 * time.Millisecond, 0},
		{"partial seconds are truncated", 100, 1500 * time.Millisecond, 100},
		{"rounded to two decimals", 100, 3 * time.Second, 33.33},
		{"negative elapsed", 100, -time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Speed(tt.distance, tt.elapsed))
		})
	}
}

func TestCrossingCountsOnceWhileOscillating(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestCounter(t)
	dets := []Detection{{Class: "truck", Confidence: 0.8, BBox: boxAt(200, 135)}}

	ys := []float32{100, 130, 160, 134, 90, 136, 140, 135}
	for _, y := range ys {
		c.Update([]TrackedObject{trackAt(3, 200, y)}, dets)
		assertCountInvariant(t, c)
	}

	counts := c.Counts()
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.PerClass["truck"])
	assert.True(t, c.IsCounted(3))
	assert.False(t, c.IsCounted(4))
	require.Len(t, rec.Tasks(), 1)
	assert.Equal(t, OpMerge, rec.Tasks()[0].Op)
}

func TestCrossingIgnoresObjectsThatNeverCross(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestCounter(t)

	for y := float32(10); y < 100; y += 10 {
		events := c.Update([]TrackedObject{trackAt(4, 200, y)}, nil)
		assert.Empty(t, events)
	}
	events := c.Update(nil, nil)

	assert.Empty(t, events)
	assert.Empty(t, rec.Tasks())
	assert.Equal(t, 0, c.Counts().Total)
	assert.Equal(t, 0, c.Active())
}

func TestCrossingIgnoresStaleTracks(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestCounter(t)
	stale := trackAt(5, 200, 135)
	stale.Alive = false

	c.Update([]TrackedObject{stale}, nil)
	assert.Empty(t, rec.Tasks())

	stale.Alive = true
	c.Update([]TrackedObject{stale}, nil)
	assert.Len(t, rec.Tasks(), 1)
}

func TestCrossingScenarioCountAndExit(t *testing.T) {
	t.Parallel()

	c, rec, clock := newTestCounter(t)
	car := []Detection{{Class: "car", Confidence: 0.91, BBox: boxAt(240, 135)}}

	for frame := 1; frame <= 40; frame++ {
		var tracks []TrackedObject
		switch {
		case frame < 10:
			tracks = []TrackedObject{trackAt(7, 240, float32(40+frame))}
		case frame == 10:
			tracks = []TrackedObject{trackAt(7, 240, 135)}
		case frame < 40:
			tracks = []TrackedObject{trackAt(7, 240, 200)}
		}
		if frame == 40 {
			clock.Advance(2 * time.Second)
		}

		c.Update(tracks, car)
		assertCountInvariant(t, c)

		switch {
		case frame < 10:
			assert.Empty(t, rec.Tasks(), "frame %d", frame)
		case frame < 40:
			assert.Len(t, rec.Tasks(), 1, "frame %d", frame)
		}
	}

	tasks := rec.Tasks()
	require.Len(t, tasks, 2)

	assert.Equal(t, TelemetryTask{
		Path: "/detected_vehicle/2025-03-14",
		Op:   OpMerge,
		Payload: map[string]any{
			"vehicle_class_count/car": 1,
			"total_count":             1,
		},
	}, tasks[0])

	assert.Equal(t, "/detected_vehicle/2025-03-14/individual_vehicle", tasks[1].Path)
	assert.Equal(t, OpCreate, tasks[1].Op)
	record, ok := tasks[1].Payload.(VehicleRecord)
	require.True(t, ok)
	assert.Equal(t, 7, record.VehicleID)
	assert.Equal(t, "car", record.Class)
	assert.InDelta(t, 0.91, record.Confidence, 1e-6)
	assert.Equal(t, "08:30:00", record.TimeIn)
	require.NotNil(t, record.TimeOut)
	assert.Equal(t, "08:30:02", *record.TimeOut)
	require.NotNil(t, record.SpeedMS)
	assert.Equal(t, 50.0, *record.SpeedMS)
	assert.Equal(t, "2025-03-14 08:30:00", record.Date)

	assert.Equal(t, 0, c.Active())
	assert.Empty(t, c.CountedIDs())
}

func TestCrossingExitAfterMidnightFiledUnderCrossingDay(t *testing.T) {
	t.Parallel()

	c, rec, clock := newTestCounter(t)
	clock.Set(time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC))

	c.Update([]TrackedObject{trackAt(4, 240, 135)}, nil)
	clock.Advance(2 * time.Second)
	c.Update(nil, nil)

	tasks := rec.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "/detected_vehicle/2025-03-14", tasks[0].Path)
	assert.Equal(t, "/detected_vehicle/2025-03-14/individual_vehicle", tasks[1].Path)

	record, ok := tasks[1].Payload.(VehicleRecord)
	require.True(t, ok)
	assert.Equal(t, "2025-03-14 23:59:59", record.Date)
	require.NotNil(t, record.TimeOut)
	assert.Equal(t, "00:00:01", *record.TimeOut)
}

func TestCrossingReusedIdentityCountsOnce(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestCounter(t)

	// Identity 7 disappears before ever reaching the band
	c.Update([]TrackedObject{trackAt(7, 240, 60)}, nil)
	c.Update(nil, nil)
	assert.Empty(t, rec.Tasks())

	// The tracker reuses 7 for a new vehicle that crosses
	c.Update([]TrackedObject{trackAt(7, 240, 90)}, nil)
	c.Update([]TrackedObject{trackAt(7, 240, 135)}, nil)
	c.Update([]TrackedObject{trackAt(7, 240, 140)}, nil)

	assert.Equal(t, 1, c.Counts().Total)
	assert.Len(t, rec.Tasks(), 1)
}

func TestCrossingCountsAgainAfterExit(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestCounter(t)

	c.Update([]TrackedObject{trackAt(9, 240, 135)}, nil)
	c.Update(nil, nil)
	c.Update([]TrackedObject{trackAt(9, 240, 135)}, nil)

	assert.Equal(t, 2, c.Counts().Total)
	assert.Equal(t, 2, c.Counts().PerClass["car"])

	ops := make([]TelemetryOp, 0)
	for _, task := range rec.Tasks() {
		ops = append(ops, task.Op)
	}
	assert.Equal(t, []TelemetryOp{OpMerge, OpCreate, OpMerge}, ops)
}

func TestCrossingClassAssignment(t *testing.T) {
	t.Parallel()

	t.Run("nearest detection wins", func(t *testing.T) {
		c, _, _ := newTestCounter(t)
		dets := []Detection{
			{Class: "bus", Confidence: 0.5, BBox: boxAt(100, 135)},
			{Class: "motorbike", Confidence: 0.7, BBox: boxAt(245, 137)},
		}
		events := c.Update([]TrackedObject{trackAt(1, 240, 135)}, dets)
		require.Len(t, events, 1)
		assert.Equal(t, "motorbike", events[0].Record.Class)
		assert.InDelta(t, 0.7, events[0].Record.Confidence, 1e-6)
	})

	t.Run("ties go to the first detection", func(t *testing.T) {
		c, _, _ := newTestCounter(t)
		dets := []Detection{
			{Class: "truck", Confidence: 0.6, BBox: boxAt(230, 135)},
			{Class: "bicycle", Confidence: 0.9, BBox: boxAt(250, 135)},
		}
		events := c.Update([]TrackedObject{trackAt(1, 240, 135)}, dets)
		require.Len(t, events, 1)
		assert.Equal(t, "truck", events[0].Record.Class)
	})

	t.Run("no detections defaults to car", func(t *testing.T) {
		c, _, _ := newTestCounter(t)
		events := c.Update([]TrackedObject{trackAt(1, 240, 135)}, nil)
		require.Len(t, events, 1)
		assert.Equal(t, "car", events[0].Record.Class)
	})

	t.Run("unseen class creates a counter", func(t *testing.T) {
		c, _, _ := newTestCounter(t)
		dets := []Detection{{Class: "tractor", Confidence: 0.4, BBox: boxAt(240, 135)}}
		c.Update([]TrackedObject{trackAt(1, 240, 135)}, dets)
		counts := c.Counts()
		assert.Equal(t, 1, counts.PerClass["tractor"])
		assert.Equal(t, 0, counts.PerClass["car"])
		assertCountInvariant(t, c)
	})
}

func TestCrossingInvariantAcrossManyVehicles(t *testing.T) {
	t.Parallel()

	c, rec, clock := newTestCounter(t)
	classes := []string{"car", "truck", "motorbike", "bicycle", "van"}

	for frame := 0; frame < 200; frame++ {
		clock.Advance(100 * time.Millisecond)
		var tracks []TrackedObject
		var dets []Detection
		for id := 1; id <= 5; id++ {
			// Each vehicle moves down at its own pace and leaves once past y=260
			y := float32(((frame * id) % 260) + 5)
			if (frame+id)%17 == 0 {
				continue
			}
			tracks = append(tracks, trackAt(id, float32(90+id*50), y))
			dets = append(dets, Detection{Class: classes[id-1], Confidence: 0.5, BBox: boxAt(float32(90+id*50), y)})
		}
		c.Update(tracks, dets)
		assertCountInvariant(t, c)
	}

	merges := 0
	for _, task := range rec.Tasks() {
		if task.Op == OpMerge {
			merges++
		}
	}
	assert.Equal(t, c.Counts().Total, merges)
}

func TestCountsSnapshotIsIndependent(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCounter(t)
	snap := c.Counts()
	snap.PerClass["car"] = 99

	assert.Equal(t, 0, c.Counts().PerClass["car"])
	for _, class := range DefaultVehicleClasses {
		assert.Contains(t, c.Counts().PerClass, class)
	}
}
