package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// fakeSource produces solid frames and optionally fails after a fixed number of reads
type fakeSource struct {
	failAfter int  // 0 means never fail
	dead      bool // Every read fails
	reads     atomic.Int64
	closed    atomic.Bool
}

func (s *fakeSource) ReadFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errors.New("source closed")
	}
	n := s.reads.Add(1)
	if s.dead || (s.failAfter > 0 && int(n) > s.failAfter) {
		return nil, errors.New("camera unplugged")
	}
	img := image.NewRGBA(image.Rect(0, 0, CanonicalWidth, CanonicalHeight))
	return &Frame{Image: img, Seq: uint64(n), Timestamp: time.Now()}, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

// sourceFactory hands out fakeSources and records every open attempt
type sourceFactory struct {
	mu        sync.Mutex
	opens     int
	failFrom  int // Opens numbered >= failFrom fail; 0 means never
	failAfter int
	dead      bool
	sources   []*fakeSource
}

func (f *sourceFactory) Open(ctx context.Context, address string) (FrameSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failFrom > 0 && f.opens >= f.failFrom {
		return nil, errors.New("connection refused")
	}
	src := &fakeSource{failAfter: f.failAfter, dead: f.dead}
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *sourceFactory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeDetector moves a single car down the frame by step pixels per call
type fakeDetector struct {
	unhealthy bool
	step      float32
	block     chan struct{} // When set, Detect waits for it to close
	calls     atomic.Int64
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) IsHealthy(ctx context.Context) bool { return !d.unhealthy }

func (d *fakeDetector) Detect(ctx context.Context, frame *Frame, classFilter []string) ([]Detection, error) {
	n := d.calls.Add(1)
	if d.block != nil {
		<-d.block
	}
	y := 60 + float32(n)*d.step
	return []Detection{{Class: "car", Confidence: 0.9, BBox: boxAt(240, y)}}, nil
}

func (d *fakeDetector) Close() error { return nil }

// lateDetector holds its first call until release closes and reports a
// "stale" vehicle from it. Later calls see an empty road.
type lateDetector struct {
	release chan struct{}
	calls   atomic.Int64
}

func (d *lateDetector) Name() string                       { return "late" }
func (d *lateDetector) IsHealthy(ctx context.Context) bool { return true }
func (d *lateDetector) Close() error                       { return nil }

func (d *lateDetector) Detect(ctx context.Context, frame *Frame, classFilter []string) ([]Detection, error) {
	if d.calls.Add(1) == 1 {
		<-d.release
		return []Detection{{Class: "stale", Confidence: 0.9, BBox: boxAt(240, 135)}}, nil
	}
	return nil, nil
}

// echoTracker gives every detection the identity of its index plus one
type echoTracker struct {
	mu      sync.Mutex
	resets  int
	classes []string // Every class it was fed
}

func (t *echoTracker) Update(detections []Detection) ([]TrackedObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracks := make([]TrackedObject, len(detections))
	for i, det := range detections {
		tracks[i] = TrackedObject{ID: i + 1, BBox: det.BBox, Alive: true}
		t.classes = append(t.classes, det.Class)
	}
	return tracks, nil
}

func (t *echoTracker) Classes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.classes))
	copy(out, t.classes)
	return out
}

func (t *echoTracker) Reset() {
	t.mu.Lock()
	t.resets++
	t.mu.Unlock()
}

func (t *echoTracker) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// recordingSink stores written tasks and can fail or block on demand
type recordingSink struct {
	mu      sync.Mutex
	tasks   []TelemetryTask
	failOn  map[string]bool // Paths that fail
	started chan struct{}   // Receives once per write attempt when non-nil
	release chan struct{}   // Writes wait for it when non-nil
}

func (s *recordingSink) Write(ctx context.Context, task TelemetryTask) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[task.Path] {
		return errors.New("permission denied")
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSink) Tasks() []TelemetryTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TelemetryTask, len(s.tasks))
	copy(out, s.tasks)
	return out
}
