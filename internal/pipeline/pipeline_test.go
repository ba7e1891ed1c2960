package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSkip = 1
	cfg.FrameInterval = time.Millisecond
	cfg.ReconnectBackoff = time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

type harness struct {
	pipeline *Pipeline
	sources  *sourceFactory
	detector *fakeDetector
	tracker  *echoTracker
	sink     *recordingSink
	events   *EventBus
}

func newHarness(t *testing.T, cfg Config, sources *sourceFactory, detector *fakeDetector) *harness {
	t.Helper()
	if sources == nil {
		sources = &sourceFactory{}
	}
	if detector == nil {
		detector = &fakeDetector{step: 5}
	}
	h := &harness{
		sources:  sources,
		detector: detector,
		tracker:  &echoTracker{},
		sink:     &recordingSink{},
		events:   NewEventBus(),
	}

	p, err := New(cfg, Dependencies{
		Open:     sources.Open,
		Detector: detector,
		Tracker:  h.tracker,
		Sink:     h.sink,
		Events:   h.events,
	})
	require.NoError(t, err)
	h.pipeline = p

	t.Cleanup(func() {
		_ = p.Stop()
		h.events.Close()
	})
	return h
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FrameSkip = 0
	_, err := New(cfg, Dependencies{})
	require.Error(t, err)

	_, err = New(DefaultConfig(), Dependencies{})
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frame interval", func(c *Config) { c.FrameInterval = 0 }},
		{"zero tolerance", func(c *Config) { c.Crossing.Tolerance = 0 }},
		{"degenerate line", func(c *Config) { c.Crossing.Line = Line{X1: 10, Y1: 10, X2: 10, Y2: 10} }},
		{"zero stop timeout", func(c *Config) { c.StopTimeout = 0 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPipelineStartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, nil)
	p := h.pipeline

	assert.Equal(t, StateStopped, p.Status().State)
	assert.Nil(t, p.LatestRawFrame())
	assert.Nil(t, p.LatestAnnotatedFrame())
	assert.Equal(t, 0, p.Counts().Total)

	require.NoError(t, p.Start(context.Background(), "rtsp://cam/1"))
	assert.True(t, p.Running())

	require.Eventually(t, func() bool {
		return p.Status().FramesProcessed >= 3
	}, waitFor, tick)

	raw := p.LatestRawFrame()
	require.NotNil(t, raw)
	assert.Equal(t, CanonicalWidth, raw.Width())
	assert.Equal(t, CanonicalHeight, raw.Height())
	assert.NotNil(t, p.LatestAnnotatedFrame())

	status := p.Status()
	assert.Equal(t, "rtsp://cam/1", status.Source)
	assert.NotEmpty(t, status.RunID)

	require.NoError(t, p.Stop())
	assert.Equal(t, StateStopped, p.Status().State)
	assert.False(t, p.Running())
	assert.True(t, h.sources.sources[0].closed.Load())

	// Stop on a stopped pipeline is a no-op
	require.NoError(t, p.Stop())
}

func TestPipelineRejectsSecondStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, nil)
	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))

	err := h.pipeline.Start(context.Background(), "cam")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, h.sources.Opens())
}

func TestPipelineRestartResetsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, nil)
	p := h.pipeline

	require.NoError(t, p.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool { return p.Counts().Total == 1 }, waitFor, tick)
	firstRun := p.Status().RunID
	require.NoError(t, p.Stop())

	// Counts survive the stop until the next start
	assert.Equal(t, 1, p.Counts().Total)

	h.detector.calls.Store(0)
	require.NoError(t, p.Start(context.Background(), "cam"))
	assert.NotEqual(t, firstRun, p.Status().RunID)
	assert.Equal(t, 2, h.tracker.Resets())
	assert.Equal(t, 2, h.sources.Opens())

	// The new run counts the same vehicle from zero
	require.Eventually(t, func() bool { return h.detector.calls.Load() >= 20 }, waitFor, tick)
	assert.Equal(t, 1, p.Counts().Total)
}

func TestPipelineStartFailsWhenSourceUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &sourceFactory{failFrom: 1}, nil)

	err := h.pipeline.Start(context.Background(), "rtsp://offline")
	require.ErrorIs(t, err, ErrSourceUnavailable)

	status := h.pipeline.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Contains(t, status.LastError, "rtsp://offline")
}

func TestPipelineStartFailsWhenDetectorUnhealthy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, &fakeDetector{unhealthy: true})

	err := h.pipeline.Start(context.Background(), "cam")
	require.ErrorIs(t, err, ErrDetectorUnavailable)
	assert.Equal(t, 0, h.sources.Opens())
	assert.Equal(t, StateStopped, h.pipeline.Status().State)
}

func TestPipelineCountsAndDrainsTelemetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, nil)
	counted, unsubscribe := h.events.SubscribeChannel(4, EventCounted)
	defer unsubscribe()

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))

	select {
	case ev := <-counted:
		assert.Equal(t, EventCounted, ev.Kind)
		assert.Equal(t, 1, ev.Record.VehicleID)
		assert.Equal(t, "car", ev.Record.Class)
		assert.Equal(t, 1, ev.Counts.Total)
	case <-time.After(waitFor):
		t.Fatal("no count event published")
	}

	require.NoError(t, h.pipeline.Stop())

	tasks := h.sink.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, OpMerge, tasks[0].Op)
	assert.Equal(t, map[string]any{"vehicle_class_count/car": 1, "total_count": 1}, tasks[0].Payload)

	stats := h.pipeline.QueueStats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, 0, stats.Pending)
}

func TestPipelineFrameSkip(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FrameSkip = 3
	h := newHarness(t, cfg, nil, nil)

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool {
		return h.pipeline.Status().FramesRead >= 12
	}, waitFor, tick)
	require.NoError(t, h.pipeline.Stop())

	status := h.pipeline.Status()
	assert.Equal(t, status.FramesRead/3, status.FramesProcessed)
	assert.Equal(t, int64(status.FramesProcessed), h.detector.calls.Load())
}

func TestPipelineReconnectsAfterReadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &sourceFactory{failAfter: 3}, nil)

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool {
		return h.sources.Opens() >= 3 && h.pipeline.Status().Reconnects >= 2
	}, waitFor, tick)

	assert.True(t, h.pipeline.Running())
	require.NoError(t, h.pipeline.Stop())
}

func TestPipelineStopsAfterExhaustingReconnects(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxReconnects = 2
	h := newHarness(t, cfg, &sourceFactory{failAfter: 1, failFrom: 2}, nil)

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool {
		return h.pipeline.Status().State == StateStopped
	}, waitFor, tick)

	assert.Equal(t, 3, h.sources.Opens())
	assert.Contains(t, h.pipeline.Status().LastError, "reconnect")
	require.NoError(t, h.pipeline.Stop())

	// A fresh start is allowed once the loop has given up
	h.sources.mu.Lock()
	h.sources.failFrom = 0
	h.sources.mu.Unlock()
	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
}

func TestPipelineStopTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	detector := &fakeDetector{step: 5, block: make(chan struct{})}
	h := newHarness(t, cfg, nil, detector)
	defer close(detector.block)

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool { return detector.calls.Load() >= 1 }, waitFor, tick)

	err := h.pipeline.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StateStopped, h.pipeline.Status().State)
}

func TestPipelineRestartAfterStopTimeoutDropsStaleFrame(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	detector := &lateDetector{release: make(chan struct{})}
	tracker := &echoTracker{}
	events := NewEventBus()
	defer events.Close()

	p, err := New(cfg, Dependencies{
		Open:     (&sourceFactory{}).Open,
		Detector: detector,
		Tracker:  tracker,
		Sink:     &recordingSink{},
		Events:   events,
	})
	require.NoError(t, err)
	defer func() { _ = p.Stop() }()

	published, unsubscribe := events.SubscribeChannel(16)
	defer unsubscribe()

	require.NoError(t, p.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool { return detector.calls.Load() >= 1 }, waitFor, tick)
	first := p.currentRun()
	require.ErrorIs(t, p.Stop(), ErrStopTimeout)

	require.NoError(t, p.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool { return p.Status().FramesProcessed >= 3 }, waitFor, tick)

	// Let the first run's detection finish after the restart
	close(detector.release)
	select {
	case <-first.done:
	case <-time.After(waitFor):
		t.Fatal("stale loop did not exit")
	}
	processed := p.Status().FramesProcessed
	require.Eventually(t, func() bool { return p.Status().FramesProcessed > processed }, waitFor, tick)

	assert.NotContains(t, tracker.Classes(), "stale")
	assert.Empty(t, p.CurrentDetections())
	assert.Equal(t, 0, p.Counts().Total)
	assert.Empty(t, published)
	assert.Equal(t, StateRunning, p.Status().State)
}

func TestPipelineStopsWhenReopenedSourceNeverDelivers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxReconnects = 3
	h := newHarness(t, cfg, &sourceFactory{dead: true}, nil)

	require.NoError(t, h.pipeline.Start(context.Background(), "cam"))
	require.Eventually(t, func() bool {
		return h.pipeline.Status().State == StateStopped
	}, waitFor, tick)

	status := h.pipeline.Status()
	assert.Equal(t, 3, h.sources.Opens())
	assert.Equal(t, uint64(0), status.FramesRead)
	assert.Contains(t, status.LastError, "3 reconnect attempts failed")
}

func TestPipelineConcurrentReaders(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), nil, nil)
	p := h.pipeline
	require.NoError(t, p.Start(context.Background(), "cam"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = p.LatestAnnotatedFrame()
				_ = p.LatestRawFrame()
				_ = p.CurrentDetections()
				_ = p.Counts()
				_ = p.Status()
			}
		}()
	}

	require.Eventually(t, func() bool { return p.Status().FramesProcessed >= 20 }, waitFor, tick)
	close(stop)
	wg.Wait()
	require.NoError(t, p.Stop())
}

func TestMatchTracked(t *testing.T) {
	t.Parallel()

	dets := []Detection{
		{Class: "car", BBox: BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}},
		{Class: "truck", BBox: BBox{X1: 200, Y1: 100, X2: 260, Y2: 160}},
		{Class: "bicycle", BBox: BBox{X1: 300, Y1: 10, X2: 320, Y2: 40}},
	}
	tracks := []TrackedObject{
		{ID: 1, BBox: BBox{X1: 15, Y1: 12, X2: 55, Y2: 48}},
		{ID: 2, BBox: BBox{X1: 200, Y1: 100, X2: 280, Y2: 160}},
	}

	matched := MatchTracked(dets, tracks, 20)
	require.Len(t, matched, 1)
	assert.Equal(t, "car", matched[0].Class)

	assert.Empty(t, MatchTracked(dets, nil, 20))
}
