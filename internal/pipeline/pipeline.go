package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

var (
	ErrAlreadyRunning      = errors.New("pipeline is already running")
	ErrNotRunning          = errors.New("pipeline is not running")
	ErrStopTimeout         = errors.New("pipeline loop did not stop in time")
	ErrSourceUnavailable   = errors.New("camera source unavailable")
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// Config controls the processing loop
type Config struct {
	Crossing         CrossingConfig
	ClassFilter      []string      // Detector classes requested on every pass
	FrameSkip        int           // Run detection on every Nth frame
	FrameInterval    time.Duration // Target loop period
	DetectTimeout    time.Duration // Upper bound for one detection call
	ReconnectBackoff time.Duration // Wait before reopening a failed source
	MaxReconnects    int           // Consecutive failed reconnects before giving up (0 = unlimited)
	StopTimeout      time.Duration // Bounded join on Stop
	DrainTimeout     time.Duration // Bounded telemetry drain on Stop
	QueueSize        int
	WriteTimeout     time.Duration // Per-task telemetry write timeout
	MatchTolerance   float32       // Pixel tolerance when pairing detections with tracks
}

// DefaultConfig returns defaults tuned for a 480x270 feed at ~30 fps
func DefaultConfig() Config {
	return Config{
		Crossing:         DefaultCrossingConfig(),
		ClassFilter:      []string{"car", "truck", "bus", "motorcycle", "bicycle"},
		FrameSkip:        2,
		FrameInterval:    33 * time.Millisecond,
		DetectTimeout:    5 * time.Second,
		ReconnectBackoff: 2 * time.Second,
		MaxReconnects:    0,
		StopTimeout:      5 * time.Second,
		DrainTimeout:     5 * time.Second,
		QueueSize:        defaultQueueSize,
		WriteTimeout:     defaultWriteTimeout,
		MatchTolerance:   20,
	}
}

// Validate checks the configuration for values the loop cannot run with
func (c Config) Validate() error {
	if c.FrameSkip < 1 {
		return fmt.Errorf("frame skip must be >= 1, got %d", c.FrameSkip)
	}
	if c.FrameInterval <= 0 {
		return fmt.Errorf("frame interval must be positive, got %s", c.FrameInterval)
	}
	if c.Crossing.Tolerance <= 0 {
		return fmt.Errorf("band tolerance must be positive, got %v", c.Crossing.Tolerance)
	}
	if c.Crossing.Line.X1 == c.Crossing.Line.X2 && c.Crossing.Line.Y1 == c.Crossing.Line.Y2 {
		return fmt.Errorf("counting line has zero length")
	}
	if c.StopTimeout <= 0 || c.DrainTimeout <= 0 {
		return fmt.Errorf("stop and drain timeouts must be positive")
	}
	return nil
}

// Dependencies are the collaborators the pipeline drives
type Dependencies struct {
	Open      SourceOpener
	Detector  Detector
	Tracker   Tracker
	Sink      TelemetrySink
	Annotator Annotator      // Optional
	Events    *EventBus      // Optional
	Clock     timeutil.Clock // Defaults to the real clock
}

// Pipeline runs capture, detection, tracking and line-crossing counting for
// one camera source. Start and Stop may be called from any goroutine.
type Pipeline struct {
	cfg  Config
	deps Dependencies

	lifecycle sync.Mutex // serializes Start and Stop
	trackMu   sync.Mutex // orders tracker updates against the reset of a new run

	mu        sync.RWMutex
	state     State
	source    string
	startedAt time.Time
	lastErr   string
	run       *run
}

// run holds the state of one Start..Stop cycle. A loop that outlives a
// timed-out join writes only to its own frame buffer and counter, and
// drops its in-flight detections once the run is cancelled.
type run struct {
	id      string
	address string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	frames  *FrameBuffer
	counter *CrossingCounter
	queue   *Dispatcher

	srcMu  sync.Mutex
	source FrameSource

	framesRead atomic.Uint64
	processed  atomic.Uint64
	reconnects atomic.Int64

	finishOnce sync.Once
}

// New creates a stopped pipeline
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Open == nil || deps.Detector == nil || deps.Tracker == nil || deps.Sink == nil {
		return nil, fmt.Errorf("pipeline requires a source opener, detector, tracker and telemetry sink")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	return &Pipeline{
		cfg:   cfg,
		deps:  deps,
		state: StateStopped,
	}, nil
}

// Start opens the source and launches the processing loop. Setup failures
// leave the pipeline Stopped and are returned to the caller.
func (p *Pipeline) Start(ctx context.Context, source string) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateInitializing
	p.source = source
	p.lastErr = ""
	p.mu.Unlock()

	log.Printf("[Pipeline] Initializing with source %s", source)

	r, err := p.setup(ctx, source)
	if err != nil {
		p.mu.Lock()
		p.state = StateStopped
		p.lastErr = err.Error()
		p.mu.Unlock()
		log.Printf("[Pipeline] Start failed: %v", err)
		return err
	}

	p.mu.Lock()
	p.run = r
	p.state = StateRunning
	p.startedAt = p.deps.Clock.Now()
	p.mu.Unlock()

	go p.loop(r)

	log.Printf("[Pipeline] Started run %s (source: %s, frame skip: %d)", r.id, source, p.cfg.FrameSkip)
	return nil
}

func (p *Pipeline) setup(ctx context.Context, source string) (*run, error) {
	if !p.deps.Detector.IsHealthy(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrDetectorUnavailable, p.deps.Detector.Name())
	}

	src, err := p.deps.Open(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
	}

	p.trackMu.Lock()
	p.deps.Tracker.Reset()
	p.trackMu.Unlock()

	queue := NewDispatcher(p.deps.Sink, p.cfg.QueueSize, p.cfg.WriteTimeout)
	runCtx, cancel := context.WithCancel(context.Background())

	return &run{
		id:      uuid.NewString(),
		address: source,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		frames:  NewFrameBuffer(),
		counter: NewCrossingCounter(p.cfg.Crossing, p.deps.Clock, queue),
		queue:   queue,
		source:  src,
	}, nil
}

// Stop ends the loop, waits for it up to StopTimeout, then drains the
// telemetry queue. Calling Stop on a stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	r := p.run
	p.state = StateStopping
	p.mu.Unlock()

	log.Printf("[Pipeline] Stopping run %s", r.id)
	r.cancel()

	var err error
	timer := time.NewTimer(p.cfg.StopTimeout)
	select {
	case <-r.done:
		timer.Stop()
	case <-timer.C:
		err = ErrStopTimeout
		log.Printf("[Pipeline] Loop did not exit within %s, continuing shutdown", p.cfg.StopTimeout)
	}

	p.finish(r)

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	log.Printf("[Pipeline] Stopped run %s (%d frames read, %d processed)", r.id, r.framesRead.Load(), r.processed.Load())
	return err
}

// finish releases the run's source and drains its telemetry queue
func (p *Pipeline) finish(r *run) {
	r.finishOnce.Do(func() {
		r.cancel()
		r.closeSource()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
		defer cancel()
		if err := r.queue.Close(ctx); err != nil {
			log.Printf("[Pipeline] Telemetry drain incomplete: %v", err)
		}
	})
}

// selfStop handles a loop that ended on its own, e.g. after exhausting reconnects
func (p *Pipeline) selfStop(r *run, cause error) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.run != r || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	p.lastErr = cause.Error()
	p.mu.Unlock()

	p.finish(r)

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	log.Printf("[Pipeline] Run %s ended: %v", r.id, cause)
}

func (p *Pipeline) loop(r *run) {
	err := p.process(r)
	close(r.done)

	if err != nil && r.ctx.Err() == nil {
		go p.selfStop(r, err)
	}
}

// process is the frame loop. It returns nil when cancelled and an error when
// the source cannot be recovered. A reconnect counts as failed when the open
// fails or when the reopened source errors before delivering a frame.
func (p *Pipeline) process(r *run) error {
	defer r.closeSource()

	log.Printf("[Pipeline] Processing loop started for %s", r.address)

	ctx := r.ctx
	src := r.getSource()
	failures := 0
	delivered := false

	giveUp := func() bool {
		failures++
		return p.cfg.MaxReconnects > 0 && failures >= p.cfg.MaxReconnects
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if src == nil {
			if !sleepCtx(ctx, p.cfg.ReconnectBackoff) {
				return nil
			}
			reopened, err := p.deps.Open(ctx, r.address)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				exhausted := giveUp()
				log.Printf("[Pipeline] Reconnect attempt %d to %s failed: %v", failures, r.address, err)
				if exhausted {
					return fmt.Errorf("%w: %d reconnect attempts failed", ErrSourceUnavailable, failures)
				}
				continue
			}
			log.Printf("[Pipeline] Reconnected to %s", r.address)
			r.setSource(reopened)
			src = reopened
			delivered = false
		}

		iterStart := time.Now()

		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[Pipeline] End of stream on %s, reopening", r.address)
			} else {
				log.Printf("[Pipeline] Frame read failed on %s: %v", r.address, err)
			}
			r.closeSource()
			src = nil
			r.reconnects.Add(1)
			if !delivered && giveUp() {
				return fmt.Errorf("%w: %d reconnect attempts failed", ErrSourceUnavailable, failures)
			}
			continue
		}
		failures = 0
		delivered = true

		n := r.framesRead.Add(1)
		r.frames.PublishRaw(frame)

		if n%uint64(p.cfg.FrameSkip) == 0 {
			p.processFrame(r, frame)
		}

		if wait := p.cfg.FrameInterval - time.Since(iterStart); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return nil
			}
		}
	}
}

// processFrame runs detect, track and crossing update for one frame.
// Detection is not interrupted by Stop, but its result is dropped when the
// run was cancelled meanwhile so the shared tracker never sees a stale frame.
func (p *Pipeline) processFrame(r *run, frame *Frame) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), p.cfg.DetectTimeout)
	defer cancel()

	detections, err := p.deps.Detector.Detect(ctx, frame, p.cfg.ClassFilter)
	if err != nil {
		log.Printf("[Pipeline] Detection error on frame %d: %v", frame.Seq, err)
		return
	}

	tracks, events, ok := p.track(r, frame.Seq, detections)
	if !ok {
		return
	}
	for _, ev := range events {
		p.deps.Events.Publish(ev)
	}

	annotated := frame
	if p.deps.Annotator != nil {
		annotated = frame.Clone()
		p.deps.Annotator.Annotate(annotated.Image, Scene{
			Line:       p.cfg.Crossing.Line,
			Detections: detections,
			Tracks:     tracks,
			Counted:    r.counter.CountedIDs(),
			Counts:     r.counter.Counts(),
		})
	}

	r.frames.PublishAnnotated(annotated, MatchTracked(detections, tracks, p.cfg.MatchTolerance))
	r.processed.Add(1)
}

// track feeds the tracker and the run's counter. It reports false when the
// run is already cancelled or tracking failed.
func (p *Pipeline) track(r *run, seq uint64, detections []Detection) ([]TrackedObject, []VehicleEvent, bool) {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()

	if r.ctx.Err() != nil {
		log.Printf("[Pipeline] Dropping frame %d of stopped run %s", seq, r.id)
		return nil, nil, false
	}

	tracks, err := p.deps.Tracker.Update(detections)
	if err != nil {
		log.Printf("[Pipeline] Tracking error on frame %d: %v", seq, err)
		return nil, nil, false
	}
	return tracks, r.counter.Update(tracks, detections), true
}

// Status returns the lifecycle state and loop statistics
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		State:     p.state,
		Running:   p.state == StateRunning,
		Source:    p.source,
		LastError: p.lastErr,
	}
	if p.run != nil {
		st.RunID = p.run.id
		st.StartedAt = p.startedAt
		st.FramesRead = p.run.framesRead.Load()
		st.FramesProcessed = p.run.processed.Load()
		st.Reconnects = p.run.reconnects.Load()
	}
	return st
}

// Running reports whether the loop is active
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateRunning
}

// LatestRawFrame returns a copy of the latest captured frame, or nil
func (p *Pipeline) LatestRawFrame() *Frame {
	if r := p.currentRun(); r != nil {
		return r.frames.LatestRaw()
	}
	return nil
}

// LatestAnnotatedFrame returns a copy of the latest processed frame, or nil
func (p *Pipeline) LatestAnnotatedFrame() *Frame {
	if r := p.currentRun(); r != nil {
		return r.frames.LatestAnnotated()
	}
	return nil
}

// CurrentDetections returns the detections that matched a tracked object on the latest pass
func (p *Pipeline) CurrentDetections() []Detection {
	if r := p.currentRun(); r != nil {
		return r.frames.Detections()
	}
	return nil
}

func (p *Pipeline) currentRun() *run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.run
}

// Counts returns the counts of the current run, or of the last run once stopped
func (p *Pipeline) Counts() Counts {
	r := p.currentRun()
	if r == nil {
		return NewCrossingCounter(p.cfg.Crossing, p.deps.Clock, nil).Counts()
	}
	return r.counter.Counts()
}

// QueueStats returns telemetry dispatch counters for the current run
func (p *Pipeline) QueueStats() QueueStats {
	r := p.currentRun()
	if r == nil {
		return QueueStats{}
	}
	return r.queue.Stats()
}

// MatchTracked keeps the detections whose box lies within tolerance pixels
// of some tracked box on every edge.
func MatchTracked(detections []Detection, tracks []TrackedObject, tolerance float32) []Detection {
	matched := make([]Detection, 0, len(detections))
	for _, det := range detections {
		for _, track := range tracks {
			if near(det.BBox.X1, track.BBox.X1, tolerance) && near(det.BBox.Y1, track.BBox.Y1, tolerance) &&
				near(det.BBox.X2, track.BBox.X2, tolerance) && near(det.BBox.Y2, track.BBox.Y2, tolerance) {
				matched = append(matched, det)
				break
			}
		}
	}
	return matched
}

func near(a, b, tolerance float32) bool {
	return math.Abs(float64(a-b)) < float64(tolerance)
}

func (r *run) getSource() FrameSource {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	return r.source
}

func (r *run) setSource(src FrameSource) {
	r.srcMu.Lock()
	r.source = src
	r.srcMu.Unlock()
}

func (r *run) closeSource() {
	r.srcMu.Lock()
	src := r.source
	r.source = nil
	r.srcMu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			log.Printf("[Pipeline] Error closing source %s: %v", r.address, err)
		}
	}
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
