package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

const minSnapshotInterval = 100 * time.Millisecond

// SnapshotSource polls an HTTP endpoint that returns a single JPEG per request
type SnapshotSource struct {
	address  string
	width    int
	height   int
	client   *http.Client
	interval time.Duration

	lastFetch time.Time
	pending   *pipeline.Frame
	seq       atomic.Uint64
	closed    atomic.Bool
}

// OpenSnapshot creates a polling source and fetches the first frame
func OpenSnapshot(ctx context.Context, address string, opts Options) (*SnapshotSource, error) {
	opts = opts.withDefaults()

	interval := time.Second / time.Duration(opts.FPS)
	if interval < minSnapshotInterval {
		interval = minSnapshotInterval
	}

	s := &SnapshotSource{
		address:  address,
		width:    opts.Width,
		height:   opts.Height,
		client:   &http.Client{Timeout: opts.HTTPTimeout},
		interval: interval,
	}

	openCtx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	frame, err := s.fetch(openCtx)
	if err != nil {
		return nil, err
	}
	s.pending = frame

	log.Printf("[FrameSource] Polling %s every %s", address, interval)
	return s, nil
}

// ReadFrame waits for the next poll slot and fetches a frame
func (s *SnapshotSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	if frame := s.pending; frame != nil {
		s.pending = nil
		return frame, nil
	}

	if wait := s.interval - time.Since(s.lastFetch); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return s.fetch(ctx)
}

func (s *SnapshotSource) fetch(ctx context.Context) (*pipeline.Frame, error) {
	s.lastFetch = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.address, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot from %s: %w", s.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot from %s: status %d", s.address, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	return decodeFrame(data, s.width, s.height, s.seq.Add(1))
}

// Close stops polling. Safe to call more than once.
func (s *SnapshotSource) Close() error {
	s.closed.Store(true)
	s.client.CloseIdleConnections()
	return nil
}

var _ pipeline.FrameSource = (*SnapshotSource)(nil)
