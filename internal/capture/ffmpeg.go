package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// FFmpegSource reads MJPEG frames from an ffmpeg child process. Only the
// most recent undelivered frame is kept; older ones are dropped so the
// consumer always sees live video.
type FFmpegSource struct {
	address string
	width   int
	height  int

	cmd    *exec.Cmd
	cancel context.CancelFunc

	latest  chan []byte // Holds at most one encoded frame
	pending []byte      // First frame received while opening
	done    chan struct{}
	err     error // Read loop result, valid once done is closed

	stderrMu   sync.Mutex
	stderrTail string

	seq       atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// OpenFFmpeg starts ffmpeg for address and waits for the first frame
func OpenFFmpeg(ctx context.Context, address string, opts Options) (*FFmpegSource, error) {
	opts = opts.withDefaults()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, opts.FFmpegPath, ffmpegArgs(address, opts)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := newFFmpegSource(address, opts)
	s.cmd = cmd
	s.cancel = cancel

	go s.consumeStderr(stderr)
	go s.readLoop(stdout)

	if err := s.awaitFirstFrame(ctx, opts.OpenTimeout); err != nil {
		s.Close()
		return nil, err
	}

	log.Printf("[FrameSource] Opened %s via ffmpeg (%dx%d @ %d fps)", address, opts.Width, opts.Height, opts.FPS)
	return s, nil
}

func newFFmpegSource(address string, opts Options) *FFmpegSource {
	return &FFmpegSource{
		address: address,
		width:   opts.Width,
		height:  opts.Height,
		latest:  make(chan []byte, 1),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
}

func (s *FFmpegSource) awaitFirstFrame(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-s.latest:
		s.pending = data
		return nil
	case <-s.done:
		select {
		case data := <-s.latest:
			s.pending = data
			return nil
		default:
		}
		return fmt.Errorf("ffmpeg exited before the first frame: %v%s", s.err, s.stderrHint())
	case <-timer.C:
		return fmt.Errorf("no frame from %s within %s%s", s.address, timeout, s.stderrHint())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame returns the next decoded frame. It returns io.EOF once ffmpeg
// stops producing output and every buffered frame has been read.
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*pipeline.Frame, error) {
	if data := s.pending; data != nil {
		s.pending = nil
		return decodeFrame(data, s.width, s.height, s.seq.Add(1))
	}

	select {
	case data := <-s.latest:
		return decodeFrame(data, s.width, s.height, s.seq.Add(1))
	case <-s.done:
		select {
		case data := <-s.latest:
			return decodeFrame(data, s.width, s.height, s.seq.Add(1))
		default:
		}
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills ffmpeg and waits for it to exit. Safe to call more than once.
func (s *FFmpegSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.cmd != nil {
			if werr := s.cmd.Wait(); werr != nil && !isKilled(werr) {
				err = werr
			}
		}
		if n := s.dropped.Load(); n > 0 {
			log.Printf("[FrameSource] Closed %s (%d frames read, %d stale frames dropped)", s.address, s.seq.Load(), n)
		}
	})
	return err
}

// readLoop splits the MJPEG byte stream into frames
func (s *FFmpegSource) readLoop(r io.Reader) {
	defer close(s.done)

	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buffer)
				if frame == nil {
					break
				}
				s.offer(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("read ffmpeg output: %w", err)
			}
			return
		}
	}
}

// offer replaces any undelivered frame with data. readLoop is the only sender.
func (s *FFmpegSource) offer(data []byte) {
	select {
	case <-s.latest:
		s.dropped.Add(1)
	default:
	}
	s.latest <- data
}

func (s *FFmpegSource) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.stderrMu.Lock()
		s.stderrTail = line
		s.stderrMu.Unlock()
	}
}

func (s *FFmpegSource) stderrHint() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	if s.stderrTail == "" {
		return ""
	}
	return " (ffmpeg: " + s.stderrTail + ")"
}

func isKilled(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) || errors.Is(err, context.Canceled)
}

// ffmpegArgs builds the ffmpeg command line for an input address
func ffmpegArgs(address string, opts Options) []string {
	var args []string

	switch {
	case strings.HasPrefix(address, "rtsp://") || strings.HasPrefix(address, "rtsps://"):
		args = []string{"-rtsp_transport", "tcp", "-i", address}
	case isHTTP(address):
		args = []string{"-i", address}
	case strings.HasPrefix(address, "/dev/video"):
		args = []string{"-f", "v4l2", "-framerate", strconv.Itoa(opts.FPS), "-i", address}
	default:
		// Local video files are read at their native rate
		args = []string{"-re", "-i", address}
	}

	return append(args,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height),
		"-r", strconv.Itoa(opts.FPS),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)
