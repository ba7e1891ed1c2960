// Package capture opens camera and video addresses as frame sources.
// Streams are read through ffmpeg; HTTP snapshot endpoints are polled.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// Options configures how sources are opened
type Options struct {
	Width       int           // Output width, defaults to the canonical width
	Height      int           // Output height, defaults to the canonical height
	FPS         int           // Requested capture rate
	OpenTimeout time.Duration // Maximum wait for the first frame
	HTTPTimeout time.Duration // Per-request timeout for snapshot polling
	FFmpegPath  string        // ffmpeg binary, defaults to "ffmpeg" on PATH
}

// DefaultOptions returns options for a 480x270 feed at 30 fps
func DefaultOptions() Options {
	return Options{
		Width:       pipeline.CanonicalWidth,
		Height:      pipeline.CanonicalHeight,
		FPS:         30,
		OpenTimeout: 10 * time.Second,
		HTTPTimeout: 10 * time.Second,
		FFmpegPath:  "ffmpeg",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = d.Width, d.Height
	}
	if o.FPS <= 0 {
		o.FPS = d.FPS
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = d.OpenTimeout
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = d.HTTPTimeout
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = d.FFmpegPath
	}
	return o
}

// Open opens address as a frame source. HTTP image endpoints are polled,
// everything else (RTSP, MJPEG over HTTP, files, V4L2 devices) goes through ffmpeg.
func Open(ctx context.Context, address string, opts Options) (pipeline.FrameSource, error) {
	opts = opts.withDefaults()
	if isHTTPImageEndpoint(address) {
		return OpenSnapshot(ctx, address, opts)
	}
	return OpenFFmpeg(ctx, address, opts)
}

// Opener binds opts into a pipeline.SourceOpener
func Opener(opts Options) pipeline.SourceOpener {
	return func(ctx context.Context, address string) (pipeline.FrameSource, error) {
		return Open(ctx, address, opts)
	}
}

// Probe reports whether address looks reachable. HTTP sources must answer
// 200 with a non-empty body, RTSP sources must accept a TCP connection and
// local devices or files must be readable.
func Probe(ctx context.Context, address string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case isHTTP(address):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var one [1]byte
		n, _ := io.ReadFull(resp.Body, one[:])
		return n == 1

	case strings.HasPrefix(address, "rtsp://") || strings.HasPrefix(address, "rtsps://"):
		u, err := url.Parse(address)
		if err != nil || u.Host == "" {
			return false
		}
		host := u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "554")
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		conn.Close()
		return true

	default:
		f, err := os.Open(address)
		if err != nil {
			return false
		}
		f.Close()
		return true
	}
}

func isHTTP(address string) bool {
	return strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://")
}

func isHTTPImageEndpoint(address string) bool {
	return isHTTP(address) &&
		(strings.Contains(address, ".jpg") || strings.Contains(address, ".jpeg") || strings.Contains(address, "image"))
}

// decodeFrame decodes a JPEG and scales it to width x height
func decodeFrame(data []byte, width, height int, seq uint64) (*pipeline.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return pipeline.NewFrame(Resize(img, width, height), seq, time.Now()), nil
}

// Resize scales img to width x height. Images already at that size are returned unchanged.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// extractJPEGFrame removes and returns the first complete JPEG in buffer,
// delimited by the SOI (FFD8) and EOI (FFD9) markers
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF in case the marker straddles two reads
		if buf[len(buf)-1] == 0xFF {
			*buffer = buf[len(buf)-1:]
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = buf[start:]
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}
