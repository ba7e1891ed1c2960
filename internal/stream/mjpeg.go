// Package stream serves pipeline frames to browsers as MJPEG, single JPEG
// snapshots and binary WebSocket messages.
package stream

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// JPEGSource returns the JPEG to send next and the sequence number of the
// frame it was encoded from. Placeholder images report sequence 0.
type JPEGSource func() (data []byte, seq uint64)

// Resend interval for placeholder images, which never change sequence
const placeholderInterval = time.Second

// Encoder encodes frames to JPEG, reusing the previous result while the
// same frame is requested again
type Encoder struct {
	quality int

	mu   sync.Mutex
	seq  uint64
	ts   time.Time
	data []byte
}

// NewEncoder creates an encoder with the given JPEG quality
func NewEncoder(quality int) *Encoder {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Encoder{quality: quality}
}

// Encode returns the JPEG for frame, or nil when frame is nil or encoding fails
func (e *Encoder) Encode(frame *pipeline.Frame) []byte {
	if frame == nil || frame.Image == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data != nil && e.seq == frame.Seq && e.ts.Equal(frame.Timestamp) {
		return e.data
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		log.Printf("[Stream] Failed to encode frame %d: %v", frame.Seq, err)
		return nil
	}
	e.seq, e.ts, e.data = frame.Seq, frame.Timestamp, buf.Bytes()
	return e.data
}

// MJPEGHandler streams a JPEGSource as multipart/x-mixed-replace
type MJPEGHandler struct {
	name     string
	interval time.Duration
	source   JPEGSource
}

// NewMJPEGHandler creates a handler polling source at up to fps frames per second
func NewMJPEGHandler(name string, fps int, source JPEGSource) *MJPEGHandler {
	if fps <= 0 {
		fps = 30
	}
	return &MJPEGHandler{
		name:     name,
		interval: time.Second / time.Duration(fps),
		source:   source,
	}
}

// ServeHTTP serves the MJPEG stream to a client
func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Printf("[MJPEGStream] Client connected to %s stream from %s", h.name, r.RemoteAddr)
	defer log.Printf("[MJPEGStream] Client disconnected from %s stream", h.name)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var (
		lastSeq  uint64
		lastSent time.Time
		sent     bool
	)
	for {
		frame, seq := h.source()
		due := !sent || seq != lastSeq || (seq == 0 && time.Since(lastSent) >= placeholderInterval)
		if len(frame) > 0 && due {
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
			lastSeq, lastSent, sent = seq, time.Now(), true
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\r\n")
	return err
}

// SnapshotHandler serves the current frame as a single JPEG
type SnapshotHandler struct {
	source JPEGSource
}

// NewSnapshotHandler creates a new snapshot handler
func NewSnapshotHandler(source JPEGSource) *SnapshotHandler {
	return &SnapshotHandler{source: source}
}

// ServeHTTP serves a single JPEG snapshot
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame, _ := h.source()
	if len(frame) == 0 {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}
