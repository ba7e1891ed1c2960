package pipeline

import "sync"

// FrameBuffer holds the latest raw frame, annotated frame and tracked
// detections. The pipeline loop is the only writer. Frames are copied on the
// way in and on the way out; the lock only guards pointer swaps, so readers
// never hold it while copying or encoding.
type FrameBuffer struct {
	mu         sync.Mutex
	raw        *Frame
	annotated  *Frame
	detections []Detection
}

// NewFrameBuffer creates an empty frame buffer
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// PublishRaw stores a copy of the latest captured frame
func (b *FrameBuffer) PublishRaw(frame *Frame) {
	clone := frame.Clone()

	b.mu.Lock()
	b.raw = clone
	b.mu.Unlock()
}

// PublishAnnotated stores a copy of the latest processed frame and its detections
func (b *FrameBuffer) PublishAnnotated(frame *Frame, detections []Detection) {
	clone := frame.Clone()
	dets := make([]Detection, len(detections))
	copy(dets, detections)

	b.mu.Lock()
	b.annotated = clone
	b.detections = dets
	b.mu.Unlock()
}

// LatestRaw returns a copy of the latest raw frame, or nil
func (b *FrameBuffer) LatestRaw() *Frame {
	b.mu.Lock()
	frame := b.raw
	b.mu.Unlock()

	// Stored frames are never mutated after publication
	return frame.Clone()
}

// LatestAnnotated returns a copy of the latest annotated frame, or nil
func (b *FrameBuffer) LatestAnnotated() *Frame {
	b.mu.Lock()
	frame := b.annotated
	b.mu.Unlock()

	return frame.Clone()
}

// Detections returns a copy of the detections published with the latest annotated frame
func (b *FrameBuffer) Detections() []Detection {
	b.mu.Lock()
	defer b.mu.Unlock()

	dets := make([]Detection, len(b.detections))
	copy(dets, b.detections)
	return dets
}
