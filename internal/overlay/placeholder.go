package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// Placeholder identifies a status frame shown when no video is available
type Placeholder int

const (
	LivestreamStopped Placeholder = iota
	DetectionStopped
	Processing
	CameraError
)

type placeholderText struct {
	lines []string
	color color.RGBA
}

var placeholders = map[Placeholder]placeholderText{
	LivestreamStopped: {[]string{"Livestream Stopped", "Click Start to begin"}, ColorMuted},
	DetectionStopped:  {[]string{"AI Detection Stopped", "Start livestream first"}, ColorMuted},
	Processing:        {[]string{"Processing..."}, ColorTracking},
	CameraError:       {[]string{"Camera Error"}, ColorLine},
}

// Lines returns the text drawn on the placeholder
func (p Placeholder) Lines() []string {
	return placeholders[p].lines
}

// Render draws the placeholder on a black canonical-size frame
func (p Placeholder) Render() *image.RGBA {
	w, h := pipeline.CanonicalWidth, pipeline.CanonicalHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	text := placeholders[p]
	lineHeight := glyphHeight + 12
	top := (h - len(text.lines)*lineHeight) / 2
	for i, line := range text.lines {
		x := (w - len(line)*glyphWidth) / 2
		drawLabel(img, x, top+i*lineHeight, line, text.color)
	}
	return img
}

var (
	jpegCacheMu sync.Mutex
	jpegCache   = map[Placeholder][]byte{}
)

// JPEG returns the encoded placeholder. Encodings are cached.
func (p Placeholder) JPEG() []byte {
	jpegCacheMu.Lock()
	defer jpegCacheMu.Unlock()

	if data, ok := jpegCache[p]; ok {
		return data
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, p.Render(), &jpeg.Options{Quality: 85}); err != nil {
		return nil
	}
	jpegCache[p] = buf.Bytes()
	return jpegCache[p]
}
