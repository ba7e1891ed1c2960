// Package overlay draws tracking annotations and status placeholders onto frames.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

var (
	ColorLine     = color.RGBA{255, 0, 0, 255}
	ColorCounted  = color.RGBA{0, 255, 0, 255}
	ColorTracking = color.RGBA{255, 255, 0, 255}
	ColorDetected = color.RGBA{255, 0, 255, 255}
	ColorText     = color.RGBA{255, 255, 255, 255}
	ColorMuted    = color.RGBA{128, 128, 128, 255}

	labelBackground = color.RGBA{0, 0, 0, 180}
)

const (
	glyphWidth  = 7
	glyphHeight = 13
)

// Annotator draws the counting line, raw detections, tracks and running
// totals. Counted tracks are green, tracks not yet counted are yellow.
type Annotator struct {
	CornerLength  int
	LineThickness int
	ShowCounts    bool
}

// NewAnnotator creates an annotator with the default styling
func NewAnnotator() *Annotator {
	return &Annotator{
		CornerLength:  9,
		LineThickness: 3,
		ShowCounts:    true,
	}
}

// Annotate implements pipeline.Annotator
func (a *Annotator) Annotate(img *image.RGBA, scene pipeline.Scene) {
	if img == nil {
		return
	}

	for _, det := range scene.Detections {
		r := det.BBox.Rect()
		drawCornerRect(img, r, a.CornerLength, 1, ColorDetected)
	}

	l := scene.Line
	drawLine(img, image.Pt(l.X1, l.Y1), image.Pt(l.X2, l.Y2), a.LineThickness, ColorLine)

	for _, track := range scene.Tracks {
		r := track.BBox.Rect()
		c, label := ColorTracking, fmt.Sprintf("TRACKING ID: %d", track.ID)
		if scene.Counted[track.ID] {
			c, label = ColorCounted, fmt.Sprintf("COUNTED ID: %d", track.ID)
		}
		drawCornerRect(img, r, a.CornerLength, 2, c)
		drawLabel(img, max(0, r.Min.X), max(glyphHeight+2, r.Min.Y)-glyphHeight-2, label, c)
	}

	if a.ShowCounts {
		drawLabel(img, 4, 4, fmt.Sprintf("Count: %d", scene.Counts.Total), ColorText)
	}
}

// drawCornerRect draws only the four corners of r, each arm length long
func drawCornerRect(img *image.RGBA, r image.Rectangle, length, thickness int, c color.RGBA) {
	if r.Empty() {
		return
	}
	length = min(length, r.Dx()/2, r.Dy()/2)
	if length <= 0 {
		length = 1
	}

	corners := []struct {
		p      image.Point
		dx, dy int
	}{
		{r.Min, 1, 1},
		{image.Pt(r.Max.X-1, r.Min.Y), -1, 1},
		{image.Pt(r.Min.X, r.Max.Y-1), 1, -1},
		{image.Pt(r.Max.X-1, r.Max.Y-1), -1, -1},
	}
	for _, corner := range corners {
		for t := 0; t < thickness; t++ {
			for i := 0; i < length; i++ {
				setPixel(img, corner.p.X+i*corner.dx, corner.p.Y+t*corner.dy, c)
				setPixel(img, corner.p.X+t*corner.dx, corner.p.Y+i*corner.dy, c)
			}
		}
	}
}

// drawLine rasterises a segment with Bresenham's algorithm, stamping a
// square brush of the given thickness at each step
func drawLine(img *image.RGBA, p0, p1 image.Point, thickness int, c color.RGBA) {
	half := thickness / 2
	dx, dy := abs(p1.X-p0.X), -abs(p1.Y-p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}

	x, y := p0.X, p0.Y
	e := dx + dy
	for {
		for oy := -half; oy <= half; oy++ {
			for ox := -half; ox <= half; ox++ {
				setPixel(img, x+ox, y+oy, c)
			}
		}
		if x == p1.X && y == p1.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// drawLabel draws text on a translucent background with its top-left at (x, y)
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	textWidth := len(label) * glyphWidth
	bg := image.Rect(x-2, y-1, x+textWidth+2, y+glyphHeight+1).Intersect(bounds)
	draw.Draw(img, bg, image.NewUniform(labelBackground), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

var _ pipeline.Annotator = (*Annotator)(nil)
