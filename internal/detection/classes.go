package detection

import (
	"strings"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// DefaultClassFilter is the set of detector classes requested by default
var DefaultClassFilter = []string{"car", "truck", "bus", "motorcycle", "bicycle"}

var vehicleClasses = map[string]string{
	"car":        "car",
	"truck":      "truck",
	"bus":        "truck", // Buses are counted as trucks
	"motorcycle": "motorbike",
	"bicycle":    "bicycle",
	"person":     "",
}

// MapVehicleClass maps a detector class name onto a counted vehicle type.
// The second result is false for classes that are never counted (people).
// Unknown names fall back to partial matches and finally to car.
func MapVehicleClass(name string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if mapped, ok := vehicleClasses[lower]; ok {
		return mapped, mapped != ""
	}

	switch {
	case strings.Contains(lower, "car") || strings.Contains(lower, "vehicle"):
		return "car", true
	case strings.Contains(lower, "truck") || strings.Contains(lower, "lorry"):
		return "truck", true
	case strings.Contains(lower, "bus"):
		return "truck", true
	case strings.Contains(lower, "motor") || strings.Contains(lower, "bike"):
		if strings.Contains(lower, "bicycle") || strings.Contains(lower, "cycle") {
			return "bicycle", true
		}
		return "motorbike", true
	}
	return "car", true
}

// rawDetection is one detector result on the wire
type rawDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// toVehicleDetections filters raw results by confidence and class filter and
// maps them onto vehicle classes. Malformed boxes are skipped.
func toVehicleDetections(raw []rawDetection, classFilter []string, minConfidence float32) []pipeline.Detection {
	allowed := make(map[string]bool, len(classFilter))
	for _, c := range classFilter {
		allowed[strings.ToLower(c)] = true
	}

	out := make([]pipeline.Detection, 0, len(raw))
	for _, d := range raw {
		if len(d.BBox) != 4 || d.Confidence < minConfidence {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(d.Class)] {
			continue
		}
		class, counted := MapVehicleClass(d.Class)
		if !counted {
			continue
		}
		out = append(out, pipeline.Detection{
			Class:      class,
			Confidence: d.Confidence,
			BBox:       pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		})
	}
	return out
}
