package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// HTTPDetector sends frames to a YOLO inference service over HTTP
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
	jpegQuality   int

	healthMu    sync.Mutex
	healthy     bool
	lastHealthy time.Time
}

// DetectionResult is the inference service response
type DetectionResult struct {
	Detections      []rawDetection `json:"detections"`
	Count           int            `json:"count"`
	InferenceTimeMs float32        `json:"inference_time_ms"`
	Device          string         `json:"device"`
}

// NewHTTPDetector creates a detector for the service at endpoint
func NewHTTPDetector(endpoint string, confThreshold float32, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint:      strings.TrimRight(endpoint, "/"),
		client:        &http.Client{Timeout: timeout},
		confThreshold: confThreshold,
		jpegQuality:   85,
	}
}

// Name implements pipeline.Detector
func (d *HTTPDetector) Name() string { return "http" }

// IsHealthy checks GET /health. A healthy answer is cached for 30 seconds.
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.lastHealthy) < healthCacheTTL {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.Printf("[HTTPDetector] Health check failed: %v", err)
		d.healthy = false
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Printf("[HTTPDetector] Health check returned status %d", resp.StatusCode)
		d.healthy = false
		return false
	}

	d.healthy = true
	d.lastHealthy = time.Now()
	return true
}

// Detect posts the JPEG-encoded frame to /detect
func (d *HTTPDetector) Detect(ctx context.Context, frame *pipeline.Frame, classFilter []string) ([]pipeline.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}

	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.Image, &jpeg.Options{Quality: d.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(img.Bytes()); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.confThreshold)); err != nil {
		return nil, err
	}
	if len(classFilter) > 0 {
		if err := w.WriteField("classes", strings.Join(classFilter, ",")); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, fmt.Errorf("detection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detection result: %w", err)
	}

	return toVehicleDetections(result.Detections, classFilter, d.confThreshold), nil
}

func (d *HTTPDetector) markUnhealthy() {
	d.healthMu.Lock()
	d.healthy = false
	d.healthMu.Unlock()
}

// Close releases idle connections
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

var _ pipeline.Detector = (*HTTPDetector)(nil)
