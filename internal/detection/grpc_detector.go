package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/pipeline"
)

// DetectMethod is the unary detection RPC. Request and response are
// google.protobuf.Struct messages carrying the same fields as the HTTP API.
const DetectMethod = "/traffic.detection.v1.DetectionService/Detect"

// GRPCDetector provides gRPC-based object detection
type GRPCDetector struct {
	endpoint      string
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	confThreshold float32
	jpegQuality   int

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint      string
	ConfThreshold float32
}

// NewGRPCDetector creates a client for the detection service. The
// connection is established lazily on the first call.
func NewGRPCDetector(config GRPCDetectorConfig, opts ...grpc.DialOption) (*GRPCDetector, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(config.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection client: %w", err)
	}

	log.Printf("[GRPCDetector] Using %s", config.Endpoint)
	return &GRPCDetector{
		endpoint:      config.Endpoint,
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		confThreshold: config.ConfThreshold,
		jpegQuality:   85,
	}, nil
}

// Name implements pipeline.Detector
func (gd *GRPCDetector) Name() string { return "grpc" }

// IsHealthy queries the standard gRPC health service
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < healthCacheTTL && gd.healthy {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{})
	gd.healthMu.Lock()
	defer gd.healthMu.Unlock()
	if err != nil {
		log.Printf("[GRPCDetector] Health check failed: %v", err)
		gd.healthy = false
		return false
	}

	gd.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	gd.lastHealth = time.Now()
	return gd.healthy
}

// Detect sends one frame through the unary Detect RPC
func (gd *GRPCDetector) Detect(ctx context.Context, frame *pipeline.Frame, classFilter []string) ([]pipeline.Detection, error) {
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("empty frame")
	}

	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.Image, &jpeg.Options{Quality: gd.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	classes := make([]any, len(classFilter))
	for i, c := range classFilter {
		classes[i] = c
	}
	req, err := structpb.NewStruct(map[string]any{
		"frame_id":       float64(frame.Seq),
		"image_jpeg":     base64.StdEncoding.EncodeToString(img.Bytes()),
		"width":          float64(frame.Width()),
		"height":         float64(frame.Height()),
		"conf_threshold": float64(gd.confThreshold),
		"classes":        classes,
	})
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("detect rpc: %w", err)
	}

	result, err := decodeStructResult(resp)
	if err != nil {
		return nil, err
	}
	return toVehicleDetections(result.Detections, classFilter, gd.confThreshold), nil
}

// decodeStructResult converts the Struct response into a DetectionResult
func decodeStructResult(resp *structpb.Struct) (*DetectionResult, error) {
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal detect response: %w", err)
	}
	var result DetectionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}
	return &result, nil
}

// Close closes the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

var _ pipeline.Detector = (*GRPCDetector)(nil)
